package resolver

import (
	"context"

	"github.com/justbytecode/velocity/registry"
)

//go:generate mockgen -source=source.go -destination=mocks/mock_source.go -package=mocks

// MetadataSource provides package metadata. registry.Client implements it.
type MetadataSource interface {
	FetchMetadata(ctx context.Context, name string) (*registry.PackageMetadata, error)
}
