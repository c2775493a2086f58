package install

import (
	"context"

	"github.com/justbytecode/velocity/config"
	"github.com/justbytecode/velocity/core/resolver"
	"github.com/justbytecode/velocity/observability"
	"github.com/justbytecode/velocity/store"
)

// Registry serves package metadata and tarballs. registry.Client
// implements it.
type Registry interface {
	resolver.MetadataSource
	FetchTarball(ctx context.Context, url string) ([]byte, error)
}

// Options configures an install.
type Options struct {
	// Dir is the project directory holding package.json.
	Dir string

	// Config holds the merged configuration. Nil means config.Default().
	Config *config.Config

	// Store is the content-addressable store. Nil opens Config.Cache.Dir.
	Store *store.Store

	// Registry serves metadata and tarballs. Nil builds a registry client
	// from Config with the metadata cache inside Store.
	Registry Registry

	// Production skips devDependencies.
	Production bool

	// FrozenLockfile fails the install when the lockfile would change.
	FrozenLockfile bool

	// Force skips the up-to-date check.
	Force bool

	// Reverify relinks every package from verified store content, not only
	// the added and changed ones.
	Reverify bool

	// Update names packages whose locked versions are ignored, so they
	// resolve to the newest versions their ranges allow. UpdateAll ignores
	// every locked version.
	Update    []string
	UpdateAll bool

	// Platform filters optional dependencies. Zero means the running platform.
	Platform resolver.Platform

	Logger  observability.Logger
	Console Console
}
