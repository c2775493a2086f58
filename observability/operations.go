package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the tracer name for velocity operations.
const TracerName = "github.com/justbytecode/velocity"

// Common attribute keys
const (
	AttrPackageName    = attribute.Key("velocity.package.name")
	AttrPackageVersion = attribute.Key("velocity.package.version")
	AttrRegistry       = attribute.Key("velocity.registry.url")
	AttrDigest         = attribute.Key("velocity.content.digest")
	AttrCacheHit       = attribute.Key("velocity.cache.hit")
	AttrProject        = attribute.Key("velocity.project.path")
)

// StartMetadataFetchSpan starts a span for a registry metadata fetch.
func StartMetadataFetchSpan(ctx context.Context, name, registry string) (context.Context, trace.Span) {
	return StartSpan(ctx, "metadata.fetch",
		trace.WithAttributes(
			AttrPackageName.String(name),
			AttrRegistry.String(registry),
		),
	)
}

// StartTarballDownloadSpan starts a span for a tarball download.
func StartTarballDownloadSpan(ctx context.Context, name, ver string) (context.Context, trace.Span) {
	return StartSpan(ctx, "tarball.download",
		trace.WithAttributes(
			AttrPackageName.String(name),
			AttrPackageVersion.String(ver),
		),
	)
}

// StartResolveSpan starts a span for dependency resolution.
func StartResolveSpan(ctx context.Context, rootDeps int) (context.Context, trace.Span) {
	return StartSpan(ctx, "dependency.resolve",
		trace.WithAttributes(attribute.Int("velocity.root.dependencies", rootDeps)),
	)
}

// StartInstallSpan starts a span for one project install.
func StartInstallSpan(ctx context.Context, projectDir string) (context.Context, trace.Span) {
	return StartSpan(ctx, "install", trace.WithAttributes(AttrProject.String(projectDir)))
}

// StartExtractSpan starts a span for a tarball extraction.
func StartExtractSpan(ctx context.Context, name, digest string) (context.Context, trace.Span) {
	return StartSpan(ctx, "tarball.extract",
		trace.WithAttributes(
			AttrPackageName.String(name),
			AttrDigest.String(digest),
		),
	)
}

// RecordCacheHit records cache hit/miss on the current span
func RecordCacheHit(ctx context.Context, hit bool) {
	SetAttributes(ctx, AttrCacheHit.Bool(hit))
}

// RecordRetry records a retry attempt on the current span
func RecordRetry(ctx context.Context, attempt int, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	AddEvent(ctx, "retry",
		attribute.Int("retry.attempt", attempt),
		attribute.String("retry.error", msg),
	)
}

// EndSpanWithError ends a span with an error status
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
