// Package registry fetches package metadata and tarballs from npm-compatible
// registries.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/justbytecode/velocity/cache"
	"github.com/justbytecode/velocity/core"
	vhttp "github.com/justbytecode/velocity/http"
	"github.com/justbytecode/velocity/observability"
)

// DefaultURL is the public npm registry.
const DefaultURL = "https://registry.npmjs.org"

// AcceptMetadata requests abbreviated metadata, falling back to the full document.
const AcceptMetadata = "application/vnd.npm.install-v1+json; q=1.0, application/json; q=0.8, */*"

// Config selects registries.
type Config struct {
	// URL is the default registry.
	URL string

	// Scopes maps "@scope" to a registry URL.
	Scopes map[string]string

	// Mirrors are tried in order after the primary registry fails.
	Mirrors []string

	// Offline serves metadata only from cache.
	Offline bool
}

// Client fetches from the registry.
type Client struct {
	http   *vhttp.Client
	cfg    Config
	cache  *cache.MultiTierCache
	logger observability.Logger
	group  singleflight.Group
}

// NewClient creates a registry client. metadataCache may be nil.
func NewClient(httpClient *vhttp.Client, cfg Config, metadataCache *cache.MultiTierCache, logger observability.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	return &Client{
		http:   httpClient,
		cfg:    cfg,
		cache:  metadataCache,
		logger: observability.OrNull(logger),
	}
}

// RegistryFor returns the primary registry URL for a package name.
func (c *Client) RegistryFor(name string) string {
	if scope := core.Scope(name); scope != "" {
		if u, ok := c.cfg.Scopes[scope]; ok && u != "" {
			return strings.TrimSuffix(u, "/")
		}
	}
	return c.cfg.URL
}

// FetchMetadata returns the metadata of name.
//
// Fresh cached metadata is served without network access. Concurrent calls
// for the same name share one request. A 404 from the primary registry is
// PackageNotFound; any other failure on every registry is NetworkFailure.
func (c *Client) FetchMetadata(ctx context.Context, name string) (*PackageMetadata, error) {
	cc := cache.FromContext(ctx)
	if c.cfg.Offline && !cc.Offline {
		offline := *cc
		offline.Offline = true
		ctx = cache.WithContext(ctx, &offline)
		cc = &offline
	}

	if meta, ok := c.cached(ctx, name); ok {
		return meta, nil
	}

	if cc.Offline {
		return nil, &core.Error{Kind: core.NetworkFailure, Package: name,
			Err: errors.New("offline and no cached metadata")}
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		return c.fetchMetadata(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PackageMetadata), nil
}

func (c *Client) cached(ctx context.Context, name string) (*PackageMetadata, bool) {
	if c.cache == nil {
		return nil, false
	}
	data, ok, err := c.cache.Get(ctx, name)
	if err != nil {
		c.logger.DebugContext(ctx, "Metadata cache read for {Package} failed: {Error}", name, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	meta, err := decodeMetadata(name, data)
	if err != nil {
		c.logger.WarnContext(ctx, "Discarding corrupt cached metadata for {Package}: {Error}", name, err)
		_ = c.cache.Invalidate(name)
		return nil, false
	}
	return meta, true
}

func (c *Client) fetchMetadata(ctx context.Context, name string) (*PackageMetadata, error) {
	header := http.Header{}
	header.Set("Accept", AcceptMetadata)
	if sid := cache.FromContext(ctx).SessionID; sid != "" {
		header.Set("Npm-Session", sid)
	}

	var lastErr error
	for i, base := range c.registries(name) {
		spanCtx, span := observability.StartMetadataFetchSpan(ctx, name, base)
		resp, err := c.http.Get(spanCtx, base+"/"+EscapeName(name), header)
		observability.EndSpanWithError(span, err)

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if i == 0 && vhttp.IsNotFound(err) {
				return nil, &core.Error{Kind: core.PackageNotFound, Package: name, Err: err}
			}
			c.logger.WarnContext(ctx, "Registry {Registry} failed for {Package}: {Error}", base, name, err)
			lastErr = err
			continue
		}

		meta, err := decodeMetadata(name, resp.Body)
		if err != nil {
			lastErr = err
			continue
		}
		if c.cache != nil {
			if err := c.cache.Set(ctx, name, resp.Body); err != nil {
				c.logger.DebugContext(ctx, "Metadata cache write for {Package} failed: {Error}", name, err)
			}
		}
		return meta, nil
	}

	return nil, &core.Error{Kind: core.NetworkFailure, Package: name, Err: lastErr}
}

// FetchTarball downloads a tarball. When the URL points at the default
// registry, the same path is retried on each mirror.
func (c *Client) FetchTarball(ctx context.Context, tarballURL string) ([]byte, error) {
	if c.cfg.Offline || cache.FromContext(ctx).Offline {
		return nil, errors.New("offline: tarball not in store")
	}

	header := http.Header{}
	header.Set("Accept", "application/octet-stream")

	var lastErr error
	for _, u := range c.tarballURLs(tarballURL) {
		resp, err := c.http.Get(ctx, u, header)
		if err == nil {
			observability.PackageDownloadBytes.Add(float64(len(resp.Body)))
			return resp.Body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if vhttp.IsNotFound(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) registries(name string) []string {
	regs := []string{c.RegistryFor(name)}
	for _, m := range c.cfg.Mirrors {
		m = strings.TrimSuffix(m, "/")
		if m != regs[0] {
			regs = append(regs, m)
		}
	}
	return regs
}

func (c *Client) tarballURLs(tarballURL string) []string {
	urls := []string{tarballURL}
	if !strings.HasPrefix(tarballURL, c.cfg.URL+"/") {
		return urls
	}
	rest := strings.TrimPrefix(tarballURL, c.cfg.URL)
	for _, m := range c.cfg.Mirrors {
		urls = append(urls, strings.TrimSuffix(m, "/")+rest)
	}
	return urls
}

// EscapeName returns the URL path form of a package name: "@scope/name"
// becomes "@scope%2fname".
func EscapeName(name string) string {
	if strings.HasPrefix(name, "@") {
		return strings.Replace(name, "/", "%2f", 1)
	}
	return name
}

func decodeMetadata(name string, data []byte) (*PackageMetadata, error) {
	var meta PackageMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", name, err)
	}
	if meta.Name == "" {
		meta.Name = name
	}
	for ver, vm := range meta.Versions {
		if vm == nil {
			delete(meta.Versions, ver)
			continue
		}
		if vm.Name == "" {
			vm.Name = meta.Name
		}
		if vm.Version == "" {
			vm.Version = ver
		}
	}
	return &meta, nil
}
