package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/justbytecode/velocity/core"
	"github.com/justbytecode/velocity/core/resolver"
	"github.com/justbytecode/velocity/lockfile"
	"github.com/justbytecode/velocity/observability"
	"github.com/justbytecode/velocity/packaging"
	"github.com/justbytecode/velocity/security"
	"github.com/justbytecode/velocity/store"
)

// outcome is the result of making one package available in the store.
type outcome struct {
	node   *resolver.Node
	digest string
	cached bool
	bytes  int64
	err    error // a failure confined to this package
}

// fetch makes the extracted tree of every pending package available in the
// store and returns the store digest of each package key that succeeded.
// Downloads run concurrently up to the configured limit; the first fatal
// error cancels the rest.
func (i *Installer) fetch(ctx context.Context, nodes []*resolver.Node, res *Result) (map[string]string, error) {
	byKey := make(map[string]*resolver.Node)
	for _, n := range nodes {
		if _, ok := byKey[n.Key()]; !ok {
			byKey[n.Key()] = n
		}
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outcomes := make(chan outcome, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Network.Concurrency)
	for _, key := range keys {
		n := byKey[key]
		g.Go(func() error {
			o, err := i.materialize(gctx, n)
			if err != nil {
				if !i.contained(n, err) {
					return err
				}
				o.err = err
			}
			outcomes <- o
			return nil
		})
	}
	err := g.Wait()
	close(outcomes)

	digests := make(map[string]string, len(keys))
	for o := range outcomes {
		switch {
		case o.err != nil:
			res.Failed = append(res.Failed, Failure{Package: o.node.Name, Version: o.node.Version, Err: o.err})
			res.warn(fmt.Sprintf("skipped %s: %v", o.node.Key(), o.err))
			continue
		case o.cached:
			res.Cached++
		default:
			res.Downloaded++
			res.DownloadedBytes += o.bytes
		}
		digests[o.node.Key()] = o.digest
	}
	sort.Slice(res.Failed, func(a, b int) bool {
		if res.Failed[a].Package != res.Failed[b].Package {
			return res.Failed[a].Package < res.Failed[b].Package
		}
		return res.Failed[a].Version < res.Failed[b].Version
	})
	return digests, err
}

// contained reports whether err may fail only its own package: optional
// packages that cannot be downloaded, and rejected tarballs when
// extraction is not strict.
func (i *Installer) contained(n *resolver.Node, err error) bool {
	switch core.KindOf(err) {
	case core.DownloadFailed:
		return n.Optional
	case core.PathTraversal:
		return !i.cfg.Security.StrictExtraction
	default:
		return false
	}
}

// materialize ensures the store holds the verified blob and extracted tree
// of n. Nothing reaches the store before its integrity is checked.
func (i *Installer) materialize(ctx context.Context, n *resolver.Node) (outcome, error) {
	o := outcome{node: n}

	integrity := lockfile.IntegrityOf(n)
	if integrity == "" && i.cfg.Security.RequireIntegrity {
		observability.IntegrityFailuresTotal.WithLabelValues("missing").Inc()
		return o, &core.Error{Kind: core.IntegrityViolation, Package: n.Name, Version: n.Version,
			Err: errors.New("registry published no integrity and require_integrity is set")}
	}

	if digest, ok := i.store.Lookup(integrity); ok {
		if i.opts.Reverify {
			if err := i.store.Verify(digest); err != nil {
				return o, withPackage(err, n)
			}
		}
		if err := i.extract(ctx, n, digest, nil); err != nil {
			return o, err
		}
		observability.PackageDownloadsTotal.WithLabelValues("cached").Inc()
		o.digest, o.cached = digest, true
		return o, nil
	}

	data, err := i.download(ctx, n)
	if err != nil {
		return o, err
	}
	if integrity != "" {
		if err := security.Verify(data, integrity); err != nil {
			observability.IntegrityFailuresTotal.WithLabelValues("mismatch").Inc()
			return o, withPackage(err, n)
		}
	}

	digest := store.Digest(data)
	if err := i.extract(ctx, n, digest, data); err != nil {
		return o, err
	}
	if _, err := i.store.PutBytes(data); err != nil {
		return o, err
	}
	if err := i.store.Alias(integrity, digest); err != nil {
		i.logger.WarnContext(ctx, "Failed to index {Integrity}: {Error}", integrity, err)
	}
	o.digest, o.bytes = digest, int64(len(data))
	return o, nil
}

func (i *Installer) download(ctx context.Context, n *resolver.Node) ([]byte, error) {
	ctx, span := observability.StartTarballDownloadSpan(ctx, n.Name, n.Version)
	start := time.Now()
	data, err := i.registry.FetchTarball(ctx, n.Resolved)
	observability.EndSpanWithError(span, err)
	if err != nil {
		observability.PackageDownloadsTotal.WithLabelValues("failure").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &core.Error{Kind: core.DownloadFailed, Package: n.Name, Version: n.Version, Err: err}
	}
	observability.PackageDownloadDuration.Observe(time.Since(start).Seconds())
	observability.PackageDownloadsTotal.WithLabelValues("success").Inc()
	i.logger.VerboseContext(ctx, "Downloaded {Package}@{Version} ({Bytes} bytes)", n.Name, n.Version, len(data))
	return data, nil
}

// extract publishes the extracted tree of digest once. Concurrent callers
// for the same digest share one extraction; extractions are bounded by the
// number of CPUs. data may be nil to read the blob from the store.
func (i *Installer) extract(ctx context.Context, n *resolver.Node, digest string, data []byte) error {
	if _, err := i.store.ExtractedPath(digest); err == nil {
		return nil
	}
	_, err, _ := i.extracting.Do(digest, func() (any, error) {
		if _, err := i.store.ExtractedPath(digest); err == nil {
			return nil, nil
		}
		if err := i.cpu.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer i.cpu.Release(1)
		return nil, i.unpack(ctx, n, digest, data)
	})
	return err
}

func (i *Installer) unpack(ctx context.Context, n *resolver.Node, digest string, data []byte) (err error) {
	ctx, span := observability.StartExtractSpan(ctx, n.Name, digest)
	defer func() { observability.EndSpanWithError(span, err) }()

	var r io.Reader
	if data != nil {
		r = bytes.NewReader(data)
	} else {
		rc, err := i.store.Open(digest)
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()
		r = rc
	}

	tmp, err := i.store.TempDir("extract-*")
	if err != nil {
		return err
	}
	stats, err := packaging.Extract(r, tmp)
	if err != nil {
		_ = os.RemoveAll(tmp)
		if errors.Is(err, core.PathTraversal) {
			observability.IntegrityFailuresTotal.WithLabelValues("traversal").Inc()
		}
		return withPackage(err, n)
	}
	if _, err := i.store.StoreExtracted(digest, tmp); err != nil {
		return err
	}
	i.logger.VerboseContext(ctx, "Extracted {Package}@{Version}: {Files} files, {Bytes} bytes",
		n.Name, n.Version, stats.Files, stats.Bytes)
	return nil
}

// withPackage names n in a classified error that lacks a package, or
// wraps an unclassified one.
func withPackage(err error, n *resolver.Node) error {
	var ce *core.Error
	if errors.As(err, &ce) {
		if ce.Package == "" {
			ce.Package, ce.Version = n.Name, n.Version
		}
		return err
	}
	return fmt.Errorf("%s: %w", n.Key(), err)
}
