package resolver

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/justbytecode/velocity/registry"
)

// fetchCache runs at most one metadata fetch per package name and lets any
// number of callers wait for it. Fetches run in the background with bounded
// concurrency so the search can request names ahead of needing them.
type fetchCache struct {
	source MetadataSource
	sem    *semaphore.Weighted

	mu     sync.Mutex
	states map[string]*fetchState
}

type fetchState struct {
	done chan struct{}
	meta *registry.PackageMetadata
	err  error
}

func newFetchCache(source MetadataSource, concurrency int) *fetchCache {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &fetchCache{
		source: source,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		states: make(map[string]*fetchState),
	}
}

// start begins fetching name unless a fetch was already started.
func (fc *fetchCache) start(ctx context.Context, name string) *fetchState {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if st, ok := fc.states[name]; ok {
		return st
	}
	st := &fetchState{done: make(chan struct{})}
	fc.states[name] = st

	go func() {
		defer close(st.done)
		if err := fc.sem.Acquire(ctx, 1); err != nil {
			st.err = err
			return
		}
		defer fc.sem.Release(1)
		st.meta, st.err = fc.source.FetchMetadata(ctx, name)
	}()
	return st
}

// wait returns the metadata of name, fetching it if needed.
func (fc *fetchCache) wait(ctx context.Context, name string) (*registry.PackageMetadata, error) {
	st := fc.start(ctx, name)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-st.done:
		return st.meta, st.err
	}
}
