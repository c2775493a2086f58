package packaging

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_modules", ".velocity.lock")

	lock, err := AcquireLock(context.Background(), path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	lock.Unlock()

	lock, err = AcquireLock(context.Background(), path)
	require.NoError(t, err, "lock is reusable after release")
	lock.Unlock()
}

func TestWithFileLock_Serializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".velocity.lock")

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithFileLock(context.Background(), path, func() error {
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestAcquireLock_Cancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".velocity.lock")
	held, err := AcquireLock(context.Background(), path)
	require.NoError(t, err)
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = AcquireLock(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
