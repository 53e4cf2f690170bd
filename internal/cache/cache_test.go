package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryuqq/fileflow/internal/entity"
	"github.com/ryuqq/fileflow/internal/repository"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetOrLoadCachesWithinTTL(t *testing.T) {
	c := New[string]("test", time.Minute, discard())

	var loads atomic.Int32
	loader := func(context.Context) (string, error) {
		loads.Add(1)
		return "value", nil
	}

	for i := 0; i < 5; i++ {
		v, err := c.GetOrLoad(context.Background(), "k", loader)
		require.NoError(t, err)
		require.Equal(t, "value", v)
	}
	require.Equal(t, int32(1), loads.Load())
}

func TestGetOrLoadReloadsAfterTTL(t *testing.T) {
	c := New[string]("test", time.Minute, discard())
	now := time.Now()
	c.now = func() time.Time { return now }

	var loads atomic.Int32
	loader := func(context.Context) (string, error) {
		loads.Add(1)
		return "value", nil
	}

	_, err := c.GetOrLoad(context.Background(), "k", loader)
	require.NoError(t, err)

	// Just inside the TTL: still served from cache.
	now = now.Add(time.Minute - time.Second)
	_, err = c.GetOrLoad(context.Background(), "k", loader)
	require.NoError(t, err)
	require.Equal(t, int32(1), loads.Load())

	// Past the TTL: the entry is evicted and reloaded.
	now = now.Add(2 * time.Second)
	_, err = c.GetOrLoad(context.Background(), "k", loader)
	require.NoError(t, err)
	require.Equal(t, int32(2), loads.Load())
}

func TestGetOrLoadCoalescesConcurrentMisses(t *testing.T) {
	c := New[string]("test", time.Minute, discard())

	var loads atomic.Int32
	gate := make(chan struct{})
	loader := func(context.Context) (string, error) {
		loads.Add(1)
		<-gate
		return "value", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "k", loader)
			require.NoError(t, err)
			require.Equal(t, "value", v)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.Equal(t, int32(1), loads.Load(), "concurrent misses must share one load")
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[string]("test", time.Minute, discard())

	var loads atomic.Int32
	fail := errors.New("store down")
	loader := func(context.Context) (string, error) {
		if loads.Add(1) == 1 {
			return "", fail
		}
		return "recovered", nil
	}

	_, err := c.GetOrLoad(context.Background(), "k", loader)
	require.ErrorIs(t, err, fail)

	v, err := c.GetOrLoad(context.Background(), "k", loader)
	require.NoError(t, err)
	require.Equal(t, "recovered", v)
	require.Equal(t, int32(2), loads.Load())
}

func TestInvalidateForcesReload(t *testing.T) {
	c := New[string]("test", time.Minute, discard())

	var loads atomic.Int32
	loader := func(context.Context) (string, error) {
		loads.Add(1)
		return "value", nil
	}

	_, err := c.GetOrLoad(context.Background(), "k", loader)
	require.NoError(t, err)
	c.Invalidate("k")
	_, err = c.GetOrLoad(context.Background(), "k", loader)
	require.NoError(t, err)
	require.Equal(t, int32(2), loads.Load())
}

func TestInvalidateDuringLoadIsNotOverwritten(t *testing.T) {
	c := New[string]("test", time.Minute, discard())

	var loads atomic.Int32
	entered := make(chan struct{})
	gate := make(chan struct{})
	slow := func(context.Context) (string, error) {
		loads.Add(1)
		close(entered)
		<-gate
		return "stale", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := c.GetOrLoad(context.Background(), "k", slow)
		require.NoError(t, err)
		require.Equal(t, "stale", v, "the in-flight caller still gets its load result")
	}()

	// Revoke while the loader is mid-read; the stale result must not be
	// cached when the load completes.
	<-entered
	c.Invalidate("k")
	close(gate)
	<-done

	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, error) {
		loads.Add(1)
		return "fresh", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", v)
	require.Equal(t, int32(2), loads.Load())
}

func TestGrantCacheServesFromCache(t *testing.T) {
	repo := repository.NewMemoryGrantRepository()
	require.NoError(t, repo.Put(context.Background(), &entity.GrantSet{
		TenantID:    "t1",
		ActorID:     "alice",
		Role:        "uploader",
		Permissions: []string{"file:upload"},
	}))

	gc := NewGrantCache(repo, discard())
	for i := 0; i < 3; i++ {
		grant, err := gc.Get(context.Background(), "t1", "alice")
		require.NoError(t, err)
		require.True(t, grant.Has("file:upload"))
	}
	require.Equal(t, 1, repo.Loads)
}

func TestGrantCachePutInvalidates(t *testing.T) {
	repo := repository.NewMemoryGrantRepository()
	gc := NewGrantCache(repo, discard())

	require.NoError(t, gc.Put(context.Background(), &entity.GrantSet{
		TenantID: "t1", ActorID: "alice", Permissions: []string{"file:upload"},
	}))
	grant, err := gc.Get(context.Background(), "t1", "alice")
	require.NoError(t, err)
	require.True(t, grant.Has("file:upload"))

	// Revocation must be visible immediately, not after TTL.
	require.NoError(t, gc.Put(context.Background(), &entity.GrantSet{
		TenantID: "t1", ActorID: "alice", Permissions: nil,
	}))
	grant, err = gc.Get(context.Background(), "t1", "alice")
	require.NoError(t, err)
	require.False(t, grant.Has("file:upload"))
}

func TestSettingsCacheServesFromCache(t *testing.T) {
	repo := repository.NewMemorySettingsRepository()
	require.NoError(t, repo.Put(context.Background(), &entity.TenantSettings{
		TenantID:   "t1",
		OCREnabled: true,
	}))

	sc := NewSettingsCache(repo, discard())
	for i := 0; i < 3; i++ {
		settings, err := sc.Get(context.Background(), "t1")
		require.NoError(t, err)
		require.True(t, settings.OCREnabled)
	}
	require.Equal(t, 1, repo.Loads)
}
