package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	var (
		mu    sync.Mutex
		sizes = map[string]int{}
	)

	r := NewRegistry(Options{
		IOWorkers:    2,
		FetchWorkers: 3,
		OnResize: func(pool string, size int) {
			mu.Lock()
			sizes[pool] = size
			mu.Unlock()
		},
	})

	t.Run("well-known pools", func(t *testing.T) {
		for _, name := range []string{PoolCached, PoolIO, PoolSingle, PoolImmediate, PoolFetch} {
			assert.Equal(t, name, r.Get(name).Name())
		}
	})

	t.Run("unknown names use the cached pool", func(t *testing.T) {
		assert.Equal(t, PoolCached, r.Get("").Name())
		assert.Equal(t, PoolCached, r.Get("nope").Name())
	})

	t.Run("sizes", func(t *testing.T) {
		assert.Equal(t, map[string]int{PoolIO: 2, PoolSingle: 1, PoolFetch: 3}, r.Sizes())
	})

	t.Run("fetch pool resize is observed", func(t *testing.T) {
		r.Fetch().Resize(8)

		mu.Lock()
		defer mu.Unlock()

		assert.Equal(t, 8, sizes[PoolFetch])
		assert.Equal(t, 2, sizes[PoolIO])
	})

	t.Run("register custom pool", func(t *testing.T) {
		r.Register(NewFixed("ui", 1))
		assert.Equal(t, "ui", r.Get("ui").Name())
	})

	require.NoError(t, r.Shutdown(context.Background()))
	assert.ErrorIs(t, r.Get(PoolFetch).Submit(func() {}), ErrPoolClosed)
}

func TestDefaultFetchWorkers(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultFetchWorkers(), 4)
}
