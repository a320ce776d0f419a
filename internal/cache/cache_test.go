package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/testutil"
)

func newTestCache(t *testing.T) (*RenderCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(client, time.Minute)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestGetSet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "abc")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "abc", []byte("png")))
	got, err := c.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), got)

	assert.True(t, mr.Exists(KeyPrefix+"abc"))
	assert.Equal(t, time.Minute, mr.TTL(KeyPrefix+"abc"))

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "abc")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestNilCache(t *testing.T) {
	var c *RenderCache
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.NoError(t, c.Set(ctx, "k", []byte("x")))
	assert.NoError(t, c.Close())

	png, hit, err := c.GetOrRender(ctx, "k", func(context.Context) ([]byte, error) { return []byte("fresh"), nil })
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("fresh"), png)
}

func TestGetOrRender(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls int32
	render := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("img"), nil
	}

	png, hit, err := c.GetOrRender(ctx, "k", render)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("img"), png)

	png, hit, err = c.GetOrRender(ctx, "k", render)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("img"), png)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrRenderError(t *testing.T) {
	c, mr := newTestCache(t)
	boom := errors.New("boom")

	_, _, err := c.GetOrRender(context.Background(), "k", func(context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(KeyPrefix+"k"))
}

func TestGetOrRenderSurvivesRedisOutage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()
	c := New(redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1}), 0)
	defer c.Close()

	png, hit, err := c.GetOrRender(context.Background(), "k", func(context.Context) ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("ok"), png)
}

func TestGetOrRenderConcurrent(t *testing.T) {
	c, _ := newTestCache(t)
	release := make(chan struct{})
	var calls int32
	render := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("img"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetOrRender(context.Background(), "same", render)
			assert.NoError(t, err)
		}()
	}
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(4))
}

func TestGetOrRenderOutlivesCancelledCaller(t *testing.T) {
	c, mr := newTestCache(t)
	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	render := func(ctx context.Context) ([]byte, error) {
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []byte("img"), nil
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrRender(firstCtx, "k", render)
		firstErr <- err
	}()
	<-started

	type result struct {
		png []byte
		err error
	}
	second := make(chan result, 1)
	go func() {
		png, _, err := c.GetOrRender(context.Background(), "k", render)
		second <- result{png, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	time.Sleep(20 * time.Millisecond)
	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, []byte("img"), got.png)
	assert.True(t, mr.Exists(KeyPrefix+"k"))
}

func TestGetOrRenderCancelledBeforeStart(t *testing.T) {
	c, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	_, _, err := c.GetOrRender(ctx, "k", func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("img"), nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestKeyParts(t *testing.T) {
	base := KeyParts{
		Method:    "idw",
		Range:     field.GlobalRange{Min: 0, Max: 10},
		Colormap:  "turbo",
		Boundary:  "b.geojson",
		Timestamp: "2024-01-01",
		Samples:   testutil.CornerSamples(0, 1),
	}
	k := base.Key()
	assert.Len(t, k, 64)

	reordered := base
	reordered.Samples = append([]field.Sample(nil), base.Samples...)
	reordered.Samples[0], reordered.Samples[4] = reordered.Samples[4], reordered.Samples[0]
	assert.Equal(t, k, reordered.Key())

	changed := base
	changed.Colormap = "viridis"
	assert.NotEqual(t, k, changed.Key())

	changed = base
	changed.Range.Max = 11
	assert.NotEqual(t, k, changed.Key())

	changed = base
	changed.Render = "clip=0,0,0.5,0.5 fill=default smooth=false"
	assert.NotEqual(t, k, changed.Key())
}
