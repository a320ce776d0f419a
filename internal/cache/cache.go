// Package cache stores rendered heatmap PNGs in Redis, keyed by a digest
// of everything that determines the image.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/monitoring"
)

var logf, opsf = monitoring.Prefixed("cache")

// KeyPrefix namespaces every key written by RenderCache.
const KeyPrefix = "fieldmap:heatmap:"

// DefaultTTL applies when New is given a non-positive TTL.
const DefaultTTL = 24 * time.Hour

// RenderTimeout bounds a shared render once it is detached from the
// caller that started it.
const RenderTimeout = 2 * time.Minute

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// RenderCache is a Redis-backed PNG cache. A nil *RenderCache is valid
// and never hits.
type RenderCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	group  singleflight.Group
}

// New wraps an existing client.
func New(client redis.UniversalClient, ttl time.Duration) *RenderCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RenderCache{client: client, ttl: ttl}
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RenderCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	logf("connected to redis at %s (ttl %s)", addr, ttl)
	return New(client, ttl), nil
}

// Close closes the underlying client.
func (c *RenderCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// Get returns the PNG stored under key, or ErrCacheMiss.
func (c *RenderCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c == nil {
		return nil, ErrCacheMiss
	}
	data, err := c.client.Get(ctx, KeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return data, nil
}

// Set stores png under key with the cache TTL.
func (c *RenderCache) Set(ctx context.Context, key string, png []byte) error {
	if c == nil {
		return nil
	}
	if err := c.client.Set(ctx, KeyPrefix+key, png, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// GetOrRender returns the cached PNG for key or calls render, stores its
// result and returns it. Concurrent callers for one key share a single
// render, which runs on a context detached from any one caller and
// bounded by RenderTimeout; each caller stops waiting when its own ctx is
// done. Cache failures are logged and never fail the call. hit reports
// whether the bytes came from Redis.
func (c *RenderCache) GetOrRender(ctx context.Context, key string, render func(context.Context) ([]byte, error)) (png []byte, hit bool, err error) {
	if c == nil {
		png, err = render(ctx)
		return png, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := c.Get(ctx, key)
	switch {
	case err == nil:
		return data, true, nil
	case !errors.Is(err, ErrCacheMiss):
		opsf("%v", err)
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RenderTimeout)
		defer cancel()
		out, err := render(rctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(rctx, key, out); err != nil {
			opsf("%v", err)
		}
		return out, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]byte), false, nil
	}
}

// KeyParts is everything that determines one rendered heatmap.
type KeyParts struct {
	Method     string
	Params     string
	Range      field.GlobalRange
	Colormap   string
	Boundary   string
	Timestamp  string
	Resolution int
	Width      int
	// Render describes the frame options: clip rect, solid fill and
	// scaling.
	Render  string
	Samples []field.Sample
}

// Key returns the hex SHA-256 digest of p. Sample order does not matter.
func (p KeyParts) Key() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%d\x00%d\x00%s\x00",
		p.Method, p.Params, p.Colormap, p.Boundary, p.Timestamp, p.Resolution, p.Width, p.Render)

	var buf [8]byte
	put := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	put(p.Range.Min)
	put(p.Range.Max)

	samples := append([]field.Sample(nil), p.Samples...)
	sort.Slice(samples, func(i, j int) bool {
		a, b := samples[i], samples[j]
		if a.Lon != b.Lon {
			return a.Lon < b.Lon
		}
		if a.Lat != b.Lat {
			return a.Lat < b.Lat
		}
		return a.Value < b.Value
	})
	for _, s := range samples {
		put(s.Lon)
		put(s.Lat)
		put(s.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}
