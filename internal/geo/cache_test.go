package geo

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldmap/internal/field"
	"github.com/banshee-data/fieldmap/internal/fsutil"
	"github.com/banshee-data/fieldmap/internal/testutil"
)

func TestCacheReusesUntilSourceChanges(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.WriteFile("/b/square.geojson", []byte(testutil.UnitSquareGeoJSON), 0o644))

	c := NewCache(mfs)
	first, key1, err := c.Load("/b/square.geojson")
	require.NoError(t, err)
	second, key2, err := c.Load("/b/./square.geojson")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, key1, key2)
	assert.Equal(t, 1, c.Len())

	require.NoError(t, mfs.WriteFile("/b/square.geojson", []byte(testutil.SquareWithHoleGeoJSON), 0o644))
	third, key3, err := c.Load("/b/square.geojson")
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.NotEqual(t, key1.String(), key3.String())
	assert.InDelta(t, 12.0, third.Area(), 1e-12)
}

func TestCacheInvalidate(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.WriteFile("/b/square.geojson", []byte(testutil.UnitSquareGeoJSON), 0o644))

	c := NewCache(mfs)
	_, _, err := c.Load("/b/square.geojson")
	require.NoError(t, err)
	c.Invalidate("/b/square.geojson")
	assert.Equal(t, 0, c.Len())
}

func TestCacheErrors(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.WriteFile("/b/bad.geojson", []byte(`{"type":"Point","coordinates":[0,0]}`), 0o644))

	c := NewCache(mfs)
	_, _, err := c.Load("/b/missing.geojson")
	assert.Error(t, err)

	_, _, err = c.Load("/b/bad.geojson")
	assert.ErrorIs(t, err, field.ErrBoundaryParse)
	assert.Equal(t, 0, c.Len())
}

func TestCacheWatchInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "square.geojson")
	require.NoError(t, os.WriteFile(path, []byte(testutil.UnitSquareGeoJSON), 0o644))

	c := NewCache(fsutil.OSFileSystem{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx, dir))

	_, _, err := c.Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	require.NoError(t, os.WriteFile(path, []byte(testutil.SquareWithHoleGeoJSON), 0o644))
	assert.Eventually(t, func() bool { return c.Len() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestCacheSaveListRemove(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	c := NewCache(mfs)

	b, err := c.Save("/up/square.geojson", []byte(testutil.UnitSquareGeoJSON))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, b.Area(), 1e-12)
	_, err = c.Save("/up/zones.json", []byte(testutil.TwoIslandsGeoJSON))
	require.NoError(t, err)
	require.NoError(t, mfs.WriteFile("/up/notes.txt", []byte("x"), 0o644))

	_, err = c.Save("/up/bad.geojson", []byte(`{"type":"Point","coordinates":[0,0]}`))
	require.Error(t, err)
	assert.False(t, fsutil.Exists(mfs, "/up/bad.geojson"))

	paths, err := c.List("/up")
	require.NoError(t, err)
	assert.Equal(t, []string{"/up/square.geojson", "/up/zones.json"}, paths)

	_, _, err = c.Load("/up/square.geojson")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	replaced, err := c.Save("/up/square.geojson", []byte(testutil.SquareWithHoleGeoJSON))
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
	loaded, _, err := c.Load("/up/square.geojson")
	require.NoError(t, err)
	assert.InDelta(t, replaced.Area(), loaded.Area(), 1e-12)

	require.NoError(t, c.Remove("/up/square.geojson"))
	assert.Equal(t, 0, c.Len())
	assert.ErrorIs(t, c.Remove("/up/square.geojson"), fs.ErrNotExist)
	paths, err = c.List("/up")
	require.NoError(t, err)
	assert.Equal(t, []string{"/up/zones.json"}, paths)
}
