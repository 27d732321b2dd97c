package service

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheLoads(te *testEngine, result string) float64 {
	return testutil.ToFloat64(te.metrics.CacheLoadsTotal.WithLabelValues(result))
}

func TestCache_HitAfterSave(t *testing.T) {
	te := newTestEngine(t, "", withCache())
	require.NoError(t, te.Start(t.Context(), nil))
	assert.Equal(t, 1.0, cacheLoads(te, "missing"))

	seedTables(t, te)
	require.NoError(t, te.cache.Save())

	restarted := newTestEngine(t, te.dir, withCache())
	require.NoError(t, restarted.Start(t.Context(), nil))

	assert.Equal(t, 1.0, cacheLoads(restarted, "hit"))
	for _, spec := range te.layout {
		want := te.state(t, spec.ID)
		got := restarted.state(t, spec.ID)
		assert.Equal(t, want.Serial, got.Serial, "table %s", spec.ID)
		assert.Equal(t, want.Hash, got.Hash, "table %s", spec.ID)
		assert.Equal(t, want.LogLines, got.LogLines, "table %s", spec.ID)
	}
	assert.Equal(t, te.liveView(t, 'n'), restarted.liveView(t, 'n'))
	assert.Equal(t, te.liveView(t, 'c'), restarted.liveView(t, 'c'))

	rec, ok := restarted.Get('n', "NICK1")
	require.True(t, ok)
	assert.Equal(t, "acct17", rec.Value)
}

func TestCache_StaleAfterLogChange(t *testing.T) {
	te := newTestEngine(t, "", withCache())
	require.NoError(t, te.Start(t.Context(), nil))
	seedTables(t, te)
	require.NoError(t, te.cache.Save())

	// Written after the snapshot
	require.NoError(t, te.Write('n', "late", "arrival"))

	restarted := newTestEngine(t, te.dir, withCache())
	require.NoError(t, restarted.Start(t.Context(), nil))

	assert.Equal(t, 1.0, cacheLoads(restarted, "stale"))
	assert.Zero(t, cacheLoads(restarted, "hit"))
	rec, ok := restarted.Get('n', "late")
	require.True(t, ok)
	assert.Equal(t, "arrival", rec.Value)
	assert.Equal(t, te.state(t, 'n').Hash, restarted.state(t, 'n').Hash)
	assert.False(t, restarted.PendingResync('n'))

	// The replay rewrote the cache
	again := newTestEngine(t, te.dir, withCache())
	require.NoError(t, again.Start(t.Context(), nil))
	assert.Equal(t, 1.0, cacheLoads(again, "hit"))
	assert.Equal(t, restarted.liveView(t, 'n'), again.liveView(t, 'n'))
}

func TestCache_CorruptFileFallsBackToReplay(t *testing.T) {
	te := newTestEngine(t, "", withCache())
	require.NoError(t, te.Start(t.Context(), nil))
	seedTables(t, te)
	require.NoError(t, te.cache.Save())

	path := filepath.Join(te.dir, "ddb.cache")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	restarted := newTestEngine(t, te.dir, withCache())
	require.NoError(t, restarted.Start(t.Context(), nil))

	assert.Equal(t, 1.0, cacheLoads(restarted, "invalid"))
	assert.Equal(t, te.liveView(t, 'n'), restarted.liveView(t, 'n'))
	assert.Equal(t, te.state(t, 'c').Hash, restarted.state(t, 'c').Hash)
}

func TestCache_CorruptHeaderLengthFallsBackToReplay(t *testing.T) {
	te := newTestEngine(t, "", withCache())
	require.NoError(t, te.Start(t.Context(), nil))
	seedTables(t, te)
	require.NoError(t, te.cache.Save())

	path := filepath.Join(te.dir, "ddb.cache")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Uncompressed length field of the header
	binary.LittleEndian.PutUint64(data[32:40], 1<<62)
	require.NoError(t, os.WriteFile(path, data, 0644))

	restarted := newTestEngine(t, te.dir, withCache())
	require.NoError(t, restarted.Start(t.Context(), nil))

	assert.Equal(t, 1.0, cacheLoads(restarted, "invalid"))
	assert.Equal(t, te.liveView(t, 'n'), restarted.liveView(t, 'n'))
}

func TestCache_Disabled(t *testing.T) {
	te := newTestEngine(t, "")
	require.NoError(t, te.Start(t.Context(), nil))
	seedTables(t, te)

	assert.False(t, te.cache.Enabled())
	assert.False(t, te.cache.Load())
	require.NoError(t, te.cache.Save())

	_, err := os.Stat(filepath.Join(te.dir, "ddb.cache"))
	assert.True(t, os.IsNotExist(err))
}

func TestCache_ScheduleFlush(t *testing.T) {
	dir := t.TempDir()
	te := newTestEngine(t, dir)
	te.cache.config = &CacheConfig{Enabled: true, Path: filepath.Join(dir, "ddb.cache"), FlushInterval: time.Minute}
	require.NoError(t, te.Start(t.Context(), nil))

	scheduler := &fakeScheduler{}
	te.cache.ScheduleFlush(scheduler)
	require.Len(t, scheduler.pending, 1)
	assert.Equal(t, time.Minute, scheduler.pending[0].after)

	seedTables(t, te)
	scheduler.fire()
	// Rescheduled for the next interval
	require.Len(t, scheduler.pending, 1)

	restarted := newTestEngine(t, dir, withCache())
	require.NoError(t, restarted.Start(t.Context(), nil))
	assert.Equal(t, 1.0, cacheLoads(restarted, "hit"))
	assert.Equal(t, te.liveView(t, 'n'), restarted.liveView(t, 'n'))
}
