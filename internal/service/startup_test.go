package service

import (
	"fmt"
	"testing"

	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/util"
	"github.com/devrev/ddbd/internal/util/workerpool"
	"github.com/devrev/ddbd/internal/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedTables(t *testing.T, te *testEngine) {
	t.Helper()
	for i := 0; i < 20; i++ {
		require.NoError(t, te.Write('n', fmt.Sprintf("nick%d", i%8), fmt.Sprintf("acct%d", i)))
		require.NoError(t, te.Write('c', fmt.Sprintf("#chan%d", i%3), "founder"))
	}
	require.NoError(t, te.Write('m', "oper", "logged in"))
	require.NoError(t, te.Delete('n', "nick3"))
}

func TestStart_FreshDirectory(t *testing.T) {
	te := newTestEngine(t, "")
	require.NoError(t, te.Start(t.Context(), nil))

	for _, spec := range te.layout {
		state := te.state(t, spec.ID)
		assert.Zero(t, state.Serial)
		assert.False(t, te.PendingResync(spec.ID))

		stored, found, err := te.logs.ReadHash(spec.ID)
		require.NoError(t, err)
		assert.True(t, found)
		assert.True(t, stored.IsZero())
	}
}

func TestStart_ReplayWithWorkerPool(t *testing.T) {
	te := newTestEngine(t, "")
	seedTables(t, te)

	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "replay", MaxWorkers: 2, Logger: zap.NewNop()})
	defer pool.Stop(0)

	replayed := newTestEngine(t, te.dir)
	require.NoError(t, replayed.Start(t.Context(), pool))

	for _, spec := range te.layout {
		want := te.state(t, spec.ID)
		got := replayed.state(t, spec.ID)
		assert.Equal(t, want.Serial, got.Serial, "table %s", spec.ID)
		assert.Equal(t, want.Hash, got.Hash, "table %s", spec.ID)
		assert.Equal(t, want.LogLines, got.LogLines, "table %s", spec.ID)
		assert.Equal(t, want.Count(), got.Count(), "table %s", spec.ID)
		assert.False(t, replayed.PendingResync(spec.ID))
	}
	assert.Equal(t, te.liveView(t, 'n'), replayed.liveView(t, 'n'))
	assert.Equal(t, uint64(len(te.layout)), pool.Stats().CompletedTasks)
}

func TestStart_HashMismatchWipesAndResyncs(t *testing.T) {
	te := newTestEngine(t, "")
	seedTables(t, te)

	restarted := newTestEngine(t, te.dir)
	bogus := util.UpdateHashString(util.HashState{}, "not the log")
	require.NoError(t, restarted.logs.WriteHash('n', bogus))

	require.NoError(t, restarted.Start(t.Context(), nil))

	state := restarted.state(t, 'n')
	assert.True(t, restarted.PendingResync('n'))
	assert.False(t, restarted.PendingResync('c'))
	assert.Zero(t, state.Serial)
	assert.Zero(t, state.Count())
	// Startup wipes never reach the side effects
	assert.Empty(t, restarted.effects.calls)
	require.Len(t, restarted.notifier.notices, 1)
	assert.Contains(t, restarted.notifier.notices[0], "hash check")
	assert.Equal(t, 1.0, testutil.ToFloat64(restarted.metrics.HashMismatchTotal.WithLabelValues("n", "startup")))

	stored, found, err := restarted.logs.ReadHash('n')
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, stored.IsZero())

	// Untouched tables come back whole
	assert.Equal(t, te.liveView(t, 'c'), restarted.liveView(t, 'c'))

	// Leaves are not asked for a table waiting on a hub
	require.NoError(t, restarted.AddPeer("leaf1", model.PeerClassLeaf))
	assert.Equal(t, []wire.Message{
		wire.Join{Table: 'c', Since: te.state(t, 'c').Serial},
		wire.Join{Table: 'm', Since: 1},
	}, restarted.transport.to("leaf1"))

	require.NoError(t, restarted.AddPeer("hub1", model.PeerClassHub))
	assert.Contains(t, restarted.transport.to("hub1"), wire.Join{Table: 'n', Since: 0})

	// A second hub while resync is pending is dropped
	require.NoError(t, restarted.AddPeer("hub2", model.PeerClassHub))
	_, ok := restarted.Peer("hub2")
	assert.False(t, ok)
	assert.Contains(t, restarted.transport.disconnected, "hub2")
	assert.Empty(t, restarted.transport.to("hub2"))

	// A burst from a leaf does not end the resync
	require.NoError(t, restarted.HandleBurstDone("leaf1", 'n', 0))
	assert.True(t, restarted.PendingResync('n'))

	// The hub's burst does
	restarted.notifier.notices = nil
	require.NoError(t, restarted.HandleBurstDone("hub1", 'n', 0))
	assert.False(t, restarted.PendingResync('n'))
	require.Len(t, restarted.notifier.notices, 1)
	assert.Contains(t, restarted.notifier.notices[0], "resynchronised")

	// With the resync done a new hub is kept
	require.NoError(t, restarted.AddPeer("hub3", model.PeerClassHub))
	_, ok = restarted.Peer("hub3")
	assert.True(t, ok)
}

func TestStart_CorruptedLogFails(t *testing.T) {
	te := newTestEngine(t, "")
	require.NoError(t, te.Write('n', "a", "1"))
	require.NoError(t, te.Write('n', "b", "2"))

	// Rewrite the log with serials out of order
	lf := te.logs.logs['n']
	require.NoError(t, lf.Rewrite([]string{"2 hub.test b 2", "1 hub.test a 1"}))

	replayed := newTestEngine(t, te.dir)
	err := replayed.Start(t.Context(), nil)
	require.Error(t, err)
}
