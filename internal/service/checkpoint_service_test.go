package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/devrev/ddbd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCheckpointService_Due(t *testing.T) {
	te := newTestEngine(t, "")
	svc := NewCheckpointService(&CheckpointConfig{Master: true, Interval: time.Hour, Ratio: 2, Slack: 4}, te.ReplicationService, &fakeScheduler{}, zap.NewNop())

	tests := []struct {
		name  string
		count int
		lines uint64
		want  bool
	}{
		{"empty", 0, 0, false},
		{"at slack", 0, 4, false},
		{"over slack", 0, 5, true},
		{"at threshold", 3, 10, false},
		{"over threshold", 3, 11, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newTableState(model.TableSpec{ID: 'x', Resident: true, Buckets: 16})
			for i := 0; i < tt.count; i++ {
				state.index.Put(&model.Record{Key: fmt.Sprintf("k%d", i), Value: "v"})
			}
			state.LogLines = tt.lines
			assert.Equal(t, tt.want, svc.due(state))
		})
	}
}

func TestCheckpointService_CompactsDueTables(t *testing.T) {
	te := newTestEngine(t, "")
	require.NoError(t, te.AddPeer("leaf1", model.PeerClassLeaf))
	require.NoError(t, te.HandleJoin("leaf1", 'n', 0))

	for i := 0; i < 30; i++ {
		require.NoError(t, te.Write('n', "churn", fmt.Sprintf("v%d", i)))
	}
	require.NoError(t, te.Write('c', "#quiet", "x"))
	for i := 0; i < 30; i++ {
		require.NoError(t, te.Write('m', "log", "line"))
	}
	te.transport.reset()

	scheduler := &fakeScheduler{}
	svc := NewCheckpointService(&CheckpointConfig{Master: true, Interval: time.Hour, Ratio: 2, Slack: 10}, te.ReplicationService, scheduler, zap.NewNop())
	svc.Start()
	require.Len(t, scheduler.pending, 1)
	assert.Equal(t, time.Hour, scheduler.pending[0].after)

	scheduler.fire()

	n := te.state(t, 'n')
	assert.Equal(t, uint64(31), n.CheckpointSerial)
	assert.Equal(t, uint64(2), n.LogLines)
	// Under the threshold, and relay tables are left alone
	assert.Zero(t, te.state(t, 'c').CheckpointSerial)
	assert.Zero(t, te.state(t, 'm').CheckpointSerial)

	records := te.transport.records("leaf1")
	require.Len(t, records, 1)
	assert.Equal(t, model.CheckpointKey, records[0].Entry.Key)
	assert.Equal(t, "checkpoint by hub.test at 1700000000", records[0].Entry.Value)

	// Rescheduled, and nothing is due the second time
	require.Len(t, scheduler.pending, 1)
	assert.Equal(t, 0, svc.CheckpointDue())

	svc.Stop()
	scheduler.fire()
	assert.Empty(t, scheduler.pending)
}

func TestCheckpointService_OnlyMaster(t *testing.T) {
	te := newTestEngine(t, "")
	scheduler := &fakeScheduler{}
	svc := NewCheckpointService(&CheckpointConfig{Master: false, Interval: time.Hour}, te.ReplicationService, scheduler, zap.NewNop())
	svc.Start()
	assert.Empty(t, scheduler.pending)
}
