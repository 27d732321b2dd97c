package handler

import (
	"io"
	"testing"

	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/metrics"
	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type delivered struct {
	peer string
	msg  wire.Message
}

type fakeEngine struct {
	got []delivered
	err error
}

func (f *fakeEngine) HandleMessage(peerID string, msg wire.Message) error {
	f.got = append(f.got, delivered{peer: peerID, msg: msg})
	return f.err
}

type fakeLinks struct {
	closed map[string]string
}

func (f *fakeLinks) Disconnect(peerID, reason string) {
	if f.closed == nil {
		f.closed = make(map[string]string)
	}
	f.closed[peerID] = reason
}

func newTestHandler(maxMalformed int) (*PeerHandler, *fakeEngine, *fakeLinks, *metrics.Metrics) {
	engine := &fakeEngine{}
	links := &fakeLinks{}
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	return NewPeerHandler(engine, links, maxMalformed, m, zap.NewNop()), engine, links, m
}

func TestPeerHandler_Dispatch(t *testing.T) {
	h, engine, links, _ := newTestHandler(3)

	h.HandleLine("hub1", "J 10 n")
	h.HandleLine("hub1", "12 hub1.net n Nick account name")
	h.HandleLine("hub1", "Q *")

	require.Len(t, engine.got, 3)
	assert.Equal(t, delivered{peer: "hub1", msg: wire.Join{Table: 'n', Since: 10}}, engine.got[0])
	assert.Equal(t, wire.Record{Table: 'n', Entry: model.LogEntry{
		Serial: 12, Origin: "hub1.net", Key: "Nick", Value: "account name",
	}}, engine.got[1].msg)
	assert.Equal(t, wire.HashQuery{All: true}, engine.got[2].msg)
	assert.Empty(t, links.closed)
}

func TestPeerHandler_EngineErrorsKeepLink(t *testing.T) {
	h, engine, links, _ := newTestHandler(3)
	engine.err = errors.NotAuthorized("leaf1", "drop")

	for i := 0; i < 5; i++ {
		h.HandleLine("leaf1", "D n")
	}
	assert.Len(t, engine.got, 5)
	assert.Empty(t, links.closed)
}

func TestPeerHandler_DropsLinkAfterRepeatedGarbage(t *testing.T) {
	h, engine, links, m := newTestHandler(3)

	h.HandleLine("leaf1", "garbage")
	h.HandleLine("leaf1", "J notanumber n")
	// A good line resets the count
	h.HandleLine("leaf1", "B 4 n")
	h.HandleLine("leaf1", "")
	h.HandleLine("leaf1", "S again")
	assert.Empty(t, links.closed)

	h.HandleLine("leaf1", "X")
	assert.Equal(t, "too many malformed lines", links.closed["leaf1"])
	assert.Len(t, engine.got, 1)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.MalformedLineTotal))
}

func TestPeerHandler_Forget(t *testing.T) {
	h, _, links, _ := newTestHandler(2)

	h.HandleLine("leaf1", "garbage")
	h.Forget("leaf1")
	h.HandleLine("leaf1", "garbage")
	assert.Empty(t, links.closed)
}

func TestPeerHandler_LogsBySeverity(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		level   zapcore.Level
		message string
		code    int64
	}{
		{"duplicate", errors.DuplicateRecord("n", 3, 5), zapcore.DebugLevel, "Peer message ignored", 1000},
		{"rejected", errors.NotAuthorized("leaf1", "drop"), zapcore.WarnLevel, "Peer message rejected", 1105},
		{"resync", errors.StaleJoin("leaf1", "n", 1, 9), zapcore.WarnLevel, "Peer message triggered a resync", 2001},
		{"fatal", errors.CorruptedLog("n.log", nil), zapcore.ErrorLevel, "Peer message failed", 3002},
		{"file layer", io.ErrUnexpectedEOF, zapcore.ErrorLevel, "Peer message failed", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			engine := &fakeEngine{err: tt.err}
			m := metrics.NewMetrics("test", prometheus.NewRegistry())
			h := NewPeerHandler(engine, &fakeLinks{}, 3, m, zap.New(core))

			h.HandleLine("hub1", "J 10 n")

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			assert.Equal(t, tt.message, entries[0].Message)
			code, ok := entries[0].ContextMap()["code"]
			if tt.code == 0 {
				assert.False(t, ok)
			} else {
				assert.Equal(t, tt.code, code)
			}
		})
	}
}
