package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	added   chan string
	removed chan string
	lines   chan string
	addErr  error
}

func newRecorder() *recorder {
	return &recorder{
		added:   make(chan string, 16),
		removed: make(chan string, 16),
		lines:   make(chan string, 16),
	}
}

func (r *recorder) AddPeer(peerID string, class model.PeerClass) error {
	r.added <- fmt.Sprintf("%s/%s", peerID, class)
	return r.addErr
}

func (r *recorder) RemovePeer(peerID string) {
	r.removed <- peerID
}

func (r *recorder) HandleLine(peerID, line string) {
	r.lines <- fmt.Sprintf("%s: %s", peerID, line)
}

func (r *recorder) Forget(string) {}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

type node struct {
	loop   *EventLoop
	server *LinkServer
	rec    *recorder
	result chan error
}

func startNode(t *testing.T, ctx context.Context, name string, listen bool) *node {
	t.Helper()
	logger := zap.NewNop()
	rec := newRecorder()
	loop := NewEventLoop(&LoopConfig{MaxLinks: 4}, logger)
	loop.Bind(rec, rec)
	srv := NewLinkServer(&LinkServerConfig{
		Name:             name,
		Host:             "127.0.0.1",
		HandshakeTimeout: 2 * time.Second,
		SendQueue:        16,
	}, loop, logger)

	n := &node{loop: loop, server: srv, rec: rec, result: make(chan error, 1)}
	go func() { n.result <- loop.Run(ctx) }()
	if listen {
		require.NoError(t, srv.Listen())
		go srv.Serve(ctx)
	}
	return n
}

func (n *node) dial(t *testing.T, target *node) (<-chan struct{}, error) {
	t.Helper()
	conn, err := net.Dial("tcp", target.server.Addr().String())
	require.NoError(t, err)
	return n.server.ConnectHub(conn)
}

func TestLinkServer_HandshakeAndExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := startNode(t, ctx, "hub.test", true)
	leaf := startNode(t, ctx, "leaf.test", false)

	done, err := leaf.dial(t, hub)
	require.NoError(t, err)

	assert.Equal(t, "leaf.test/leaf", recv(t, hub.rec.added))
	assert.Equal(t, "hub.test/hub", recv(t, leaf.rec.added))

	leaf.loop.Post(func() {
		leaf.loop.Send("hub.test", wire.Join{Table: 'n', Since: 5})
		leaf.loop.Send("hub.test", wire.HashQuery{All: true})
	})
	assert.Equal(t, "leaf.test: J 5 n", recv(t, hub.rec.lines))
	assert.Equal(t, "leaf.test: Q *", recv(t, hub.rec.lines))

	hub.loop.Post(func() {
		hub.loop.Send("leaf.test", wire.BurstDone{Table: 'n', Serial: 7})
	})
	assert.Equal(t, "hub.test: B 7 n", recv(t, leaf.rec.lines))

	hub.loop.Post(func() { hub.loop.Disconnect("leaf.test", "bye") })
	assert.Equal(t, "leaf.test", recv(t, hub.rec.removed))
	assert.Equal(t, "hub.test", recv(t, leaf.rec.removed))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("link was not closed")
	}
}

func TestLinkServer_DisconnectWritesQueuedLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := startNode(t, ctx, "hub.test", true)
	leaf := startNode(t, ctx, "leaf.test", false)

	_, err := leaf.dial(t, hub)
	require.NoError(t, err)
	assert.Equal(t, "leaf.test/leaf", recv(t, hub.rec.added))
	assert.Equal(t, "hub.test/hub", recv(t, leaf.rec.added))

	hub.loop.Post(func() {
		for i := 1; i <= 10; i++ {
			hub.loop.Send("leaf.test", wire.BurstDone{Table: 'n', Serial: uint64(i)})
		}
		hub.loop.Send("leaf.test", wire.Drop{Table: 'n'})
		hub.loop.Disconnect("leaf.test", "redundant hub link")
	})

	for i := 1; i <= 10; i++ {
		assert.Equal(t, fmt.Sprintf("hub.test: B %d n", i), recv(t, leaf.rec.lines))
	}
	assert.Equal(t, "hub.test: D n", recv(t, leaf.rec.lines))
	assert.Equal(t, "hub.test", recv(t, leaf.rec.removed))
}

func TestEventLoop_TerminateWritesQueuedLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := startNode(t, ctx, "hub.test", true)
	leaf := startNode(t, ctx, "leaf.test", false)

	_, err := leaf.dial(t, hub)
	require.NoError(t, err)
	assert.Equal(t, "leaf.test/leaf", recv(t, hub.rec.added))

	fatal := errors.New("disk gone")
	hub.loop.Post(func() {
		hub.loop.Send("leaf.test", wire.HashQuery{All: true})
		hub.loop.Terminate(fatal)
	})

	assert.Equal(t, "hub.test: Q *", recv(t, leaf.rec.lines))
	select {
	case err := <-hub.result:
		assert.Equal(t, fatal, err)
	case <-time.After(10 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, "hub.test", recv(t, leaf.rec.removed))
}

func TestLinkServer_RejectsOwnName(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := startNode(t, ctx, "hub.test", true)
	impostor := startNode(t, ctx, "hub.test", false)

	_, err := impostor.dial(t, hub)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "our own name")
}

func TestLinkServer_RejectsDuplicateLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := startNode(t, ctx, "hub.test", true)
	first := startNode(t, ctx, "leaf.test", false)
	second := startNode(t, ctx, "leaf.test", false)

	_, err := first.dial(t, hub)
	require.NoError(t, err)
	assert.Equal(t, "leaf.test/leaf", recv(t, hub.rec.added))

	done, err := second.dial(t, hub)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("duplicate link was not closed")
	}

	select {
	case v := <-hub.rec.added:
		t.Fatalf("unexpected peer added: %s", v)
	default:
	}
}

func TestLinkServer_AddPeerFailureClosesLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := startNode(t, ctx, "hub.test", true)
	hub.rec.addErr = errors.New("engine is dead")
	leaf := startNode(t, ctx, "leaf.test", false)

	done, err := leaf.dial(t, hub)
	require.NoError(t, err)
	assert.Equal(t, "leaf.test/leaf", recv(t, hub.rec.added))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("link was not closed")
	}
}

func TestEventLoop_Terminate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := startNode(t, ctx, "hub.test", false)
	fatal := errors.New("disk gone")
	require.True(t, n.loop.Post(func() { n.loop.Terminate(fatal) }))

	select {
	case err := <-n.result:
		assert.Equal(t, fatal, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.False(t, n.loop.Post(func() {}))
}

func TestEventLoop_AfterAndCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	n := startNode(t, ctx, "hub.test", false)
	fired := make(chan string, 1)
	n.loop.After(10*time.Millisecond, func() { fired <- "tick" })
	assert.Equal(t, "tick", recv(t, fired))

	cancel()
	select {
	case err := <-n.result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestEventLoop_RunUnbound(t *testing.T) {
	loop := NewEventLoop(&LoopConfig{}, zap.NewNop())
	assert.Error(t, loop.Run(context.Background()))
}
