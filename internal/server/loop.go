package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/wire"
	"go.uber.org/zap"
)

// Engine is the part of the replication engine the loop drives directly
type Engine interface {
	AddPeer(peerID string, class model.PeerClass) error
	RemovePeer(peerID string)
}

// LineHandler consumes lines read from links
type LineHandler interface {
	HandleLine(peerID, line string)
	Forget(peerID string)
}

// LoopConfig holds event loop configuration
type LoopConfig struct {
	QueueSize int
	MaxLinks  int
}

// EventLoop is the single goroutine that owns the engine. Link readers,
// timers and other goroutines hand it work through Post. It implements the
// engine's PeerTransport, Scheduler and Terminator.
type EventLoop struct {
	config  *LoopConfig
	events  chan func()
	done    chan struct{}
	engine  Engine
	handler LineHandler
	logger  *zap.Logger

	// Owned by the loop goroutine
	links map[string]*Link

	stopOnce sync.Once
	mu       sync.Mutex
	fatalErr error
}

// NewEventLoop creates an event loop; Bind must be called before Run
func NewEventLoop(cfg *LoopConfig, logger *zap.Logger) *EventLoop {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &EventLoop{
		config: cfg,
		events: make(chan func(), cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
		links:  make(map[string]*Link),
	}
}

// Bind attaches the engine and line handler
func (l *EventLoop) Bind(engine Engine, handler LineHandler) {
	l.engine = engine
	l.handler = handler
}

// Post queues fn to run on the loop. It blocks while the queue is full and
// returns false once the loop has stopped.
func (l *EventLoop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	}
}

// After implements service.Scheduler
func (l *EventLoop) After(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { l.Post(fn) })
}

// Send implements service.PeerTransport. A link whose queue is full is
// closed; it is removed from the engine when its goroutines stop.
func (l *EventLoop) Send(peerID string, msg wire.Message) {
	link, ok := l.links[peerID]
	if !ok {
		l.logger.Debug("Dropping message for unknown link",
			zap.String("peer", peerID),
			zap.String("kind", msg.Kind().String()))
		return
	}
	if !link.Enqueue(wire.Encode(msg)) {
		link.Close("send queue full")
	}
}

// Disconnect implements service.PeerTransport and handler.Disconnecter
func (l *EventLoop) Disconnect(peerID, reason string) {
	if link, ok := l.links[peerID]; ok {
		l.logger.Warn("Disconnecting link",
			zap.String("peer", peerID),
			zap.String("reason", reason))
		link.Close(reason)
	}
}

// Terminate implements service.Terminator: the loop stops and Run returns err
func (l *EventLoop) Terminate(err error) {
	l.mu.Lock()
	if l.fatalErr == nil {
		l.fatalErr = err
	}
	l.mu.Unlock()
	l.stop()
}

func (l *EventLoop) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Attach registers a link that finished its handshake. It may be called from
// any goroutine.
func (l *EventLoop) Attach(link *Link) bool {
	return l.Post(func() { l.attach(link) })
}

func (l *EventLoop) attach(link *Link) {
	if _, dup := l.links[link.ID]; dup {
		link.logger.Warn("Rejecting duplicate link")
		link.Close("already linked")
		return
	}
	if l.config.MaxLinks > 0 && len(l.links) >= l.config.MaxLinks {
		link.logger.Warn("Rejecting link over the limit", zap.Int("max_links", l.config.MaxLinks))
		link.Close("too many links")
		return
	}

	l.links[link.ID] = link
	link.start(
		func(line string) {
			l.Post(func() { l.handler.HandleLine(link.ID, line) })
		},
		func() {
			l.Post(func() { l.detach(link) })
		},
	)

	link.logger.Info("Link established")
	if err := l.engine.AddPeer(link.ID, link.Class); err != nil {
		link.Close(err.Error())
	}
}

func (l *EventLoop) detach(link *Link) {
	if l.links[link.ID] != link {
		return
	}
	delete(l.links, link.ID)
	l.engine.RemovePeer(link.ID)
	l.handler.Forget(link.ID)
}

// LinkCount returns the number of registered links. Only call it on the loop.
func (l *EventLoop) LinkCount() int {
	return len(l.links)
}

// Run processes events until ctx is done or the engine terminates. It
// returns the fatal error, if any.
func (l *EventLoop) Run(ctx context.Context) error {
	if l.engine == nil || l.handler == nil {
		return fmt.Errorf("event loop is not bound to an engine")
	}
	l.logger.Info("Event loop started")
	defer l.closeLinks()

	for {
		select {
		case fn := <-l.events:
			fn()
		case <-ctx.Done():
			l.stop()
			l.logger.Info("Event loop stopped")
			return nil
		case <-l.done:
			l.mu.Lock()
			err := l.fatalErr
			l.mu.Unlock()
			l.logger.Info("Event loop stopped", zap.Error(err))
			return err
		}
	}
}

// closeLinks closes every link and waits for their queues to be written
func (l *EventLoop) closeLinks() {
	for _, link := range l.links {
		link.Close("shutting down")
	}
	deadline := time.After(DrainTimeout + time.Second)
	for _, link := range l.links {
		select {
		case <-link.Stopped():
		case <-deadline:
			l.logger.Warn("Timed out writing to closing links")
			return
		}
	}
}
