package handler

import (
	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/metrics"
	"github.com/devrev/ddbd/internal/wire"
	"go.uber.org/zap"
)

// DefaultMaxMalformed is the number of consecutive bad lines a link may send
// before it is dropped
const DefaultMaxMalformed = 16

// Engine handles decoded peer messages
type Engine interface {
	HandleMessage(peerID string, msg wire.Message) error
}

// Disconnecter closes a peer link
type Disconnecter interface {
	Disconnect(peerID string, reason string)
}

// PeerHandler turns lines read from peer links into engine calls. It runs on
// the event loop goroutine.
type PeerHandler struct {
	engine       Engine
	links        Disconnecter
	metrics      *metrics.Metrics
	logger       *zap.Logger
	maxMalformed int
	malformed    map[string]int
}

// NewPeerHandler creates a new peer handler
func NewPeerHandler(engine Engine, links Disconnecter, maxMalformed int, m *metrics.Metrics, logger *zap.Logger) *PeerHandler {
	if maxMalformed <= 0 {
		maxMalformed = DefaultMaxMalformed
	}
	return &PeerHandler{
		engine:       engine,
		links:        links,
		metrics:      m,
		logger:       logger,
		maxMalformed: maxMalformed,
		malformed:    make(map[string]int),
	}
}

// HandleLine decodes and dispatches one line from a peer
func (h *PeerHandler) HandleLine(peerID, line string) {
	msg, err := wire.Decode(line)
	if err == nil && msg.Kind() == wire.KindHello {
		err = errors.MalformedLine(line, nil).WithDetail("reason", "handshake after link setup")
	}
	if err != nil {
		h.rejectLine(peerID, err)
		return
	}
	delete(h.malformed, peerID)

	if err := h.engine.HandleMessage(peerID, msg); err != nil {
		h.logResult(peerID, msg, err)
	}
}

func (h *PeerHandler) rejectLine(peerID string, err error) {
	h.metrics.MalformedLineTotal.Inc()
	h.malformed[peerID]++
	count := h.malformed[peerID]

	h.logger.Warn("Malformed line from peer",
		zap.String("peer", peerID),
		zap.Int("consecutive", count),
		zap.Error(err))

	if count >= h.maxMalformed {
		h.logger.Error("Dropping link after repeated malformed lines",
			zap.String("peer", peerID),
			zap.Int("count", count))
		delete(h.malformed, peerID)
		h.links.Disconnect(peerID, "too many malformed lines")
	}
}

func (h *PeerHandler) logResult(peerID string, msg wire.Message, err error) {
	fields := []zap.Field{
		zap.String("peer", peerID),
		zap.String("kind", msg.Kind().String()),
		zap.Error(err),
	}
	if errors.IsDDBError(err) {
		fields = append(fields, zap.Int("code", int(errors.GetCode(err))))
	}

	if errors.IsFatal(err) {
		// The engine has already stopped and announced the error
		h.logger.Error("Peer message failed", fields...)
		return
	}
	switch errors.SeverityOf(err) {
	case errors.SeverityNoOp:
		h.logger.Debug("Peer message ignored", fields...)
	case errors.SeverityRejected:
		h.logger.Warn("Peer message rejected", fields...)
	case errors.SeverityResync:
		h.logger.Warn("Peer message triggered a resync", fields...)
	}
}

// Forget clears the state kept for a closed link
func (h *PeerHandler) Forget(peerID string) {
	delete(h.malformed, peerID)
}
