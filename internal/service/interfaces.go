package service

import (
	"time"

	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/wire"
	"go.uber.org/zap"
)

// PeerTransport delivers messages to connected servers. Send must not block
// the caller; links queue outbound lines.
type PeerTransport interface {
	Send(peerID string, msg wire.Message)
	Disconnect(peerID string, reason string)
}

// Scheduler runs fn on the engine goroutine after d
type Scheduler interface {
	After(d time.Duration, fn func())
}

// SideEffects is notified of every change to a table. value is empty when
// deleted is set.
type SideEffects interface {
	Apply(table model.TableID, key, value string, deleted bool)
}

// Clock returns the wall clock
type Clock interface {
	Now() time.Time
}

// Notifier broadcasts an operator notice to the whole network
type Notifier interface {
	Notice(text string)
}

// Terminator stops the process after a fatal error
type Terminator interface {
	Terminate(err error)
}

// SystemClock is the real clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// NoSideEffects ignores table changes
type NoSideEffects struct{}

// Apply does nothing
func (NoSideEffects) Apply(model.TableID, string, string, bool) {}

// LogSideEffects logs every table change at debug level
type LogSideEffects struct {
	Logger *zap.Logger
}

// Apply logs the change
func (l LogSideEffects) Apply(table model.TableID, key, value string, deleted bool) {
	l.Logger.Debug("Table changed",
		zap.String("table", table.String()),
		zap.String("key", key),
		zap.String("value", value),
		zap.Bool("deleted", deleted))
}

// LoggingTerminator logs the error and exits
type LoggingTerminator struct {
	Logger *zap.Logger
}

// Terminate logs at fatal level, which exits the process
func (t LoggingTerminator) Terminate(err error) {
	t.Logger.Fatal("DDB terminated", zap.Error(err))
}
