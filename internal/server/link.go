package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/wire"
	"go.uber.org/zap"
)

const (
	// MaxLineSize bounds a single line read from a peer
	MaxLineSize = 1 << 20
	// DrainTimeout bounds how long a closing link keeps writing queued lines
	DrainTimeout = 5 * time.Second
)

// Link is one connection to a peer server. A reader goroutine hands every
// line to the event loop and a writer goroutine drains the send queue.
type Link struct {
	ID    string
	Class model.PeerClass

	conn   net.Conn
	reader *bufio.Reader
	out    chan string
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
	stopOnce  sync.Once
	stopped   chan struct{}
	mu        sync.Mutex
	reason    string
	started   bool
}

func newLink(conn net.Conn, reader *bufio.Reader, id string, class model.PeerClass, queue int, logger *zap.Logger) *Link {
	return &Link{
		ID:     id,
		Class:  class,
		conn:   conn,
		reader: reader,
		out:    make(chan string, queue),
		logger: logger.With(zap.String("peer", id), zap.String("class", string(class))),
		closed:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Enqueue queues a line for sending. It never blocks; false means the link is
// closed or its queue is full.
func (l *Link) Enqueue(line string) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.out <- line:
		return true
	default:
		return false
	}
}

// Close shuts the link down; the first reason wins. Lines already queued
// are still written before the connection is closed.
func (l *Link) Close(reason string) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.reason = reason
		started := l.started
		l.mu.Unlock()
		close(l.closed)

		if !started {
			l.finish()
			return
		}
		// Wake the reader; the writer drains the queue and closes the conn
		l.conn.SetReadDeadline(time.Now())
	})
}

// finish closes the connection once nothing more will be written
func (l *Link) finish() {
	l.stopOnce.Do(func() {
		l.conn.Close()
		close(l.stopped)
	})
}

// Done is closed once the link is shut down
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// Stopped is closed once the connection itself is closed
func (l *Link) Stopped() <-chan struct{} {
	return l.stopped
}

// Reason returns why the link was closed
func (l *Link) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// start runs the reader and writer. onClose is called once both have stopped.
func (l *Link) start(onLine func(string), onClose func()) {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.readLoop(onLine)
	}()
	go func() {
		defer wg.Done()
		l.writeLoop()
	}()
	go func() {
		wg.Wait()
		l.logger.Info("Link closed", zap.String("reason", l.Reason()))
		onClose()
	}()
}

func (l *Link) readLoop(onLine func(string)) {
	scanner := bufio.NewScanner(l.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	l.Close(fmt.Sprintf("read: %v", err))
}

func (l *Link) writeLoop() {
	defer l.finish()

	w := bufio.NewWriter(l.conn)
	for {
		select {
		case <-l.closed:
			l.drain(w)
			return
		case line := <-l.out:
			if err := l.write(w, line); err != nil {
				l.Close(fmt.Sprintf("write: %v", err))
				return
			}
		}
	}
}

// write buffers a line and flushes once the queue is empty
func (l *Link) write(w *bufio.Writer, line string) error {
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	if len(l.out) > 0 {
		return nil
	}
	return w.Flush()
}

// drain writes what is left in the queue after Close, within DrainTimeout
func (l *Link) drain(w *bufio.Writer) {
	if err := l.conn.SetWriteDeadline(time.Now().Add(DrainTimeout)); err != nil {
		return
	}
	for {
		select {
		case line := <-l.out:
			if _, err := w.WriteString(line); err != nil {
				return
			}
			if err := w.WriteByte('\n'); err != nil {
				return
			}
		default:
			if err := w.Flush(); err != nil {
				l.logger.Debug("Failed to flush closing link", zap.Error(err))
			}
			return
		}
	}
}

// handshake exchanges S lines on a fresh connection and returns the peer
// name along with the reader positioned after its S line
func handshake(conn net.Conn, localName string, timeout time.Duration) (string, *bufio.Reader, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", nil, fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	if _, err := io.WriteString(conn, wire.Encode(wire.Hello{Name: localName})+"\n"); err != nil {
		return "", nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", nil, fmt.Errorf("failed to read handshake: %w", err)
	}
	msg, err := wire.Decode(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return "", nil, fmt.Errorf("invalid handshake: %w", err)
	}
	hello, ok := msg.(wire.Hello)
	if !ok {
		return "", nil, fmt.Errorf("expected handshake, got %s", msg.Kind())
	}
	if hello.Name == localName {
		return "", nil, fmt.Errorf("peer claims our own name %s", localName)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return "", nil, fmt.Errorf("failed to clear handshake deadline: %w", err)
	}
	return hello.Name, reader, nil
}
