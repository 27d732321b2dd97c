package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/devrev/ddbd/internal/model"
	"go.uber.org/zap"
)

// LinkServerConfig holds peer link configuration
type LinkServerConfig struct {
	Name             string
	Host             string
	Port             int
	HandshakeTimeout time.Duration
	SendQueue        int
}

// LinkServer accepts leaf links and sets up hub links dialed by the uplink
// clients. Every link is handed to the event loop after the handshake.
type LinkServer struct {
	config   *LinkServerConfig
	loop     *EventLoop
	logger   *zap.Logger
	listener net.Listener
	wg       sync.WaitGroup
}

// NewLinkServer creates a new link server
func NewLinkServer(cfg *LinkServerConfig, loop *EventLoop, logger *zap.Logger) *LinkServer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 65536
	}
	return &LinkServer{
		config: cfg,
		loop:   loop,
		logger: logger,
	}
}

// Listen binds the listening socket
func (s *LinkServer) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("Listening for peer links", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address
func (s *LinkServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done
func (s *LinkServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("Failed to accept peer link", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.Connect(conn, model.PeerClassLeaf); err != nil {
				s.logger.Warn("Rejected incoming link",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Error(err))
			}
		}()
	}
}

// Connect runs the handshake on conn and attaches the link to the event
// loop. The returned channel is closed when the link goes down.
func (s *LinkServer) Connect(conn net.Conn, class model.PeerClass) (<-chan struct{}, error) {
	name, reader, err := handshake(conn, s.config.Name, s.config.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	link := newLink(conn, reader, name, class, s.config.SendQueue, s.logger)
	if !s.loop.Attach(link) {
		link.Close("shutting down")
		return nil, fmt.Errorf("event loop stopped")
	}
	return link.Done(), nil
}

// ConnectHub is Connect for a dialed uplink
func (s *LinkServer) ConnectHub(conn net.Conn) (<-chan struct{}, error) {
	return s.Connect(conn, model.PeerClassHub)
}
