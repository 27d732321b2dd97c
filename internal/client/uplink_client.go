package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// ConnectFunc sets up a hub link on a dialed connection. The returned channel
// is closed when the link goes down.
type ConnectFunc func(conn net.Conn) (<-chan struct{}, error)

// UplinkClient keeps a link to one hub, redialing after every failure
type UplinkClient struct {
	addr          string
	retryInterval time.Duration
	dialTimeout   time.Duration
	logger        *zap.Logger
	dial          func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewUplinkClient creates a client for the hub at addr
func NewUplinkClient(addr string, retryInterval, dialTimeout time.Duration, logger *zap.Logger) *UplinkClient {
	if retryInterval <= 0 {
		retryInterval = 10 * time.Second
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	return &UplinkClient{
		addr:          addr,
		retryInterval: retryInterval,
		dialTimeout:   dialTimeout,
		logger:        logger.With(zap.String("hub", addr)),
		dial:          dialer.DialContext,
	}
}

// ConnectOnce dials the hub and runs connect on the new connection
func (c *UplinkClient) ConnectOnce(ctx context.Context, connect ConnectFunc) (<-chan struct{}, error) {
	conn, err := c.dial(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial hub %s: %w", c.addr, err)
	}
	done, err := connect(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to link with hub %s: %w", c.addr, err)
	}
	return done, nil
}

// Run keeps the uplink up until ctx is done
func (c *UplinkClient) Run(ctx context.Context, connect ConnectFunc) {
	attempt := 0
	for {
		done, err := c.ConnectOnce(ctx, connect)
		if err == nil {
			attempt = 0
			c.logger.Info("Uplink established")
			select {
			case <-done:
				c.logger.Warn("Uplink lost, reconnecting", zap.Duration("retry_interval", c.retryInterval))
			case <-ctx.Done():
				return
			}
		} else {
			attempt++
			c.logger.Warn("Failed to connect uplink, retrying...",
				zap.Int("attempt", attempt),
				zap.Duration("retry_interval", c.retryInterval),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryInterval):
		}
	}
}
