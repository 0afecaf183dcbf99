package agentchannel

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"
)

// SocketChannel reads the payload from a local IPC endpoint until the peer
// closes the connection.
type SocketChannel struct {
	network    string
	address    string
	maxPayload int64
	dialer     net.Dialer
	logger     *slog.Logger
}

// NewSocketChannel creates a channel reading from network/address.
func NewSocketChannel(network, address string, maxPayload int64, logger *slog.Logger) *SocketChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadBytes
	}
	return &SocketChannel{
		network:    network,
		address:    address,
		maxPayload: maxPayload,
		logger:     logger,
	}
}

// Fetch implements Channel.
func (c *SocketChannel) Fetch(ctx context.Context) ([]byte, error) {
	start := time.Now()

	conn, err := c.dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, unavailable("dial %s %s: %v", c.network, c.address, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := io.ReadAll(io.LimitReader(conn, c.maxPayload+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, unavailable("read %s: %v", c.address, ctxErr)
		}
		return nil, unavailable("read %s: %v", c.address, err)
	}
	if int64(len(data)) > c.maxPayload {
		return nil, unavailable("payload from %s exceeds %d bytes", c.address, c.maxPayload)
	}

	c.logger.Debug("Agent payload read", "bytes", len(data), "duration", time.Since(start))
	return data, nil
}
