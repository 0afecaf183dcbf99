package agentchannel

import (
	"context"
	"sync"
	"sync/atomic"
)

// StaticChannel serves a fixed payload. It counts calls and can be held
// open by a gate, which makes it useful for exercising the pull server.
type StaticChannel struct {
	payload []byte
	calls   atomic.Int64

	mu   sync.RWMutex
	gate <-chan struct{}
	err  error
}

// NewStaticChannel creates a channel serving payload.
func NewStaticChannel(payload []byte) *StaticChannel {
	return &StaticChannel{payload: append([]byte(nil), payload...)}
}

// SetGate makes every Fetch block until gate is closed or yields a value.
// A nil gate disables blocking.
func (c *StaticChannel) SetGate(gate <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = gate
}

// SetError makes Fetch fail with err. A nil err restores the payload.
func (c *StaticChannel) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Calls returns the number of Fetch calls made so far.
func (c *StaticChannel) Calls() int64 {
	return c.calls.Load()
}

// Fetch implements Channel.
func (c *StaticChannel) Fetch(ctx context.Context) ([]byte, error) {
	c.calls.Add(1)

	c.mu.RLock()
	gate, failure := c.gate, c.err
	c.mu.RUnlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, unavailable("static payload: %v", ctx.Err())
		}
	}
	if failure != nil {
		return nil, unavailable("static payload: %v", failure)
	}
	return append([]byte(nil), c.payload...), nil
}
