package realtime

import (
	"context"
	"sync"

	"github.com/ben1maru/tutors-finders-server/cmd/identity"
	v1 "github.com/ben1maru/tutors-finders-server/shared/contracts/chat/v1"
)

// Client represents one connected websocket session (a connection handle).
//
// Design notes:
// - Send is NOT closed by the server to avoid panics from concurrent deliveries.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	ID string

	// Principal is the authenticated caller from the handshake (zero when auth is disabled).
	Principal identity.Principal
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id string, principal identity.Principal, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:        id,
		Principal: principal,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep delivery safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Enqueue offers env to the send queue without blocking.
// It returns false when the client is closed or its queue is full.
func (c *Client) Enqueue(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case <-c.done:
		return false
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// EnqueueWait is Enqueue that waits for queue room until ctx is done.
// It returns false when the client closed or ctx expired first.
func (c *Client) EnqueueWait(ctx context.Context, env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	case c.Send <- env:
		return true
	}
}
