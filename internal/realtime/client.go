package realtime

import (
	"sync"

	v1 "arcadia/contracts/chat/v1"
)

// Client represents one connected websocket session bound to a user.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	ConnectionID string
	UserID       string
	Nickname     string
	Send         chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	typing map[string]struct{} // receiver ids with an outstanding typing.start
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, nickname, connectionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnectionID: connectionID,
		UserID:       userID,
		Nickname:     nickname,
		Send:         make(chan v1.Envelope, sendQueueSize),
		done:         make(chan struct{}),
		typing:       make(map[string]struct{}),
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
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// MarkTyping records an outstanding typing.start toward receiverID.
func (c *Client) MarkTyping(receiverID string) {
	if c == nil || receiverID == "" {
		return
	}
	c.mu.Lock()
	c.typing[receiverID] = struct{}{}
	c.mu.Unlock()
}

// UnmarkTyping forgets an outstanding typing.start toward receiverID.
func (c *Client) UnmarkTyping(receiverID string) {
	if c == nil || receiverID == "" {
		return
	}
	c.mu.Lock()
	delete(c.typing, receiverID)
	c.mu.Unlock()
}

// DrainTyping returns and clears all receivers with an outstanding
// typing.start. Used by the disconnect path to emit stop indicators.
func (c *Client) DrainTyping() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.typing) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.typing))
	for id := range c.typing {
		out = append(out, id)
	}
	c.typing = make(map[string]struct{})
	return out
}

// TrySend enqueues an envelope without blocking.
// It reports false when the client is shutting down or the queue is full.
func (c *Client) TrySend(env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
