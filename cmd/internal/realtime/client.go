package realtime

import (
	"sync"

	"github.com/coder/websocket"

	v1 "plaza/contracts/realtime/v1"
)

// Transport is the server's handle on one peer. Implementations must never
// block: Send drops when the peer is slow, Close only signals.
type Transport interface {
	Send(frame v1.Outbound) bool
	Close(code websocket.StatusCode, reason string)
	Closed() bool
}

// Client is the Transport for one websocket connection.
//
// Design notes:
// - send is NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is closed by Close; the writer then flushes what is queued and closes the socket.
// - Close is idempotent; the first code/reason wins.
type Client struct {
	ID   string
	send chan v1.Outbound

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	code   websocket.StatusCode
	reason string

	onDrop func()
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id string, sendQueueSize int, onDrop func()) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:     id,
		send:   make(chan v1.Outbound, sendQueueSize),
		done:   make(chan struct{}),
		code:   websocket.StatusNormalClosure,
		onDrop: onDrop,
	}
}

// Send enqueues a frame. It reports false when the client is closing or its
// queue is full.
func (c *Client) Send(frame v1.Outbound) bool {
	if c == nil || frame == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		if c.onDrop != nil {
			c.onDrop()
		}
		return false
	}
}

// Close records the close status and signals the writer (idempotent).
func (c *Client) Close(code websocket.StatusCode, reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	if c == nil {
		return true
	}
	select {
	case <-c.done:
		return true
	default:
		return false
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

// CloseStatus returns the code and reason passed to the first Close.
func (c *Client) CloseStatus() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason
}

// drain returns every frame still queued, without blocking.
func (c *Client) drain() []v1.Outbound {
	var out []v1.Outbound
	for {
		select {
		case f := <-c.send:
			out = append(out, f)
		default:
			return out
		}
	}
}
