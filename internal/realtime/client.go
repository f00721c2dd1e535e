package realtime

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"huddle/internal/protocol"
)

// NewConnectionID returns a ULID used as connection id. ULIDs sort by time,
// which keeps log correlation cheap.
func NewConnectionID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// Client represents one connected websocket participant.
//
// Design notes:
//   - Send is intentionally NOT closed by the server to avoid panics from
//     concurrent broadcasters.
//   - done signals the connection goroutines to stop.
//   - Shutdown is idempotent and safe to call from any goroutine (it is how
//     kicks, session teardown, and the sweeper force a disconnect).
type Client struct {
	ID       string
	UserID   string
	Username string
	IsHost   bool

	Send chan protocol.Envelope

	mu     sync.Mutex
	reason string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id, userID, username string, isHost bool, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:       id,
		UserID:   userID,
		Username: username,
		IsHost:   isHost,
		Send:     make(chan protocol.Envelope, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// TrySend enqueues an envelope without blocking. Envelopes are dropped when
// the queue is full or the client is shutting down.
func (c *Client) TrySend(env protocol.Envelope) bool {
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

// Shutdown signals the connection goroutines to stop (idempotent). It does
// NOT close Send, to keep broadcast safe under concurrency.
func (c *Client) Shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} { return c.done }

// ShutdownReason returns the reason recorded by the first Shutdown call.
func (c *Client) ShutdownReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
