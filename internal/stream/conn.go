package stream

import (
	"sync"
	"time"
)

// Close reasons reported to Metrics.
const (
	ReasonClientGone   = "client_gone"
	ReasonWriteError   = "write_error"
	ReasonSlowConsumer = "slow_consumer"
	ReasonMaxAge       = "max_age"
	ReasonOverCapacity = "over_capacity"
	ReasonShutdown     = "shutdown"
)

// Conn is one open client stream.
type Conn struct {
	id      string
	subject string
	created time.Time

	frames chan []byte
	done   chan struct{}

	once   sync.Once
	reason string
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) Subject() string      { return c.subject }
func (c *Conn) CreatedAt() time.Time { return c.created }

// Frames yields encoded SSE frames in broadcast order.
func (c *Conn) Frames() <-chan []byte { return c.frames }

// Done is closed once the registry has let go of the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Reason is set after Done is closed.
func (c *Conn) Reason() string {
	select {
	case <-c.done:
		return c.reason
	default:
		return ""
	}
}

// offer queues a frame without blocking. Callers hold the registry lock,
// so a closed connection is never offered to.
func (c *Conn) offer(frame []byte) bool {
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) close(reason string) bool {
	closed := false
	c.once.Do(func() {
		c.reason = reason
		close(c.done)
		closed = true
	})
	return closed
}
