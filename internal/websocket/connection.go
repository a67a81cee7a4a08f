package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var _ interfaces.Connection = (*Connection)(nil)

// Connection wraps one websocket with a single writer goroutine and a
// bounded outbound queue.
type Connection struct {
	conn   *websocket.Conn
	id     string
	user   *types.User
	config Config
	log    zerolog.Logger

	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// While held, broadcasts are parked in pending so history can be
	// written first. mu also orders enqueues from concurrent broadcasts.
	mu      sync.Mutex
	holding bool
	pending []types.RoomEvent
}

// NewConnection starts the writer goroutine for conn.
func NewConnection(conn *websocket.Conn, user *types.User, config Config, logger zerolog.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		conn:    conn,
		id:      id,
		user:    user,
		config:  config,
		log:     logger.With().Str("conn_id", id).Int64("user_id", user.ID).Logger(),
		writeCh: make(chan []byte, config.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) UserID() int64 { return c.user.ID }

func (c *Connection) User() *types.User { return c.user }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// writeLoop is the only goroutine that writes data frames or pings.
func (c *Connection) writeLoop() {
	var tick <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}

		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) fail(err error) {
	c.log.Debug().Err(err).Msg("write failed, closing connection")
	_ = c.Close()
}

// Send queues payload, waiting up to the write timeout for space. It is
// used for frames addressed to this session only, such as history.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(c.config.WriteTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- payload:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Deliver hands a broadcast frame to the session without blocking. A
// session whose queue is full is closed rather than allowed to stall
// the room.
func (c *Connection) Deliver(event types.RoomEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.holding {
		if len(c.pending) >= c.config.BufferSize {
			_ = c.Close()
			return ErrQueueFull
		}
		c.pending = append(c.pending, event)
		return nil
	}
	return c.enqueueLocked(event.Payload)
}

func (c *Connection) enqueueLocked(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- payload:
		return nil
	default:
		_ = c.Close()
		return ErrQueueFull
	}
}

// Hold parks subsequent broadcasts until Release.
func (c *Connection) Hold() {
	c.mu.Lock()
	c.holding = true
	c.mu.Unlock()
}

// Release flushes parked broadcasts in arrival order, skipping any whose
// message was already sent as history, and resumes direct delivery.
func (c *Connection) Release(sent map[int64]struct{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.pending
	c.pending = nil
	c.holding = false

	for _, ev := range pending {
		if _, dup := sent[ev.MessageID]; dup && ev.MessageID != 0 {
			continue
		}
		if err := c.enqueueLocked(ev.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Close cancels the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
