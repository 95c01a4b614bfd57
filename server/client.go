package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"syncpad/protocol"
)

const writeWait = 10 * time.Second

// client is one live connection's server-side state. userID and session are
// written by the connection's own read loop but read from other goroutines
// (broadcasters, and teardown triggered by the write pump), so access goes
// through the locked accessors.
type client struct {
	broker *Broker
	conn   *websocket.Conn

	mu      sync.Mutex
	userID  string
	session *Session

	send      chan []byte
	confirms  chan int
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(b *Broker, conn *websocket.Conn) *client {
	return &client{
		broker:   b,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		confirms: make(chan int, 1),
		done:     make(chan struct{}),
	}
}

func (c *client) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *client) setUser(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

func (c *client) sessionRef() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// closed reports whether teardown has already begun for this connection.
func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue queues a frame for the write pump without ever blocking the
// caller. Frames to a peer whose queue is full are dropped; the resync
// protocol recovers such a peer later.
func (c *client) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.broker.log.Warnw("outbound queue full, dropping frame", "user", c.user())
	}
}

// reply encodes and enqueues a message for this connection only.
func (c *client) reply(msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.broker.log.Errorw("encode reply", "tag", msg.Tag(), "err", err)
		return
	}
	c.enqueue(frame)
}

// readPump processes inbound frames in receipt order until the connection
// drops, then runs teardown.
func (c *client) readPump() {
	defer c.broker.disconnect(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.broker.log.Warnw("read failed", "user", c.user(), "err", err)
			}
			return
		}
		c.broker.handleFrame(c, data)
	}
}

// writePump drains the outbound queue onto the socket.
func (c *client) writePump() {
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.broker.disconnect(c)
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
