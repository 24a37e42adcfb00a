package gateway

import (
	"sync"
	"time"

	"github.com/chatd/chatd/internal/realtime"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait     = 10 * time.Second
	sendBuffer    = 128
	maxFrameBytes = 64 * 1024
)

// conn is one WebSocket connection. Outbound events queue on a buffered
// channel drained by writeLoop; a client that falls a full buffer behind is
// disconnected.
type conn struct {
	id         string
	ws         *websocket.Conn
	send       chan realtime.Event
	closed     chan struct{}
	once       sync.Once
	pingPeriod time.Duration
	log        *zap.Logger
}

var _ realtime.Conn = (*conn)(nil)

func newConn(ws *websocket.Conn, pingPeriod time.Duration, log *zap.Logger) *conn {
	id := uuid.NewString()
	return &conn{
		id:         id,
		ws:         ws,
		send:       make(chan realtime.Event, sendBuffer),
		closed:     make(chan struct{}),
		pingPeriod: pingPeriod,
		log:        log.With(zap.String("conn_id", id)),
	}
}

func (c *conn) ID() string { return c.id }

// Send queues evt without blocking.
func (c *conn) Send(evt realtime.Event) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- evt:
		return true
	default:
		go c.close(websocket.ClosePolicyViolation, "send buffer full")
		return false
	}
}

func (c *conn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case evt := <-c.send:
			if err := c.write(evt); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *conn) write(evt realtime.Event) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(evt)
}
