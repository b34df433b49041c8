package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/mals/internal/broker"
	"github.com/casualjim/mals/messages"
	"github.com/casualjim/mals/pkg/slogx"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

var _ broker.Connection = (*wsConn)(nil)

// wsConn is one websocket client. Outbound frames go through send and are
// written by writePump; the socket is read by readPump on the handler
// goroutine.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	log  *slog.Logger
	send chan []byte

	alive      atomic.Bool
	closeOnce  sync.Once
	closed     chan struct{}
	writerDone chan struct{}
}

func newConn(ws *websocket.Conn, buffer int, log *slog.Logger) *wsConn {
	id := "ws-" + uuid.Must(uuid.NewV7()).String()
	c := &wsConn{
		id:         id,
		ws:         ws,
		log:        log.With(slogx.Subscriber(id)),
		send:       make(chan []byte, buffer),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Alive() bool { return c.alive.Load() }

// Deliver queues msg for the writer. It never blocks.
func (c *wsConn) Deliver(msg messages.Message) error {
	data, err := msg.MarshalJSON()
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *wsConn) enqueue(data []byte) error {
	if !c.alive.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// reject answers the client with an error frame.
func (c *wsConn) reject(err error) {
	c.log.Debug("rejecting frame", slogx.Error(err))
	if qerr := c.enqueue(encodeError(err)); qerr != nil {
		c.log.Warn("failed to send error frame", slogx.Error(qerr))
	}
}

func (c *wsConn) reply(data []byte) {
	if err := c.enqueue(data); err != nil {
		c.log.Warn("failed to send reply", slogx.Error(err))
	}
}

// shutdown marks the connection dead and tells the writer to flush and
// send a close frame.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.closed)
	})
}

func (c *wsConn) readPump(handle func([]byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("connection read failed", slogx.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			c.reject(ErrMalformedFrame)
			continue
		}
		handle(data)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				return
			}
		case <-c.closed:
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// the reader waits for the peer's close frame, but not for long
			_ = c.ws.SetReadDeadline(time.Now().Add(writeWait))
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(kind int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(kind, data)
}

// fail is called by the writer when the socket broke. Closing the socket
// releases the reader.
func (c *wsConn) fail(err error) {
	c.log.Warn("connection write failed", slogx.Error(err))
	c.shutdown()
	_ = c.ws.Close()
}
