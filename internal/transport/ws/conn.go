package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/matst80/wsrelay/internal/relay"
	"github.com/matst80/wsrelay/internal/session"
)

// closeGrace bounds how long a closed connection waits for the peer's close
// frame before the socket is torn down.
const closeGrace = time.Second

// Conn adapts a websocket connection to relay.Endpoint. Writes are
// serialized; Close and the keepalive pinger use WriteControl, which gorilla
// allows concurrently with everything else.
type Conn struct {
	id           session.EndpointID
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var _ relay.Endpoint = (*Conn)(nil)

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           session.EndpointID(uuid.NewString()),
		ws:           ws,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *Conn) ID() session.EndpointID { return c.id }

func (c *Conn) Send(payload []byte) error {
	if c.isClosed() {
		return relay.ErrAlreadyClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a close frame with code and reason. The read loop keeps
// draining until the peer answers or closeGrace passes.
func (c *Conn) Close(code relay.CloseCode, reason string) error {
	err := relay.ErrAlreadyClosed
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(int(code), reason)
		err = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		time.AfterFunc(closeGrace, func() { _ = c.ws.Close() })
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// extendRead pushes the idle deadline out unless the connection is closing.
func (c *Conn) extendRead(idle time.Duration) {
	if idle <= 0 || c.isClosed() {
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
}

func (c *Conn) keepalive(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		}
	}
}
