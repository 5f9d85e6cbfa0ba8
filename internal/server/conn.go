package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket to registry.Conn. gorilla allows one concurrent
// writer, so replies, pings and the close frame share writeMu.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{id: uuid.NewString(), ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// pingLoop keeps the peer's pongs flowing so the read deadline keeps moving.
func (c *wsConn) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// shutdown sends a going-away close frame and closes the socket, which
// unblocks the connection's read loop.
func (c *wsConn) shutdown(reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
		time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}
