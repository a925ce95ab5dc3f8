package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a gorilla connection with a write lock so the reader goroutine
// and room broadcasts can write concurrently, plus a stable ID for presence
// bookkeeping.
type Conn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn wraps an upgraded connection under the given ID.
func NewConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{id: id, ws: ws}
}

// ID returns the connection's stable identifier.
func (c *Conn) ID() string { return c.id }

// Send writes a JSON payload with a write deadline.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func (c *Conn) ReadJSON(v any) error {
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Minute))
	return c.ws.ReadJSON(v)
}

// SendError sends a typed ErrorResponse.
func (c *Conn) SendError(errMsg string) error {
	return c.Send(ErrorResponse{Event: EventError, Error: errMsg})
}
