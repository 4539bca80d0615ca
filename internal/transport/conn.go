package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	// DefaultWriteWait bounds a single frame write
	DefaultWriteWait = 5 * time.Second
	closeWait        = time.Second
)

// ErrClosed is returned once the peer or the local side closed the connection
var ErrClosed = errors.New("connection closed")

// Conn is a message oriented connection. Each websocket binary frame carries
// exactly one protocol message, so no extra framing is needed.
type Conn struct {
	ws        *ws.Conn
	writeMu   sync.Mutex
	writeWait time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Wrap takes ownership of an established websocket
func Wrap(conn *ws.Conn, writeWait time.Duration) *Conn {
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}
	return &Conn{ws: conn, writeWait: writeWait}
}

// Dial connects to a race server websocket endpoint
func Dial(ctx context.Context, url string, writeWait time.Duration) (*Conn, error) {
	conn, _, err := ws.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return Wrap(conn, writeWait), nil
}

// Upgrader returns the websocket upgrader used by the server. Clients are
// simulators, not browsers, so any origin is accepted.
func Upgrader() *ws.Upgrader {
	return &ws.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// Accept upgrades an incoming HTTP request
func Accept(up *ws.Upgrader, w http.ResponseWriter, r *http.Request, writeWait time.Duration) (*Conn, error) {
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return Wrap(conn, writeWait), nil
}

// Send writes one message. It is safe for concurrent use.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return c.wrapErr(err)
	}
	if err := c.ws.WriteMessage(ws.BinaryMessage, data); err != nil {
		return c.wrapErr(err)
	}
	return nil
}

// Receive blocks for the next message. Only one goroutine may call it.
func (c *Conn) Receive() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, c.wrapErr(err)
		}
		if kind == ws.BinaryMessage || kind == ws.TextMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and releases the socket. Repeated calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *Conn) wrapErr(err error) error {
	if ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway, ws.CloseNoStatusReceived, ws.CloseAbnormalClosure) ||
		errors.Is(err, ws.ErrCloseSent) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	var closeErr *ws.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
