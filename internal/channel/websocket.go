package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/kernelbus/internal/protocol"
)

const websocketCloseWait = time.Second

// WebSocketChannel carries one envelope per text message.
//
// Thread-safety: gorilla connections allow one concurrent writer, so Send
// serializes writes. The read loop is the only reader.
type WebSocketChannel struct {
	*hub

	conn   *websocket.Conn
	logger *slog.Logger

	wmu       sync.Mutex
	closeOnce sync.Once
}

// DialWebSocket connects to a kernel host listening at url.
func DialWebSocket(ctx context.Context, url string, header http.Header, logger *slog.Logger) (*WebSocketChannel, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWebSocketChannel(conn, logger), nil
}

// UpgradeWebSocket accepts a websocket connection on an HTTP handler.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*WebSocketChannel, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return newWebSocketChannel(conn, logger), nil
}

func newWebSocketChannel(conn *websocket.Conn, logger *slog.Logger) *WebSocketChannel {
	if logger == nil {
		logger = slog.Default()
	}
	conn.SetReadLimit(maxLineSize)
	c := &WebSocketChannel{hub: newHub(), conn: conn, logger: logger}
	go c.receiveLoop()
	return c
}

// Sender returns c.
func (c *WebSocketChannel) Sender() Sender { return c }

// Receiver returns c.
func (c *WebSocketChannel) Receiver() Receiver { return c }

// Send writes env as one text message.
func (c *WebSocketChannel) Send(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Close sends a close frame and tears down the connection.
func (c *WebSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(websocketCloseWait))
		c.wmu.Unlock()

		c.shutdown(ErrClosed)
		err = c.conn.Close()
	})
	return err
}

func (c *WebSocketChannel) receiveLoop() {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(ErrClosed)
			} else {
				c.shutdown(fmt.Errorf("websocket read: %w", err))
			}
			return
		}
		if kind != websocket.TextMessage || len(data) == 0 {
			continue
		}

		env, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.Warn("dropping unparseable message", "error", err)
			continue
		}
		c.deliver(env)
	}
}
