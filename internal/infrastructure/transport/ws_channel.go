package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamcast/internal/core/domain"

	"github.com/gorilla/websocket"
)

// WSChannel adapts a websocket connection to domain.Channel. Data writes are
// serialized; every write carries a deadline so a stalled peer blocks its
// sender for at most writeTimeout.
type WSChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *WSChannel {
	return &WSChannel{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (c *WSChannel) SendBinary(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.BinaryMessage, data)
}

func (c *WSChannel) SendText(ctx context.Context, text string) error {
	return c.write(ctx, websocket.TextMessage, []byte(text))
}

// Probe sends a ping control frame. A failed write means the peer is gone.
func (c *WSChannel) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, c.deadline(ctx)); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close sends a close frame on a best-effort basis and closes the socket.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *WSChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *WSChannel) write(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return domain.ErrConnectionClosed
		}
		return err
	}
	return nil
}

func (c *WSChannel) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
