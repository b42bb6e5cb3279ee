package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport adapts a gorilla websocket connection to Transport.
// Writes are serialized; gorilla allows one concurrent writer.
type WSTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWSTransport wraps conn. writeTimeout bounds every write.
func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger.With("remote_addr", conn.RemoteAddr().String()),
	}
}

// Send writes data as a single text frame.
func (t *WSTransport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(t.deadline(ctx)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping writes a ping control frame. The peer's pong arrives on the read side.
func (t *WSTransport) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, t.deadline(ctx))
}

// Close sends a normal closure frame and closes the socket.
func (t *WSTransport) Close() error {
	return t.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith sends a close frame carrying code and reason, then closes the socket.
// Only the first call has any effect.
func (t *WSTransport) CloseWith(code int, reason string) error {
	t.closeOnce.Do(func() {
		err := t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		if err != nil && err != websocket.ErrCloseSent {
			t.logger.Debug("close frame not sent", "error", err)
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// OnPong installs fn as the pong handler. fn runs on the reader goroutine.
func (t *WSTransport) OnPong(fn func()) {
	t.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// RemoteAddr returns the peer address.
func (t *WSTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *WSTransport) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(t.writeTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}
