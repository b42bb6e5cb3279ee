package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWSServer wraps each accepted connection in a WSTransport and hands it to handler.
func mockWSServer(t *testing.T, handler func(*WSTransport)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		tr := NewWSTransport(conn, time.Second, quietLogger())
		defer tr.Close()
		handler(tr)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSTransport_Send(t *testing.T) {
	server := mockWSServer(t, func(tr *WSTransport) {
		_ = tr.Send(context.Background(), []byte(`{"type":"hello"}`))
		_ = tr.Send(context.Background(), []byte(`{"type":"world"}`))
		time.Sleep(50 * time.Millisecond)
	})
	defer server.Close()

	conn := dial(t, server)

	for _, want := range []string{`{"type":"hello"}`, `{"type":"world"}`} {
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, msgType)
		assert.Equal(t, want, string(data))
	}
}

func TestWSTransport_SendHonoursCancelledContext(t *testing.T) {
	errCh := make(chan error, 1)
	server := mockWSServer(t, func(tr *WSTransport) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		errCh <- tr.Send(ctx, []byte("x"))
	})
	defer server.Close()

	dial(t, server)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return")
	}
}

func TestWSTransport_PingAndPong(t *testing.T) {
	pong := make(chan struct{}, 1)
	server := mockWSServer(t, func(tr *WSTransport) {
		tr.OnPong(func() {
			select {
			case pong <- struct{}{}:
			default:
			}
		})
		if err := tr.Ping(context.Background()); err != nil {
			t.Errorf("ping: %v", err)
			return
		}
		// control frames are only processed while reading
		_ = tr.conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, _ = tr.conn.ReadMessage()
	})
	defer server.Close()

	conn := dial(t, server)
	go func() {
		// the default ping handler replies with a pong while reading
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pong:
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestWSTransport_CloseWith(t *testing.T) {
	server := mockWSServer(t, func(tr *WSTransport) {
		_ = tr.CloseWith(websocket.CloseGoingAway, "server shutdown")
		assert.NoError(t, tr.CloseWith(websocket.CloseNormalClosure, ""), "second close is a no-op")
	})
	defer server.Close()

	conn := dial(t, server)

	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, "server shutdown", ce.Text)
}

func TestWSTransport_RemoteAddr(t *testing.T) {
	addr := make(chan string, 1)
	server := mockWSServer(t, func(tr *WSTransport) {
		addr <- tr.RemoteAddr()
	})
	defer server.Close()

	dial(t, server)
	assert.Contains(t, <-addr, "127.0.0.1")
}
