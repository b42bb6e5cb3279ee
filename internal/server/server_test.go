package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/realtime-core/internal/auth"
	"github.com/rickgao/realtime-core/internal/connection"
	"github.com/rickgao/realtime-core/internal/dispatch"
	"github.com/rickgao/realtime-core/internal/errhandler"
	"github.com/rickgao/realtime-core/internal/health"
	"github.com/rickgao/realtime-core/internal/processor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	srv      *Server
	registry *connection.Registry
	proc     *processor.Processor
	http     *httptest.Server
}

func newFixture(t *testing.T, regCfg connection.Config, cfg Config, regOpts []connection.Option, opts ...Option) *fixture {
	t.Helper()
	logger := quietLogger()

	reg := connection.New(regCfg, logger, regOpts...)

	pcfg := processor.DefaultConfig()
	pcfg.AutoScale = false
	proc := processor.New(pcfg, logger)
	require.NoError(t, proc.RegisterHandler("echo", func(_ context.Context, msg processor.Message, _, _ string) (any, error) {
		return msg.Payload, nil
	}))
	require.NoError(t, proc.Start(context.Background()))

	disp := dispatch.New(dispatch.DefaultConfig(), reg, logger)
	srv := New(cfg, reg, proc, disp, logger, opts...)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		reg.CloseAll("test done")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = proc.Stop(ctx)
	})

	return &fixture{srv: srv, registry: reg, proc: proc, http: ts}
}

func newDefaultFixture(t *testing.T, opts ...Option) *fixture {
	return newFixture(t, connection.DefaultConfig(), DefaultConfig(), nil, opts...)
}

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func (f *fixture) dial(t *testing.T, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// connect dials and consumes the welcome frame.
func (f *fixture) connect(t *testing.T, query string) (*websocket.Conn, Welcome) {
	t.Helper()
	conn := f.dial(t, query, nil)
	fr := readFrame(t, conn)
	require.Equal(t, TypeConnected, fr.Type)
	var w Welcome
	require.NoError(t, json.Unmarshal(fr.Payload, &w))
	return conn, w
}

func TestWS_ConnectWelcome(t *testing.T) {
	f := newDefaultFixture(t)

	_, w := f.connect(t, "?session_id=s1&user_id=alice")
	assert.Equal(t, "s1", w.SessionID)
	assert.Equal(t, "alice", w.UserID)

	c := f.registry.Get("s1")
	require.NotNil(t, c)
	assert.Equal(t, connection.StateConnected, c.State())
}

func TestWS_GeneratesSessionID(t *testing.T) {
	f := newDefaultFixture(t)

	_, w := f.connect(t, "")
	_, err := uuid.Parse(w.SessionID)
	assert.NoError(t, err)
	assert.NotNil(t, f.registry.Get(w.SessionID))
}

func TestWS_Ping(t *testing.T) {
	f := newDefaultFixture(t)
	conn, _ := f.connect(t, "?session_id=s1")

	sendJSON(t, conn, Inbound{Type: TypePing, ID: "p1"})
	fr := readFrame(t, conn)
	assert.Equal(t, TypePong, fr.Type)
	assert.Equal(t, "p1", fr.ID)
}

func TestWS_SubscribeUnsubscribe(t *testing.T) {
	f := newDefaultFixture(t)
	conn, _ := f.connect(t, "?session_id=s1")

	sendJSON(t, conn, Inbound{Type: TypeSubscribe, ID: "a", Topic: "news"})
	fr := readFrame(t, conn)
	require.Equal(t, TypeSubscribed, fr.Type)
	var tr TopicReply
	require.NoError(t, json.Unmarshal(fr.Payload, &tr))
	assert.Equal(t, []string{"news"}, tr.Subscriptions)
	assert.True(t, f.registry.Get("s1").IsSubscribed("news"))

	sendJSON(t, conn, Inbound{Type: TypeUnsubscribe, ID: "b", Topic: "news"})
	fr = readFrame(t, conn)
	assert.Equal(t, TypeUnsubscribed, fr.Type)
	assert.False(t, f.registry.Get("s1").IsSubscribed("news"))

	sendJSON(t, conn, Inbound{Type: TypeSubscribe, ID: "c"})
	fr = readFrame(t, conn)
	require.Equal(t, TypeError, fr.Type)
	var er ErrorReply
	require.NoError(t, json.Unmarshal(fr.Payload, &er))
	assert.Equal(t, CodeSubscribeFailed, er.Code)
}

// readTask collects the accepted and result frames for one request, which
// may arrive in either order.
func readTask(t *testing.T, conn *websocket.Conn) (Accepted, TaskResult) {
	t.Helper()
	var (
		acc Accepted
		res TaskResult
	)
	for range 2 {
		fr := readFrame(t, conn)
		switch fr.Type {
		case TypeAccepted:
			require.NoError(t, json.Unmarshal(fr.Payload, &acc))
		case TypeResult:
			require.NoError(t, json.Unmarshal(fr.Payload, &res))
		default:
			t.Fatalf("unexpected frame %q", fr.Type)
		}
	}
	return acc, res
}

func TestWS_TaskRoundTrip(t *testing.T) {
	f := newDefaultFixture(t)
	conn, _ := f.connect(t, "?session_id=s1")

	sendJSON(t, conn, map[string]any{
		"type":     "echo",
		"id":       "r1",
		"priority": "high",
		"payload":  map[string]int{"x": 1},
	})

	acc, res := readTask(t, conn)
	assert.Equal(t, "high", acc.Priority)
	assert.Equal(t, acc.TaskID, res.TaskID)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, "echo", res.Type)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Error)

	raw, err := json.Marshal(res.Result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(raw))
}

func TestWS_UnknownTypeFails(t *testing.T) {
	f := newDefaultFixture(t)
	conn, _ := f.connect(t, "?session_id=s1")

	sendJSON(t, conn, Inbound{Type: "nope", ID: "r2"})

	_, res := readTask(t, conn)
	assert.Equal(t, "failed", res.Status)
	assert.Contains(t, res.Error, processor.ErrHandlerNotFound.Error())
}

func TestWS_InvalidFrames(t *testing.T) {
	f := newDefaultFixture(t)
	conn, _ := f.connect(t, "?session_id=s1")

	tests := []struct {
		name  string
		frame string
		code  string
	}{
		{"malformed", `{"type":`, CodeInvalidMessage},
		{"missing type", `{"id":"x"}`, CodeInvalidMessage},
		{"bad priority", `{"type":"echo","priority":"urgent"}`, CodeInvalidPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			fr := readFrame(t, conn)
			require.Equal(t, TypeError, fr.Type)
			var er ErrorReply
			require.NoError(t, json.Unmarshal(fr.Payload, &er))
			assert.Equal(t, tt.code, er.Code)
		})
	}
}

func TestWS_Auth(t *testing.T) {
	regCfg := connection.DefaultConfig()
	regCfg.RequireAuth = true
	f := newFixture(t, regCfg, DefaultConfig(), []connection.Option{
		connection.WithValidator(auth.StaticValidator{"good": "alice"}),
	})

	t.Run("missing token closes with 4001", func(t *testing.T) {
		conn := f.dial(t, "?session_id=anon", nil)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "err = %v", err)
		assert.Equal(t, CloseUnauthorized, ce.Code)
		assert.Nil(t, f.registry.Get("anon"))
	})

	t.Run("bearer header", func(t *testing.T) {
		conn := f.dial(t, "?session_id=s1&user_id=mallory", http.Header{"Authorization": {"Bearer good"}})
		fr := readFrame(t, conn)
		require.Equal(t, TypeConnected, fr.Type)
		var w Welcome
		require.NoError(t, json.Unmarshal(fr.Payload, &w))
		assert.Equal(t, "alice", w.UserID)
	})

	t.Run("query token", func(t *testing.T) {
		_, w := f.connect(t, "?session_id=s2&token=good")
		assert.Equal(t, "alice", w.UserID)
	})
}

func TestWS_CapacityCloses(t *testing.T) {
	regCfg := connection.DefaultConfig()
	regCfg.MaxConnections = 1
	f := newFixture(t, regCfg, DefaultConfig(), nil)

	f.connect(t, "?session_id=s1")

	conn := f.dial(t, "?session_id=s2", nil)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "err = %v", err)
	assert.Equal(t, websocket.CloseTryAgainLater, ce.Code)
}

func TestWS_CleanCloseDisconnects(t *testing.T) {
	f := newDefaultFixture(t)
	conn, _ := f.connect(t, "?session_id=s1")

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	assert.Eventually(t, func() bool {
		return f.registry.Get("s1") == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWS_DropLeavesSessionResumable(t *testing.T) {
	f := newDefaultFixture(t)
	conn, _ := f.connect(t, "?session_id=s1&user_id=alice")

	sendJSON(t, conn, Inbound{Type: TypeSubscribe, Topic: "news"})
	readFrame(t, conn)

	require.NoError(t, conn.UnderlyingConn().Close())

	assert.Eventually(t, func() bool {
		c := f.registry.Get("s1")
		return c != nil && c.State() == connection.StateReconnecting
	}, 2*time.Second, 10*time.Millisecond)

	_, w := f.connect(t, "?session_id=s1&user_id=alice")
	assert.Equal(t, "s1", w.SessionID)
	c := f.registry.Get("s1")
	assert.Equal(t, connection.StateConnected, c.State())
	assert.True(t, c.IsSubscribed("news"))
}

type stubHealth struct{ st health.Status }

func (s stubHealth) Check(context.Context) health.Status { return s.st }

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name string
		st   health.Status
		code int
	}{
		{"healthy", health.NewHealthy("realtime", "ok"), http.StatusOK},
		{"degraded", health.NewDegraded("realtime", "slow"), http.StatusOK},
		{"unhealthy", health.NewUnhealthy("realtime", "down"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDefaultFixture(t, WithHealth(stubHealth{st: tt.st}))

			rec := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var got health.Status
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.st.Status, got.Status)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	f := newDefaultFixture(t, WithMetrics(reg))

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_test_total 1")
}

func TestDebugEndpoints(t *testing.T) {
	eh := errhandler.New(errhandler.DefaultConfig(), quietLogger())
	eh.Handle(context.Background(), errors.New("boom"), errhandler.ErrorContext{}, "echo")

	t.Run("disabled", func(t *testing.T) {
		f := newDefaultFixture(t, WithBreakers(eh))
		rec := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/queue", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	cfg := DefaultConfig()
	cfg.Debug = true
	f := newFixture(t, connection.DefaultConfig(), cfg, nil, WithBreakers(eh))
	h := f.srv.Handler()

	do := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	rec := do(http.MethodGet, "/debug/breakers")
	require.Equal(t, http.StatusOK, rec.Code)
	var breakers map[string]errhandler.BreakerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &breakers))
	require.Contains(t, breakers, "echo")
	assert.Equal(t, errhandler.StateClosed, breakers["echo"].State)
	assert.Equal(t, 1, breakers["echo"].FailureCount)

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/debug/breakers/echo/reset").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/debug/breakers/missing/reset").Code)

	rec = do(http.MethodGet, "/debug/queue")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue"`)
	assert.Contains(t, rec.Body.String(), `"workers"`)
	var queue struct {
		Workers []processor.WorkerMetrics `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queue))
	require.NotEmpty(t, queue.Workers)
	assert.Equal(t, processor.WorkerIdle, queue.Workers[0].State)

	rec = do(http.MethodGet, "/debug/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stats"`)

	rec = do(http.MethodGet, "/debug/errors?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
	var errs struct {
		Recent []errhandler.Record `json:"recent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errs))
	require.Len(t, errs.Recent, 1)
	assert.Equal(t, errhandler.SeverityLow, errs.Recent[0].Severity)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/debug/errors?limit=x").Code)
}

func TestServer_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	f := newFixture(t, connection.DefaultConfig(), cfg, nil)

	require.NoError(t, f.srv.Start(context.Background()))
	addr := f.srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws?session_id=live", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Stop(ctx))

	// The read pump ends once the registry closes the session.
	f.registry.CloseAll("shutdown")
	require.NoError(t, f.srv.Wait(ctx))
}
