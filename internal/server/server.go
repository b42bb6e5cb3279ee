package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/realtime-core/internal/health"
)

// Option customizes a Server.
type Option func(*Server)

// WithHealth attaches the health checker served on /health.
func WithHealth(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics serves g on the metrics path.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithBreakers attaches breaker state for the debug endpoints.
func WithBreakers(b Breakers) Option {
	return func(s *Server) { s.breakers = b }
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	cfg      Config
	sessions Sessions
	proc     Processor
	sender   Sender
	health   HealthChecker
	gatherer prometheus.Gatherer
	breakers Breakers
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // serve loop
	pumps  sync.WaitGroup // WebSocket read pumps
}

// New creates a Server.
func New(cfg Config, sessions Sessions, proc Processor, sender Sender, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = def.MetricsPath
	}

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		proc:     proc,
		sender:   sender,
		logger:   logger.With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET "+s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
		}))
	}
	if s.cfg.Debug {
		mux.HandleFunc("GET /debug/queue", s.handleQueue)
		mux.HandleFunc("GET /debug/sessions", s.handleSessions)
		if s.breakers != nil {
			mux.HandleFunc("GET /debug/breakers", s.handleBreakers)
			mux.HandleFunc("POST /debug/breakers/{operation}/reset", s.handleBreakerReset)
			mux.HandleFunc("GET /debug/errors", s.handleErrors)
		}
	}
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()

	s.logger.Info("server listening", "addr", ln.Addr().String(), "debug", s.cfg.Debug)
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting requests and waits for in-flight HTTP requests.
// Open WebSocket sessions stay up until the registry closes them; use
// Wait to block until their read pumps have exited.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	s.wg.Wait()
	s.logger.Info("server stopped accepting connections")
	return err
}

// Wait blocks until every WebSocket read pump has exited or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	defer s.cancel()

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := health.NewHealthy("realtime", "no checks configured")
	if s.health != nil {
		st = s.health.Check(r.Context())
	}

	code := http.StatusOK
	if st.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":   s.proc.QueueStatus(),
		"metrics": s.proc.Metrics(),
		"workers": s.proc.WorkerMetrics(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":    s.sessions.Stats(),
		"sessions": s.sessions.Snapshot(),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.BreakerStatus())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	op := r.PathValue("operation")
	if !s.breakers.ResetBreaker(op) {
		writeJSON(w, http.StatusNotFound, ErrorReply{Code: "not_found", Message: "no breaker for " + op})
		return
	}
	s.logger.Info("breaker reset", "operation", op, "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.breakers.BreakerStatus()[op])
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, ErrorReply{Code: "bad_request", Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": s.breakers.Metrics(),
		"recent":  s.breakers.History(limit),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
