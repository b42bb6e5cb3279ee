package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/rickgao/realtime-core/internal/auth"
)

// Option configures a Registry.
type Option func(*Registry)

// WithValidator sets the token validator used on Connect.
func WithValidator(v auth.Validator) Option {
	return func(r *Registry) { r.validator = v }
}

// WithReporter routes heartbeat failures to an error handler.
func WithReporter(rep ErrorReporter) Option {
	return func(r *Registry) {
		if rep != nil {
			r.reporter = rep
		}
	}
}

// WithRecorder sets the event recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry tracks live client sessions.
type Registry struct {
	cfg       Config
	logger    *slog.Logger
	validator auth.Validator
	reporter  ErrorReporter
	recorder  Recorder
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Connection
	users    map[string]map[string]struct{} // user id -> session ids
	stats    Stats

	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a registry.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.PingRetries < 0 {
		cfg.PingRetries = 0
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = def.SweepConcurrency
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = max(def.ReconnectMaxDelay, cfg.ReconnectBaseDelay)
	}

	r := &Registry{
		cfg:      cfg,
		logger:   logger.With("component", "connections"),
		reporter: nopReporter{},
		recorder: nopRecorder{},
		now:      time.Now,
		sessions: make(map[string]*Connection),
		users:    make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers a session. A Connected session with the same id is
// replaced; a Reconnecting one for the same user is resumed with the new
// transport and keeps its subscriptions.
func (r *Registry) Connect(ctx context.Context, sessionID, userID, token string, t Transport) (*Connection, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidSession)
	}

	uid, err := r.authenticate(ctx, userID, token)
	if err != nil {
		r.reject(EventRejectedAuth)
		r.logger.Warn("connection rejected", "session_id", sessionID, "reason", "auth", "error", err)
		return nil, err
	}

	now := r.now()

	r.mu.Lock()
	existing := r.sessions[sessionID]
	if existing != nil && existing.State() == StateReconnecting && existing.UserID == uid {
		r.resumeLocked(existing, t, now)
		r.mu.Unlock()

		r.recorder.ConnectionEvent(EventResumed)
		r.logger.Info("session resumed", "session_id", sessionID, "user_id", uid, "remote_addr", t.RemoteAddr())
		return existing, nil
	}

	if existing == nil && len(r.sessions) >= r.cfg.MaxConnections {
		r.stats.Rejected++
		r.mu.Unlock()

		r.recorder.ConnectionEvent(EventRejectedCapacity)
		r.logger.Warn("connection rejected", "session_id", sessionID, "reason", "capacity", "max", r.cfg.MaxConnections)
		return nil, ErrCapacityExceeded
	}

	var old Transport
	if existing != nil {
		old = existing.detach(StateDisconnected)
		r.removeLocked(existing)
		r.stats.Replaced++
	}

	c := newConnection(sessionID, uid, t, now, r.cfg)
	r.sessions[sessionID] = c
	if uid != "" {
		set := r.users[uid]
		if set == nil {
			set = make(map[string]struct{})
			r.users[uid] = set
		}
		set[sessionID] = struct{}{}
	}
	r.stats.Accepted++
	r.mu.Unlock()

	if existing != nil {
		closeTransport(old, websocket.ClosePolicyViolation, "session replaced", r.logger)
		r.recorder.ConnectionEvent(EventReplaced)
		r.logger.Info("session replaced", "session_id", sessionID, "user_id", uid)
	}
	r.recorder.ConnectionEvent(EventConnected)
	r.logger.Info("session connected", "session_id", sessionID, "user_id", uid, "remote_addr", t.RemoteAddr())
	return c, nil
}

func (r *Registry) authenticate(ctx context.Context, userID, token string) (string, error) {
	if token == "" {
		if r.cfg.RequireAuth {
			return "", fmt.Errorf("%w: missing token", ErrAuthenticationFailed)
		}
		return userID, nil
	}
	if r.validator == nil {
		if r.cfg.RequireAuth {
			return "", fmt.Errorf("%w: no validator configured", ErrAuthenticationFailed)
		}
		return userID, nil
	}

	uid, err := r.validator.Validate(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	if uid != "" {
		return uid, nil
	}
	return userID, nil
}

func (r *Registry) reject(event string) {
	r.mu.Lock()
	r.stats.Rejected++
	r.mu.Unlock()
	r.recorder.ConnectionEvent(event)
}

func (r *Registry) resumeLocked(c *Connection, t Transport, now time.Time) {
	c.mu.Lock()
	c.transport = t
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.lastAttemptAt = time.Time{}
	c.lastHeartbeat = now
	c.mu.Unlock()
	r.stats.Resumed++
}

// Reconnect attaches a new transport to a Reconnecting session.
func (r *Registry) Reconnect(sessionID string, t Transport) (*Connection, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidSession)
	}

	r.mu.Lock()
	c, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if c.State() != StateReconnecting {
		r.mu.Unlock()
		return nil, ErrNotReconnecting
	}
	r.resumeLocked(c, t, r.now())
	r.mu.Unlock()

	r.recorder.ConnectionEvent(EventResumed)
	r.logger.Info("session resumed", "session_id", sessionID, "user_id", c.UserID)
	return c, nil
}

// Disconnect removes the session and closes its transport. It reports
// whether the session was registered; unknown ids are a no-op.
func (r *Registry) Disconnect(sessionID string) bool {
	c, t := r.remove(sessionID, nil, StateDisconnected)
	if c == nil {
		return false
	}
	r.mu.Lock()
	r.stats.Disconnected++
	r.mu.Unlock()

	closeTransport(t, websocket.CloseNormalClosure, "", r.logger)
	r.recorder.ConnectionEvent(EventDisconnected)
	r.logger.Info("session disconnected", "session_id", sessionID, "user_id", c.UserID)
	return true
}

// remove drops sessionID from the indices and moves it to state. When
// expect is non-nil the entry is only removed if it is still expect.
func (r *Registry) remove(sessionID string, expect *Connection, state State) (*Connection, Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.sessions[sessionID]
	if !ok || (expect != nil && c != expect) {
		return nil, nil
	}
	t := c.detach(state)
	r.removeLocked(c)
	return c, t
}

func (r *Registry) removeLocked(c *Connection) {
	delete(r.sessions, c.SessionID)
	if c.UserID == "" {
		return
	}
	if set := r.users[c.UserID]; set != nil {
		delete(set, c.SessionID)
		if len(set) == 0 {
			delete(r.users, c.UserID)
		}
	}
}

// MarkReconnecting closes the session's transport and keeps the entry so
// the client can resume it. The reconnection budget starts now.
func (r *Registry) MarkReconnecting(sessionID string) error {
	return r.markReconnecting(sessionID, nil)
}

// markReconnecting is MarkReconnecting restricted, when expect is non-nil,
// to a session still attached to expect.
func (r *Registry) markReconnecting(sessionID string, expect Transport) error {
	r.mu.RLock()
	c, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	c.mu.Lock()
	if expect != nil && c.transport != expect {
		c.mu.Unlock()
		return ErrNotConnected
	}
	switch c.state {
	case StateReconnecting:
		c.mu.Unlock()
		return nil
	case StateConnected:
	default:
		c.mu.Unlock()
		return ErrNotConnected
	}
	t := c.transport
	c.transport = nil
	c.state = StateReconnecting
	c.reconnectAttempts = 0
	c.lastAttemptAt = r.now()
	c.mu.Unlock()

	closeTransport(t, websocket.CloseGoingAway, "reconnect", r.logger)
	r.recorder.ConnectionEvent(EventReconnecting)
	r.logger.Warn("session awaiting reconnect", "session_id", sessionID, "user_id", c.UserID)
	return nil
}

// Release handles a transport that dropped on its own, such as a read
// failure or a client close. It does nothing when the session has since
// moved to another transport. A resumable release keeps the session for
// reconnection, otherwise the session is disconnected. It reports whether
// the session changed state.
func (r *Registry) Release(sessionID string, t Transport, resumable bool) bool {
	if t == nil {
		return false
	}
	if resumable {
		return r.markReconnecting(sessionID, t) == nil
	}

	r.mu.Lock()
	c, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	c.mu.RLock()
	owned := c.transport == t
	c.mu.RUnlock()
	if !owned {
		r.mu.Unlock()
		return false
	}
	c.detach(StateDisconnected)
	r.removeLocked(c)
	r.stats.Disconnected++
	r.mu.Unlock()

	closeTransport(t, websocket.CloseNormalClosure, "", r.logger)
	r.recorder.ConnectionEvent(EventDisconnected)
	r.logger.Info("session closed by client", "session_id", sessionID, "user_id", c.UserID)
	return true
}

// RecoverConnection pings the session once more and, if it stays
// unreachable, moves it to Reconnecting. It satisfies
// errhandler.ConnectionRecoverer.
func (r *Registry) RecoverConnection(ctx context.Context, sessionID string) error {
	c := r.Get(sessionID)
	if c == nil {
		return ErrSessionNotFound
	}
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.PingTimeout)
	err := c.ping(pctx)
	cancel()
	if err == nil {
		return nil
	}

	if merr := r.MarkReconnecting(sessionID); merr != nil && !errors.Is(merr, ErrNotConnected) {
		return errors.Join(err, merr)
	}
	return fmt.Errorf("session %s unreachable: %w", sessionID, err)
}

// ReconnectDelay is the wait before reconnect attempt n (1-based):
// ReconnectBaseDelay doubled per attempt, capped at ReconnectMaxDelay.
func (r *Registry) ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.ReconnectBaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.cfg.ReconnectMaxDelay,
	}
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt && d < r.cfg.ReconnectMaxDelay; i++ {
		d = b.NextBackOff()
	}
	return min(d, r.cfg.ReconnectMaxDelay)
}

// Subscribe adds topic to the session's subscriptions.
func (r *Registry) Subscribe(sessionID, topic string) error {
	c := r.Get(sessionID)
	if c == nil {
		return ErrSessionNotFound
	}
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	c.mu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes topic from the session's subscriptions.
func (r *Registry) Unsubscribe(sessionID, topic string) error {
	c := r.Get(sessionID)
	if c == nil {
		return ErrSessionNotFound
	}
	c.mu.Lock()
	delete(c.subscriptions, topic)
	c.mu.Unlock()
	return nil
}

// Heartbeat records that the client was heard from.
func (r *Registry) Heartbeat(sessionID string) error {
	c := r.Get(sessionID)
	if c == nil {
		return ErrSessionNotFound
	}
	c.touch(r.now())
	return nil
}

// Get returns the session or nil.
func (r *Registry) Get(sessionID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// SessionsForUser returns the user's sessions ordered by session id.
func (r *Registry) SessionsForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	out := make([]*Connection, 0, len(set))
	for sid := range set {
		if c, ok := r.sessions[sid]; ok {
			out = append(out, c)
		}
	}
	sortBySession(out)
	return out
}

// Connected returns every Connected session ordered by session id.
func (r *Registry) Connected() []*Connection {
	return r.Subscribers("")
}

// Subscribers returns the Connected sessions subscribed to topic, or all
// Connected sessions when topic is empty.
func (r *Registry) Subscribers(topic string) []*Connection {
	var out []*Connection
	for _, c := range r.all() {
		if c.State() != StateConnected {
			continue
		}
		if topic != "" && !c.IsSubscribed(topic) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Snapshot returns a view of every registered session.
func (r *Registry) Snapshot() []Info {
	conns := r.all()
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Capacity returns the connection limit.
func (r *Registry) Capacity() int {
	return r.cfg.MaxConnections
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	s := r.stats
	s.Total = len(r.sessions)
	s.Users = len(r.users)
	s.Capacity = r.cfg.MaxConnections
	s.PerUser = make(map[string]int, len(r.users))
	for uid, set := range r.users {
		s.PerUser[uid] = len(set)
	}
	conns := make([]*Connection, 0, len(r.sessions))
	for _, c := range r.sessions {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		switch c.State() {
		case StateConnected:
			s.Connected++
		case StateReconnecting:
			s.Reconnecting++
		}
	}
	return s
}

// CloseAll disconnects every session with a going-away close frame.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.sessions))
	for _, c := range r.sessions {
		conns = append(conns, c)
	}
	r.sessions = make(map[string]*Connection)
	r.users = make(map[string]map[string]struct{})
	r.stats.Disconnected += int64(len(conns))
	r.mu.Unlock()

	for _, c := range conns {
		closeTransport(c.detach(StateDisconnected), websocket.CloseGoingAway, reason, r.logger)
		r.recorder.ConnectionEvent(EventDisconnected)
	}
	if len(conns) > 0 {
		r.logger.Info("closed all sessions", "count", len(conns), "reason", reason)
	}
	return len(conns)
}

func (r *Registry) all() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.sessions))
	for _, c := range r.sessions {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sortBySession(out)
	return out
}

func sortBySession(conns []*Connection) {
	slices.SortFunc(conns, func(a, b *Connection) int {
		return strings.Compare(a.SessionID, b.SessionID)
	})
}

// closeTransport closes t, passing code and reason when the transport supports it.
func closeTransport(t Transport, code int, reason string, logger *slog.Logger) {
	if t == nil {
		return
	}
	var err error
	if cw, ok := t.(interface{ CloseWith(int, string) error }); ok {
		err = cw.CloseWith(code, reason)
	} else {
		err = t.Close()
	}
	if err != nil {
		logger.Debug("transport close failed", "remote_addr", t.RemoteAddr(), "error", err)
	}
}
