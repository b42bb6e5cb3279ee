package connection

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/realtime-core/internal/ring"
)

// Connection is one client session held by the registry.
type Connection struct {
	SessionID   string
	UserID      string
	ConnectedAt time.Time

	mu                sync.RWMutex
	state             State
	transport         Transport
	lastHeartbeat     time.Time
	reconnectAttempts int
	lastAttemptAt     time.Time
	subscriptions     map[string]struct{}

	sent *ring.Log[SentMessage]
	errs *ring.Log[ErrorEntry]
}

func newConnection(sessionID, userID string, t Transport, now time.Time, cfg Config) *Connection {
	return &Connection{
		SessionID:     sessionID,
		UserID:        userID,
		ConnectedAt:   now,
		state:         StateConnected,
		transport:     t,
		lastHeartbeat: now,
		subscriptions: make(map[string]struct{}),
		sent:          ring.NewLog[SentMessage](cfg.SentHistorySize),
		errs:          ring.NewLog[ErrorEntry](cfg.ErrorHistorySize),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastHeartbeat returns when the client was last heard from.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// ReconnectAttempts returns the attempts made since the session entered Reconnecting.
func (c *Connection) ReconnectAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectAttempts
}

// Subscriptions returns the subscribed topics in sorted order.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	return topics
}

// IsSubscribed reports whether the session subscribed to topic.
func (c *Connection) IsSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[topic]
	return ok
}

// Send writes data through the transport. Only Connected sessions accept writes.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	state, t := c.state, c.transport
	c.mu.RUnlock()

	switch {
	case state == StateReconnecting:
		return ErrReconnecting
	case state != StateConnected || t == nil:
		return ErrNotConnected
	}
	return t.Send(ctx, data)
}

// RecordSent appends an outbound message to the sent history.
func (c *Connection) RecordSent(msgType string, size int, at time.Time) {
	c.sent.Append(SentMessage{Type: msgType, Size: size, At: at})
}

// RecordError appends an error to the error history.
func (c *Connection) RecordError(op string, err error, at time.Time) {
	c.errs.Append(ErrorEntry{Operation: op, Error: err.Error(), At: at})
}

// SentHistory returns up to n most recent sent messages, oldest first.
func (c *Connection) SentHistory(n int) []SentMessage {
	return c.sent.Last(n)
}

// ErrorHistory returns up to n most recent errors, oldest first.
func (c *Connection) ErrorHistory(n int) []ErrorEntry {
	return c.errs.Last(n)
}

// Info returns a point-in-time view.
func (c *Connection) Info() Info {
	subs := c.Subscriptions()

	c.mu.RLock()
	defer c.mu.RUnlock()
	info := Info{
		SessionID:         c.SessionID,
		UserID:            c.UserID,
		State:             c.state,
		ConnectedAt:       c.ConnectedAt,
		LastHeartbeat:     c.lastHeartbeat,
		ReconnectAttempts: c.reconnectAttempts,
		Subscriptions:     subs,
		MessagesSent:      c.sent.Total(),
		Errors:            c.errs.Total(),
	}
	if c.transport != nil {
		info.RemoteAddr = c.transport.RemoteAddr()
	}
	return info
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	if now.After(c.lastHeartbeat) {
		c.lastHeartbeat = now
	}
	c.mu.Unlock()
}

// detach moves the connection to state and hands back the transport for closing.
func (c *Connection) detach(state State) Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.transport
	c.transport = nil
	c.state = state
	return t
}

func (c *Connection) ping(ctx context.Context) error {
	c.mu.RLock()
	state, t := c.state, c.transport
	c.mu.RUnlock()
	if state != StateConnected || t == nil {
		return ErrNotConnected
	}
	return t.Ping(ctx)
}
