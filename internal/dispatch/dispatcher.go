package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/realtime-core/internal/connection"
	"github.com/rickgao/realtime-core/internal/errhandler"
)

// OpSendMessage is the error handler operation for failed sends.
const OpSendMessage = "send_message"

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReporter routes send failures to an error handler.
func WithReporter(rep ErrorReporter) Option {
	return func(d *Dispatcher) {
		if rep != nil {
			d.reporter = rep
		}
	}
}

// WithRecorder sets the delivery recorder.
func WithRecorder(rec Recorder) Option {
	return func(d *Dispatcher) {
		if rec != nil {
			d.recorder = rec
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher writes messages to sessions held by a registry.
type Dispatcher struct {
	cfg      Config
	sessions Sessions
	reporter ErrorReporter
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a dispatcher over sessions.
func New(cfg Config, sessions Sessions, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	d := &Dispatcher{
		cfg:      cfg,
		sessions: sessions,
		reporter: nopReporter{},
		recorder: nopRecorder{},
		logger:   logger.With("component", "dispatch"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendMessage encodes msg and writes it to one session.
//
// The session must be Connected. A transport failure is reported to the
// error handler; if recovery delivers the message SendMessage returns nil,
// otherwise it returns the failure wrapped in ErrSendFailed and, for
// connection-class failures, disconnects the session. An encoding failure
// returns ErrSerialization even when a fallback envelope was delivered.
func (d *Dispatcher) SendMessage(ctx context.Context, sessionID string, msg Message) error {
	c := d.sessions.Get(sessionID)
	if c == nil {
		d.recorder.MessageFailed(msg.Type, ReasonNotConnected)
		return fmt.Errorf("%w: %w", ErrNotConnected, connection.ErrSessionNotFound)
	}
	if c.State() != connection.StateConnected {
		d.recorder.MessageFailed(msg.Type, ReasonNotConnected)
		return ErrNotConnected
	}

	msg = d.stamp(msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return d.serializationFailure(ctx, c, msg, err)
	}
	return d.deliver(ctx, c, msg.Type, data)
}

func (d *Dispatcher) stamp(msg Message) Message {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.now()
	}
	return msg
}

// deliver writes pre-encoded data to c.
func (d *Dispatcher) deliver(ctx context.Context, c *connection.Connection, msgType string, data []byte) error {
	if len(data) > d.cfg.MaxMessageSize {
		d.recorder.MessageFailed(msgType, ReasonTooLarge)
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), d.cfg.MaxMessageSize)
	}

	err := d.write(ctx, c, msgType, data)
	if err == nil {
		d.reporter.RecordSuccess(OpSendMessage)
		return nil
	}
	if errors.Is(err, connection.ErrNotConnected) || errors.Is(err, connection.ErrReconnecting) {
		d.recorder.MessageFailed(msgType, ReasonNotConnected)
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	c.RecordError(OpSendMessage, err, d.now())

	rec := d.reporter.Handle(ctx, err, errhandler.ErrorContext{
		SessionID:   c.SessionID,
		UserID:      c.UserID,
		MessageType: msgType,
		Retry: func(ctx context.Context) error {
			return d.write(ctx, c, msgType, data)
		},
	}, OpSendMessage)
	if rec.RecoverySuccessful {
		return nil
	}

	d.recorder.MessageFailed(msgType, ReasonTransport)
	if connectionClass(rec.Type) {
		if d.sessions.Disconnect(c.SessionID) {
			d.logger.Warn("session disconnected after send failure",
				"session_id", c.SessionID,
				"error_type", string(rec.Type),
				"error", err,
			)
		}
	}
	return fmt.Errorf("%w: %w", ErrSendFailed, err)
}

// write performs one bounded transport write and records it on success.
func (d *Dispatcher) write(ctx context.Context, c *connection.Connection, msgType string, data []byte) error {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	err := c.Send(sctx, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: write: %w", errhandler.ErrConnectionTimeout, err)
		}
		return err
	}
	c.RecordSent(msgType, len(data), d.now())
	d.recorder.MessageSent(msgType, len(data))
	return nil
}

func (d *Dispatcher) serializationFailure(ctx context.Context, c *connection.Connection, msg Message, err error) error {
	err = fmt.Errorf("%w: %w", ErrSerialization, err)
	c.RecordError(OpSendMessage, err, d.now())
	d.recorder.MessageFailed(msg.Type, ReasonSerialization)

	d.reporter.Handle(ctx, err, errhandler.ErrorContext{
		SessionID:   c.SessionID,
		UserID:      c.UserID,
		MessageType: msg.Type,
		Payload:     msg,
		Deliver: func(ctx context.Context, data []byte) error {
			if len(data) > d.cfg.MaxMessageSize {
				return ErrMessageTooLarge
			}
			return d.write(ctx, c, msg.Type, data)
		},
	}, OpSendMessage)
	return err
}

func connectionClass(t errhandler.ErrorType) bool {
	return t == errhandler.TypeConnectionTimeout || t == errhandler.TypeNetworkError
}

// BroadcastToAll sends msg to every Connected session, or to the sessions
// subscribed to topic when topic is non-empty.
func (d *Dispatcher) BroadcastToAll(ctx context.Context, msg Message, topic string) BroadcastResult {
	return d.fanout(ctx, d.sessions.Subscribers(topic), msg)
}

// SendToUser sends msg to every Connected session of userID.
func (d *Dispatcher) SendToUser(ctx context.Context, userID string, msg Message) BroadcastResult {
	return d.fanout(ctx, connected(d.sessions.SessionsForUser(userID)), msg)
}

// BroadcastWorkflowUpdate sends update to the subscribers of the workflow's topic.
func (d *Dispatcher) BroadcastWorkflowUpdate(ctx context.Context, workflowID string, update any) BroadcastResult {
	msg := Message{
		Type:    TypeWorkflowUpdate,
		Payload: workflowUpdate{WorkflowID: workflowID, Update: update},
	}
	return d.BroadcastToAll(ctx, msg, WorkflowTopic(workflowID))
}

// BroadcastNotification sends notification to the sessions of userIDs, or
// to every Connected session when no users are named.
func (d *Dispatcher) BroadcastNotification(ctx context.Context, notification any, userIDs ...string) BroadcastResult {
	msg := Message{Type: TypeNotification, Payload: notification}
	if len(userIDs) == 0 {
		return d.BroadcastToAll(ctx, msg, "")
	}

	seen := make(map[string]struct{})
	var targets []*connection.Connection
	for _, uid := range userIDs {
		for _, c := range connected(d.sessions.SessionsForUser(uid)) {
			if _, dup := seen[c.SessionID]; dup {
				continue
			}
			seen[c.SessionID] = struct{}{}
			targets = append(targets, c)
		}
	}
	return d.fanout(ctx, targets, msg)
}

// fanout delivers msg to targets with bounded concurrency. The message is
// encoded once; a failed target never stops delivery to the others.
func (d *Dispatcher) fanout(ctx context.Context, targets []*connection.Connection, msg Message) BroadcastResult {
	res := BroadcastResult{Targeted: len(targets)}
	if len(targets) == 0 {
		return res
	}

	msg = d.stamp(msg)
	data, encErr := json.Marshal(msg)

	var (
		sent   atomic.Int64
		mu     sync.Mutex
		failed []string
	)

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, c := range targets {
		g.Go(func() error {
			var err error
			if encErr != nil {
				err = d.serializationFailure(ctx, c, msg, encErr)
			} else {
				err = d.deliver(ctx, c, msg.Type, data)
			}
			if err != nil {
				mu.Lock()
				failed = append(failed, c.SessionID)
				mu.Unlock()
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(failed)
	res.Sent = int(sent.Load())
	res.Failed = len(failed)
	res.FailedSessions = failed

	if res.Failed > 0 {
		d.logger.Warn("broadcast partially failed",
			"type", msg.Type,
			"targeted", res.Targeted,
			"sent", res.Sent,
			"failed", res.Failed,
		)
	}
	return res
}

func connected(conns []*connection.Connection) []*connection.Connection {
	out := conns[:0:0]
	for _, c := range conns {
		if c.State() == connection.StateConnected {
			out = append(out, c)
		}
	}
	return out
}
