package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/realtime-core/internal/errhandler"
)

// Start runs the heartbeat sweep until ctx is cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return ErrAlreadyStarted
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.heartbeatLoop()

	r.logger.Info("connection registry started",
		"heartbeat_interval", r.cfg.HeartbeatInterval,
		"connection_timeout", r.cfg.ConnectionTimeout,
		"max_connections", r.cfg.MaxConnections,
	)
	return nil
}

// Stop ends the sweep and closes every session.
func (r *Registry) Stop(ctx context.Context) error {
	r.logger.Info("stopping connection registry")

	r.runMu.Lock()
	cancel := r.cancel
	r.runMu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown timeout, forcing close")
	}

	r.CloseAll("server shutdown")

	r.logger.Info("connection registry stopped")
	return nil
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep(r.ctx)
		}
	}
}

// sweep walks a snapshot of the sessions once. Silent sessions are
// dropped, live ones pinged concurrently, and Reconnecting ones advance
// through their reconnection budget.
func (r *Registry) sweep(ctx context.Context) {
	now := r.now()

	var g errgroup.Group
	g.SetLimit(r.cfg.SweepConcurrency)

	var expired, pinged int
	for _, c := range r.all() {
		switch c.State() {
		case StateConnected:
			if now.Sub(c.LastHeartbeat()) > r.cfg.ConnectionTimeout {
				r.expire(c)
				expired++
				continue
			}
			pinged++
			g.Go(func() error {
				r.checkLiveness(ctx, c)
				return nil
			})
		case StateReconnecting:
			r.advanceReconnect(c, now)
		}
	}
	_ = g.Wait()

	if expired > 0 {
		r.logger.Info("heartbeat sweep", "pinged", pinged, "expired", expired)
	}
}

func (r *Registry) expire(c *Connection) {
	removed, t := r.remove(c.SessionID, c, StateDisconnected)
	if removed == nil {
		return
	}
	r.mu.Lock()
	r.stats.TimedOut++
	r.mu.Unlock()

	closeTransport(t, 4000, "heartbeat timeout", r.logger)
	r.recorder.ConnectionEvent(EventTimedOut)
	r.logger.Warn("session timed out",
		"session_id", c.SessionID,
		"user_id", c.UserID,
		"last_heartbeat", c.LastHeartbeat(),
	)
}

// checkLiveness pings c with bounded retries. A connection that never answers is
// reported to the error handler, which may recover it; otherwise it moves
// to Reconnecting.
func (r *Registry) checkLiveness(ctx context.Context, c *Connection) {
	var err error
	for attempt := 0; attempt <= r.cfg.PingRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		pctx, cancel := context.WithTimeout(ctx, r.cfg.PingTimeout)
		err = c.ping(pctx)
		cancel()
		if err == nil {
			r.reporter.RecordSuccess("heartbeat")
			return
		}
		if errors.Is(err, ErrNotConnected) {
			return
		}
	}

	c.RecordError("heartbeat", err, r.now())
	r.recorder.ConnectionEvent(EventPingFailed)

	rec := r.reporter.Handle(ctx,
		fmt.Errorf("%w: ping: %w", errhandler.ErrConnectionTimeout, err),
		errhandler.ErrorContext{
			SessionID: c.SessionID,
			UserID:    c.UserID,
			Operation: "heartbeat",
		},
		"heartbeat",
	)
	if rec.RecoverySuccessful || r.Get(c.SessionID) != c {
		return
	}
	if c.State() == StateConnected {
		if merr := r.MarkReconnecting(c.SessionID); merr != nil {
			r.logger.Debug("mark reconnecting failed", "session_id", c.SessionID, "error", merr)
		}
	}
}

func (r *Registry) advanceReconnect(c *Connection, now time.Time) {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	if now.Sub(c.lastAttemptAt) < r.ReconnectDelay(c.reconnectAttempts+1) {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempts++
	c.lastAttemptAt = now
	attempts := c.reconnectAttempts
	c.mu.Unlock()

	if attempts <= r.cfg.MaxReconnectAttempts {
		r.logger.Debug("awaiting reconnect", "session_id", c.SessionID, "attempt", attempts)
		return
	}

	if removed, _ := r.remove(c.SessionID, c, StateFailed); removed == nil {
		return
	}
	r.mu.Lock()
	r.stats.Failed++
	r.mu.Unlock()

	r.recorder.ConnectionEvent(EventFailed)
	r.logger.Warn("session failed",
		"session_id", c.SessionID,
		"user_id", c.UserID,
		"attempts", attempts,
	)
}
