package config

import (
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/rickgao/realtime-core/internal/auth"
	"github.com/rickgao/realtime-core/internal/connection"
	"github.com/rickgao/realtime-core/internal/dispatch"
	"github.com/rickgao/realtime-core/internal/errhandler"
	"github.com/rickgao/realtime-core/internal/health"
	"github.com/rickgao/realtime-core/internal/processor"
	"github.com/rickgao/realtime-core/internal/server"
	"github.com/rickgao/realtime-core/internal/snapshot"
	"github.com/rickgao/realtime-core/internal/store"
)

// HTTPServer returns the HTTP server config.
func (c *Config) HTTPServer() server.Config {
	return server.Config{
		Addr:              c.Server.Addr,
		ReadHeaderTimeout: c.Server.ReadHeaderTimeout,
		WriteTimeout:      c.Server.WriteTimeout,
		ReadLimit:         c.Server.ReadLimit,
		AllowedOrigins:    c.Server.AllowedOrigins,
		MetricsPath:       c.Metrics.Path,
		Debug:             c.Server.Debug,
	}
}

// Registry returns the connection registry config.
func (c *Config) Registry() connection.Config {
	rc := connection.DefaultConfig()
	rc.MaxConnections = c.Connections.MaxConnections
	rc.RequireAuth = c.Auth.Required
	rc.HeartbeatInterval = c.Connections.HeartbeatInterval
	rc.ConnectionTimeout = c.Connections.ConnectionTimeout
	rc.PingTimeout = c.Connections.PingTimeout
	rc.PingRetries = c.Connections.PingRetries
	rc.MaxReconnectAttempts = c.Connections.MaxReconnectAttempts
	rc.ReconnectBaseDelay = c.Connections.ReconnectBaseDelay
	rc.ReconnectMaxDelay = c.Connections.ReconnectMaxDelay
	return rc
}

// ProcessorConfig returns the task processor config.
func (c *Config) ProcessorConfig() processor.Config {
	pc := processor.DefaultConfig()
	pc.QueueSize = c.Processor.QueueSize
	pc.MinWorkers = c.Processor.MinWorkers
	pc.MaxWorkers = c.Processor.MaxWorkers
	pc.ProcessingTimeout = c.Processor.ProcessingTimeout
	pc.MaxAttempts = c.Processor.MaxAttempts
	pc.RetryBaseDelay = c.Processor.RetryBaseDelay
	pc.RetryMaxDelay = c.Processor.RetryMaxDelay
	pc.AgingThreshold = c.Processor.AgingThreshold
	pc.FairnessWindow = c.Processor.FairnessWindow
	if c.Processor.AutoScale != nil {
		pc.AutoScale = *c.Processor.AutoScale
	}
	return pc
}

// ErrorHandler returns the error handler config.
func (c *Config) ErrorHandler() errhandler.Config {
	ec := errhandler.DefaultConfig()
	ec.FailureThreshold = c.Errors.FailureThreshold
	ec.FailureWindow = c.Errors.FailureWindow
	ec.RecoveryTimeout = c.Errors.RecoveryTimeout
	ec.HistorySize = c.Errors.HistorySize
	ec.RetryAttempts = c.Errors.RetryAttempts
	ec.AlertRate = c.Errors.AlertRate
	ec.AlertBurst = c.Errors.AlertBurst
	return ec
}

// Dispatcher returns the dispatcher config.
func (c *Config) Dispatcher() dispatch.Config {
	return dispatch.Config{
		MaxMessageSize: c.Dispatch.MaxMessageSize,
		SendTimeout:    c.Dispatch.SendTimeout,
		Concurrency:    c.Dispatch.Concurrency,
	}
}

// Writer returns the batch writer config.
func (c *Config) Writer() store.Config {
	return store.Config{
		BatchSize:     c.Store.BatchSize,
		FlushInterval: c.Store.FlushInterval,
		QueueSize:     c.Store.QueueSize,
		WriteTimeout:  c.Store.WriteTimeout,
	}
}

// Poller returns the snapshot poller config.
func (c *Config) Poller() snapshot.Config {
	return snapshot.Config{
		Interval: c.Snapshot.Interval,
		Timeout:  c.Snapshot.Timeout,
	}
}

// HealthChecker returns the health checker config.
func (c *Config) HealthChecker() health.Config {
	hc := health.DefaultConfig()
	hc.ConnectionsDegraded = c.Health.ConnectionsDegraded
	hc.QueueDegraded = c.Health.QueueDegraded
	hc.QueueUnhealthy = c.Health.QueueUnhealthy
	hc.CriticalDegraded = c.Health.CriticalDegraded
	hc.CriticalUnhealthy = c.Health.CriticalUnhealthy
	return hc
}

// Validator builds the token validator. It returns nil when no keys or
// static tokens are configured.
func (a AuthConfig) Validator() (auth.Validator, error) {
	var chain auth.Chain

	if len(a.StaticTokens) > 0 {
		chain = append(chain, auth.StaticValidator(a.StaticTokens))
	}

	if len(a.PublicKeys) > 0 {
		ids := make([]string, 0, len(a.PublicKeys))
		for id := range a.PublicKeys {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		keys := make(map[string]*rsa.PublicKey, len(ids))
		for _, id := range ids {
			key, err := auth.LoadPublicKey(a.PublicKeys[id])
			if err != nil {
				return nil, fmt.Errorf("auth.public_keys.%s: %w", id, err)
			}
			keys[id] = key
		}
		chain = append(chain, auth.NewRSAValidator(keys, a.MaxAge))
	}

	switch len(chain) {
	case 0:
		return nil, nil
	case 1:
		return chain[0], nil
	default:
		return chain, nil
	}
}

// NewLogger builds the process logger.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.level()}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func (l LoggingConfig) level() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
