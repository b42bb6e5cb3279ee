// Package alert delivers Critical error records outside the process.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rickgao/realtime-core/internal/errhandler"
)

// Header keys set on published alerts.
const (
	HeaderSeverity  = "Realtime-Severity"
	HeaderOperation = "Realtime-Operation"
	HeaderType      = "Realtime-Error-Type"
)

// Publisher sends one NATS message. *nats.Conn satisfies it.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSNotifier publishes each record as JSON to "<prefix>.<category>".
type NATSNotifier struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// NewNATSNotifier creates a notifier publishing under subject prefix.
func NewNATSNotifier(pub Publisher, prefix string, logger *slog.Logger) *NATSNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "realtime.alerts"
	}
	return &NATSNotifier{pub: pub, prefix: prefix, logger: logger}
}

// Alert implements errhandler.Alerter.
func (n *NATSNotifier) Alert(ctx context.Context, rec errhandler.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	headers := nats.Header{}
	// JetStream de-duplicates on this header when the subject is stream-backed
	headers.Set(nats.MsgIdHdr, rec.ID)
	headers.Set(HeaderSeverity, rec.Severity.String())
	headers.Set(HeaderOperation, rec.Operation)
	headers.Set(HeaderType, string(rec.Type))

	msg := &nats.Msg{
		Subject: n.Subject(rec),
		Data:    data,
		Header:  headers,
	}
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	n.logger.Debug("alert published", "subject", msg.Subject, "id", rec.ID)
	return nil
}

// Subject returns the subject rec is published on.
func (n *NATSNotifier) Subject(rec errhandler.Record) string {
	category := string(rec.Category)
	if category == "" {
		category = "unknown"
	}
	return n.prefix + "." + category
}

// Dial connects to NATS with reconnects enabled for the life of the process.
func Dial(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// LogNotifier writes each record to a logger at error level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier writing to logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "alert")}
}

// Alert implements errhandler.Alerter.
func (n *LogNotifier) Alert(ctx context.Context, rec errhandler.Record) error {
	n.logger.ErrorContext(ctx, "critical error",
		"id", rec.ID,
		"operation", rec.Operation,
		"type", string(rec.Type),
		"category", string(rec.Category),
		"session_id", rec.Context.SessionID,
		"user_id", rec.Context.UserID,
		"message", rec.Message,
	)
	return nil
}

// Multi fans an alert out to every notifier. All are attempted; their
// errors are joined.
type Multi []errhandler.Alerter

// Alert implements errhandler.Alerter.
func (m Multi) Alert(ctx context.Context, rec errhandler.Record) error {
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
