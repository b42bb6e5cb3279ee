package errhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v5"
)

// Strategy attempts to recover from a classified error. A nil return
// means the recovery succeeded.
type Strategy func(ctx context.Context, err error, ec ErrorContext) error

// defaultStrategies returns the built-in strategy table. Authentication
// failures, processing timeouts and unknown errors are deliberately absent:
// they are never recovered automatically.
func (h *Handler) defaultStrategies() map[ErrorType]Strategy {
	return map[ErrorType]Strategy{
		TypeConnectionTimeout:    h.recoverConnection,
		TypeSerializationFailure: h.reencode,
		TypeNetworkError:         h.retryOperation,
	}
}

// recoverConnection resets the session's heartbeat or starts its
// reconnection through the attached recoverer.
func (h *Handler) recoverConnection(ctx context.Context, _ error, ec ErrorContext) error {
	h.mu.Lock()
	r := h.recoverer
	h.mu.Unlock()

	if r == nil || ec.SessionID == "" {
		return ErrNoRecoverer
	}
	return r.RecoverConnection(ctx, ec.SessionID)
}

// fallbackEnvelope is what a payload that cannot be encoded is replaced with.
type fallbackEnvelope struct {
	Type  string `json:"type"`
	Data  string `json:"data"`
	Error string `json:"error"`
}

// reencode produces a lossy but encodable form of the payload and hands
// it to the context's Deliver hook when one is set.
func (h *Handler) reencode(ctx context.Context, err error, ec ErrorContext) error {
	if ec.Payload == nil {
		return fmt.Errorf("re-encode: no payload")
	}

	data, encErr := json.Marshal(ec.Payload)
	if encErr != nil {
		data, encErr = json.Marshal(fallbackEnvelope{
			Type:  "serialization_fallback",
			Data:  fmt.Sprintf("%+v", ec.Payload),
			Error: err.Error(),
		})
		if encErr != nil {
			return fmt.Errorf("re-encode: %w", encErr)
		}
	}

	if ec.Deliver == nil {
		return nil
	}
	return ec.Deliver(ctx, data)
}

// retryOperation re-runs the failed operation with bounded exponential backoff.
func (h *Handler) retryOperation(ctx context.Context, _ error, ec ErrorContext) error {
	if ec.Retry == nil {
		return ErrNothingToRetry
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     h.cfg.RetryBaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         h.cfg.RetryMaxDelay,
	}
	b.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, ec.Retry(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(h.cfg.RetryAttempts)),
	)
	return err
}
