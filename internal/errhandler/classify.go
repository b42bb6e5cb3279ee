package errhandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
)

// Classifier maps an error to a type. ok=false defers to the next rule.
type Classifier func(err error) (ErrorType, bool)

type pattern struct {
	typ      ErrorType
	contains []string
}

// Order matters: the first matching group wins.
var messagePatterns = []pattern{
	{TypeConnectionTimeout, []string{"connection timeout", "connection timed out", "heartbeat timeout", "i/o timeout", "handshake timeout"}},
	{TypeAuthenticationFailed, []string{"unauthorized", "authentication", "unauthenticated", "forbidden", "permission denied", "invalid token", "token expired"}},
	{TypeSerializationFailure, []string{"json", "serializ", "marshal", "invalid character", "decode", "encode"}},
	{TypeProcessingTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{TypeNetworkError, []string{"connection refused", "connection reset", "broken pipe", "network", "unreachable", "no route to host", "eof", "use of closed", "send failed"}},
}

// Classify returns the error type of err using sentinel and type checks
// first, then message patterns.
func Classify(err error) ErrorType {
	if err == nil {
		return TypeUnknown
	}

	if errors.Is(err, ErrConnectionTimeout) {
		return TypeConnectionTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TypeProcessingTimeout
	}

	var (
		syntaxErr    *json.SyntaxError
		typeErr      *json.UnmarshalTypeError
		unsupported  *json.UnsupportedTypeError
		unsupportedV *json.UnsupportedValueError
		marshalerErr *json.MarshalerError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) ||
		errors.As(err, &unsupported) || errors.As(err, &unsupportedV) ||
		errors.As(err, &marshalerErr) {
		return TypeSerializationFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return TypeConnectionTimeout
		}
		return TypeNetworkError
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return TypeNetworkError
	}

	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		for _, s := range p.contains {
			if strings.Contains(msg, s) {
				return p.typ
			}
		}
	}
	return TypeUnknown
}

// assess derives severity and category from the type and context.
func assess(typ ErrorType, ec ErrorContext) (Severity, Category) {
	var (
		sev Severity
		cat Category
	)
	switch typ {
	case TypeAuthenticationFailed:
		sev, cat = SeverityCritical, CategoryAuthentication
	case TypeConnectionTimeout, TypeNetworkError:
		sev, cat = SeverityHigh, CategoryConnection
	case TypeProcessingTimeout:
		sev, cat = SeverityMedium, CategoryTimeout
	case TypeSerializationFailure:
		sev, cat = SeverityMedium, CategorySerialization
	default:
		sev, cat = SeverityLow, CategoryUnknown
	}

	if ec.SecuritySensitive {
		sev = SeverityCritical
		if cat == CategoryUnknown {
			cat = CategorySecurity
		}
	}
	return sev, cat
}
