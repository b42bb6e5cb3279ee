package auth

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors. Every validation failure wraps ErrUnauthorized.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrUnauthorized)
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrUnauthorized)
	ErrUnknownKey   = fmt.Errorf("%w: unknown key", ErrUnauthorized)
)

// Validator checks a connect token and returns the user it was issued to.
// An empty user id means the token is valid but not bound to a user.
type Validator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, token string) (string, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// clockSkew is how far in the future a token timestamp may be.
const clockSkew = 30 * time.Second

// RSAValidator verifies tokens issued by a Signer.
type RSAValidator struct {
	keys   map[string]*rsa.PublicKey
	maxAge time.Duration
	now    func() time.Time
}

// NewRSAValidator creates a validator for the given key set. A maxAge of
// zero accepts tokens of any age.
func NewRSAValidator(keys map[string]*rsa.PublicKey, maxAge time.Duration) *RSAValidator {
	return &RSAValidator{keys: keys, maxAge: maxAge, now: time.Now}
}

// WithClock replaces time.Now and returns the validator.
func (v *RSAValidator) WithClock(now func() time.Time) *RSAValidator {
	v.now = now
	return v
}

// Validate implements Validator.
func (v *RSAValidator) Validate(_ context.Context, token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 4 {
		return "", ErrInvalidToken
	}
	keyID := parts[0]
	sig := parts[len(parts)-1]
	userID := strings.Join(parts[2:len(parts)-1], ".")

	timestampMs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: timestamp", ErrInvalidToken)
	}

	key, ok := v.keys[keyID]
	if !ok {
		return "", ErrUnknownKey
	}

	signature, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding", ErrInvalidToken)
	}

	hashed := sha256.Sum256(signedMessage(timestampMs, keyID, userID))
	if err := rsa.VerifyPSS(key, crypto.SHA256, hashed[:], signature,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}); err != nil {
		return "", fmt.Errorf("%w: signature", ErrInvalidToken)
	}

	issued := time.UnixMilli(timestampMs)
	now := v.now()
	if issued.After(now.Add(clockSkew)) {
		return "", fmt.Errorf("%w: issued in the future", ErrInvalidToken)
	}
	if v.maxAge > 0 && now.Sub(issued) > v.maxAge {
		return "", ErrTokenExpired
	}
	return userID, nil
}

// StaticValidator accepts a fixed set of tokens, each bound to a user.
// Intended for development and tests.
type StaticValidator map[string]string

// Validate implements Validator.
func (s StaticValidator) Validate(_ context.Context, token string) (string, error) {
	userID, ok := s[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// Chain tries each validator in order and accepts the first success.
// The error from the last validator is returned when none accept.
type Chain []Validator

// Validate implements Validator.
func (c Chain) Validate(ctx context.Context, token string) (string, error) {
	err := ErrInvalidToken
	for _, v := range c {
		userID, verr := v.Validate(ctx, token)
		if verr == nil {
			return userID, nil
		}
		err = verr
	}
	return "", err
}
