// Package auth signs and validates the RSA-PSS session tokens presented
// when a client connects.
//
// A token has the form keyID.timestampMs.userID.signature where the
// signature covers "timestampMs.keyID.userID".
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"
)

// Signer issues tokens for one key.
type Signer struct {
	KeyID      string          // identifies the public key used for verification
	PrivateKey *rsa.PrivateKey // RSA private key for signing
}

// LoadSigner loads a signer from key ID and private key file path.
func LoadSigner(keyID, privateKeyPath string) (*Signer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key ID is required")
	}
	if strings.Contains(keyID, ".") {
		return nil, fmt.Errorf("key ID must not contain '.'")
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Signer{
		KeyID:      keyID,
		PrivateKey: privateKey,
	}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// LoadPublicKey loads an RSA public key from a PEM file in PKIX or PKCS#1 form.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA public key")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return rsaKey, nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	return block, nil
}

// Token issues a token for userID stamped with the current time.
func (s *Signer) Token(userID string) (string, error) {
	return s.TokenAt(userID, time.Now())
}

// TokenAt issues a token for userID stamped with at.
func (s *Signer) TokenAt(userID string, at time.Time) (string, error) {
	timestampMs := at.UnixMilli()

	signature, err := s.generateSignature(timestampMs, userID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%d.%s.%s", s.KeyID, timestampMs, userID, signature), nil
}

// generateSignature creates an RSA-PSS signature over the signed message.
func (s *Signer) generateSignature(timestampMs int64, userID string) (string, error) {
	hashed := sha256.Sum256(signedMessage(timestampMs, s.KeyID, userID))

	signature, err := rsa.SignPSS(
		rand.Reader,
		s.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(signature), nil
}

func signedMessage(timestampMs int64, keyID, userID string) []byte {
	return []byte(fmt.Sprintf("%d.%s.%s", timestampMs, keyID, userID))
}
