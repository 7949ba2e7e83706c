// Package envelope wraps codec output into the wire-level Envelope exchanged
// between the portal frontend and its backend-for-frontend routes.
//
// An Envelope carries the ciphertext, its IV, a creation timestamp used for
// the replay window, a per-request nonce and an optional HMAC signature over
// CanonicalString. Envelopes are built with Builder.Create and consumed with
// Builder.Open; IsEnvelope and Decode recognise them in decoded or raw JSON.
package envelope

import (
	"errors"
	"fmt"
	"time"
)

// Algorithm names the cipher suite used for an envelope.
type Algorithm string

const (
	AlgorithmGCM Algorithm = "AES-256-GCM"
	AlgorithmCBC Algorithm = "AES-256-CBC" // accepted on the wire, never produced or opened
)

// DefaultMaxAge is the replay window applied when none is configured.
const DefaultMaxAge = 5 * time.Minute

// Error messages are part of the client contract.
var (
	ErrInvalidPayload       = errors.New("Invalid encrypted payload")
	ErrRequestExpired       = errors.New("Request expired")
	ErrInvalidSignature     = errors.New("Invalid signature")
	ErrRequestReplayed      = errors.New("Request replayed")
	ErrNonceRequired        = errors.New("Nonce required")
	ErrUnsupportedAlgorithm = errors.New("Unsupported encryption algorithm")

	// ErrMissingFields is an ErrInvalidPayload lacking data or iv.
	ErrMissingFields = fmt.Errorf("%w: missing data or iv", ErrInvalidPayload)
)

// Envelope is the wire-level unit exchanged between client and server.
type Envelope struct {
	Encrypted bool      `json:"encrypted"`
	Data      string    `json:"data" validate:"required"`
	IV        string    `json:"iv" validate:"required"`
	Timestamp int64     `json:"timestamp"`
	Algorithm Algorithm `json:"algorithm,omitempty" validate:"omitempty,oneof=AES-256-GCM AES-256-CBC"`
	Nonce     string    `json:"nonce,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

// CreatedAt returns the envelope timestamp as a time.Time.
func (e *Envelope) CreatedAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Age returns how old the envelope is relative to now.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt())
}
