package envelope

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-portal/pkg/encryption"
)

// Builder creates and opens envelopes around a codec.
type Builder struct {
	codec     *encryption.Codec
	signer    encryption.MessageSigner
	maxAge    time.Duration
	nonceSize int
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithSigner makes Create attach an HMAC signature over CanonicalString.
func WithSigner(signer encryption.MessageSigner) BuilderOption {
	return func(b *Builder) {
		b.signer = signer
	}
}

// WithMaxAge sets the replay window used by Open.
func WithMaxAge(maxAge time.Duration) BuilderOption {
	return func(b *Builder) {
		if maxAge > 0 {
			b.maxAge = maxAge
		}
	}
}

// WithNonceSize sets the number of random bytes in each nonce.
func WithNonceSize(size int) BuilderOption {
	return func(b *Builder) {
		if size > 0 {
			b.nonceSize = size
		}
	}
}

// NewBuilder creates a builder over codec.
func NewBuilder(codec *encryption.Codec, opts ...BuilderOption) *Builder {
	b := &Builder{
		codec:     codec,
		maxAge:    DefaultMaxAge,
		nonceSize: encryption.NonceSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Codec returns the underlying codec.
func (b *Builder) Codec() *encryption.Codec {
	return b.codec
}

// Signer returns the configured signer, or nil.
func (b *Builder) Signer() encryption.MessageSigner {
	return b.signer
}

// MaxAge returns the default replay window.
func (b *Builder) MaxAge() time.Duration {
	return b.maxAge
}

// Create encrypts payload into a fresh envelope with its own IV, timestamp
// and nonce.
func (b *Builder) Create(payload any) (*Envelope, error) {
	sealed, err := b.codec.Encrypt(payload)
	if err != nil {
		return nil, err
	}

	nonce, err := encryption.GenerateNonce(b.nonceSize)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Encrypted: true,
		Data:      sealed.EncryptedData,
		IV:        sealed.IV,
		Timestamp: sealed.Timestamp,
		Algorithm: AlgorithmGCM,
		Nonce:     nonce,
	}

	if b.signer != nil {
		Sign(b.signer, env)
	}

	return env, nil
}

// Open validates the envelope shape and freshness against the builder's
// replay window and decrypts it.
func (b *Builder) Open(env *Envelope) (any, error) {
	return b.OpenWithMaxAge(env, b.maxAge)
}

// OpenWithMaxAge is Open with an explicit replay window.
func (b *Builder) OpenWithMaxAge(env *Envelope, maxAge time.Duration) (any, error) {
	if err := CheckShape(env); err != nil {
		return nil, err
	}
	if err := b.CheckFreshness(env, maxAge); err != nil {
		return nil, err
	}
	return b.Decrypt(env)
}

// Decrypt decrypts the envelope without shape or freshness checks.
func (b *Builder) Decrypt(env *Envelope) (any, error) {
	if err := checkAlgorithm(env); err != nil {
		return nil, err
	}
	return b.codec.Decrypt(env.Data, env.IV)
}

// DecryptInto decrypts the envelope into v without shape or freshness checks.
func (b *Builder) DecryptInto(env *Envelope, v any) error {
	if err := checkAlgorithm(env); err != nil {
		return err
	}
	return b.codec.DecryptInto(env.Data, env.IV, v)
}

// CheckShape rejects envelopes missing data or iv with ErrMissingFields.
func CheckShape(env *Envelope) error {
	if env == nil || env.Data == "" || env.IV == "" {
		return ErrMissingFields
	}
	return nil
}

// CheckFreshness rejects envelopes older than maxAge. Envelopes stamped more
// than maxAge in the future are rejected as well.
func (b *Builder) CheckFreshness(env *Envelope, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = b.maxAge
	}
	age := env.Age(b.codec.Now())
	if age > maxAge || age < -maxAge {
		return ErrRequestExpired
	}
	return nil
}

func checkAlgorithm(env *Envelope) error {
	switch env.Algorithm {
	case "", AlgorithmGCM:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, env.Algorithm)
	}
}
