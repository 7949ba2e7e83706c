package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Codec encrypts JSON-serialisable values with AES-256-GCM and encodes the
// result as standard base64 text.
type Codec struct {
	keys *KeyDeriver
	now  func() time.Time
}

// NewCodec creates a codec that uses the deriver's default key.
func NewCodec(keys *KeyDeriver) *Codec {
	return &Codec{
		keys: keys,
		now:  time.Now,
	}
}

// SetClock overrides the clock used for Sealed.Timestamp.
func (c *Codec) SetClock(now func() time.Time) {
	c.now = now
}

// Now returns the codec's current time.
func (c *Codec) Now() time.Time {
	return c.now()
}

// Encrypt seals data with the default key.
func (c *Codec) Encrypt(data any) (*Sealed, error) {
	key, err := c.keys.Default()
	if err != nil {
		return nil, err
	}
	return c.EncryptWithKey(data, key)
}

// EncryptWithKey seals data with a specific key. Strings and raw JSON are
// sealed as-is, everything else is JSON-marshalled first. Plaintext must be
// valid UTF-8, or ErrInvalidPlaintext is returned. Every call uses a fresh
// random IV.
func (c *Codec) EncryptWithKey(data any, key *Key) (*Sealed, error) {
	plaintext, err := marshalPlaintext(data)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	ciphertext := key.aead.Seal(nil, iv, plaintext, nil)

	return &Sealed{
		EncryptedData: base64.StdEncoding.EncodeToString(ciphertext),
		IV:            base64.StdEncoding.EncodeToString(iv),
		Timestamp:     c.now().UnixMilli(),
	}, nil
}

// Decrypt opens a sealed value with the default key and decodes it as JSON.
// Plaintext that is not valid JSON is returned as a string.
func (c *Codec) Decrypt(ciphertext, iv string) (any, error) {
	key, err := c.keys.Default()
	if err != nil {
		return nil, err
	}
	return c.DecryptWithKey(ciphertext, iv, key)
}

// DecryptWithKey is Decrypt with a specific key.
func (c *Codec) DecryptWithKey(ciphertext, iv string, key *Key) (any, error) {
	plaintext, err := c.OpenWithKey(ciphertext, iv, key)
	if err != nil {
		return nil, err
	}
	return decodePlaintext(plaintext), nil
}

// DecryptInto opens a sealed value with the default key and unmarshals the
// plaintext into v.
func (c *Codec) DecryptInto(ciphertext, iv string, v any) error {
	plaintext, err := c.Open(ciphertext, iv)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("failed to unmarshal plaintext: %w", err)
	}
	return nil
}

// Open returns the raw plaintext bytes with the default key.
func (c *Codec) Open(ciphertext, iv string) ([]byte, error) {
	key, err := c.keys.Default()
	if err != nil {
		return nil, err
	}
	return c.OpenWithKey(ciphertext, iv, key)
}

// OpenWithKey returns the raw plaintext bytes. A failed tag check is always
// reported as ErrAuthenticationFailed.
func (c *Codec) OpenWithKey(ciphertext, iv string, key *Key) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, ErrInvalidEncoding
	}

	// cipher.AEAD.Open panics on a wrong nonce length
	if len(nonce) != IVSize {
		return nil, ErrInvalidIV
	}
	if len(ct) < TagSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := key.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if !utf8.Valid(plaintext) {
		return nil, ErrInvalidPlaintext
	}

	return plaintext, nil
}

func marshalPlaintext(data any) ([]byte, error) {
	var raw []byte
	switch v := data.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal plaintext: %w", err)
		}
		return b, nil
	}
	if !utf8.Valid(raw) {
		return nil, ErrInvalidPlaintext
	}
	return raw, nil
}

func decodePlaintext(plaintext []byte) any {
	var v any
	if err := json.Unmarshal(plaintext, &v); err != nil {
		return string(plaintext)
	}
	return v
}
