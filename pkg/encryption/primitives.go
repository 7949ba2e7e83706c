package encryption

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// RandomBytes returns size cryptographically secure random bytes.
func RandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// GenerateNonce returns size random bytes, base64 encoded. A size of zero or
// less selects NonceSize.
func GenerateNonce(size int) (string, error) {
	if size <= 0 {
		size = NonceSize
	}
	b, err := RandomBytes(size)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Signer computes and checks base64 HMAC-SHA256 signatures with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for the given shared secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the base64 HMAC-SHA256 of message.
func (s *Signer) Sign(message string) string {
	return base64.StdEncoding.EncodeToString(s.mac(message))
}

// Verify reports whether signature is the HMAC of message. The comparison
// is constant time.
func (s *Signer) Verify(message, signature string) bool {
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, s.mac(message))
}

func (s *Signer) mac(message string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(message))
	return m.Sum(nil)
}
