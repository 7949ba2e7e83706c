package encryption

import "errors"

const (
	// Encryption constants
	KeySize          = 32     // AES-256
	IVSize           = 12     // GCM standard nonce size
	TagSize          = 16     // GCM authentication tag size
	NonceSize        = 16     // Anti-replay nonce, bytes before encoding
	PBKDF2Iterations = 100000 // Shared with the browser bundle, do not change independently

	// DerivationSalt is fixed so browser and BFF derive the same key from the
	// same passphrase without exchanging anything.
	DerivationSalt = "cluso-portal-e2e-salt-v1"
)

var (
	ErrEmptyPassphrase      = errors.New("encryption passphrase is empty")
	ErrInvalidEncoding      = errors.New("invalid base64 encoding")
	ErrInvalidIV            = errors.New("invalid initialization vector")
	ErrInvalidCiphertext    = errors.New("invalid ciphertext")
	ErrInvalidPlaintext     = errors.New("plaintext is not valid UTF-8")
	ErrAuthenticationFailed = errors.New("authentication failed - data may be tampered")
)

// Sealed is the raw output of Codec.Encrypt.
type Sealed struct {
	EncryptedData string `json:"encryptedData"` // base64 ciphertext || tag
	IV            string `json:"iv"`            // base64, IVSize bytes
	Timestamp     int64  `json:"timestamp"`     // unix milliseconds
}
