package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Key is a derived AES-256-GCM key. The raw key bytes are not retained or
// exposed; a Key can only be used to seal and open.
type Key struct {
	aead cipher.AEAD
}

// DeriveKey stretches a passphrase into a Key using PBKDF2-HMAC-SHA256 with
// the fixed DerivationSalt and PBKDF2Iterations rounds.
func DeriveKey(passphrase string) (*Key, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	raw := pbkdf2.Key([]byte(passphrase), []byte(DerivationSalt), PBKDF2Iterations, KeySize, sha256.New)
	defer clear(raw)

	return newKey(raw)
}

func newKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Key{aead: gcm}, nil
}

// KeyDeriver derives keys from a configured default passphrase and memoises
// them per passphrase. Derivation is deterministic, so the cache only saves
// the PBKDF2 cost.
type KeyDeriver struct {
	passphrase string

	mu    sync.Mutex
	cache map[string]*Key // keyed by SHA256Hex(passphrase)
}

// NewKeyDeriver creates a deriver whose default passphrase is used whenever
// Derive is called with an empty string.
func NewKeyDeriver(defaultPassphrase string) *KeyDeriver {
	return &KeyDeriver{
		passphrase: defaultPassphrase,
		cache:      make(map[string]*Key),
	}
}

// Default returns the key for the configured passphrase.
func (d *KeyDeriver) Default() (*Key, error) {
	return d.Derive("")
}

// Derive returns the key for passphrase, falling back to the default
// passphrase when it is empty.
func (d *KeyDeriver) Derive(passphrase string) (*Key, error) {
	if passphrase == "" {
		passphrase = d.passphrase
	}
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	id := SHA256Hex([]byte(passphrase))

	d.mu.Lock()
	defer d.mu.Unlock()

	if key, ok := d.cache[id]; ok {
		return key, nil
	}

	key, err := DeriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	d.cache[id] = key
	return key, nil
}
