package encryption

// Encrypter seals arbitrary values.
// Packages that only need to produce sealed output should depend on this
// rather than on *Codec.
type Encrypter interface {
	Encrypt(data any) (*Sealed, error)
}

// Decrypter opens values produced by an Encrypter.
// Returns ErrAuthenticationFailed if the data has been tampered with.
type Decrypter interface {
	Decrypt(ciphertext, iv string) (any, error)
	DecryptInto(ciphertext, iv string, v any) error
}

// EncryptDecrypter combines both directions.
type EncryptDecrypter interface {
	Encrypter
	Decrypter
}

// MessageSigner signs and verifies envelope canonical strings.
type MessageSigner interface {
	Sign(message string) string
	Verify(message, signature string) bool
}

var _ EncryptDecrypter = (*Codec)(nil)
var _ MessageSigner = (*Signer)(nil)
