package envelope

import (
	"strconv"
	"strings"

	"github.com/dd0wney/cluso-portal/pkg/encryption"
)

// CanonicalString returns the signed form of an envelope:
// data:iv:timestamp:nonce. A missing nonce renders as an empty segment.
func CanonicalString(env *Envelope) string {
	var sb strings.Builder
	sb.Grow(len(env.Data) + len(env.IV) + len(env.Nonce) + 24)
	sb.WriteString(env.Data)
	sb.WriteByte(':')
	sb.WriteString(env.IV)
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatInt(env.Timestamp, 10))
	sb.WriteByte(':')
	sb.WriteString(env.Nonce)
	return sb.String()
}

// Sign sets env.Signature.
func Sign(signer encryption.MessageSigner, env *Envelope) {
	env.Signature = signer.Sign(CanonicalString(env))
}

// VerifySignature returns ErrInvalidSignature unless env carries a valid
// signature from signer.
func VerifySignature(signer encryption.MessageSigner, env *Envelope) error {
	if env.Signature == "" || !signer.Verify(CanonicalString(env), env.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
