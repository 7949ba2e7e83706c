package transport

// Header names exchanged by the portal client and server.
const (
	HeaderEncryptedRequest    = "X-Encrypted-Request"
	HeaderEncryptedResponse   = "X-Encrypted-Response"
	HeaderEncryptionAlgorithm = "X-Encryption-Algorithm"
	HeaderContentType         = "Content-Type"
	HeaderAuthorization       = "Authorization"

	ContentTypeJSON = "application/json"
)
