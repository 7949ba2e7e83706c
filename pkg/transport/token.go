package transport

import "sync"

// TokenStore supplies the bearer token attached to outbound requests. An
// empty token means no Authorization header.
type TokenStore interface {
	Token() string
}

// StaticToken is a fixed token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// MemoryTokenStore holds a token that can be replaced at runtime, for example
// after a login call.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	token string
}

func (s *MemoryTokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *MemoryTokenStore) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *MemoryTokenStore) Clear() {
	s.Set("")
}

var (
	_ TokenStore = StaticToken("")
	_ TokenStore = (*MemoryTokenStore)(nil)
)
