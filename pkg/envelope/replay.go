package envelope

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultReplayCacheSize bounds the number of envelopes remembered.
const DefaultReplayCacheSize = 100000

// ReplayGuard remembers delivered envelopes until their replay window closes
// and rejects repeats. An envelope is remembered by its nonce and by its IV.
// The IV is authenticated by GCM, so an unsigned envelope replayed under a
// rewritten nonce is still caught.
//
// Seen is checked before decryption and Record after it succeeds, so an
// envelope that fails to open never uses up a nonce.
type ReplayGuard struct {
	mu     sync.Mutex
	nonces *lru.Cache // nonce -> time.Time the entry stops mattering
	ivs    *lru.Cache // iv -> time.Time
	now    func() time.Time
}

// NewReplayGuard creates a guard remembering at most size envelopes.
func NewReplayGuard(size int) (*ReplayGuard, error) {
	if size <= 0 {
		size = DefaultReplayCacheSize
	}
	nonces, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay cache: %w", err)
	}
	ivs, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay cache: %w", err)
	}
	return &ReplayGuard{
		nonces: nonces,
		ivs:    ivs,
		now:    time.Now,
	}, nil
}

// SetClock overrides the guard's clock.
func (g *ReplayGuard) SetClock(now func() time.Time) {
	g.now = now
}

// Seen returns ErrNonceRequired for envelopes without a nonce and
// ErrRequestReplayed if env was already recorded and its window is still
// open. It records nothing.
func (g *ReplayGuard) Seen(env *Envelope) error {
	if env.Nonce == "" {
		return ErrNonceRequired
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seenLocked(env, g.now())
}

// Record remembers env until window after its timestamp. It repeats the
// Seen check under the same lock, so of two concurrent deliveries of one
// envelope only the first is recorded.
func (g *ReplayGuard) Record(env *Envelope, window time.Duration) error {
	if env.Nonce == "" {
		return ErrNonceRequired
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.seenLocked(env, g.now()); err != nil {
		return err
	}
	until := env.CreatedAt().Add(window)
	g.nonces.Add(env.Nonce, until)
	if env.IV != "" {
		g.ivs.Add(env.IV, until)
	}
	return nil
}

func (g *ReplayGuard) seenLocked(env *Envelope, now time.Time) error {
	if live(g.nonces, env.Nonce, now) || (env.IV != "" && live(g.ivs, env.IV, now)) {
		return ErrRequestReplayed
	}
	return nil
}

func live(cache *lru.Cache, key string, now time.Time) bool {
	v, ok := cache.Get(key)
	if !ok {
		return false
	}
	until, ok := v.(time.Time)
	return ok && now.Before(until)
}

// Len returns the number of remembered envelopes.
func (g *ReplayGuard) Len() int {
	return g.nonces.Len()
}
