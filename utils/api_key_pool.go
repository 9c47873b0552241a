package utils

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNoAPIKeys is returned when every key is cooling down or none were configured
var ErrNoAPIKeys = errors.New("no available API keys")

// maxKeyCooldown caps how long repeated rejections bench a key
const maxKeyCooldown = 30 * time.Minute

type keyState struct {
	uses      int
	lastUsed  time.Time
	failures  int
	coolUntil time.Time
}

// KeyPoolStats is a snapshot of the pool for logging
type KeyPoolStats struct {
	Total       int
	Available   int
	CoolingDown int
	// NextReady is when the earliest benched key returns; zero if none is benched
	NextReady time.Time
}

// APIKeyPool hands out speech API keys, least used first and then longest idle.
// Keys the service rejects are benched with a cooldown that doubles per consecutive rejection.
type APIKeyPool struct {
	keys  []string
	state map[string]*keyState
	now   func() time.Time
	mu    sync.Mutex
}

// NewAPIKeyPool creates a pool; blank and duplicate keys are dropped, nil if none remain
func NewAPIKeyPool(keys []string) *APIKeyPool {
	p := &APIKeyPool{state: make(map[string]*keyState), now: time.Now}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || p.state[k] != nil {
			continue
		}
		p.keys = append(p.keys, k)
		p.state[k] = &keyState{}
	}
	if len(p.keys) == 0 {
		return nil
	}
	return p
}

// NextKey returns the available key with the fewest uses, ties going to the one idle longest
func (p *APIKeyPool) NextKey() (string, error) {
	if p == nil {
		return "", ErrNoAPIKeys
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var (
		best      string
		bestState *keyState
	)
	for _, key := range p.keys {
		st := p.state[key]
		if now.Before(st.coolUntil) {
			continue
		}
		if bestState == nil ||
			st.uses < bestState.uses ||
			(st.uses == bestState.uses && st.lastUsed.Before(bestState.lastUsed)) {
			best, bestState = key, st
		}
	}
	if bestState == nil {
		return "", ErrNoAPIKeys
	}

	bestState.uses++
	bestState.lastUsed = now
	return best, nil
}

// MarkSuccess ends the rejection streak of key
func (p *APIKeyPool) MarkSuccess(key string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.state[key]; ok {
		st.failures = 0
	}
}

// MarkRejected benches key for base, doubled for every earlier rejection in the
// current streak and capped at maxKeyCooldown. It returns the cooldown applied.
func (p *APIKeyPool) MarkRejected(key string, base time.Duration) time.Duration {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.state[key]
	if !ok {
		return 0
	}
	if base <= 0 {
		base = time.Minute
	}

	cooldown := base
	for i := 0; i < st.failures && cooldown < maxKeyCooldown; i++ {
		cooldown *= 2
	}
	if cooldown > maxKeyCooldown {
		cooldown = maxKeyCooldown
	}

	st.failures++
	st.coolUntil = p.now().Add(cooldown)
	return cooldown
}

// Stats reports how many keys can be used right now
func (p *APIKeyPool) Stats() KeyPoolStats {
	if p == nil {
		return KeyPoolStats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := KeyPoolStats{Total: len(p.keys)}
	for _, key := range p.keys {
		st := p.state[key]
		if now.Before(st.coolUntil) {
			stats.CoolingDown++
			if stats.NextReady.IsZero() || st.coolUntil.Before(stats.NextReady) {
				stats.NextReady = st.coolUntil
			}
			continue
		}
		stats.Available++
	}
	return stats
}
