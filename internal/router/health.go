package router

import (
	"sync"
	"time"

	"github.com/workflowai/gateway/internal/catalog"
)

const (
	// healthAlpha is the EWMA weight given to the newest outcome.
	healthAlpha = 0.3

	// healthHalfLife pulls stale scores back toward neutral so a pair
	// that failed five minutes ago is not punished forever.
	healthHalfLife = 5 * time.Minute

	// healthFloor is the score below which a pair is skipped.
	healthFloor = 0.2

	// healthCooldown is how long a floored pair sits out.
	healthCooldown = 30 * time.Second

	healthNeutral = 0.7
)

type healthKey struct {
	provider catalog.Provider
	model    string
}

type healthState struct {
	score     float64
	updatedAt time.Time
	coolUntil time.Time
}

// Health tracks an exponentially weighted moving average of attempt
// outcomes per (provider, model) pair. Unknown pairs score neutral.
type Health struct {
	mu    sync.RWMutex
	pairs map[healthKey]*healthState
	now   func() time.Time
}

// NewHealth creates an empty health tracker.
func NewHealth() *Health {
	return &Health{pairs: make(map[healthKey]*healthState), now: time.Now}
}

// Report records the outcome of one attempt. A success pulls the score
// up, a failure pulls it down; crossing the floor starts a cool-down.
func (h *Health) Report(provider catalog.Provider, model string, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := healthKey{provider, model}
	now := h.now()
	st, ok := h.pairs[key]
	if !ok {
		st = &healthState{score: healthNeutral, updatedAt: now}
		h.pairs[key] = st
	}
	st.score = decayed(st.score, st.updatedAt, now)
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	st.score = healthAlpha*outcome + (1-healthAlpha)*st.score
	st.updatedAt = now

	if st.score < healthFloor && st.coolUntil.Before(now) {
		st.coolUntil = now.Add(healthCooldown)
	}
	if success {
		st.coolUntil = time.Time{}
	}
}

// Score returns the current score in [0, 1].
func (h *Health) Score(provider catalog.Provider, model string) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st, ok := h.pairs[healthKey{provider, model}]
	if !ok {
		return healthNeutral
	}
	return decayed(st.score, st.updatedAt, h.now())
}

// Available reports whether the pair is outside its cool-down window.
func (h *Health) Available(provider catalog.Provider, model string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st, ok := h.pairs[healthKey{provider, model}]
	if !ok {
		return true
	}
	return !h.now().Before(st.coolUntil)
}

// decayed moves a score toward neutral as it ages.
func decayed(score float64, updatedAt, now time.Time) float64 {
	age := now.Sub(updatedAt)
	if age <= 0 {
		return score
	}
	// Linear pull toward neutral over one half-life, full reset after two.
	frac := float64(age) / float64(2*healthHalfLife)
	if frac > 1 {
		frac = 1
	}
	return score + (healthNeutral-score)*frac
}
