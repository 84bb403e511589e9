package runner

import (
	"sync"
	"time"
)

const maxBreakerDelay = 30 * time.Second

// spawnBreaker backs off spawn attempts after consecutive failures so a
// broken docker daemon does not get hammered every poll tick. Delay doubles
// per failure and is capped at maxBreakerDelay.
type spawnBreaker struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// openFor returns how long the breaker stays open, or zero when spawning is
// allowed.
func (b *spawnBreaker) openFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if wait := time.Until(b.openUntil); wait > 0 {
		return wait
	}
	return 0
}

func (b *spawnBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	delay := time.Second << (b.failures - 1)
	if delay > maxBreakerDelay || delay <= 0 {
		delay = maxBreakerDelay
	}
	b.openUntil = time.Now().Add(delay)
}

func (b *spawnBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
