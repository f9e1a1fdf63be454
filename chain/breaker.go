package chain

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker refuses submissions after
// repeated consecutive failures.
var ErrCircuitOpen = errors.New("anchor circuit breaker open")

// breaker trips after threshold consecutive failures and fails fast until
// cooldown elapses. One instance is shared by every anchor call targeting
// the same contract endpoint.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	now       func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// allow reports whether a submission may proceed. After cooldown the
// breaker half-opens: one call is let through to probe the endpoint.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return nil
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		b.failures = b.threshold - 1
		return nil
	}
	return ErrCircuitOpen
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures == b.threshold {
		b.openedAt = b.now()
	}
}
