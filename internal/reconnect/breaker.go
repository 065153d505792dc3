package reconnect

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed lets every attempt through.
	BreakerClosed BreakerState = iota

	// BreakerOpen holds attempts back until the cooldown has elapsed.
	BreakerOpen

	// BreakerHalfOpen admits one trial attempt. Success closes the breaker,
	// failure opens it again.
	BreakerHalfOpen
)

// String implements fmt.Stringer.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// DefaultCooldown is the open period used when none is configured.
const DefaultCooldown = 2 * time.Minute

// Breaker pauses redialling after too many consecutive failed attempts. The
// count spans redial cycles and only a successful dial resets it.
//
// It is safe for concurrent use.
type Breaker struct {
	tripAfter int
	cooldown  time.Duration
	now       func() time.Time
	log       *slog.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker returns a breaker that opens after tripAfter consecutive
// failures and stays open for cooldown. tripAfter must be positive; a zero
// cooldown selects [DefaultCooldown]. logger may be nil.
func NewBreaker(tripAfter int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if tripAfter <= 0 {
		tripAfter = 1
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		tripAfter: tripAfter,
		cooldown:  cooldown,
		now:       time.Now,
		log:       logger,
	}
}

// Wait returns how long the caller must hold off before the next attempt.
// Zero means the attempt may proceed. Once the cooldown has passed the
// breaker turns half-open and the next attempt is the trial.
func (b *Breaker) Wait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return 0
	}
	if remaining := b.cooldown - b.now().Sub(b.openedAt); remaining > 0 {
		return remaining
	}
	b.state = BreakerHalfOpen
	b.log.Info("reconnect: breaker half-open, probing")
	return 0
}

// Record reports the outcome of an attempt.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != BreakerClosed {
			b.log.Info("reconnect: breaker closed")
		}
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	switch {
	case b.state == BreakerHalfOpen:
		b.open()
		b.log.Warn("reconnect: trial attempt failed, breaker re-opened", "cooldown", b.cooldown)
	case b.state == BreakerClosed && b.failures >= b.tripAfter:
		b.open()
		b.log.Warn("reconnect: breaker opened", "consecutive_failures", b.failures, "cooldown", b.cooldown)
	}
}

// open must be called with b.mu held.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [BreakerHalfOpen]; the transition itself happens in
// [Breaker.Wait].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}
