// Package reconnect implements the CLI's redial policy. A [bridge.Session]
// never retries on its own; the caller decides whether an abnormal
// disconnect warrants a new Connect.
package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/theintaker/voicebridge/internal/bridge"
	"github.com/theintaker/voicebridge/internal/transport"
	"github.com/theintaker/voicebridge/pkg/audio"
)

// Default redial parameters.
const (
	DefaultBackoff    = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// Dialer opens a connection. [bridge.Session] satisfies it.
type Dialer interface {
	Connect(ctx context.Context, token string) error
}

// Config configures a [Redialer].
type Config struct {
	// Dialer is redialled after each reported failure.
	Dialer Dialer

	// Token returns the token for the next attempt. Tokens are short-lived,
	// so it is consulted on every attempt.
	Token func() string

	// MaxAttempts caps consecutive attempts per failure. Zero means
	// unlimited.
	MaxAttempts int

	// Backoff is the first delay, doubled after each failed attempt up to
	// MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Retryable decides whether a failure is worth redialling. Defaults to
	// [Retryable].
	Retryable func(error) bool

	// Breaker, if set, holds attempts back after repeated failures. Every
	// attempt's outcome is recorded on it.
	Breaker *Breaker

	// OnGiveUp runs when attempts are exhausted or the last error is not
	// retryable. May be nil.
	OnGiveUp func(error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Retryable reports whether err is a transient failure. Rejected tokens and
// microphone errors need a human, so they are not retried. A session that is
// already connected, or whose connect was aborted by a local disconnect,
// needs no redial.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, bridge.ErrAlreadyConnected) || errors.Is(err, bridge.ErrAborted) {
		return false
	}
	var te *transport.Error
	if errors.As(err, &te) && te.Code == transport.StatusAuthFailed {
		return false
	}
	var de *audio.DeviceError
	return !errors.As(err, &de)
}

// Delay returns the wait before attempt n (1-based).
func Delay(n int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}

// Redialer waits for failure reports and redials with exponential backoff.
// All methods are safe for concurrent use.
type Redialer struct {
	cfg    Config
	log    *slog.Logger
	failed chan error

	mu       sync.Mutex
	attempts int
	cancel   context.CancelFunc
}

// New returns a [Redialer]. Call [Redialer.Run] to start it.
func New(cfg Config) *Redialer {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Retryable == nil {
		cfg.Retryable = Retryable
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Redialer{
		cfg:    cfg,
		log:    cfg.Logger,
		failed: make(chan error, 1),
	}
}

// Notify reports that the connection ended with err. Only the first report
// per redial cycle has effect; later reports are dropped until it completes.
func (r *Redialer) Notify(err error) {
	select {
	case r.failed <- err:
	default:
	}
}

// Attempts returns the number of attempts made in the current or most recent
// cycle.
func (r *Redialer) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Cancel abandons the current redial cycle, if any, and discards a failure
// report that has not been picked up yet. A Connect in flight sees its
// context cancelled. Later reports start a new cycle as usual.
func (r *Redialer) Cancel() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	select {
	case <-r.failed:
	default:
	}
}

// Run handles failure reports until ctx is cancelled. It returns nil.
func (r *Redialer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-r.failed:
			r.redial(ctx, err)
		}
	}
}

func (r *Redialer) redial(ctx context.Context, cause error) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.attempts = 0
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	if errors.Is(cause, bridge.ErrAlreadyConnected) {
		return
	}
	last := cause
	for n := 1; r.cfg.MaxAttempts == 0 || n <= r.cfg.MaxAttempts; n++ {
		if !r.cfg.Retryable(last) {
			r.log.Warn("reconnect: not retrying", "err", last)
			r.giveUp(last)
			return
		}

		delay := Delay(n, r.cfg.Backoff, r.cfg.MaxBackoff)
		r.log.Info("reconnect: waiting", "attempt", n, "max_attempts", r.cfg.MaxAttempts, "backoff", delay)
		if !sleep(ctx, delay) {
			r.log.Info("reconnect: cycle cancelled", "attempt", n)
			return
		}
		if b := r.cfg.Breaker; b != nil {
			for w := b.Wait(); w > 0; w = b.Wait() {
				r.log.Warn("reconnect: breaker open, cooling down", "for", w)
				if !sleep(ctx, w) {
					return
				}
			}
		}

		r.mu.Lock()
		r.attempts = n
		r.mu.Unlock()

		err := r.cfg.Dialer.Connect(ctx, r.cfg.Token())
		if errors.Is(err, bridge.ErrAlreadyConnected) {
			r.log.Info("reconnect: session already connected", "attempt", n)
			return
		}
		if r.cfg.Breaker != nil && ctx.Err() == nil {
			r.cfg.Breaker.Record(err)
		}
		if err == nil {
			r.log.Info("reconnect: connected", "attempt", n)
			return
		}
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("reconnect: attempt failed", "attempt", n, "err", err)
		last = err
	}

	r.log.Error("reconnect: giving up", "attempts", r.cfg.MaxAttempts, "err", last)
	r.giveUp(last)
}

func (r *Redialer) giveUp(err error) {
	if r.cfg.OnGiveUp != nil {
		r.cfg.OnGiveUp(err)
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
