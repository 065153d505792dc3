// Package playback schedules synthesized speech for gapless output and drives
// the gate that mutes capture while it plays.
//
// Buffers are laid end to end on the output device clock: each buffer starts
// at max(now, nextStartTime) and advances nextStartTime by its own duration,
// so network jitter turns into queueing rather than gaps or overlap. A run of
// back-to-back buffers is kept as an origin plus a sample count, so times are
// derived from whole samples and rounding does not accumulate across buffers. The
// scheduler holds the gate writer. It engages the gate when a buffer is
// scheduled and releases it only when a playback end leaves the clock within
// the guard margin of nextStartTime.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/theintaker/voicebridge/internal/gate"
	"github.com/theintaker/voicebridge/internal/observe"
	"github.com/theintaker/voicebridge/pkg/audio"
)

// Defaults used when the corresponding option is not given.
const (
	DefaultInboundRate = 24000
	DefaultGuardMargin = 100 * time.Millisecond
)

// ErrStopped is returned by [Scheduler.Enqueue] after [Scheduler.Stop].
var ErrStopped = errors.New("playback: scheduler stopped")

// Window is the device-clock interval a buffer occupies.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration { return w.End - w.Start }

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithInboundRate sets the sample rate of PCM passed to [Scheduler.Enqueue].
func WithInboundRate(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.inboundRate = hz
		}
	}
}

// WithGuardMargin sets the initial guard margin. Negative values are treated
// as zero.
func WithGuardMargin(d time.Duration) Option {
	return func(s *Scheduler) {
		s.guard = max(d, 0)
	}
}

// OnStarted registers fn to run when a buffer is scheduled while the gate is
// open, i.e. at the start of each response. fn runs on the enqueuing
// goroutine after internal locks are released.
func OnStarted(fn func()) Option {
	return func(s *Scheduler) {
		s.onStarted = fn
	}
}

// OnDrained registers fn to run when a playback end releases the gate. fn runs
// on the device's callback goroutine after internal locks are released.
func OnDrained(fn func()) Option {
	return func(s *Scheduler) {
		s.onDrained = fn
	}
}

// WithMetrics records scheduling to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

// ─── Scheduler ────────────────────────────────────────────────────────────────

// Scheduler is the playback side of the bridge. It is safe for concurrent use.
type Scheduler struct {
	out audio.OutputDevice
	w   *gate.Writer

	inboundRate int
	onStarted   func()
	onDrained   func()
	metrics     *observe.Metrics
	log         *slog.Logger
	warnRate    sync.Once

	mu        sync.Mutex
	guard     time.Duration
	nextStart time.Duration
	origin    time.Duration
	queued    int
	engaged   bool
	stopped   bool
	epoch     uint64
	nextID    uint64
	pending   map[uint64]audio.Playback
}

// New returns a scheduler writing to out and holding w. The device's
// Schedule must not invoke onEnded synchronously.
func New(out audio.OutputDevice, w *gate.Writer, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:         out,
		w:           w,
		inboundRate: DefaultInboundRate,
		guard:       DefaultGuardMargin,
		log:         slog.Default(),
		pending:     make(map[uint64]audio.Playback),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes a PCM16 payload at the inbound rate and schedules it to
// begin exactly where the previous buffer ends, or now if the queue has run
// dry. The gate is engaged before Enqueue returns. Empty payloads are ignored.
func (s *Scheduler) Enqueue(pcm []byte) (Window, error) {
	if len(pcm) == 0 {
		return Window{}, nil
	}
	samples, err := audio.PCM16ToFloat32(pcm)
	if err != nil {
		return Window{}, fmt.Errorf("playback: enqueue: %w", err)
	}
	outRate := s.out.SampleRate()
	if outRate != s.inboundRate {
		s.warnRate.Do(func() {
			s.log.Info("playback: resampling inbound audio",
				"from", audio.Format{SampleRate: s.inboundRate, Channels: 1},
				"to", audio.Format{SampleRate: outRate, Channels: 1},
			)
		})
		samples = audio.ResampleFloat32(samples, s.inboundRate, outRate)
	}
	d := audio.SamplesDuration(len(samples), outRate)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Window{}, ErrStopped
	}
	if now := s.out.Now(); now >= s.nextStart {
		s.origin, s.queued = now, 0
	}
	start := s.origin + audio.SamplesDuration(s.queued, outRate)
	id := s.nextID
	epoch := s.epoch
	pb, err := s.out.Schedule(samples, start, func() { s.ended(epoch, id) })
	if err != nil {
		s.mu.Unlock()
		return Window{}, fmt.Errorf("playback: schedule: %w", err)
	}
	s.nextID++
	s.queued += len(samples)
	s.nextStart = s.origin + audio.SamplesDuration(s.queued, outRate)
	s.pending[id] = pb
	started := !s.engaged
	s.engaged = true
	s.w.Engage()
	depth := len(s.pending)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordScheduled(context.Background(), d, depth)
	}
	if started {
		s.log.Debug("playback started", "start", start, "duration", d)
		if s.onStarted != nil {
			s.onStarted()
		}
	}
	return Window{Start: start, End: start + d}, nil
}

// ended is the device callback for one buffer.
func (s *Scheduler) ended(epoch, id uint64) {
	s.mu.Lock()
	if s.stopped || epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	drained := s.engaged && s.out.Now() >= s.nextStart-s.guard
	if drained {
		s.engaged = false
		s.w.Release()
	}
	remaining := len(s.pending)
	s.mu.Unlock()

	if drained {
		s.log.Debug("playback drained", "pending", remaining)
		if s.onDrained != nil {
			s.onDrained()
		}
	}
}

// Abort stops every pending buffer and releases the gate without stopping the
// scheduler. The timeline restarts at the current device time so the next
// response plays immediately. It reports whether anything was playing. End
// callbacks of aborted buffers are discarded and OnDrained is not called.
func (s *Scheduler) Abort() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	pending := s.pending
	wasEngaged := s.engaged
	s.pending = make(map[uint64]audio.Playback)
	s.epoch++
	s.engaged = false
	s.nextStart = s.out.Now()
	s.origin, s.queued = s.nextStart, 0
	s.w.Release()
	s.mu.Unlock()

	for _, pb := range pending {
		pb.Stop()
	}
	return wasEngaged || len(pending) > 0
}

// Stop aborts every pending buffer, releases the gate and relinquishes the
// writer role. Later end callbacks are ignored and later Enqueue calls fail
// with [ErrStopped]. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.epoch++
	pending := s.pending
	s.pending = nil
	s.engaged = false
	s.mu.Unlock()

	for _, pb := range pending {
		pb.Stop()
	}
	s.w.Relinquish()
	s.log.Debug("playback stopped", "aborted", len(pending))
}

// SetGuardMargin changes the margin used by the release rule. Negative values
// are treated as zero.
func (s *Scheduler) SetGuardMargin(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = max(d, 0)
}

// GuardMargin returns the current guard margin.
func (s *Scheduler) GuardMargin() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guard
}

// NextStartTime returns the device time at which the next buffer would start
// if the queue does not run dry first.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Pending returns the number of scheduled buffers that have not ended.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Playing reports whether the scheduler currently holds the gate engaged.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engaged
}
