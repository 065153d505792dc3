// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.OutputDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// The output device runs on a manual clock: nothing plays until the test calls
// [OutputDevice.Advance], which fires end callbacks in end-time order with the
// clock positioned at each buffer's end.
//
// Typical usage:
//
//	in := &mock.InputDevice{HardwareRate: 48000}
//	out := mock.NewOutputDevice(24000)
//	// ... start the component under test ...
//	in.Stream().Push(make([]float32, 4096))
//	out.Advance(time.Second)
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/theintaker/voicebridge/pkg/audio"
)

// ─── Input ────────────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice].
// Set the exported Result fields before use; inspect the Call* fields after.
type InputDevice struct {
	mu sync.Mutex

	// OpenError is returned by [InputDevice.Open] when non-nil.
	OpenError error

	// HardwareRate is the rate reported by opened streams. Zero means the
	// requested constraint rate.
	HardwareRate int

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// LastConstraints holds the constraints passed to the most recent Open.
	LastConstraints audio.Constraints

	// LastFrameSize holds the frame size passed to the most recent Open.
	LastFrameSize int

	streams []*InputStream
}

var _ audio.InputDevice = (*InputDevice)(nil)

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(ctx context.Context, c audio.Constraints, frameSize int, onFrame func([]float32)) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	d.LastConstraints = c
	d.LastFrameSize = frameSize
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	rate := d.HardwareRate
	if rate == 0 {
		rate = c.SampleRate
	}
	s := &InputStream{rate: rate, onFrame: onFrame}
	d.streams = append(d.streams, s)
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (d *InputDevice) Stream() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Streams returns every stream opened so far, oldest first.
func (d *InputDevice) Streams() []*InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*InputStream, len(d.streams))
	copy(out, d.streams)
	return out
}

// InputStream is the stream returned by [InputDevice.Open].
type InputStream struct {
	// deliver serialises Push against Close so no callback runs after Close
	// returns.
	deliver sync.Mutex

	mu         sync.Mutex
	rate       int
	onFrame    func([]float32)
	closed     bool
	closeCalls int
}

var _ audio.InputStream = (*InputStream)(nil)

// SampleRate implements [audio.InputStream].
func (s *InputStream) SampleRate() int { return s.rate }

// Close implements [audio.InputStream]. Every call is counted.
func (s *InputStream) Close() error {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.closed = true
	return nil
}

// Push delivers samples to the registered callback on the calling goroutine.
// It reports false without delivering if the stream is closed.
func (s *InputStream) Push(samples []float32) bool {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	s.onFrame(samples)
	return true
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount reports how many times Close has been called.
func (s *InputStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Window records one call to [OutputDevice.Schedule].
type Window struct {
	Start   time.Duration
	End     time.Duration
	Samples int
	Stopped bool
	Ended   bool
}

// OutputDevice is a mock implementation of [audio.OutputDevice] driven by a
// manual clock.
type OutputDevice struct {
	mu sync.Mutex

	// ScheduleError is returned by [OutputDevice.Schedule] when non-nil.
	ScheduleError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	rate      int
	now       time.Duration
	playbacks []*playback
}

var _ audio.OutputDevice = (*OutputDevice)(nil)

// NewOutputDevice returns an output device whose clock runs at rate Hz and
// starts at zero.
func NewOutputDevice(rate int) *OutputDevice {
	return &OutputDevice{rate: rate}
}

// SampleRate implements [audio.OutputDevice].
func (d *OutputDevice) SampleRate() int { return d.rate }

// Now implements [audio.OutputDevice].
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Schedule implements [audio.OutputDevice]. A start time in the past is
// clamped to the current clock.
func (d *OutputDevice) Schedule(samples []float32, at time.Duration, onEnded func()) (audio.Playback, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleError != nil {
		return nil, d.ScheduleError
	}
	start := max(at, d.now)
	p := &playback{
		dev:     d,
		start:   start,
		end:     start + audio.SamplesDuration(len(samples), d.rate),
		samples: len(samples),
		onEnded: onEnded,
	}
	d.playbacks = append(d.playbacks, p)
	return p, nil
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return nil
}

// Advance moves the clock forward by dt. Every live playback whose end falls
// within the interval ends in order: the clock is set to its end time and its
// callback runs on the calling goroutine.
func (d *OutputDevice) Advance(dt time.Duration) {
	d.mu.Lock()
	target := d.now + dt
	d.mu.Unlock()
	d.AdvanceTo(target)
}

// AdvanceTo moves the clock to t. See [OutputDevice.Advance].
func (d *OutputDevice) AdvanceTo(t time.Duration) {
	for {
		d.mu.Lock()
		next := d.nextEndingLocked(t)
		if next == nil {
			if t > d.now {
				d.now = t
			}
			d.mu.Unlock()
			return
		}
		next.ended = true
		if next.end > d.now {
			d.now = next.end
		}
		cb := next.onEnded
		d.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

func (d *OutputDevice) nextEndingLocked(limit time.Duration) *playback {
	var best *playback
	for _, p := range d.playbacks {
		if p.ended || p.stopped || p.end > limit {
			continue
		}
		if best == nil || p.end < best.end {
			best = p
		}
	}
	return best
}

// Windows returns every scheduled window in scheduling order.
func (d *OutputDevice) Windows() []Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Window, len(d.playbacks))
	for i, p := range d.playbacks {
		out[i] = Window{Start: p.start, End: p.end, Samples: p.samples, Stopped: p.stopped, Ended: p.ended}
	}
	return out
}

// Pending reports how many scheduled buffers have neither ended nor been
// stopped.
func (d *OutputDevice) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.playbacks {
		if !p.ended && !p.stopped {
			n++
		}
	}
	return n
}

// SortedWindows returns the windows ordered by start time.
func SortedWindows(ws []Window) []Window {
	out := make([]Window, len(ws))
	copy(out, ws)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

type playback struct {
	dev     *OutputDevice
	start   time.Duration
	end     time.Duration
	samples int
	onEnded func()
	stopped bool
	ended   bool
}

// Stop implements [audio.Playback].
func (p *playback) Stop() {
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	p.stopped = true
}
