package playback_test

import (
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/theintaker/voicebridge/internal/gate"
	"github.com/theintaker/voicebridge/internal/playback"
	"github.com/theintaker/voicebridge/pkg/audio"
	"github.com/theintaker/voicebridge/pkg/audio/mock"
)

// pcm returns d worth of silent PCM16 at rate Hz.
func pcm(d time.Duration, rate int) []byte {
	n := int(int64(d) * int64(rate) / int64(time.Second))
	return make([]byte, n*2)
}

type fixture struct {
	out     *mock.OutputDevice
	gate    *gate.Gate
	sched   *playback.Scheduler
	started atomic.Int32
	drained atomic.Int32
}

func newFixture(t *testing.T, outRate int, opts ...playback.Option) *fixture {
	t.Helper()
	f := &fixture{
		out:  mock.NewOutputDevice(outRate),
		gate: gate.New(),
	}
	w, err := f.gate.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	opts = append([]playback.Option{
		playback.OnStarted(func() { f.started.Add(1) }),
		playback.OnDrained(func() { f.drained.Add(1) }),
	}, opts...)
	f.sched = playback.New(f.out, w, opts...)
	t.Cleanup(f.sched.Stop)
	return f
}

func (f *fixture) enqueue(t *testing.T, d time.Duration) playback.Window {
	t.Helper()
	w, err := f.sched.Enqueue(pcm(d, playback.DefaultInboundRate))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return w
}

func TestScheduler_ContiguousBurst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 24000)
	for range 3 {
		f.enqueue(t, time.Second)
	}

	ws := f.out.Windows()
	if len(ws) != 3 {
		t.Fatalf("got %d windows, want 3", len(ws))
	}
	for i, w := range ws {
		wantStart := time.Duration(i) * time.Second
		if w.Start != wantStart || w.End != wantStart+time.Second {
			t.Errorf("window %d = [%v, %v], want [%v, %v]", i, w.Start, w.End, wantStart, wantStart+time.Second)
		}
	}
	if got := f.sched.NextStartTime(); got != 3*time.Second {
		t.Errorf("NextStartTime = %v, want 3s", got)
	}
	if !f.gate.Active() {
		t.Fatal("gate should be engaged once audio is scheduled")
	}
	if got := f.started.Load(); got != 1 {
		t.Errorf("OnStarted fired %d times, want 1", got)
	}

	f.out.Advance(time.Second)
	if !f.gate.Active() {
		t.Error("gate released while buffers are still pending")
	}
	f.out.Advance(time.Second)
	if !f.gate.Active() {
		t.Error("gate released before the final buffer ended")
	}
	f.out.Advance(time.Second)
	if f.gate.Active() {
		t.Error("gate still engaged after the last buffer ended")
	}
	if got := f.drained.Load(); got != 1 {
		t.Errorf("OnDrained fired %d times, want 1", got)
	}
}

func TestScheduler_NeverOverlaps(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	f := newFixture(t, 24000)

	var total time.Duration
	for range 200 {
		d := time.Duration(rng.IntN(400)+1) * time.Millisecond
		w := f.enqueue(t, d)
		total += w.Duration()
		// Random arrival jitter, sometimes long enough to run the queue dry.
		f.out.Advance(time.Duration(rng.IntN(300)) * time.Millisecond)
	}

	ws := mock.SortedWindows(f.out.Windows())
	var sum time.Duration
	for i, w := range ws {
		sum += w.End - w.Start
		if i > 0 && w.Start < ws[i-1].End {
			t.Fatalf("window %d [%v, %v] overlaps previous [%v, %v]", i, w.Start, w.End, ws[i-1].Start, ws[i-1].End)
		}
	}
	if sum != total {
		t.Errorf("sum of scheduled durations = %v, want %v", sum, total)
	}
}

func TestScheduler_StartsOnWholeSamples(t *testing.T) {
	t.Parallel()

	const rate, frame = 44100, 4096
	f := newFixture(t, rate, playback.WithInboundRate(rate))
	for i := range 3 {
		w, err := f.sched.Enqueue(make([]byte, frame*2))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if want := audio.SamplesDuration(i*frame, rate); w.Start != want {
			t.Errorf("buffer %d starts at %v, want %v", i, w.Start, want)
		}
	}
	if got, want := f.sched.NextStartTime(), audio.SamplesDuration(3*frame, rate); got != want {
		t.Errorf("NextStartTime = %v, want %v", got, want)
	}
}

func TestScheduler_DrySpellStartsNow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 24000)
	f.enqueue(t, 500*time.Millisecond)
	f.out.Advance(2 * time.Second)

	w := f.enqueue(t, 500*time.Millisecond)
	if w.Start != 2*time.Second {
		t.Errorf("late buffer starts at %v, want the current time 2s", w.Start)
	}
	if got := f.started.Load(); got != 2 {
		t.Errorf("OnStarted fired %d times, want once per response", got)
	}
}

func TestScheduler_ReleaseRule(t *testing.T) {
	t.Parallel()

	for _, guard := range []time.Duration{0, 50 * time.Millisecond, 100 * time.Millisecond, 900 * time.Millisecond} {
		t.Run(guard.String(), func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, 24000, playback.WithGuardMargin(guard))
			f.enqueue(t, time.Second)
			f.enqueue(t, time.Second)

			// First buffer ends at 1s with nextStartTime at 2s.
			f.out.Advance(time.Second)
			if !f.gate.Active() {
				t.Fatalf("guard %v: gate reopened while a buffer is pending", guard)
			}
			f.out.Advance(time.Second)
			if f.gate.Active() {
				t.Fatalf("guard %v: gate not released after drain", guard)
			}
		})
	}
}

func TestScheduler_GuardCoversShortTail(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 24000)
	f.enqueue(t, time.Second)
	f.enqueue(t, 50*time.Millisecond)

	// The first end is within the 100ms guard of nextStartTime.
	f.out.Advance(time.Second)
	if f.gate.Active() {
		t.Error("gate should release once within the guard margin")
	}
	f.out.Advance(50 * time.Millisecond)
	if got := f.drained.Load(); got != 1 {
		t.Errorf("OnDrained fired %d times, want 1", got)
	}
}

func TestScheduler_SetGuardMargin(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 24000)
	f.sched.SetGuardMargin(-time.Second)
	if got := f.sched.GuardMargin(); got != 0 {
		t.Errorf("negative guard stored as %v, want 0", got)
	}
	f.sched.SetGuardMargin(250 * time.Millisecond)
	if got := f.sched.GuardMargin(); got != 250*time.Millisecond {
		t.Errorf("GuardMargin = %v, want 250ms", got)
	}
}

func TestScheduler_StopAbortsAndReleases(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 24000)
	f.enqueue(t, time.Second)
	f.enqueue(t, time.Second)

	f.sched.Stop()
	f.sched.Stop()

	if f.gate.Active() {
		t.Error("gate engaged after Stop")
	}
	for i, w := range f.out.Windows() {
		if !w.Stopped {
			t.Errorf("window %d not stopped", i)
		}
	}
	f.out.Advance(5 * time.Second)
	if got := f.drained.Load(); got != 0 {
		t.Errorf("OnDrained fired %d times after Stop", got)
	}
	if _, err := f.sched.Enqueue(pcm(time.Second, 24000)); !errors.Is(err, playback.ErrStopped) {
		t.Errorf("Enqueue after Stop = %v, want ErrStopped", err)
	}
	if _, err := f.gate.Claim(); err != nil {
		t.Errorf("writer role not returned after Stop: %v", err)
	}
}

func TestScheduler_Abort(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 24000)
	f.enqueue(t, time.Second)
	f.enqueue(t, time.Second)
	f.out.Advance(300 * time.Millisecond)

	if !f.sched.Abort() {
		t.Fatal("Abort reported nothing playing")
	}
	if f.gate.Active() {
		t.Error("gate engaged after Abort")
	}
	if got := f.sched.Pending(); got != 0 {
		t.Errorf("Pending = %d after Abort", got)
	}

	w := f.enqueue(t, time.Second)
	if w.Start != 300*time.Millisecond {
		t.Errorf("post-abort buffer starts at %v, want 300ms", w.Start)
	}
	f.out.Advance(time.Second)
	if got := f.drained.Load(); got != 1 {
		t.Errorf("OnDrained fired %d times, want 1 for the new buffer only", got)
	}
	if f.sched.Abort() {
		t.Error("Abort on an idle scheduler reported playing")
	}
}

func TestScheduler_ResamplesToDeviceRate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 48000)
	w := f.enqueue(t, time.Second)
	if w.Duration() != time.Second {
		t.Errorf("window duration = %v, want 1s", w.Duration())
	}
	if got := f.out.Windows()[0].Samples; got != 48000 {
		t.Errorf("scheduled %d samples, want 48000", got)
	}
}

func TestScheduler_RejectsOddPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 24000)
	if _, err := f.sched.Enqueue([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for odd payload")
	}
	if _, err := f.sched.Enqueue(nil); err != nil {
		t.Fatalf("empty payload: %v", err)
	}
	if len(f.out.Windows()) != 0 || f.gate.Active() {
		t.Error("invalid or empty payload must not schedule or engage")
	}
}

func TestScheduler_DeviceErrorLeavesGateOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 24000)
	f.out.ScheduleError = &audio.DeviceError{Op: "schedule", Err: audio.ErrNoDevice}
	if _, err := f.sched.Enqueue(pcm(time.Second, 24000)); !errors.Is(err, audio.ErrNoDevice) {
		t.Fatalf("Enqueue = %v, want ErrNoDevice", err)
	}
	if f.gate.Active() {
		t.Error("gate engaged although nothing was scheduled")
	}
	if got := f.sched.NextStartTime(); got != 0 {
		t.Errorf("NextStartTime advanced to %v on failure", got)
	}
}
