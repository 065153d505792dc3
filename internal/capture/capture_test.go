package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/theintaker/voicebridge/internal/capture"
	"github.com/theintaker/voicebridge/internal/gate"
	"github.com/theintaker/voicebridge/pkg/audio"
	"github.com/theintaker/voicebridge/pkg/audio/mock"
)

// recordingSink collects every frame it receives.
type recordingSink struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
	err    error
}

func (s *recordingSink) SendFrame(_ context.Context, f audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSink) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *recordingSink) Bytes() int {
	n := 0
	for _, f := range s.Frames() {
		n += len(f.Data)
	}
	return n
}

func newPipeline(t *testing.T, dev *mock.InputDevice, opts ...capture.Option) (*capture.Pipeline, *gate.Writer, *recordingSink) {
	t.Helper()
	g := gate.New()
	w, err := g.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	sink := &recordingSink{}
	p := capture.New(dev, g, sink, opts...)
	t.Cleanup(func() { _ = p.Stop() })
	return p, w, sink
}

func TestPipeline_StartRequestsConstraints(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{HardwareRate: 48000}
	p, _, _ := newPipeline(t, dev)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := dev.LastConstraints
	if !c.EchoCancellation || !c.NoiseSuppression || !c.AutoGainControl {
		t.Errorf("processing constraints not requested: %+v", c)
	}
	if c.Channels != 1 {
		t.Errorf("Channels = %d, want 1", c.Channels)
	}
	if c.SampleRate != capture.DefaultTargetRate {
		t.Errorf("SampleRate = %d, want %d", c.SampleRate, capture.DefaultTargetRate)
	}
	if dev.LastFrameSize != capture.DefaultFrameSize {
		t.Errorf("frame size = %d, want %d", dev.LastFrameSize, capture.DefaultFrameSize)
	}
	if !p.Running() {
		t.Error("expected Running after Start")
	}
}

func TestPipeline_FrameResampledAndConverted(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{HardwareRate: 48000}
	p, _, sink := newPipeline(t, dev)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dev.Stream().Push(make([]float32, capture.DefaultFrameSize))

	frames := sink.Frames()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("frame format = %dHz/%dch, want 16000Hz/1ch", f.SampleRate, f.Channels)
	}
	// 4096 samples at 48 kHz decimate to 1365 at 16 kHz.
	if f.Samples() != 1365 {
		t.Errorf("frame samples = %d, want 1365", f.Samples())
	}
}

func TestPipeline_BlocksArbitraryChunks(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{HardwareRate: 16000}
	p, _, sink := newPipeline(t, dev, capture.WithFrameSize(4))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s := dev.Stream()
	s.Push([]float32{0.1, 0.2, 0.3})
	if n := len(sink.Frames()); n != 0 {
		t.Fatalf("partial block emitted %d frames", n)
	}
	s.Push([]float32{0.4, 0.5, 0.6, 0.7, 0.8, 0.9})

	frames := sink.Frames()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1].Timestamp != audio.SamplesDuration(4, 16000) {
		t.Errorf("second frame timestamp = %v, want %v", frames[1].Timestamp, audio.SamplesDuration(4, 16000))
	}
	// The second frame starts at 0.5.
	want := audio.FloatToPCM16([]float32{0.5, 0.6, 0.7, 0.8})
	if string(frames[1].Data) != string(want) {
		t.Errorf("second frame data = %v, want %v", frames[1].Data, want)
	}
}

func TestPipeline_GatedFrameSendsNothing(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{HardwareRate: 48000}
	p, w, sink := newPipeline(t, dev)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	w.Engage()
	dev.Stream().Push(make([]float32, capture.DefaultFrameSize))

	if got := sink.Bytes(); got != 0 {
		t.Fatalf("gated frame transmitted %d bytes", got)
	}
	if st := p.Stats(); st.Gated != 1 || st.Sent != 0 {
		t.Errorf("stats = %+v, want 1 gated 0 sent", st)
	}

	w.Release()
	dev.Stream().Push(make([]float32, capture.DefaultFrameSize))
	if got := len(sink.Frames()); got != 1 {
		t.Errorf("after release: %d frames, want 1", got)
	}
}

func TestPipeline_DeviceErrorLeavesNoState(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{OpenError: audio.ErrPermissionDenied}
	p, _, _ := newPipeline(t, dev)

	err := p.Start(context.Background())
	var de *audio.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("Start error = %v, want *audio.DeviceError", err)
	}
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Errorf("error should wrap ErrPermissionDenied: %v", err)
	}
	if p.Running() {
		t.Error("pipeline running after failed Start")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop after failed Start: %v", err)
	}

	dev.OpenError = nil
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start after clearing error: %v", err)
	}
}

func TestPipeline_DeviceErrorPassesThrough(t *testing.T) {
	t.Parallel()

	orig := &audio.DeviceError{Op: "open input", Err: audio.ErrNoDevice}
	dev := &mock.InputDevice{OpenError: orig}
	p, _, _ := newPipeline(t, dev)

	err := p.Start(context.Background())
	if err != orig {
		t.Errorf("Start error = %v, want the device's own error", err)
	}
}

func TestPipeline_StartTwice(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	p, _, _ := newPipeline(t, dev)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if dev.CallCountOpen != 1 {
		t.Errorf("Open called %d times, want 1", dev.CallCountOpen)
	}
}

func TestPipeline_StopReleasesOnce(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	p, _, _ := newPipeline(t, dev)

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range 3 {
		if err := p.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if got := dev.Stream().CloseCount(); got != 1 {
		t.Errorf("device closed %d times, want 1", got)
	}
	if p.Running() {
		t.Error("pipeline running after Stop")
	}
}

func TestPipeline_NoFramesAfterStop(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	p, _, sink := newPipeline(t, dev, capture.WithFrameSize(2))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s := dev.Stream()
	_ = p.Stop()

	if s.Push([]float32{0.1, 0.2}) {
		t.Error("closed stream accepted samples")
	}
	if n := len(sink.Frames()); n != 0 {
		t.Errorf("%d frames delivered after Stop", n)
	}
}

func TestPipeline_SinkErrorCounted(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	p, _, sink := newPipeline(t, dev, capture.WithFrameSize(2))
	sink.err = errors.New("transport closed")
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dev.Stream().Push([]float32{0.1, 0.2, 0.3, 0.4})
	if st := p.Stats(); st.Errors != 2 || st.Sent != 0 {
		t.Errorf("stats = %+v, want 2 errors 0 sent", st)
	}
}

func TestPipeline_WithProcessingDisabled(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	p, _, _ := newPipeline(t, dev, capture.WithProcessing(false, false, false), capture.WithTargetRate(8000))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := dev.LastConstraints
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		t.Errorf("processing should be disabled: %+v", c)
	}
	if c.SampleRate != 8000 {
		t.Errorf("SampleRate = %d, want 8000", c.SampleRate)
	}
}
