// Package capture turns microphone samples into fixed-size PCM16 frames for
// transmission, muting itself whenever the playback gate is active.
//
// The pipeline owns exactly one [audio.InputStream] between [Pipeline.Start]
// and [Pipeline.Stop]. Samples arrive from the device in arbitrary chunks and
// are blocked into frames of FrameSize samples at the hardware rate. Each
// frame is then either dropped whole (gate active) or resampled to the
// transmission rate, converted to PCM16 and handed to the [Sink].
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/theintaker/voicebridge/internal/gate"
	"github.com/theintaker/voicebridge/internal/observe"
	"github.com/theintaker/voicebridge/pkg/audio"
)

// Defaults used when the corresponding option is not given.
const (
	DefaultFrameSize  = 4096
	DefaultTargetRate = 16000
)

// ErrAlreadyStarted is returned by [Pipeline.Start] on a running pipeline.
var ErrAlreadyStarted = errors.New("capture: already started")

// Sink receives frames that passed the gate. SendFrame is called from the
// device goroutine, one frame at a time.
type Sink interface {
	SendFrame(ctx context.Context, frame audio.AudioFrame) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, frame audio.AudioFrame) error

// SendFrame implements [Sink].
func (f SinkFunc) SendFrame(ctx context.Context, frame audio.AudioFrame) error {
	return f(ctx, frame)
}

// Stats is a snapshot of frame outcomes since the pipeline was created.
type Stats struct {
	Sent   uint64
	Gated  uint64
	Errors uint64
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize sets the number of hardware-rate samples per frame.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithTargetRate sets the transmission sample rate.
func WithTargetRate(hz int) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.targetRate = hz
		}
	}
}

// WithProcessing sets the echo cancellation, noise suppression and automatic
// gain control constraints requested from the device. All three default to on.
func WithProcessing(echoCancellation, noiseSuppression, autoGainControl bool) Option {
	return func(p *Pipeline) {
		p.echoCancellation = echoCancellation
		p.noiseSuppression = noiseSuppression
		p.autoGainControl = autoGainControl
	}
}

// WithMetrics records frame outcomes to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.log = l
	}
}

// ─── Pipeline ─────────────────────────────────────────────────────────────────

// Pipeline is the capture side of the bridge.
type Pipeline struct {
	dev  audio.InputDevice
	gate gate.Reader
	sink Sink

	frameSize        int
	targetRate       int
	echoCancellation bool
	noiseSuppression bool
	autoGainControl  bool
	metrics          *observe.Metrics
	log              *slog.Logger

	mu     sync.Mutex
	stream audio.InputStream
	ctx    context.Context
	cancel context.CancelFunc
	live   atomic.Bool

	// Touched only from the device callback goroutine.
	pending []float32
	hwRate  int
	pos     int64

	sent   atomic.Uint64
	gated  atomic.Uint64
	errs   atomic.Uint64
	warned sync.Once
}

// New returns a stopped pipeline reading from dev, consulting g before every
// frame and delivering accepted frames to sink.
func New(dev audio.InputDevice, g gate.Reader, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:              dev,
		gate:             g,
		sink:             sink,
		frameSize:        DefaultFrameSize,
		targetRate:       DefaultTargetRate,
		echoCancellation: true,
		noiseSuppression: true,
		autoGainControl:  true,
		log:              slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires the microphone. It blocks until the device is open or ctx is
// done; a permission prompt counts as part of that wait. On failure the error
// is an [*audio.DeviceError] and the pipeline holds no resources.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return ErrAlreadyStarted
	}

	c := audio.Constraints{
		EchoCancellation: p.echoCancellation,
		NoiseSuppression: p.noiseSuppression,
		AutoGainControl:  p.autoGainControl,
		Channels:         1,
		SampleRate:       p.targetRate,
	}
	p.pending = make([]float32, 0, p.frameSize*2)
	p.pos = 0

	stream, err := p.dev.Open(ctx, c, p.frameSize, p.onSamples)
	if err != nil {
		var de *audio.DeviceError
		if errors.As(err, &de) {
			return err
		}
		return &audio.DeviceError{Op: "open input", Err: err}
	}

	p.stream = stream
	p.hwRate = stream.SampleRate()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.live.Store(true)

	p.log.Info("capture started",
		"hardware_rate", p.hwRate,
		"target_rate", p.targetRate,
		"frame_size", p.frameSize,
	)
	return nil
}

// Stop releases the microphone. It is safe to call on a stopped or never
// started pipeline and releases the device at most once per Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	stream := p.stream
	cancel := p.cancel
	p.stream = nil
	p.cancel = nil
	p.live.Store(false)
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	cancel()
	err := stream.Close()
	p.log.Info("capture stopped",
		"frames_sent", p.sent.Load(),
		"frames_gated", p.gated.Load(),
	)
	if err != nil {
		return &audio.DeviceError{Op: "close input", Err: err}
	}
	return nil
}

// Running reports whether the pipeline holds the microphone.
func (p *Pipeline) Running() bool {
	return p.live.Load()
}

// Stats returns frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Sent:   p.sent.Load(),
		Gated:  p.gated.Load(),
		Errors: p.errs.Load(),
	}
}

// onSamples is the device callback.
func (p *Pipeline) onSamples(samples []float32) {
	if !p.live.Load() {
		return
	}
	p.pending = append(p.pending, samples...)
	for len(p.pending) >= p.frameSize {
		p.processFrame(p.pending[:p.frameSize])
		n := copy(p.pending, p.pending[p.frameSize:])
		p.pending = p.pending[:n]
	}
}

func (p *Pipeline) processFrame(block []float32) {
	ts := audio.SamplesDuration(int(p.pos), p.hwRate)
	p.pos += int64(len(block))

	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if p.gate.Active() {
		p.gated.Add(1)
		if p.metrics != nil {
			p.metrics.RecordFrame(ctx, observe.FrameGated, 0)
		}
		return
	}

	pcm := audio.FloatToPCM16(audio.ResampleFloat32(block, p.hwRate, p.targetRate))
	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: p.targetRate,
		Channels:   1,
		Timestamp:  ts,
	}
	if err := p.sink.SendFrame(ctx, frame); err != nil {
		p.errs.Add(1)
		if p.metrics != nil {
			p.metrics.RecordFrame(ctx, observe.FrameError, 0)
		}
		if ctx.Err() != nil {
			return
		}
		p.warned.Do(func() {
			p.log.Warn("capture: sink rejected frame", "err", err)
		})
		return
	}
	p.sent.Add(1)
	if p.metrics != nil {
		p.metrics.RecordFrame(ctx, observe.FrameSent, len(pcm))
	}
}
