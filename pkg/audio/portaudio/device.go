//go:build portaudio

package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/theintaker/voicebridge/pkg/audio"
)

// Available reports whether PortAudio support is compiled in.
const Available = true

// ─── Input ────────────────────────────────────────────────────────────────────

// Input opens the default microphone.
type Input struct {
	log *slog.Logger
}

var _ audio.InputDevice = (*Input)(nil)

// NewInput returns the default microphone. logger may be nil.
func NewInput(logger *slog.Logger) *Input {
	if logger == nil {
		logger = slog.Default()
	}
	return &Input{log: logger}
}

// Open implements [audio.InputDevice]. The stream runs at the device's
// native rate; c.SampleRate is only a hint. PortAudio offers no echo
// cancellation, noise suppression or gain control, so those constraints are
// logged and otherwise ignored.
func (in *Input) Open(_ context.Context, c audio.Constraints, frameSize int, onFrame func([]float32)) (audio.InputStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &audio.DeviceError{Op: "init", Err: err}
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil {
		portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "open", Err: fmt.Errorf("%w: %v", audio.ErrNoDevice, err)}
	}
	rate := int(dev.DefaultSampleRate)

	s := &inputStream{rate: rate}
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = frameSize

	stream, err := portaudio.OpenStream(params, func(buf []float32) {
		if s.closed.Load() {
			return
		}
		onFrame(append([]float32(nil), buf...))
	})
	if err != nil {
		portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "open", Err: err}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "start", Err: err}
	}
	s.stream = stream

	in.log.Info("microphone opened",
		"device", dev.Name,
		"format", audio.Format{SampleRate: rate, Channels: 1},
		"frame_size", frameSize,
	)
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		in.log.Debug("microphone processing is left to the host audio stack",
			"echo_cancellation", c.EchoCancellation,
			"noise_suppression", c.NoiseSuppression,
			"auto_gain_control", c.AutoGainControl,
		)
	}
	return s, nil
}

type inputStream struct {
	stream *portaudio.Stream
	rate   int
	closed atomic.Bool
	once   sync.Once
}

func (s *inputStream) SampleRate() int { return s.rate }

// Close stops the stream. Stop waits for a running callback to return, so no
// frame is delivered after Close.
func (s *inputStream) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		if e := s.stream.Stop(); e != nil {
			err = fmt.Errorf("portaudio: stop input: %w", e)
		}
		s.stream.Close()
		portaudio.Terminate()
	})
	return err
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output plays scheduled buffers on the default speaker.
type Output struct {
	tl     *timeline
	stream *portaudio.Stream
	log    *slog.Logger
	ended  chan func()
	done   chan struct{}
	once   sync.Once
}

var _ audio.OutputDevice = (*Output)(nil)

// NewOutput opens the default speaker at its native rate and starts the
// device clock. logger may be nil.
func NewOutput(logger *slog.Logger) (*Output, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, &audio.DeviceError{Op: "init", Err: err}
	}
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil || dev == nil {
		portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "open output", Err: fmt.Errorf("%w: %v", audio.ErrNoDevice, err)}
	}
	rate := int(dev.DefaultSampleRate)

	o := &Output{
		tl:    newTimeline(rate),
		log:   logger,
		ended: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(rate)

	stream, err := portaudio.OpenStream(params, func(out []float32) {
		for _, cb := range o.tl.render(out) {
			select {
			case o.ended <- cb:
			default:
				go cb()
			}
		}
	})
	if err != nil {
		portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "open output", Err: err}
	}
	o.stream = stream
	go o.dispatch()
	if err := stream.Start(); err != nil {
		close(o.done)
		stream.Close()
		portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "start output", Err: err}
	}

	logger.Info("speaker opened", "device", dev.Name, "format", audio.Format{SampleRate: rate, Channels: 1})
	return o, nil
}

// dispatch runs end callbacks off the audio thread.
func (o *Output) dispatch() {
	for {
		select {
		case cb := <-o.ended:
			cb()
		case <-o.done:
			return
		}
	}
}

// SampleRate implements [audio.OutputDevice].
func (o *Output) SampleRate() int { return o.tl.rate }

// Now implements [audio.OutputDevice].
func (o *Output) Now() time.Duration { return o.tl.now() }

// Schedule implements [audio.OutputDevice].
func (o *Output) Schedule(samples []float32, at time.Duration, onEnded func()) (audio.Playback, error) {
	select {
	case <-o.done:
		return nil, &audio.DeviceError{Op: "schedule", Err: fmt.Errorf("speaker closed")}
	default:
	}
	return o.tl.schedule(samples, at, onEnded), nil
}

// Close stops the speaker. Idempotent.
func (o *Output) Close() error {
	var err error
	o.once.Do(func() {
		close(o.done)
		if e := o.stream.Stop(); e != nil {
			err = fmt.Errorf("portaudio: stop output: %w", e)
		}
		o.stream.Close()
		portaudio.Terminate()
	})
	return err
}
