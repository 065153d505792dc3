//go:build !portaudio

package portaudio

import (
	"context"
	"log/slog"
	"time"

	"github.com/theintaker/voicebridge/pkg/audio"
)

// Available reports whether PortAudio support is compiled in.
const Available = false

// Input is a placeholder when PortAudio is not compiled in.
type Input struct{}

var _ audio.InputDevice = (*Input)(nil)

// NewInput returns a device whose Open always fails with [ErrUnavailable].
func NewInput(*slog.Logger) *Input { return &Input{} }

// Open implements [audio.InputDevice].
func (*Input) Open(context.Context, audio.Constraints, int, func([]float32)) (audio.InputStream, error) {
	return nil, &audio.DeviceError{Op: "open", Err: ErrUnavailable}
}

// Output is a placeholder when PortAudio is not compiled in.
type Output struct{}

var _ audio.OutputDevice = (*Output)(nil)

// NewOutput always fails with [ErrUnavailable].
func NewOutput(*slog.Logger) (*Output, error) {
	return nil, &audio.DeviceError{Op: "open output", Err: ErrUnavailable}
}

func (*Output) SampleRate() int    { return 0 }
func (*Output) Now() time.Duration { return 0 }
func (*Output) Close() error       { return nil }

func (*Output) Schedule([]float32, time.Duration, func()) (audio.Playback, error) {
	return nil, &audio.DeviceError{Op: "schedule", Err: ErrUnavailable}
}
