package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors wrapped by [DeviceError].
var (
	// ErrPermissionDenied indicates the user or the operating system refused
	// access to the microphone.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrNoDevice indicates no suitable input or output device exists.
	ErrNoDevice = errors.New("audio: no device")
)

// DeviceError reports a failure to acquire or operate an audio device.
type DeviceError struct {
	// Op names the failed operation, e.g. "open input".
	Op string

	// Err is the underlying cause. It usually wraps [ErrPermissionDenied] or
	// [ErrNoDevice].
	Err error
}

// Error implements error.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DeviceError) Unwrap() error { return e.Err }

// Constraints are the processing options requested when opening an input
// device. Backends that cannot honour a constraint log it once and proceed.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	// Channels is the requested channel count. The bridge always asks for 1.
	Channels int

	// SampleRate is the declared target rate. Backends may deliver a different
	// hardware rate; the actual rate is reported by [InputStream.SampleRate].
	SampleRate int
}

// ─── Input ────────────────────────────────────────────────────────────────────

// InputDevice acquires microphone streams.
//
// Open may block while the user is asked for permission; ctx bounds that wait.
// The returned stream calls onFrame from a backend goroutine with mono float
// samples in [-1, 1]. The slice is only valid for the duration of the call.
// Chunk sizes are a backend detail and need not equal frameSize.
//
// An input stream never routes to an audible output.
type InputDevice interface {
	Open(ctx context.Context, c Constraints, frameSize int, onFrame func(samples []float32)) (InputStream, error)
}

// InputStream is a live capture stream.
type InputStream interface {
	// SampleRate reports the hardware rate of the delivered samples.
	SampleRate() int

	// Close stops delivery and releases the device. After Close returns no
	// further onFrame calls are made.
	Close() error
}

// ─── Output ───────────────────────────────────────────────────────────────────

// OutputDevice plays float sample buffers against a monotonic device clock.
type OutputDevice interface {
	// SampleRate reports the rate of the device clock.
	SampleRate() int

	// Now reports the current position of the device clock.
	Now() time.Duration

	// Schedule arranges for samples to begin playing exactly at device time
	// at. If at is in the past playback begins immediately. onEnded is called
	// once from a backend goroutine when the last sample has been played. It
	// is not called for a playback aborted with [Playback.Stop].
	Schedule(samples []float32, at time.Duration, onEnded func()) (Playback, error)

	// Close releases the device.
	Close() error
}

// Playback is a handle to one scheduled buffer.
type Playback interface {
	// Stop aborts the buffer whether or not it has started. Idempotent.
	Stop()
}
