// Package audio defines the sample formats, frame type and device abstraction
// shared by the capture and playback sides of the bridge.
//
// Two sample representations flow through the bridge. Devices speak mono
// float32 samples in [-1, 1]; the wire speaks little-endian signed 16-bit PCM.
// The helpers in this package convert between the two and change sample rate
// without any filtering.
package audio

import "time"

// AudioFrame is a fixed-length block of mono PCM samples at a known sample
// rate. Frames carry no identifier; their position in the stream is their only
// identity.
type AudioFrame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (16000 for the outbound wire format by default).
	SampleRate int

	// Channels is always 1 on the wire; the field exists so converters can
	// assert it.
	Channels int

	// Timestamp is the capture position of the first sample relative to the
	// start of the capture session.
	Timestamp time.Duration
}

// Samples returns the number of 16-bit samples in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 1 {
		return len(f.Data) / 2
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(f.Samples(), f.SampleRate)
}

// SamplesDuration converts a sample count at rate Hz into a duration. It is
// exact for whole nanoseconds and returns 0 for a non-positive rate.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
