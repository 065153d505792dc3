package audio

import (
	"encoding/binary"
	"fmt"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders the format as e.g. "16000Hz/mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FloatToPCM16 converts float samples in [-1, 1] to little-endian int16 PCM.
// Samples outside the range are clamped. Negative values scale by 32768 and
// positive values by 32767 so both ends of the int16 range are reachable.
// Fractions are truncated toward zero.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		} else if s != s { // NaN
			s = 0
		}
		var v int16
		if s < 0 {
			v = int16(float64(s) * 32768)
		} else {
			v = int16(float64(s) * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat32 decodes little-endian int16 PCM into float samples by
// dividing by 32768. A trailing odd byte is an error.
func PCM16ToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: decode pcm16: odd byte count %d", len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// ResampleFloat32 changes the rate of mono float samples using linear
// interpolation when upsampling and linear decimation when downsampling. No
// anti-aliasing filter is applied, so content above the destination Nyquist
// frequency folds back into the passband. For speech captured at 44.1 or 48
// kHz and sent at 16 kHz the artefacts are inaudible to the remote recogniser.
//
// If either rate is non-positive or the rates are equal the input is returned
// unchanged.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

func formatString(sampleRate, channels int) string {
	ch := "mono"
	switch channels {
	case 1:
	case 2:
		ch = "stereo"
	default:
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz/%s", sampleRate, ch)
}
