// Package portaudio provides microphone and speaker devices backed by
// PortAudio. The real devices are compiled only with the "portaudio" build
// tag; without it, constructors report [ErrUnavailable].
package portaudio

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/theintaker/voicebridge/pkg/audio"
)

// ErrUnavailable is returned when the binary was built without PortAudio.
var ErrUnavailable = errors.New("portaudio: not available: rebuild with -tags portaudio")

// timeline mixes scheduled buffers onto a sample clock. The clock advances
// only as render is called, so it is the device's own notion of time.
type timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64
	voices []*voice
}

type voice struct {
	tl      *timeline
	start   int64
	samples []float32
	onEnded func()
	stopped bool
}

func newTimeline(rate int) *timeline {
	return &timeline{rate: rate}
}

func (t *timeline) now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.SamplesDuration(int(t.pos), t.rate)
}

// schedule places samples at device time at, rounded to the nearest sample,
// or at the current position if at has already passed.
func (t *timeline) schedule(samples []float32, at time.Duration, onEnded func()) *voice {
	start := (int64(at)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
	t.mu.Lock()
	defer t.mu.Unlock()
	v := &voice{
		tl:      t,
		start:   max(start, t.pos),
		samples: samples,
		onEnded: onEnded,
	}
	t.voices = append(t.voices, v)
	return v
}

// render fills out with the mix of every live voice and advances the clock
// by len(out). It returns the end callbacks of voices that finished within
// this block, in end order; the caller runs them off the audio thread.
func (t *timeline) render(out []float32) []func() {
	clear(out)

	t.mu.Lock()
	defer t.mu.Unlock()

	from, to := t.pos, t.pos+int64(len(out))
	var ended []*voice
	live := t.voices[:0]
	for _, v := range t.voices {
		if v.stopped {
			continue
		}
		end := v.end()
		lo, hi := max(v.start, from), min(end, to)
		for i := lo; i < hi; i++ {
			out[i-from] += v.samples[i-v.start]
		}
		if end <= to {
			ended = append(ended, v)
			continue
		}
		live = append(live, v)
	}
	clear(t.voices[len(live):])
	t.voices = live
	t.pos = to

	for i, s := range out {
		out[i] = max(-1, min(1, s))
	}

	slices.SortStableFunc(ended, func(a, b *voice) int {
		return cmp.Compare(a.end(), b.end())
	})
	cbs := make([]func(), 0, len(ended))
	for _, v := range ended {
		if v.onEnded != nil {
			cbs = append(cbs, v.onEnded)
		}
	}
	return cbs
}

func (v *voice) end() int64 { return v.start + int64(len(v.samples)) }

// Stop implements [audio.Playback]. The end callback will not run.
func (v *voice) Stop() {
	v.tl.mu.Lock()
	defer v.tl.mu.Unlock()
	v.stopped = true
}
