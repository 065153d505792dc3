// Package gate implements the shared flag that mutes microphone transmission
// while synthesized speech is playing.
//
// The flag has exactly one writer and any number of readers. Readers see a
// plain boolean through [Reader]; the single [Writer] is obtained with
// [Gate.Claim] and is normally held by the playback scheduler. While the flag
// is set no captured frame may leave the capture pipeline.
package gate

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrWriterHeld is returned by [Gate.Claim] when another component already
// holds the writer role.
var ErrWriterHeld = errors.New("gate: writer already claimed")

// Reader is the read-only view of the gate used by the capture pipeline.
type Reader interface {
	// Active reports whether playback is in progress and capture must be
	// suppressed.
	Active() bool
}

// Option configures a [Gate].
type Option func(*Gate)

// WithObserver registers fn to be called after every transition of the flag.
// fn runs on the writer's goroutine and must not block.
func WithObserver(fn func(active bool)) Option {
	return func(g *Gate) {
		g.observer = fn
	}
}

// Gate holds the playback-active flag.
type Gate struct {
	active   atomic.Bool
	observer func(bool)

	mu     sync.Mutex
	writer *Writer
}

var _ Reader = (*Gate)(nil)

// New returns an open (inactive) gate.
func New(opts ...Option) *Gate {
	g := &Gate{}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Active implements [Reader].
func (g *Gate) Active() bool {
	return g.active.Load()
}

// Claim hands out the single writer handle.
func (g *Gate) Claim() (*Writer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writer != nil {
		return nil, ErrWriterHeld
	}
	g.writer = &Writer{g: g}
	return g.writer, nil
}

func (g *Gate) set(v bool) {
	if g.active.Swap(v) != v && g.observer != nil {
		g.observer(v)
	}
}

// Writer is the exclusive mutator of a [Gate]. A relinquished writer is inert.
type Writer struct {
	g        *Gate
	released atomic.Bool
}

// Engage sets the flag. Capture frames are dropped until [Writer.Release].
func (w *Writer) Engage() {
	if w.released.Load() {
		return
	}
	w.g.set(true)
}

// Release clears the flag.
func (w *Writer) Release() {
	if w.released.Load() {
		return
	}
	w.g.set(false)
}

// Relinquish clears the flag and returns the writer role to the gate so a new
// writer can be claimed. Further calls on w are no-ops.
func (w *Writer) Relinquish() {
	if w.released.Swap(true) {
		return
	}
	w.g.set(false)
	w.g.mu.Lock()
	if w.g.writer == w {
		w.g.writer = nil
	}
	w.g.mu.Unlock()
}
