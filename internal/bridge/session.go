// Package bridge implements the session state machine that ties the capture
// pipeline, the playback scheduler, the gate and the transport channel into
// one duplex voice conversation.
//
// A [Session] exclusively owns every handle it creates. All inbound traffic
// and playback-drain notifications are consumed by a single event loop
// goroutine per connection, so voice state transitions are serialised.
// Captured audio does not pass through the loop: frames flow from the device
// goroutine through the gate straight to the transport.
//
// Connection lifecycle:
//
//	Disconnected|Error --Connect--> Connecting --open--> Connected
//	Connecting --failure--> Error
//	Connected --remote close--> Disconnected (normal) | Error
//	any --Disconnect--> Disconnected
//
// While Connected the voice state moves between Listening, Speaking and
// Thinking. Escalating is terminal until disconnect. Once the intake result
// arrives the session is inert: it stays Connected, reports Idle, stops
// transmitting captured audio and ignores further inbound audio.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/theintaker/voicebridge/internal/capture"
	"github.com/theintaker/voicebridge/internal/gate"
	"github.com/theintaker/voicebridge/internal/observe"
	"github.com/theintaker/voicebridge/internal/playback"
	"github.com/theintaker/voicebridge/internal/transport"
	"github.com/theintaker/voicebridge/pkg/audio"
)

// Sentinel errors returned by [Session] methods.
var (
	ErrAlreadyConnected = errors.New("bridge: already connected")
	ErrNotConnected     = errors.New("bridge: not connected")
	ErrResultReceived   = errors.New("bridge: intake result already received")
	ErrAborted          = errors.New("bridge: connect aborted by disconnect")
)

// ─── Config ───────────────────────────────────────────────────────────────────

// CaptureConfig configures the capture pipeline.
type CaptureConfig struct {
	FrameSize        int
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// PlaybackConfig configures the playback scheduler.
type PlaybackConfig struct {
	InboundRate int
	GuardMargin time.Duration
}

// Config holds everything a [Session] needs per connection. Transport.Token
// is ignored; the token is passed to [Session.Connect].
type Config struct {
	Transport transport.Config
	Capture   CaptureConfig
	Playback  PlaybackConfig
}

// DefaultConfig returns the standard configuration for url.
func DefaultConfig(url string) Config {
	return Config{
		Transport: transport.Config{URL: url},
		Capture: CaptureConfig{
			FrameSize:        capture.DefaultFrameSize,
			SampleRate:       capture.DefaultTargetRate,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Playback: PlaybackConfig{
			InboundRate: playback.DefaultInboundRate,
			GuardMargin: playback.DefaultGuardMargin,
		},
	}
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Session].
type Option func(*Session)

// WithObserver registers fn to receive session events. Events of a live
// connection are delivered in order on its event loop goroutine; Connecting,
// connect failures and Disconnect are reported on the caller's goroutine.
// fn must not block.
func WithObserver(fn func(Event)) Option {
	return func(s *Session) {
		s.observers = append(s.observers, fn)
	}
}

// WithMetrics records session, capture, playback and transport metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is one patient's voice bridge. It is safe for concurrent use.
type Session struct {
	cfg       Config
	input     audio.InputDevice
	output    audio.OutputDevice
	observers []func(Event)
	metrics   *observe.Metrics
	log       *slog.Logger
	id        string

	mu            sync.Mutex
	state         ConnectionState
	voice         VoiceState
	err           error
	result        *transport.IntakeResult
	finalized     bool
	guard         time.Duration
	conn          *connection
	connectCancel context.CancelFunc
}

// Stats is a point-in-time view of a connected session.
type Stats struct {
	Capture         capture.Stats
	PendingBuffers  int
	GateActive      bool
	NextStartOffset time.Duration
}

// New returns a disconnected session using input for capture and output for
// playback.
func New(cfg Config, input audio.InputDevice, output audio.OutputDevice, opts ...Option) *Session {
	s := &Session{
		cfg:    cfg,
		input:  input,
		output: output,
		log:    slog.Default(),
		id:     uuid.NewString(),
		guard:  max(cfg.Playback.GuardMargin, 0),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("session_id", s.id)
	return s
}

// ID returns the session's unique identifier, used in logs and spans.
func (s *Session) ID() string { return s.id }

// ConnectionState returns the current lifecycle state.
func (s *Session) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// VoiceState returns the conversational state. It is VoiceIdle whenever the
// session is not connected.
func (s *Session) VoiceState() VoiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return VoiceIdle
	}
	return s.voice
}

// Err returns the error behind the most recent transition to StateError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Result returns the intake result, or nil if none has arrived since the last
// Connect.
func (s *Session) Result() *transport.IntakeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Stats returns counters for the live connection. ok is false when not
// connected.
func (s *Session) Stats() (st Stats, ok bool) {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return Stats{}, false
	}
	return Stats{
		Capture:         c.capture.Stats(),
		PendingBuffers:  c.sched.Pending(),
		GateActive:      c.gate.Active(),
		NextStartOffset: max(c.sched.NextStartTime()-s.output.Now(), 0),
	}, true
}

// SetGuardMargin changes the playback guard margin, effective immediately on
// a live connection and for every later connection.
func (s *Session) SetGuardMargin(d time.Duration) {
	d = max(d, 0)
	s.mu.Lock()
	s.guard = d
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		c.sched.SetGuardMargin(d)
	}
	s.log.Info("guard margin updated", "guard_margin", d)
}

// Connect opens the transport with token and then acquires the microphone.
// On success the session is Connected and Listening. If the transport cannot
// be opened the error is a [*transport.Error]; if the microphone cannot be
// acquired the transport is closed again and the error is an
// [*audio.DeviceError]. Either failure leaves the session in StateError.
func (s *Session) Connect(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.connectCancel = cancel
	s.err = nil
	s.result = nil
	s.finalized = false
	s.voice = VoiceIdle
	evs := s.setStateLocked(StateConnecting, nil)
	s.mu.Unlock()
	s.emit(evs)

	start := time.Now()
	ctx, span := observe.StartSessionSpan(ctx, "bridge.connect", s.id)
	defer span.End()
	log := observe.LoggerFrom(ctx, s.log)

	c, err := s.open(ctx, token)
	if err != nil {
		s.mu.Lock()
		aborted := s.state != StateConnecting
		if aborted {
			evs = nil
		} else {
			s.connectCancel = nil
			evs = s.setStateLocked(StateError, err)
		}
		s.mu.Unlock()
		if aborted && errors.Is(err, context.Canceled) {
			log.Info("connect cancelled by disconnect")
		} else {
			observe.FailSpan(span, err, "connect failed")
			log.Error("connect failed", "err", err)
		}
		s.emit(evs)
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		c.teardown(s)
		return ErrAborted
	}
	s.conn = c
	s.connectCancel = nil
	evs = s.setStateLocked(StateConnected, nil)
	evs = append(evs, s.setVoiceLocked(VoiceListening)...)
	s.mu.Unlock()

	c.active.Store(true)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
		s.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	}
	log.Info("session connected", "elapsed", time.Since(start))

	go s.loop(c, evs)
	return nil
}

// open builds the per-connection pipeline: transport first, then gate,
// scheduler and capture.
func (s *Session) open(ctx context.Context, token string) (*connection, error) {
	tcfg := s.cfg.Transport
	tcfg.Token = token
	tcfg.Logger = s.log
	tcfg.Metrics = s.metrics
	ch, err := transport.Dial(ctx, tcfg)
	if err != nil {
		return nil, err
	}

	c := &connection{
		ch:      ch,
		drained: make(chan struct{}, 1),
		notify:  make(chan []Event, 16),
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.gate = gate.New(gate.WithObserver(func(active bool) {
		if s.metrics != nil {
			s.metrics.RecordGate(context.Background(), active)
		}
	}))
	w, err := c.gate.Claim()
	if err != nil {
		_ = ch.Close()
		c.cancel()
		return nil, fmt.Errorf("bridge: claim gate: %w", err)
	}

	s.mu.Lock()
	guard := s.guard
	s.mu.Unlock()
	c.sched = playback.New(s.output, w,
		playback.WithInboundRate(s.cfg.Playback.InboundRate),
		playback.WithGuardMargin(guard),
		playback.OnDrained(func() {
			select {
			case c.drained <- struct{}{}:
			default:
			}
		}),
		playback.WithMetrics(s.metrics),
		playback.WithLogger(s.log),
	)

	cc := s.cfg.Capture
	c.capture = capture.New(s.input, c.gate,
		capture.SinkFunc(func(ctx context.Context, f audio.AudioFrame) error {
			if c.inert.Load() {
				return nil
			}
			return ch.SendAudio(ctx, f.Data)
		}),
		capture.WithFrameSize(cc.FrameSize),
		capture.WithTargetRate(cc.SampleRate),
		capture.WithProcessing(cc.EchoCancellation, cc.NoiseSuppression, cc.AutoGainControl),
		capture.WithMetrics(s.metrics),
		capture.WithLogger(s.log),
	)
	if err := c.capture.Start(ctx); err != nil {
		c.sched.Stop()
		_ = ch.Close()
		c.cancel()
		return nil, err
	}
	return c, nil
}

// Finalize asks the remote to score the intake. The session moves to
// Thinking until the result arrives; capture keeps running.
func (s *Session) Finalize(ctx context.Context) error {
	c, err := s.live()
	if err != nil {
		return err
	}
	s.mu.Lock()
	done := s.result != nil
	s.mu.Unlock()
	if done {
		return ErrResultReceived
	}

	ctx, span := observe.StartSessionSpan(ctx, "bridge.finalize", s.id)
	defer span.End()

	if err := c.ch.SendControl(ctx, transport.ControlMessage{Type: transport.TypeFinalize}); err != nil {
		observe.FailSpan(span, err, "send failed")
		return fmt.Errorf("bridge: finalize: %w", err)
	}

	s.mu.Lock()
	var evs []Event
	if s.conn == c {
		s.finalized = true
		if s.voice != VoiceEscalating && s.result == nil {
			evs = s.setVoiceLocked(VoiceThinking)
		}
	}
	s.mu.Unlock()
	c.post(evs)
	observe.LoggerFrom(ctx, s.log).Info("finalize requested")
	return nil
}

// Escalate moves the session to Escalating, where it remains until
// disconnect, and informs the remote.
func (s *Session) Escalate(ctx context.Context, reason string) error {
	c, err := s.live()
	if err != nil {
		return err
	}
	s.mu.Lock()
	evs := s.setVoiceLocked(VoiceEscalating)
	s.mu.Unlock()
	c.post(evs)
	s.log.Warn("session escalated", "reason", reason, "source", "local")

	msg := transport.ControlMessage{Type: transport.TypeEscalate, Reason: reason}
	if err := c.ch.SendControl(ctx, msg); err != nil {
		return fmt.Errorf("bridge: escalate: %w", err)
	}
	return nil
}

// Interrupt cuts off synthesized speech locally and asks the remote to stop
// generating.
func (s *Session) Interrupt(ctx context.Context) error {
	c, err := s.live()
	if err != nil {
		return err
	}
	aborted := c.sched.Abort()

	s.mu.Lock()
	var evs []Event
	if s.conn == c && s.voice == VoiceSpeaking {
		evs = s.setVoiceLocked(s.afterSpeechLocked())
	}
	s.mu.Unlock()
	c.post(evs)
	s.log.Info("playback interrupted", "was_playing", aborted)

	if err := c.ch.SendControl(ctx, transport.ControlMessage{Type: transport.TypeInterrupt}); err != nil {
		return fmt.Errorf("bridge: interrupt: %w", err)
	}
	return nil
}

// SendText sends typed user input to the remote.
func (s *Session) SendText(ctx context.Context, text string) error {
	c, err := s.live()
	if err != nil {
		return err
	}
	if err := c.ch.SendText(ctx, text); err != nil {
		return fmt.Errorf("bridge: send text: %w", err)
	}
	return nil
}

// Disconnect tears the session down from any state: capture is stopped and
// the microphone released, pending playback is aborted, and the transport is
// closed. It returns once the event loop has exited, so no inbound message or
// playback callback is processed afterwards. Idempotent.
//
// When called from an observer running on the event loop, the loop cannot be
// awaited. Teardown still completes before Disconnect returns and the loop
// makes no further observer calls for the torn-down connection.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	if s.connectCancel != nil {
		s.connectCancel()
		s.connectCancel = nil
	}
	evs := s.setStateLocked(StateDisconnected, nil)
	evs = append(evs, s.setVoiceLocked(VoiceIdle)...)
	s.mu.Unlock()

	if c != nil {
		c.teardown(s)
		if c.loopID.Load() != goroutineID() {
			<-c.done
		}
		s.log.Info("session disconnected", "source", "local")
	}
	s.emit(evs)
	return nil
}

// live returns the current connection or ErrNotConnected.
func (s *Session) live() (*connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.state != StateConnected {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// ─── Event loop ───────────────────────────────────────────────────────────────

func (s *Session) loop(c *connection, initial []Event) {
	defer close(c.done)
	c.loopID.Store(goroutineID())
	c.dispatch(s, initial)

	for {
		select {
		case <-c.ctx.Done():
			return
		case evs := <-c.notify:
			c.dispatch(s, evs)
		case msg, ok := <-c.ch.Inbound():
			if !ok {
				s.remoteClosed(c)
				return
			}
			c.dispatch(s, s.handleMessage(c, msg))
		case <-c.drained:
			c.dispatch(s, s.handleDrained(c))
		}
	}
}

func (s *Session) handleMessage(c *connection, msg transport.Message) []Event {
	switch msg.Kind {
	case transport.KindAudio:
		if c.inert.Load() {
			s.log.Debug("ignoring audio after intake result", "bytes", len(msg.Audio))
			return nil
		}
		w, err := c.sched.Enqueue(msg.Audio)
		if err != nil {
			s.log.Warn("dropping inbound audio", "err", err)
			return nil
		}
		if w.Duration() == 0 {
			return nil
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != c || s.voice == VoiceEscalating {
			return nil
		}
		return s.setVoiceLocked(VoiceSpeaking)

	case transport.KindResult:
		c.inert.Store(true)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != c {
			return nil
		}
		s.result = msg.Result
		var evs []Event
		if s.voice != VoiceEscalating {
			evs = s.setVoiceLocked(VoiceIdle)
		}
		s.log.Info("intake result received", "level_of_care", msg.Result.LevelOfCare)
		return append(evs, Event{Kind: EventResult, State: s.state, Voice: s.voice, Result: msg.Result})

	case transport.KindText:
		return []Event{{Kind: EventText, Text: msg.Text}}

	case transport.KindState:
		s.log.Debug("remote state", "state", msg.Text)
		return []Event{{Kind: EventRemoteState, Text: msg.Text}}

	case transport.KindRemoteError:
		s.log.Warn("remote reported error", "message", msg.Text)
		s.mu.Lock()
		defer s.mu.Unlock()
		var evs []Event
		if s.conn == c && s.voice == VoiceThinking && s.result == nil {
			// The pending finalize failed; the conversation continues.
			s.finalized = false
			evs = s.setVoiceLocked(VoiceListening)
		}
		return append(evs, Event{Kind: EventRemoteError, Text: msg.Text, Err: errors.New(msg.Text)})

	case transport.KindEscalation:
		s.log.Warn("session escalated", "reason", msg.Text, "source", "remote")
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != c {
			return nil
		}
		return s.setVoiceLocked(VoiceEscalating)
	}
	return nil
}

func (s *Session) handleDrained(c *connection) []Event {
	// A drain notification can race with a new response being scheduled.
	if c.sched.Playing() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c || s.voice != VoiceSpeaking {
		return nil
	}
	return s.setVoiceLocked(s.afterSpeechLocked())
}

// remoteClosed handles the end of the inbound stream while the connection is
// still current.
func (s *Session) remoteClosed(c *connection) {
	err := c.ch.Err()

	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	var evs []Event
	var te *transport.Error
	if err == nil || (errors.As(err, &te) && te.Normal()) {
		evs = s.setStateLocked(StateDisconnected, nil)
	} else {
		evs = s.setStateLocked(StateError, err)
	}
	evs = append(evs, s.setVoiceLocked(VoiceIdle)...)
	s.mu.Unlock()

	c.teardown(s)
	if err != nil {
		s.log.Warn("session ended by remote", "err", err)
	} else {
		s.log.Info("session ended by remote")
	}
	s.emit(evs)
}

// afterSpeechLocked is the voice state to return to once speech stops.
func (s *Session) afterSpeechLocked() VoiceState {
	if s.finalized && s.result == nil {
		return VoiceThinking
	}
	return VoiceListening
}

func (s *Session) setStateLocked(st ConnectionState, err error) []Event {
	if s.state == st && err == nil {
		return nil
	}
	s.state = st
	if st == StateError {
		s.err = err
	}
	s.log.Debug("connection state", "state", st)
	return []Event{{Kind: EventStateChanged, State: st, Voice: s.voice, Err: err}}
}

func (s *Session) setVoiceLocked(v VoiceState) []Event {
	if s.voice == v {
		return nil
	}
	s.voice = v
	s.log.Debug("voice state", "voice", v)
	return []Event{{Kind: EventVoiceStateChanged, State: s.state, Voice: v}}
}

func (s *Session) emit(evs []Event) {
	for _, ev := range evs {
		for _, fn := range s.observers {
			fn(ev)
		}
	}
}

// ─── connection ───────────────────────────────────────────────────────────────

// connection holds the handles of one Connect..Disconnect span.
type connection struct {
	ch      *transport.Channel
	gate    *gate.Gate
	sched   *playback.Scheduler
	capture *capture.Pipeline

	ctx     context.Context
	cancel  context.CancelFunc
	drained chan struct{}
	notify  chan []Event
	done    chan struct{}

	inert  atomic.Bool
	active atomic.Bool
	loopID atomic.Uint64
	once   sync.Once
}

// post hands caller-side events to the loop so observers see them in order.
func (c *connection) post(evs []Event) {
	if len(evs) == 0 {
		return
	}
	select {
	case c.notify <- evs:
	case <-c.ctx.Done():
	}
}

// dispatch delivers evs to the observers while c is the session's live
// connection. Once c has been replaced or torn down the remaining events are
// dropped.
func (c *connection) dispatch(s *Session, evs []Event) {
	for _, ev := range evs {
		for _, fn := range s.observers {
			if !c.current(s) {
				return
			}
			fn(ev)
		}
	}
}

func (c *connection) current(s *Session) bool {
	if c.ctx.Err() != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == c
}

// teardown releases every handle exactly once: capture, then playback, then
// transport.
func (c *connection) teardown(s *Session) {
	c.once.Do(func() {
		c.cancel()
		if err := c.capture.Stop(); err != nil {
			s.log.Warn("capture stop failed", "err", err)
		}
		c.sched.Stop()
		_ = c.ch.Close()
		if c.active.Load() && s.metrics != nil {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
	})
}
