// Package mockremote is a stand-in for the conversational endpoint, used for
// local development and tests. It speaks the same wire protocol: PCM16 in
// binary frames and JSON envelopes in text frames.
//
// On connect it checks the token, announces {"type":"state","payload":
// "listening"} and plays a short greeting tone. Typed text is echoed back as
// a transcript followed by a reply tone, unless it contains the escalation
// phrase. A finalize request is answered with a canned intake result.
package mockremote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/theintaker/voicebridge/internal/transport"
	"github.com/theintaker/voicebridge/pkg/audio"
)

// Defaults used when the corresponding [Config] field is zero.
const (
	DefaultPath             = "/ws/intake"
	DefaultSampleRate       = 24000
	DefaultGreeting         = 800 * time.Millisecond
	DefaultChunk            = 100 * time.Millisecond
	DefaultToneHz           = 440
	DefaultEscalationPhrase = "talk to a human"
)

// DefaultResult is the canned intake result sent on finalize.
func DefaultResult() transport.IntakeResult {
	return transport.IntakeResult{
		ASAMScores: map[string]any{
			"D1_INTOXICATION": 1, "D2_BIOMEDICAL": 0, "D3_EMOTIONAL": 2,
			"D4_READINESS": 2, "D5_RELAPSE": 3, "D6_ENVIRONMENT": 2,
		},
		LevelOfCare:   "Level 2.1",
		SuggestedPlan: "## Suggested plan\n- Intensive outpatient, 9 hours per week\n- Relapse prevention group",
	}
}

// Config configures a [Server].
type Config struct {
	// Token is the expected capability token. Empty accepts any token.
	Token string

	// TokenParam defaults to "token".
	TokenParam string

	// Path is the websocket route. Default: "/ws/intake".
	Path string

	// SampleRate of the PCM sent to the bridge. Default: 24000.
	SampleRate int

	// Greeting is the length of the greeting tone. Negative disables it.
	Greeting time.Duration

	// Chunk is the duration of each binary frame. Default: 100ms.
	Chunk time.Duration

	// EscalationPhrase triggers an escalate message when it appears in typed
	// text. Matching is case-insensitive.
	EscalationPhrase string

	// Result is sent on finalize. Defaults to [DefaultResult].
	Result *transport.IntakeResult

	// CloseAfterResult closes the connection normally after the result.
	CloseAfterResult bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Stats counts what the server has seen.
type Stats struct {
	Sessions    int64
	Rejected    int64
	AudioFrames int64
	AudioBytes  int64
	Finalized   int64
}

// Server serves the mock endpoint. It is safe for concurrent use.
type Server struct {
	cfg Config
	log *slog.Logger

	sessions    atomic.Int64
	rejected    atomic.Int64
	audioFrames atomic.Int64
	audioBytes  atomic.Int64
	finalized   atomic.Int64
}

// New returns a [Server] with defaults applied.
func New(cfg Config) *Server {
	if cfg.TokenParam == "" {
		cfg.TokenParam = transport.DefaultTokenParam
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Greeting == 0 {
		cfg.Greeting = DefaultGreeting
	}
	if cfg.Chunk <= 0 {
		cfg.Chunk = DefaultChunk
	}
	if cfg.EscalationPhrase == "" {
		cfg.EscalationPhrase = DefaultEscalationPhrase
	}
	if cfg.Result == nil {
		r := DefaultResult()
		cfg.Result = &r
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, log: cfg.Logger}
}

// Handler returns the routes: the websocket endpoint at cfg.Path and
// GET /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "mock-remote"})
	})
	return mux
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Sessions:    s.sessions.Load(),
		Rejected:    s.rejected.Load(),
		AudioFrames: s.audioFrames.Load(),
		AudioBytes:  s.audioBytes.Load(),
		Finalized:   s.finalized.Load(),
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("mockremote: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	if s.cfg.Token != "" && r.URL.Query().Get(s.cfg.TokenParam) != s.cfg.Token {
		s.rejected.Add(1)
		s.log.Warn("mockremote: rejecting token", "remote_addr", r.RemoteAddr)
		conn.Close(transport.StatusAuthFailed, "Authentication failed")
		return
	}

	s.sessions.Add(1)
	log := s.log.With("remote_addr", r.RemoteAddr)
	log.Info("mockremote: session opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := s.run(ctx, conn, log); err != nil {
		log.Info("mockremote: session ended", "err", err)
		return
	}
	log.Info("mockremote: session ended")
}

func (s *Server) run(ctx context.Context, conn *websocket.Conn, log *slog.Logger) error {
	if err := wsjson.Write(ctx, conn, stateMsg{Type: transport.TypeState, Payload: "listening"}); err != nil {
		return err
	}
	if s.cfg.Greeting > 0 {
		if err := s.speak(ctx, conn, s.cfg.Greeting, DefaultToneHz); err != nil {
			return err
		}
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if st := websocket.CloseStatus(err); st == websocket.StatusNormalClosure || st == websocket.StatusGoingAway {
				return nil
			}
			return err
		}

		if typ == websocket.MessageBinary {
			s.audioFrames.Add(1)
			s.audioBytes.Add(int64(len(data)))
			continue
		}

		var ctl transport.ControlMessage
		if json.Unmarshal(data, &ctl) == nil && ctl.Type != "" {
			done, err := s.control(ctx, conn, ctl, log)
			if err != nil || done {
				return err
			}
			continue
		}

		if err := s.reply(ctx, conn, string(data), log); err != nil {
			return err
		}
	}
}

// control handles a JSON control envelope. done reports that the session
// should end.
func (s *Server) control(ctx context.Context, conn *websocket.Conn, ctl transport.ControlMessage, log *slog.Logger) (done bool, err error) {
	switch ctl.Type {
	case transport.TypeFinalize:
		s.finalized.Add(1)
		log.Info("mockremote: finalize received")
		msg := resultMsg{Type: transport.TypeIntakeResult, Data: s.cfg.Result}
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			return true, err
		}
		if s.cfg.CloseAfterResult {
			return true, conn.Close(websocket.StatusNormalClosure, "intake complete")
		}
	case transport.TypeInterrupt:
		log.Info("mockremote: interrupt received")
	case transport.TypeEscalate:
		log.Warn("mockremote: escalation requested by client", "reason", ctl.Reason)
	default:
		log.Debug("mockremote: ignoring control message", "type", ctl.Type)
	}
	return false, nil
}

// reply answers typed text.
func (s *Server) reply(ctx context.Context, conn *websocket.Conn, text string, log *slog.Logger) error {
	if text == "" {
		return nil
	}
	if strings.Contains(strings.ToLower(text), strings.ToLower(s.cfg.EscalationPhrase)) {
		log.Warn("mockremote: escalation phrase detected")
		return wsjson.Write(ctx, conn, escalateMsg{Type: transport.TypeEscalate, Reason: "patient requested a human"})
	}
	if err := wsjson.Write(ctx, conn, transcriptMsg{Type: "transcript", Text: "Echo: " + text}); err != nil {
		return err
	}
	return s.speak(ctx, conn, 300*time.Millisecond, 660)
}

// speak sends a sine tone of length d in chunk-sized binary frames.
func (s *Server) speak(ctx context.Context, conn *websocket.Conn, d time.Duration, hz float64) error {
	pcm := audio.FloatToPCM16(Tone(hz, d, s.cfg.SampleRate))
	chunk := int(int64(s.cfg.Chunk) * int64(s.cfg.SampleRate) / int64(time.Second) * 2)
	for len(pcm) > 0 {
		n := min(chunk, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[:n]); err != nil {
			return err
		}
		pcm = pcm[n:]
	}
	return nil
}

// Tone returns a sine wave at hz with a 10ms fade at each end.
func Tone(hz float64, d time.Duration, rate int) []float32 {
	n := int(int64(d) * int64(rate) / int64(time.Second))
	fade := max(rate/100, 1)
	out := make([]float32, n)
	for i := range out {
		v := 0.3 * math.Sin(2*math.Pi*hz*float64(i)/float64(rate))
		switch {
		case i < fade:
			v *= float64(i) / float64(fade)
		case n-i < fade:
			v *= float64(n-i) / float64(fade)
		}
		out[i] = float32(v)
	}
	return out
}

// ListenAndServe serves the mock endpoint on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type stateMsg struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

type resultMsg struct {
	Type string                  `json:"type"`
	Data *transport.IntakeResult `json:"data"`
}

type escalateMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type transcriptMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
