package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/theintaker/voicebridge/internal/bridge"
	"github.com/theintaker/voicebridge/internal/config"
	"github.com/theintaker/voicebridge/internal/health"
	"github.com/theintaker/voicebridge/internal/observe"
	"github.com/theintaker/voicebridge/internal/reconnect"
	"github.com/theintaker/voicebridge/internal/transport"
	"github.com/theintaker/voicebridge/pkg/audio"
	"github.com/theintaker/voicebridge/pkg/audio/portaudio"
)

func newRunCmd(configPath *string) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a voice session against the configured endpoint",
		Long: `run opens the default microphone and speaker, connects to remote.url and
reads commands from stdin. The token is taken from --token, then
$` + config.EnvToken + `, then remote.token.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context(), *configPath, token, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "capability token for this session")
	return cmd
}

// sessionConfig maps the file configuration onto a session configuration.
func sessionConfig(cfg *config.Config) bridge.Config {
	ec, ns, agc := cfg.Capture.Processing()
	return bridge.Config{
		Transport: transport.Config{
			URL:               cfg.Remote.URL,
			TokenParam:        cfg.Remote.TokenParam,
			DialTimeout:       cfg.Remote.DialTimeout,
			KeepaliveInterval: cfg.Remote.KeepaliveInterval,
		},
		Capture: bridge.CaptureConfig{
			FrameSize:        cfg.Capture.FrameSize,
			SampleRate:       cfg.Capture.SampleRate,
			EchoCancellation: ec,
			NoiseSuppression: ns,
			AutoGainControl:  agc,
		},
		Playback: bridge.PlaybackConfig{
			InboundRate: cfg.Playback.SampleRate,
			GuardMargin: cfg.Playback.Guard(),
		},
	}
}

func runBridge(parent context.Context, configPath, tokenFlag string, stdin io.Reader, stdout, stderr io.Writer) error {
	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found; pass --config", configPath)
		}
		return err
	}
	token := cfg.Remote.Token
	if tokenFlag != "" {
		token = tokenFlag
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(stderr, cfg.Server.LogFormat, level)
	slog.SetDefault(logger)
	logger.Info("voicebridge starting",
		"version", version,
		"config", configPath,
		"remote", cfg.Remote.URL,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// ── Devices ───────────────────────────────────────────────────────────────
	output, err := portaudio.NewOutput(logger)
	if err != nil {
		return err
	}
	defer output.Close()
	input := portaudio.NewInput(logger)

	return serve(ctx, cfg, configPath, token, input, output, serveDeps{
		logger:   logger,
		level:    level,
		metrics:  metrics,
		metricsH: tel.MetricsHandler,
		stdin:    stdin,
		stdout:   stdout,
	})
}

type serveDeps struct {
	logger   *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	metricsH http.Handler
	stdin    io.Reader
	stdout   io.Writer
}

// serve runs one session with its console, config watcher, redialer and
// diagnostics server until ctx is done or the user quits.
func serve(ctx context.Context, cfg *config.Config, configPath, token string, input audio.InputDevice, output audio.OutputDevice, d serveDeps) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &syncWriter{w: d.stdout}
	con := &console{
		token: func() string { return token },
		out:   out,
		log:   d.logger,
	}

	var redialer *reconnect.Redialer
	sess := bridge.New(sessionConfig(cfg), input, output,
		bridge.WithLogger(d.logger),
		bridge.WithMetrics(d.metrics),
		bridge.WithObserver(con.observe),
		bridge.WithObserver(dropWatch(func(err error) {
			if redialer != nil {
				redialer.Notify(err)
			}
		})),
	)
	con.sess = sess

	if cfg.Reconnect.Enabled {
		var breaker *reconnect.Breaker
		if cfg.Reconnect.TripAfter > 0 {
			breaker = reconnect.NewBreaker(cfg.Reconnect.TripAfter, cfg.Reconnect.Cooldown, d.logger)
		}
		redialer = reconnect.New(reconnect.Config{
			Dialer:      sess,
			Token:       func() string { return token },
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			Backoff:     cfg.Reconnect.Backoff,
			MaxBackoff:  cfg.Reconnect.MaxBackoff,
			Breaker:     breaker,
			OnGiveUp: func(err error) {
				fmt.Fprintf(out, "* not reconnecting: %v\n", err)
			},
			Logger: d.logger,
		})
		con.onDisconnect = redialer.Cancel
	}

	g, gctx := errgroup.WithContext(ctx)

	// ── Diagnostics ───────────────────────────────────────────────────────────
	if addr := cfg.Server.DiagnosticsAddr; addr != "" {
		srv := newDiagnosticsServer(addr, sess, d.metrics, d.metricsH, d.logger)
		g.Go(func() error {
			d.logger.Info("diagnostics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(_, _ *config.Config, ch config.Changes) {
		if ch.LogLevelChanged {
			d.level.Set(ch.NewLogLevel.Level())
		}
		if ch.GuardMarginChanged {
			sess.SetGuardMargin(ch.NewGuardMargin)
		}
	}, config.WithWatcherLogger(d.logger))
	if err != nil {
		d.logger.Warn("config hot reload disabled", "err", err)
	} else {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if redialer != nil {
		g.Go(func() error { return redialer.Run(gctx) })
	}

	// ── Session ───────────────────────────────────────────────────────────────
	if err := sess.Connect(gctx, token); err != nil {
		if redialer == nil || !reconnect.Retryable(err) {
			cancel()
			_ = g.Wait()
			return err
		}
		redialer.Notify(err)
	}

	g.Go(func() error {
		defer cancel()
		return con.run(gctx, d.stdin)
	})

	err = g.Wait()
	_ = sess.Disconnect()
	d.logger.Info("goodbye")
	return err
}

// dropWatch returns an observer that calls onDrop when an established
// connection fails. Failed connect attempts are not reported; the caller of
// Connect already sees their error.
func dropWatch(onDrop func(error)) func(bridge.Event) {
	var (
		mu   sync.Mutex
		prev bridge.ConnectionState
	)
	return func(ev bridge.Event) {
		if ev.Kind != bridge.EventStateChanged {
			return
		}
		mu.Lock()
		was := prev
		prev = ev.State
		mu.Unlock()
		if ev.State == bridge.StateError && was == bridge.StateConnected {
			onDrop(ev.Err)
		}
	}
}

func newDiagnosticsServer(addr string, sess *bridge.Session, metrics *observe.Metrics, metricsH http.Handler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	health.New(health.SessionChecker(sess)).Register(mux)
	if metricsH != nil {
		mux.Handle("GET /metrics", metricsH)
	}
	mw := observe.Middleware(metrics,
		observe.WithRequestLogger(logger),
		observe.WithSessionID(sess.ID()),
	)
	return &http.Server{
		Addr:              addr,
		Handler:           mw(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// syncWriter serialises writes from the console and the session's event
// loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
