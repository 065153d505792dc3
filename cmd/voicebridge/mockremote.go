package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/theintaker/voicebridge/internal/config"
	"github.com/theintaker/voicebridge/internal/mockremote"
)

func newMockRemoteCmd() *cobra.Command {
	var (
		addr             string
		token            string
		greeting         time.Duration
		closeAfterResult bool
		logLevel         string
	)

	cmd := &cobra.Command{
		Use:   "mock-remote",
		Short: "Serve a local stand-in for the intake endpoint",
		Long: `mock-remote accepts bridge connections, answers with a greeting tone, echoes
typed text, and returns a canned intake result when the bridge finalizes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := new(slog.LevelVar)
			level.Set(config.LogLevel(logLevel).Level())
			logger := newLogger(cmd.ErrOrStderr(), config.LogFormatText, level)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := mockremote.New(mockremote.Config{
				Token:            token,
				Greeting:         greeting,
				CloseAfterResult: closeAfterResult,
				Logger:           logger,
			})
			logger.Info("mock remote listening", "addr", addr, "path", mockremote.DefaultPath, "token_required", token != "")
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				return err
			}
			st := srv.Stats()
			logger.Info("mock remote stopped",
				"sessions", st.Sessions,
				"rejected", st.Rejected,
				"audio_frames", st.AudioFrames,
				"finalized", st.Finalized,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8765", "listen address")
	cmd.Flags().StringVar(&token, "token", "", "required capability token; empty accepts any")
	cmd.Flags().DurationVar(&greeting, "greeting", mockremote.DefaultGreeting, "greeting tone length; negative disables it")
	cmd.Flags().BoolVar(&closeAfterResult, "close-after-result", false, "close the connection after sending the result")
	cmd.Flags().StringVar(&logLevel, "log-level", string(config.LogInfo), "log level: debug, info, warn, error")
	return cmd
}

