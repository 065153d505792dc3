// Command voicebridge connects the local microphone and speaker to a remote
// conversational intake endpoint.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/theintaker/voicebridge/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "voicebridge",
		Short: "Duplex voice bridge for conversational intake",
		Long: `voicebridge streams microphone audio to a remote intake endpoint and plays
the spoken replies back gap-free, muting the microphone while the speaker
is active.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "voicebridge.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newMockRemoteCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voicebridge %s\n", version)
		},
	}
}

// newLogger builds the process logger. level stays adjustable at runtime.
func newLogger(w io.Writer, format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
