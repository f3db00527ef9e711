// Package cli is the meart-server command line.
//
//	meart-server
//	├── serve        start the HTTP API (and the optional gRPC health service)
//	├── wait-ready   poll /readyz until the server reports ready
//	└── resolve      resolve asset identifiers against a directory offline
//
// serve is the composition root: it loads configuration, builds every
// component, opens the listeners before initialization so liveness probes
// answer during warm-up, then runs the readiness gate. An initialization
// failure is returned as an error and the process exits non-zero.
package cli

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cli.Version=...".
var Version = "dev"

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "meart-server",
		Short: "meart image API server",
		Long: `meart-server serves the meart image API:
- readiness-gated processing routes (remove-bg, analyze-emotion, composite)
- a bounded admission queue in front of the image processors
- background asset serving with normalized and fuzzy name lookup`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and environment only when empty)")

	rootCmd.AddCommand(buildServeCommand(&configFile))
	rootCmd.AddCommand(buildWaitReadyCommand())
	rootCmd.AddCommand(buildResolveCommand(&configFile))
	return rootCmd
}

// newLogger returns a JSON logger at the named level. Unknown levels fall
// back to info; config validation rejects them earlier.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
