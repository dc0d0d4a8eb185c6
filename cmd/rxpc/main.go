// Command rxpc is a diagnostic client for the pairing/tunnel/AFC/DTX
// protocol stack this module implements: pair-verify against an already
// paired device, open its tunnel listener, and poke at the AFC and DTX
// services that ride the resulting data channel.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagPairingDir string
	flagLogLevel   string

	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rxpc",
	Short: "Diagnostic client for the RemoteXPC pairing/tunnel/AFC/DTX stack",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := zerolog.ParseLevel(flagLogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).
			With().Timestamp().Logger()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagPairingDir, "pairing-dir", defaultPairingDir(), "directory FileStore reads/writes device pairing records from (env: RXPC_PAIRING_DIR)")
	flags.StringVar(&flagLogLevel, "log-level", envOr("RXPC_LOG_LEVEL", "info"), "zerolog level: debug, info, warn, error")

	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(tunnelCmd)
	rootCmd.AddCommand(afcCmd)
	rootCmd.AddCommand(dtxCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultPairingDir() string {
	if d := os.Getenv("RXPC_PAIRING_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rxpc"
	}
	return home + "/.rxpc/pairing"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
