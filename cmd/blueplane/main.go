// Package main provides the blueplane CLI: the server lifecycle commands
// and the one-shot store/MQ initializers spec.md §6 names as the core CLI
// contract.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := &cobra.Command{
		Use:   "blueplane",
		Short: "Blueplane telemetry core: local AI-coding-activity pipeline",
	}
	root.PersistentFlags().String("data-dir", "", "override the data directory (default ~/.blueplane)")

	root.AddCommand(newServerCmd())
	root.AddCommand(newInitStoreCmd())
	root.AddCommand(newInitMQCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}
