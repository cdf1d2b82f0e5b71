package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/mq"
	"github.com/blueplane/telemetry-core/internal/store"
)

func newInitStoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-store",
		Short: "Create or migrate the embedded database",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit(cmd)

			if err := config.EnsureDataDir(cfg.Paths.DataDir); err != nil {
				log.Error().Err(err).Msg("failed to create data directory")
				os.Exit(1)
			}

			s, err := store.Open(store.Config{
				Path:             config.DBPath(cfg.Paths.DataDir),
				WAL:              cfg.Store.WAL,
				BusyTimeoutMs:    cfg.Store.BusyTimeoutMs,
				CompressionLevel: cfg.Store.CompressionLevel,
			})
			if err != nil {
				log.Error().Err(err).Msg("failed to open/migrate store")
				os.Exit(1)
			}
			defer func() { _ = s.Close() }()

			log.Info().Str("path", config.DBPath(cfg.Paths.DataDir)).Msg("store initialized")
		},
	}
}

func newInitMQCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-mq",
		Short: "Create the MQ streams and consumer groups",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit(cmd)

			if err := config.EnsureDataDir(cfg.Paths.DataDir); err != nil {
				log.Error().Err(err).Msg("failed to create data directory")
				os.Exit(1)
			}

			s, err := store.Open(store.Config{
				Path:             config.DBPath(cfg.Paths.DataDir),
				WAL:              cfg.Store.WAL,
				BusyTimeoutMs:    cfg.Store.BusyTimeoutMs,
				CompressionLevel: cfg.Store.CompressionLevel,
			})
			if err != nil {
				log.Error().Err(err).Msg("failed to open overflow store")
				os.Exit(1)
			}
			defer func() { _ = s.Close() }()

			q, err := mq.New(cfg.MQ, s, log.Logger)
			if err != nil {
				log.Error().Err(err).Msg("failed to create MQ streams/consumer groups")
				os.Exit(1)
			}
			defer func() { _ = q.Close() }()

			log.Info().Str("host", cfg.MQ.Host).Int("port", cfg.MQ.Port).Msg("MQ streams and consumer groups initialized")
		},
	}
}
