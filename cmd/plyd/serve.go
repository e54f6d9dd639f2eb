package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/ply/internal/config"
	"github.com/nkkko/ply/internal/engine"
	"github.com/nkkko/ply/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Start the collector and notification stream",
		Long: `Start the error collector API and the notification stream.

Examples:
  plyd serve                          # Defaults, journal in ./data
  plyd serve --config ply.yaml        # Watches ply.yaml for debug and log level changes
  plyd serve --addr :9090 --data-dir /var/lib/ply`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	cmd.Flags().String("addr", "", "collector address (default :8080)")
	cmd.Flags().String("data-dir", "", "journal directory (default ./data)")
	bindFlags(v, cmd.Flags(), "addr", "data-dir")

	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	configFile := v.GetString("config")

	cfg, err := config.LoadConfig(configFile, v.GetString("data-dir"), v.GetString("addr"), v.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	var opts []engine.Option
	if configFile != "" {
		opts = append(opts, engine.WithConfigFile(configFile))
	}
	eng, err := engine.New(cfg, opts...)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", version).
		Str("addr", cfg.Server.Addr).
		Str("storage", cfg.Storage.Type).
		Msg("Starting plyd")

	runErr := eng.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
