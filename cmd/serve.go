package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ecomsimply/internal/app"
	"ecomsimply/internal/config"
	"ecomsimply/internal/logging"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the publication workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.HTTP.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error().Err(err).Msg("close resources")
				}
			}()
			return a.Serve(ctx)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}
