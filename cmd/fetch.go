package cmd

import (
	"context"
	"fmt"
	"time"

	"ecomsimply/internal/app"

	"github.com/spf13/cobra"
)

func fetchCmd() *cobra.Command {
	var timeout time.Duration
	var command = &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a URL through the request coordinator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			c := app.NewCoordinator(cfg.Fetch, nil)
			resp, err := c.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status=%d attempts=%d cache=%t proxy=%q duration=%s bytes=%d\n",
				resp.StatusCode, resp.Attempts, resp.FromCache, resp.Proxy, resp.Duration, len(resp.Body))
			return nil
		},
	}
	command.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall deadline including retries")
	return command
}
