package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ecomsimply/internal/app"
	"ecomsimply/internal/domain"
	"ecomsimply/internal/worker"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type batchItem struct {
	StoreID        string            `json:"store_id"`
	StoreIDs       []string          `json:"store_ids"`
	Product        domain.Product    `json:"product"`
	Priority       int               `json:"priority"`
	MarketPrices   []decimal.Decimal `json:"market_prices"`
	CompetitorURLs []string          `json:"competitor_urls"`
	Metadata       map[string]string `json:"metadata"`
}

func (b batchItem) stores() []string {
	if b.StoreID == "" {
		return b.StoreIDs
	}
	return append([]string{b.StoreID}, b.StoreIDs...)
}

func publishCmd() *cobra.Command {
	var command = &cobra.Command{
		Use:   "publish <file.json>",
		Short: "Enqueue a batch of products and publish everything dispatchable now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readBatch(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			for i, it := range items {
				opts := domain.TaskOptions{MarketPrices: it.MarketPrices, CompetitorURLs: it.CompetitorURLs, Metadata: it.Metadata}
				for _, storeID := range it.stores() {
					if _, err := a.Orchestrator.Enqueue(ctx, it.Product, storeID, it.Priority, opts); err != nil {
						log.Warn().Err(err).Int("item", i).Str("store_id", storeID).Msg("item rejected")
					}
				}
			}

			done, err := worker.Drain(ctx, a.Orchestrator)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(map[string]any{
				"settled": done,
				"pending": a.Queue.Pending(),
				"stats":   a.Orchestrator.Stats(),
			}); encErr != nil {
				return encErr
			}
			return err
		},
	}
	return command
}

func readBatch(path string) ([]batchItem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	var items []batchItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", path, err)
	}
	return items, nil
}
