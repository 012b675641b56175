package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fractalmem/internal/agent"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Dump per-tier counters for the configured user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			a, err := agent.New(ctx, cfg, agent.Deps{})
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Memory().GetStats(ctx)
			if err != nil {
				return err
			}

			fields := []zap.Field{
				zap.String("user", cfg.UserID),
				zap.Int("l0", stats.L0Size),
				zap.Int("l1", stats.L1Size),
				zap.Int("l2", stats.L2Size),
				zap.Int("l3", stats.L3Size),
				zap.Int64("l0_dropped_total", stats.L0DroppedTotal),
			}
			if stats.LastConsolidationAt != nil {
				fields = append(fields, zap.Time("last_consolidation", *stats.LastConsolidationAt))
			}
			logger.Info("memory tiers", fields...)
			return nil
		},
	}
}
