package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fractalmem/internal/agent"
	"fractalmem/internal/volatile"
)

func newSmokeTestCmd() *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "smoke-test",
		Short: "End-to-end health check: remember, consolidate, recall",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.UserID = fmt.Sprintf("smoke-%d", time.Now().Unix())
			cfg.BatchSize = 3

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			deps := agent.Deps{}
			if local {
				deps.Volatile = volatile.NewMemoryStore(cfg.L0Capacity)
				cfg.GraphURI = ":memory:"
			}

			a, err := agent.New(ctx, cfg, deps)
			if err != nil {
				return err
			}
			defer a.Close()
			mem := a.Memory()

			for i, msg := range []string{
				"smoke test alpha message.",
				"smoke test beta message.",
				"smoke test gamma message.",
			} {
				if _, err := mem.Remember(ctx, msg, 0.9, nil); err != nil {
					return fmt.Errorf("remember %d failed: %w", i, err)
				}
			}

			counters, err := mem.Consolidate(ctx)
			if err != nil {
				return fmt.Errorf("consolidate failed: %w", err)
			}
			logger.Info("consolidated",
				zap.Int("promoted", counters.Promoted),
				zap.Int("decayed", counters.Decayed),
				zap.Int("forgotten", counters.Forgotten))

			results, err := mem.Recall(ctx, "smoke test", 5, nil)
			if err != nil {
				return fmt.Errorf("recall failed: %w", err)
			}
			if len(results) == 0 {
				return fmt.Errorf("recall returned no results after consolidation")
			}

			stats, err := mem.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("stats failed: %w", err)
			}
			logger.Info("smoke test passed",
				zap.Int("results", len(results)),
				zap.Int("l1", stats.L1Size),
				zap.Int("l2", stats.L2Size))
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "use in-process stores instead of configured dependencies")
	return cmd
}
