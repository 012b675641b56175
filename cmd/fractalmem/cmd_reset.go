package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"fractalmem/internal/graph"
	"fractalmem/internal/memerr"
	"fractalmem/internal/volatile"
)

func newResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Destructive: flush the volatile store and delete all graph nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return memerr.Validationf("reset is destructive; pass --yes to confirm")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if cfg.VolatileURL != "" {
				vs, err := volatile.NewRedisStore(ctx, cfg.VolatileURL, cfg.L0Capacity)
				if err != nil {
					return err
				}
				if err := vs.Flush(ctx); err != nil {
					vs.Close()
					return err
				}
				vs.Close()
				logger.Info("volatile store flushed")
			}

			gs, err := graph.Open(cfg.GraphURI, cfg.EmbeddingDimensions)
			if err != nil {
				return err
			}
			defer gs.Close()
			if err := gs.ResetAll(ctx); err != nil {
				return err
			}
			logger.Info("graph store emptied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive reset")
	return cmd
}
