package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fractalmem/internal/agent"
	"fractalmem/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat HTTP surface with the background consolidator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := agent.New(ctx, cfg, agent.Deps{})
			if err != nil {
				return err
			}
			defer a.Close()
			a.StartSupervisor()

			logger.Info("serving chat surface",
				zap.String("addr", cfg.HTTPAddr),
				zap.String("user", cfg.UserID))

			srv := server.New(a, cfg.AllowedOrigins)
			return srv.ListenAndServe(ctx, cfg.HTTPAddr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config http_addr)")
	return cmd
}
