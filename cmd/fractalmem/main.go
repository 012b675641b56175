// Command fractalmem runs the hierarchical memory core: the chat surface,
// schema migrations, and the operational commands.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fractalmem/internal/config"
	"fractalmem/internal/logging"
	"fractalmem/internal/memerr"
)

// Exit codes per the operational contract.
const (
	exitOK         = 0
	exitValidation = 1
	exitDependency = 2
	exitInternal   = 3
)

var (
	flagConfig string
	flagDebug  bool

	logger *zap.Logger
)

func main() {
	root := &cobra.Command{
		Use:   "fractalmem",
		Short: "Hierarchical memory core for conversational agents",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zcfg := zap.NewProductionConfig()
			if flagDebug {
				zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			zcfg.Encoding = "console"
			var err error
			logger, err = zcfg.Build()
			if err != nil {
				return err
			}
			return logging.Initialize(".", flagDebug, map[bool]string{true: "debug", false: "info"}[flagDebug])
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
			logging.CloseAll()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSmokeTestCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newInspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitOK)
}

// loadConfig reads the config file (when given) and applies env overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDebug {
		cfg.Debug = true
	}
	return cfg, nil
}

// exitCodeFor maps the error taxonomy onto process exit codes.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, memerr.ErrValidation):
		return exitValidation
	case errors.Is(err, memerr.ErrStoreUnavailable),
		errors.Is(err, memerr.ErrRetrieverUnavailable):
		return exitDependency
	default:
		return exitInternal
	}
}
