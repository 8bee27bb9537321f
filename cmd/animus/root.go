package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/config"
)

var (
	cfgFile string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "animus",
	Short: "Durable task orchestrator",
	Long: `Animus matches tasks to tools by semantic type and format tags, runs them,
and suspends a task whenever its tool needs an intermediate result, spawning a
child task and resuming the parent once every child has settled.

Tasks, results and errors live in a directory tree that doubles as a durable
queue and dependency graph.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Logging, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd, submitCmd, statusCmd, scanCmd, demoCmd, historyCmd)
}

func newLogger(lc config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", lc.Level, err)
	}
	if verbose {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zc.Level = level

	return zc.Build()
}
