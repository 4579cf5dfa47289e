// Package main implements the ratchet CLI: a thin shell over
// internal/orchestrator. It holds no orchestration policy of its own — it
// wires collaborators, invokes the engine, and renders the result.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ratchet/internal/logging"
)

var (
	verbose      bool
	workspace    string
	configPath   string
	agentBinary  string
	agentTimeout time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ratchet",
	Short: "ratchet - session orchestration and verification engine",
	Long: `ratchet drives one unit of work at a time through an external
coding agent: it gates the environment, snapshots the tree, launches the
agent under monitoring, independently re-verifies whatever it produced,
and either commits, rolls back, or escalates.

It never trusts the agent's self-report; every accept decision is
re-derived from the files and test results the agent actually left
behind.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
			workspace = ws
		}
		if err := logging.Initialize(ws); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "project workspace root (default: current directory)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to ratchet config YAML (default: <workspace>/.ratchet/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&agentBinary, "agent-binary", "", "external agent binary to launch (required for run)")
	rootCmd.PersistentFlags().DurationVar(&agentTimeout, "agent-timeout", 30*time.Minute, "per-session agent wall-clock timeout")

	runCmd.Flags().BoolVar(&runLoop, "loop", false, "keep running sessions until no feature is ready or the engine escalates")

	rootCmd.AddCommand(runCmd, statusCmd, watchCmd, escalationsCmd, checklistCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
