package main

import (
	"os/signal"
	"syscall"

	"partfilter/internal/dagstat"
	"partfilter/internal/logging"
	"partfilter/internal/taskdag"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statsDir string

// statsCmd measures the graphs of one or more shape files.
var statsCmd = &cobra.Command{
	Use:   "stats <shape-file>...",
	Short: "Measure critical paths and per-level distributions",
	Long: `Loads the given shape files, typically every tree_incr<k>.yaml written by
form, and measures each graph: its critical path, the level of every task, and
per-level distributions of children, dependencies, instance counts and run
times. Results are grouped by critical path and by node count over critical
path, and saved as cp_ranges.yaml, level_distribute.yaml and
level_generator.yaml.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsDir, "out", "", "Output directory (default from config)")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logs.For(logging.CategoryStats)
	jobs, err := taskdag.LoadAll(ctx, args, cfg.DAG.LoadWorkers)
	if err != nil {
		return err
	}
	logger.Debug("Loaded shape files", zap.Strings("files", args), zap.Int("jobs", len(jobs)))

	collector := dagstat.Collect(jobs, logger)
	summary := collector.Summary()

	dir := firstSet(statsDir, cfg.DAG.StatsDir)
	if err := summary.Save(dir); err != nil {
		return err
	}
	logger.Info("Saved statistics", zap.String("dir", dir))

	return summary.Report(cmd.OutOrStdout(), collector)
}
