package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"partfilter/internal/logging"
	"partfilter/internal/taskdag"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	absorbTasks     string
	absorbInstances string
	absorbJobs      string
	absorbNoInst    bool
)

// absorbCmd builds job graphs from the batch tables.
var absorbCmd = &cobra.Command{
	Use:     "absorb",
	Aliases: []string{"from-csv"},
	Short:   "Build job task graphs from batch_task and batch_instance",
	Long: `Reads the batch_task table and builds one task graph per job. A task named
M3_1_2 is task 3 and depends on tasks 1 and 2. Jobs with any task that did not
terminate are dropped.

The instances of the extracted batch_instance partition are then attached to
their tasks, and only jobs whose every instance terminated are kept. The
graphs are saved as YAML for the form command.`,
	Args: cobra.NoArgs,
	RunE: runAbsorb,
}

func init() {
	absorbCmd.Flags().StringVar(&absorbTasks, "tasks", "", "batch_task table (default from config)")
	absorbCmd.Flags().StringVar(&absorbInstances, "instances", "", "batch_instance partition (default from config)")
	absorbCmd.Flags().StringVar(&absorbJobs, "jobs", "", "Output job graphs (default from config)")
	absorbCmd.Flags().BoolVar(&absorbNoInst, "no-instances", false, "Skip the batch_instance table")
}

func runAbsorb(cmd *cobra.Command, args []string) error {
	tasks := firstSet(absorbTasks, cfg.DAG.Tasks)
	instances := firstSet(absorbInstances, cfg.DAG.Instances)
	if absorbNoInst {
		instances = ""
	}
	out := firstSet(absorbJobs, cfg.DAG.Jobs)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logs.For(logging.CategoryAbsorb)
	jobs, stats, err := taskdag.NewAbsorber(logger).Run(ctx, tasks, instances)
	if err != nil {
		return fmt.Errorf("absorb: %w", err)
	}
	if err := jobs.Save(out); err != nil {
		return err
	}
	logger.Info("Saved jobs", zap.String("path", out), zap.Int("jobs", len(jobs)))

	return stats.Report(cmd.OutOrStdout())
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
