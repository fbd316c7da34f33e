package main

import (
	"partfilter/internal/dagshape"
	"partfilter/internal/logging"
	"partfilter/internal/taskdag"

	"github.com/spf13/cobra"
)

var (
	formJobs string
	formDir  string
)

// formCmd sorts the absorbed graphs of one partition by shape.
var formCmd = &cobra.Command{
	Use:   "form <k_part>",
	Short: "Sort job graphs into tree_incr, tree_decr and other",
	Long: `Loads the job graphs of partition k_part and sorts them by shape. Out-trees
go to tree_incr<k_part>.yaml, in-trees to tree_decr<k_part>.yaml and the rest
to other<k_part>.yaml. Graphs that are plain chains are dropped.`,
	Args: cobra.ExactArgs(1),
	RunE: runForm,
}

func init() {
	formCmd.Flags().StringVar(&formJobs, "jobs", "", "Job graphs from absorb (default from config)")
	formCmd.Flags().StringVar(&formDir, "out", "", "Output directory (default from config)")
}

func runForm(cmd *cobra.Command, args []string) error {
	kPart, err := parsePartitionIndex(args[0])
	if err != nil {
		return err
	}

	jobs, err := taskdag.Load(firstSet(formJobs, cfg.DAG.Jobs))
	if err != nil {
		return err
	}

	split := dagshape.Divide(jobs, logs.For(logging.CategoryShape))
	if err := split.Save(firstSet(formDir, cfg.DAG.ShapeDir), kPart); err != nil {
		return err
	}
	return split.Report(cmd.OutOrStdout(), kPart)
}
