package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"partfilter/internal/config"
	"partfilter/internal/logging"
	"partfilter/internal/partition"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Set up by PersistentPreRunE
	cfg  *config.Config
	logs *logging.Logger

	newLogger = logging.New
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "partfilter <k_part>",
	Short: "Extract one job partition from a batch_instance dataset",
	Long: `Reads the batch_instance dataset line by line and keeps the rows whose job
falls into partition k_part. The job id is the third column, a two-character
prefix such as "j_" followed by digits, and its partition is the numeric part
divided by 100000.

Kept rows are written unchanged, in input order, to the output dataset, which
is truncated first. Row counts are printed when the run completes.

Defaults:
  input   ../datasets/batch_instance_.csv
  output  ../datasets/batch_instance.csv

The job graph pipeline continues from there:
  absorb          build job graphs from batch_task and the extracted partition
  form <k_part>   sort the graphs into tree_incr, tree_decr and other
  stats <file>... measure critical paths and per-level distributions

Example:
  partfilter 3
  partfilter -1`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logs, err = newLogger(cfg.Logging, verbose)
		if err != nil {
			return err
		}
		logs.For(logging.CategoryBoot).Debug("Configuration loaded",
			zap.String("config", configPath),
			zap.String("input", cfg.Input),
			zap.String("output", cfg.Output),
			zap.String("tasks", cfg.DAG.Tasks))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Sync()
		}
	},
	RunE: runFilter,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Config file (optional)")

	rootCmd.AddCommand(absorbCmd, formCmd, statsCmd)
}

func main() {
	rootCmd.SetArgs(positionalArgs(rootCmd, os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runFilter extracts partition args[0] and prints the row counts.
func runFilter(cmd *cobra.Command, args []string) error {
	kPart, err := parsePartitionIndex(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	filter := partition.NewFilter(cfg.PartitionScheme(), logs.For(logging.CategoryFilter))
	scheme := filter.Scheme()
	logs.For(logging.CategoryBoot).Debug("Filter ready",
		zap.Int64("partition", kPart),
		zap.Int("job_field", scheme.JobField),
		zap.Int("prefix_len", scheme.PrefixLen),
		zap.Int64("width", scheme.Width))

	stats, err := filter.RunFiles(ctx, cfg.Input, cfg.Output, kPart)
	if err != nil {
		return fmt.Errorf("partition %d: %w", kPart, err)
	}

	return stats.Report(cmd.OutOrStdout())
}

func parsePartitionIndex(arg string) (int64, error) {
	k, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid k_part %q: must be an integer", arg)
	}
	return k, nil
}

// positionalArgs moves bare negative integers such as "-1" behind a "--", so
// the flag parser reads them as k_part instead of shorthand flags. A value
// that follows a flag expecting one is left alone.
func positionalArgs(root *cobra.Command, args []string) []string {
	var kept, negatives, rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			rest = args[i+1:]
			break
		}
		if isNegativeInt(arg) {
			negatives = append(negatives, arg)
			continue
		}
		kept = append(kept, arg)
		if takesValue(root, arg) && i+1 < len(args) {
			i++
			kept = append(kept, args[i])
		}
	}
	if len(negatives) == 0 {
		return args
	}

	out := append(kept, "--")
	out = append(out, negatives...)
	return append(out, rest...)
}

func isNegativeInt(arg string) bool {
	if len(arg) < 2 || arg[0] != '-' {
		return false
	}
	_, err := strconv.ParseInt(arg, 10, 64)
	return err == nil
}

// takesValue reports whether arg is a flag, of root or any subcommand, whose
// value is the next argument.
func takesValue(root *cobra.Command, arg string) bool {
	if !strings.HasPrefix(arg, "-") || strings.Contains(arg, "=") {
		return false
	}

	var flag *pflag.Flag
	cmds := append([]*cobra.Command{root}, root.Commands()...)
	for _, cmd := range cmds {
		fs := cmd.Flags()
		if name, ok := strings.CutPrefix(arg, "--"); ok {
			flag = fs.Lookup(name)
			if flag == nil {
				flag = cmd.PersistentFlags().Lookup(name)
			}
		} else if len(arg) == 2 {
			flag = fs.ShorthandLookup(arg[1:])
			if flag == nil {
				flag = cmd.PersistentFlags().ShorthandLookup(arg[1:])
			}
		}
		if flag != nil {
			break
		}
	}
	return flag != nil && flag.NoOptDefVal == ""
}
