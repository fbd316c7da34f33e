package config

import (
	"fmt"
	"os"
	"path/filepath"

	"partfilter/internal/partition"

	"gopkg.in/yaml.v3"
)

// Default dataset locations, relative to the working directory.
const (
	DefaultInput  = "../datasets/batch_instance_.csv"
	DefaultOutput = "../datasets/batch_instance.csv"
)

// Default locations of the job graph pipeline.
const (
	DefaultTasks    = "../datasets/batch_task.csv"
	DefaultJobs     = "../datasets/jobs.yaml"
	DefaultShapeDir = "../by_graph_type"
	DefaultStatsDir = "../stats"
)

// DefaultPath is where the CLI looks for a config file.
const DefaultPath = "partfilter.yaml"

// Config holds all partfilter configuration.
type Config struct {
	// Dataset paths
	Input  string `yaml:"input"`
	Output string `yaml:"output"`

	// Job identifier derivation
	Scheme SchemeConfig `yaml:"scheme"`

	// Job graph pipeline
	DAG DAGConfig `yaml:"dag"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// SchemeConfig configures how a row maps to a partition.
type SchemeConfig struct {
	JobField  int   `yaml:"job_field"`  // zero-based column of the job id
	PrefixLen int   `yaml:"prefix_len"` // runes skipped before the numeric suffix
	Width     int64 `yaml:"width"`      // job ids per partition
}

// DAGConfig locates the inputs and outputs of the absorb, form and stats
// commands.
type DAGConfig struct {
	Tasks       string `yaml:"tasks"`        // batch_task table
	Instances   string `yaml:"instances"`    // batch_instance partition; empty skips instances
	Jobs        string `yaml:"jobs"`         // absorbed job graphs
	ShapeDir    string `yaml:"shape_dir"`    // one file per shape and partition
	StatsDir    string `yaml:"stats_dir"`    // statistics output
	LoadWorkers int    `yaml:"load_workers"` // shape files read at once
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	scheme := partition.DefaultScheme()
	return &Config{
		Input:  DefaultInput,
		Output: DefaultOutput,
		Scheme: SchemeConfig{
			JobField:  scheme.JobField,
			PrefixLen: scheme.PrefixLen,
			Width:     scheme.Width,
		},
		DAG: DAGConfig{
			Tasks:       DefaultTasks,
			Instances:   DefaultOutput,
			Jobs:        DefaultJobs,
			ShapeDir:    DefaultShapeDir,
			StatsDir:    DefaultStatsDir,
			LoadWorkers: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("PARTFILTER_INPUT"); path != "" {
		c.Input = path
	}
	if path := os.Getenv("PARTFILTER_OUTPUT"); path != "" {
		c.Output = path
	}
	if path := os.Getenv("PARTFILTER_TASKS"); path != "" {
		c.DAG.Tasks = path
	}
	if level := os.Getenv("PARTFILTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// PartitionScheme returns the scheme the filter should apply.
func (c *Config) PartitionScheme() partition.Scheme {
	return partition.Scheme{
		JobField:  c.Scheme.JobField,
		PrefixLen: c.Scheme.PrefixLen,
		Width:     c.Scheme.Width,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Input == "" {
		return fmt.Errorf("input path not configured")
	}
	if c.Output == "" {
		return fmt.Errorf("output path not configured")
	}
	if c.Input == c.Output {
		return fmt.Errorf("input and output are the same file: %s", c.Input)
	}
	if c.Scheme.JobField < 0 {
		return fmt.Errorf("invalid job_field: %d", c.Scheme.JobField)
	}
	if c.Scheme.PrefixLen < 0 {
		return fmt.Errorf("invalid prefix_len: %d", c.Scheme.PrefixLen)
	}
	if c.Scheme.Width <= 0 {
		return fmt.Errorf("invalid width: %d (must be positive)", c.Scheme.Width)
	}
	if err := c.DAG.Validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// Validate validates the job graph settings.
func (d DAGConfig) Validate() error {
	if d.Tasks == "" {
		return fmt.Errorf("dag.tasks not configured")
	}
	if d.Jobs == "" {
		return fmt.Errorf("dag.jobs not configured")
	}
	if d.ShapeDir == "" || d.StatsDir == "" {
		return fmt.Errorf("dag.shape_dir and dag.stats_dir must be set")
	}
	if d.LoadWorkers <= 0 {
		return fmt.Errorf("invalid dag.load_workers: %d (must be positive)", d.LoadWorkers)
	}
	return nil
}
