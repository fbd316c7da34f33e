package dagstat

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"partfilter/internal/taskdag"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// MaxInstanceCount caps instance counts before they enter a distribution.
const MaxInstanceCount = 20

// Names of the per-level distributions. They are keys of the saved
// level_generator file.
const (
	StatChildren      = "childs_distribution"
	StatDependencies  = "dependances_distribution"
	StatInstancesRoot = "instance_distr_init"
	StatInstancesPerc = "instance_distr_perc"
	StatHeavy         = "heavy_distr"
	StatTime          = "time_distrib"
)

// Output file names inside the stats directory.
const (
	CriticalPathFile = "cp_ranges.yaml"
	LevelDistFile    = "level_distribute.yaml"
	LevelGenFile     = "level_generator.yaml"
)

// Quantiles reported for every per-level distribution.
var Quantiles = []float64{0, 0.2, 0.4, 0.8, 1}

// Range is the 20th to 80th percentile of node counts for one critical path.
type Range struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// Summary is what a Collector produces. Outer keys are the critical path,
// then the part: the node count divided by the critical path.
type Summary struct {
	CriticalPaths     map[int]Range
	LevelDistribution map[int]map[int][]int                   // cumulative tasks per level
	LevelGenerator    map[string]map[int]map[int][][]float64 // stat -> cp -> part -> level -> quantiles
}

// Collector accumulates graph measurements.
type Collector struct {
	nodes  map[int][]float64
	levels map[int]map[int][]int
	series map[string]map[int]map[int][][]float64

	DAGs   int // graphs measured
	Cycles int // graphs skipped for a cycle
	Empty  int // graphs skipped for having no tasks
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		nodes:  make(map[int][]float64),
		levels: make(map[int]map[int][]int),
		series: make(map[string]map[int]map[int][][]float64),
	}
}

// Add measures one graph. A cyclic graph is counted and returns ErrCycle.
func (c *Collector) Add(d *taskdag.DAG) error {
	n := d.Len()
	if n == 0 {
		c.Empty++
		return nil
	}
	cp, levels, err := Levels(d)
	if err != nil {
		c.Cycles++
		return err
	}
	c.DAGs++
	part := n / cp

	c.nodes[cp] = append(c.nodes[cp], float64(n))

	counts := c.partLevels(cp, part)
	for _, lv := range levels {
		counts[lv]++
	}

	for i := 0; i < n; i++ {
		task := d.Task(i)
		lv := levels[i]
		parents := d.Parents(i)
		instances := min(task.InstanceCount, MaxInstanceCount)

		c.push(StatChildren, cp, part, lv, float64(len(d.Children(i))))
		c.push(StatDependencies, cp, part, lv, float64(len(parents)))

		if len(parents) == 0 {
			c.push(StatInstancesRoot, cp, part, lv, float64(instances))
		} else {
			var sum uint64
			for _, p := range parents {
				sum += min(d.Task(p).InstanceCount, MaxInstanceCount)
			}
			// Placeholder parents carry no instances.
			if avg := sum / uint64(len(parents)); avg > 0 {
				c.push(StatInstancesPerc, cp, part, lv, float64(instances*10000/avg))
			}
		}

		c.push(StatHeavy, cp, part, lv, heaviness(task, instances))

		for _, inst := range task.Instances {
			c.push(StatTime, cp, part, lv, float64(inst.Time))
		}
	}
	return nil
}

// heaviness is the harmonic mean of the instance count and the run time,
// doubled.
func heaviness(task *taskdag.Task, instances uint64) float64 {
	ins := float64(instances)
	var span float64
	if task.EndTime > task.StartTime {
		span = float64(task.EndTime - task.StartTime)
	}
	if ins+span == 0 {
		return 0
	}
	return float64(uint64(2 * ins * span / (ins + span)))
}

func (c *Collector) partLevels(cp, part int) []int {
	byPart, ok := c.levels[cp]
	if !ok {
		byPart = make(map[int][]int)
		c.levels[cp] = byPart
	}
	counts, ok := byPart[part]
	if !ok {
		counts = make([]int, cp)
		byPart[part] = counts
	}
	return counts
}

func (c *Collector) push(stat string, cp, part, level int, v float64) {
	byCP, ok := c.series[stat]
	if !ok {
		byCP = make(map[int]map[int][][]float64)
		c.series[stat] = byCP
	}
	byPart, ok := byCP[cp]
	if !ok {
		byPart = make(map[int][][]float64)
		byCP[cp] = byPart
	}
	values, ok := byPart[part]
	if !ok {
		values = make([][]float64, cp)
		byPart[part] = values
	}
	values[level] = append(values[level], v)
}

// Summary reduces the measurements. Empty levels report zeros.
func (c *Collector) Summary() Summary {
	s := Summary{
		CriticalPaths:     make(map[int]Range, len(c.nodes)),
		LevelDistribution: make(map[int]map[int][]int, len(c.levels)),
		LevelGenerator:    make(map[string]map[int]map[int][][]float64, len(c.series)),
	}

	for cp, counts := range c.nodes {
		q := Percentiles(counts, []float64{0.2, 0.8})
		s.CriticalPaths[cp] = Range{Low: q[0], High: q[1]}
	}

	for cp, byPart := range c.levels {
		out := make(map[int][]int, len(byPart))
		for part, counts := range byPart {
			cum := slices.Clone(counts)
			for i := 1; i < len(cum); i++ {
				cum[i] += cum[i-1]
			}
			out[part] = cum
		}
		s.LevelDistribution[cp] = out
	}

	for stat, byCP := range c.series {
		outCP := make(map[int]map[int][][]float64, len(byCP))
		for cp, byPart := range byCP {
			outPart := make(map[int][][]float64, len(byPart))
			for part, levels := range byPart {
				quantiles := make([][]float64, len(levels))
				for lv, values := range levels {
					quantiles[lv] = Percentiles(values, Quantiles)
				}
				outPart[part] = quantiles
			}
			outCP[cp] = outPart
		}
		s.LevelGenerator[stat] = outCP
	}
	return s
}

// Percentiles returns the value at each quantile q in [0, 1] of values,
// interpolating linearly between the closest ranks. No values gives zeros.
func Percentiles(values []float64, qs []float64) []float64 {
	out := make([]float64, len(qs))
	if len(values) == 0 {
		return out
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	last := float64(len(sorted) - 1)
	for i, q := range qs {
		pos := q * last
		lo := int(pos)
		if lo >= len(sorted)-1 {
			out[i] = sorted[len(sorted)-1]
			continue
		}
		frac := pos - float64(lo)
		out[i] = sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
	}
	return out
}

// Save writes the three summary files into dir.
func (s Summary) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create stats directory: %w", err)
	}

	files := []struct {
		name string
		v    interface{}
	}{
		{CriticalPathFile, s.CriticalPaths},
		{LevelDistFile, s.LevelDistribution},
		{LevelGenFile, s.LevelGenerator},
	}
	for _, f := range files {
		data, err := yaml.Marshal(f.v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", f.name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, f.name), data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	return nil
}

// Report prints the graph counts and the node range of each critical path.
func (s Summary) Report(w io.Writer, c *Collector) error {
	if _, err := fmt.Fprintf(w, "dags: %d\ncycles: %d\n", c.DAGs, c.Cycles); err != nil {
		return err
	}
	cps := make([]int, 0, len(s.CriticalPaths))
	for cp := range s.CriticalPaths {
		cps = append(cps, cp)
	}
	slices.Sort(cps)
	for _, cp := range cps {
		r := s.CriticalPaths[cp]
		if _, err := fmt.Fprintf(w, "cp %d: %g-%g nodes\n", cp, r.Low, r.High); err != nil {
			return err
		}
	}
	return nil
}

// Collect measures every job, in name order, and logs the ones skipped.
func Collect(jobs taskdag.Jobs, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	slices.Sort(names)

	c := NewCollector()
	for _, name := range names {
		if err := c.Add(jobs[name]); err != nil {
			logger.Warn("Skipped job", zap.String("job", name), zap.Error(err))
		}
	}
	logger.Info("Collected statistics",
		zap.Int("dags", c.DAGs),
		zap.Int("cycles", c.Cycles),
		zap.Int("empty", c.Empty))
	return c
}
