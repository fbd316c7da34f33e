// Package taskdag builds the task graph of every batch job from the
// batch_task and batch_instance tables, and stores those graphs as YAML.
//
// A task named "M3_1_2" in batch_task is task 3 of its job and depends on
// tasks 1 and 2. Each dependency becomes an edge from the dependency to the
// task that names it.
package taskdag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Instance is one finished run of a task.
type Instance struct {
	Time       uint64  `yaml:"time"`         // duration scaled by the cores used
	CPUAvg     float64 `yaml:"cpu_avg"`      // average CPU, 100 per core
	CPUDiffMax float64 `yaml:"cpu_diff_max"` // peak minus average CPU
}

// Task is one vertex of a job graph.
type Task struct {
	Name          string     `yaml:"name"`
	InstanceCount uint64     `yaml:"instance_cnt"`
	StartTime     uint64     `yaml:"start_time"`
	EndTime       uint64     `yaml:"end_time"`
	Dependencies  []uint32   `yaml:"dependences,flow"`
	Instances     []Instance `yaml:"instances,omitempty"`
}

// TaskName returns the vertex name of task number n.
func TaskName(n uint32) string {
	return "task" + strconv.FormatUint(uint64(n), 10)
}

// DAG is the task graph of one job. Tasks keep the order they were given in.
type DAG struct {
	tasks    []Task
	index    map[string]int
	children [][]int
	parents  [][]int
}

// NewDAG links tasks by their dependencies. A dependency on a task that is
// not in the list gets an empty placeholder vertex appended for it.
func NewDAG(tasks []Task) (*DAG, error) {
	d := &DAG{
		tasks: make([]Task, 0, len(tasks)),
		index: make(map[string]int, len(tasks)),
	}
	for _, t := range tasks {
		if _, dup := d.index[t.Name]; dup {
			return nil, fmt.Errorf("duplicate task %q", t.Name)
		}
		d.add(t)
	}

	for i := 0; i < len(tasks); i++ {
		for _, dep := range d.tasks[i].Dependencies {
			name := TaskName(dep)
			parent, ok := d.index[name]
			if !ok {
				parent = d.add(Task{Name: name})
			}
			d.children[parent] = append(d.children[parent], i)
			d.parents[i] = append(d.parents[i], parent)
		}
	}
	return d, nil
}

func (d *DAG) add(t Task) int {
	i := len(d.tasks)
	d.tasks = append(d.tasks, t)
	d.index[t.Name] = i
	d.children = append(d.children, nil)
	d.parents = append(d.parents, nil)
	return i
}

// Len returns the number of tasks, placeholders included.
func (d *DAG) Len() int {
	return len(d.tasks)
}

// Task returns task i. The pointer stays valid for the life of the DAG.
func (d *DAG) Task(i int) *Task {
	return &d.tasks[i]
}

// Lookup returns the index of the named task.
func (d *DAG) Lookup(name string) (int, bool) {
	i, ok := d.index[name]
	return i, ok
}

// Children returns the tasks that depend on task i.
func (d *DAG) Children(i int) []int {
	return d.children[i]
}

// Parents returns the tasks task i depends on.
func (d *DAG) Parents(i int) []int {
	return d.parents[i]
}

// Roots returns the tasks without dependencies.
func (d *DAG) Roots() []int {
	var roots []int
	for i := range d.tasks {
		if len(d.parents[i]) == 0 {
			roots = append(roots, i)
		}
	}
	return roots
}

// MarshalYAML writes the graph as its task list; edges follow from the
// dependencies.
func (d *DAG) MarshalYAML() (interface{}, error) {
	return d.tasks, nil
}

// UnmarshalYAML rebuilds the graph from a task list.
func (d *DAG) UnmarshalYAML(value *yaml.Node) error {
	var tasks []Task
	if err := value.Decode(&tasks); err != nil {
		return err
	}
	built, err := NewDAG(tasks)
	if err != nil {
		return err
	}
	*d = *built
	return nil
}

// Jobs maps a job name such as "j_1234567" to its task graph.
type Jobs map[string]*DAG

// Save writes the jobs to a YAML file, creating its directory.
func (j Jobs) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write jobs: %w", err)
	}
	return nil
}

// Load reads jobs saved by Save.
func Load(path string) (Jobs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}

	jobs := make(Jobs)
	if err := yaml.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse jobs %s: %w", path, err)
	}
	return jobs, nil
}

// LoadAll reads several job files, at most workers at a time, and merges
// them. A job that appears in two files is an error.
func LoadAll(ctx context.Context, paths []string, workers int) (Jobs, error) {
	loaded := make([]Jobs, len(paths))

	eg, egCtx := errgroup.WithContext(ctx)
	if workers > 0 {
		eg.SetLimit(workers)
	}
	for i, path := range paths {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			jobs, err := Load(path)
			if err != nil {
				return err
			}
			loaded[i] = jobs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	merged := make(Jobs)
	for i, jobs := range loaded {
		for name, dag := range jobs {
			if _, dup := merged[name]; dup {
				return nil, fmt.Errorf("job %s appears twice (again in %s)", name, paths[i])
			}
			merged[name] = dag
		}
	}
	return merged, nil
}
