package taskdag

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"partfilter/internal/partition"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// StatusTerminated marks a task or instance that finished normally.
const StatusTerminated = "Terminated"

// batch_task columns
const (
	taskNameField     = 0
	taskInstanceField = 1
	taskJobField      = 2
	taskStatusField   = 4
	taskStartField    = 5
	taskEndField      = 6
)

// batch_instance columns
const (
	instTaskField   = 1
	instJobField    = 2
	instStatusField = 4
	instStartField  = 5
	instEndField    = 6
	instCPUAvgField = 10
	instCPUMaxField = 11
)

const ctxCheckInterval = 4096

var (
	// ErrUnnumberedTask is returned for task names without a task number,
	// such as the "task_..." names of independent tasks.
	ErrUnnumberedTask = errors.New("task name has no number")
	// ErrBadDependency is returned when a dependency is not a task number.
	ErrBadDependency = errors.New("malformed task dependency")
	// ErrShortRecord is returned when a row lacks a required column.
	ErrShortRecord = errors.New("record too short")
	// ErrBadRecord is returned when a numeric column does not parse.
	ErrBadRecord = errors.New("malformed record")
)

// ParseTaskName splits a batch_task name such as "M3_1_2" into the vertex
// name "task3" and the dependency numbers 1 and 2. When a dependency is
// malformed the name is still returned along with ErrBadDependency.
func ParseTaskName(raw string) (string, []uint32, error) {
	parts := strings.Split(raw, "_")
	name, err := vertexName(parts[0])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %q", err, raw)
	}

	var deps []uint32
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return name, deps, fmt.Errorf("%w: %q in %q", ErrBadDependency, p, raw)
		}
		deps = append(deps, uint32(n))
	}
	return name, deps, nil
}

// vertexName maps the head of a task name, a type letter and a number, to
// its vertex name.
func vertexName(head string) (string, error) {
	if head == "" || strings.HasPrefix(head, "task") {
		return "", ErrUnnumberedTask
	}
	n, err := strconv.ParseUint(head[1:], 10, 32)
	if err != nil {
		return "", ErrUnnumberedTask
	}
	return TaskName(uint32(n)), nil
}

// Stats counts what one absorption pass saw.
type Stats struct {
	Rows    int64 // records read
	Skipped int64 // records ignored: unnumbered, unknown job or task
	Dropped int   // jobs removed for an unfinished or malformed task
	Kept    int   // jobs in the result
}

// Report prints the job counts.
func (s Stats) Report(w io.Writer) error {
	_, err := fmt.Fprintf(w, "unterminated: %d\nstayed: %d\n", s.Dropped, s.Kept)
	return err
}

// Absorber turns the batch tables into job graphs.
type Absorber struct {
	logger *zap.Logger
}

// NewAbsorber creates an absorber. A nil logger discards logs.
func NewAbsorber(logger *zap.Logger) *Absorber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Absorber{logger: logger}
}

// jobTasks collects the tasks of one job, last row wins.
type jobTasks struct {
	tasks []Task
	index map[string]int
}

func (j *jobTasks) put(t Task) {
	if i, ok := j.index[t.Name]; ok {
		j.tasks[i] = t
		return
	}
	j.index[t.Name] = len(j.tasks)
	j.tasks = append(j.tasks, t)
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	return cr
}

// Tasks reads a batch_task table. Only jobs whose every task terminated, and
// whose dependencies all parse, are returned.
func (a *Absorber) Tasks(ctx context.Context, r io.Reader) (Jobs, Stats, error) {
	var stats Stats
	building := make(map[string]*jobTasks)
	dropped := make(map[string]struct{})

	cr := newReader(r)
	for {
		if stats.Rows%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}

		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("failed to read tasks: %w", err)
		}
		stats.Rows++
		line, _ := cr.FieldPos(0)

		if len(rec) <= taskEndField {
			return nil, stats, &partition.RowError{Line: int64(line), Err: ErrShortRecord}
		}

		name, deps, err := ParseTaskName(rec[taskNameField])
		if errors.Is(err, ErrUnnumberedTask) {
			stats.Skipped++
			continue
		}

		job := rec[taskJobField]
		if _, ok := dropped[job]; ok {
			continue
		}
		if rec[taskStatusField] != StatusTerminated || err != nil {
			dropped[job] = struct{}{}
			continue
		}

		task := Task{Name: name, Dependencies: deps}
		if task.InstanceCount, err = parseUint(rec[taskInstanceField]); err != nil {
			return nil, stats, &partition.RowError{Line: int64(line), Err: err}
		}
		if task.StartTime, err = parseUint(rec[taskStartField]); err != nil {
			return nil, stats, &partition.RowError{Line: int64(line), Err: err}
		}
		if task.EndTime, err = parseUint(rec[taskEndField]); err != nil {
			return nil, stats, &partition.RowError{Line: int64(line), Err: err}
		}

		jt, ok := building[job]
		if !ok {
			jt = &jobTasks{index: make(map[string]int)}
			building[job] = jt
		}
		jt.put(task)
	}

	jobs := make(Jobs, len(building))
	for job, jt := range building {
		if _, ok := dropped[job]; ok {
			continue
		}
		dag, err := NewDAG(jt.tasks)
		if err != nil {
			return nil, stats, fmt.Errorf("job %s: %w", job, err)
		}
		jobs[job] = dag
	}
	stats.Dropped = len(dropped)
	stats.Kept = len(jobs)
	return jobs, stats, nil
}

// Instances reads a batch_instance table and appends every instance to its
// task in jobs, which are updated in place. It returns only the jobs that
// received instances and had none unfinished or without CPU readings.
func (a *Absorber) Instances(ctx context.Context, r io.Reader, jobs Jobs) (Jobs, Stats, error) {
	var stats Stats
	touched := make(map[string]struct{})
	dropped := make(map[string]struct{})

	cr := newReader(r)
	for {
		if stats.Rows%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}

		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("failed to read instances: %w", err)
		}
		stats.Rows++
		line, _ := cr.FieldPos(0)

		if len(rec) <= instCPUMaxField {
			return nil, stats, &partition.RowError{Line: int64(line), Err: ErrShortRecord}
		}

		job := rec[instJobField]
		if _, ok := dropped[job]; ok {
			continue
		}
		dag, ok := jobs[job]
		if !ok {
			stats.Skipped++
			continue
		}

		head, _, _ := strings.Cut(rec[instTaskField], "_")
		name, err := vertexName(head)
		if err != nil {
			stats.Skipped++
			continue
		}
		idx, ok := dag.Lookup(name)
		if !ok {
			a.logger.Debug("Instance of unknown task", zap.String("job", job), zap.String("task", name))
			stats.Skipped++
			continue
		}

		if rec[instStatusField] != StatusTerminated {
			dropped[job] = struct{}{}
			continue
		}

		start, err := parseUint(rec[instStartField])
		if err != nil {
			return nil, stats, &partition.RowError{Line: int64(line), Err: err}
		}
		end, err := parseUint(rec[instEndField])
		if err != nil {
			return nil, stats, &partition.RowError{Line: int64(line), Err: err}
		}
		if end < start {
			return nil, stats, &partition.RowError{
				Line: int64(line),
				Err:  fmt.Errorf("%w: ends at %d before it starts at %d", ErrBadRecord, end, start),
			}
		}

		cpuAvg, errAvg := strconv.ParseFloat(rec[instCPUAvgField], 64)
		cpuMax, errMax := strconv.ParseFloat(rec[instCPUMaxField], 64)
		if errAvg != nil || errMax != nil {
			dropped[job] = struct{}{}
			continue
		}

		task := dag.Task(idx)
		task.Instances = append(task.Instances, Instance{
			Time:       (end - start) * coreCount(cpuAvg),
			CPUAvg:     cpuAvg,
			CPUDiffMax: cpuMax - cpuAvg,
		})
		touched[job] = struct{}{}
	}

	result := make(Jobs, len(touched))
	for job := range touched {
		if _, ok := dropped[job]; !ok {
			result[job] = jobs[job]
		}
	}
	stats.Dropped = len(dropped)
	stats.Kept = len(result)
	return result, stats, nil
}

// coreCount estimates the cores behind an average CPU reading, where 100 is
// one full core.
func coreCount(cpuAvg float64) uint64 {
	cores := math.Round((cpuAvg + 99) / 100 * 0.8)
	if cores < 0 {
		return 0
	}
	return uint64(cores)
}

func parseUint(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a count", ErrBadRecord, s)
	}
	return n, nil
}

// Run absorbs the task table at tasksPath and, when instancesPath is set,
// the instance table at instancesPath.
func (a *Absorber) Run(ctx context.Context, tasksPath, instancesPath string) (Jobs, Stats, error) {
	jobs, stats, err := a.file(tasksPath, func(f *os.File) (Jobs, Stats, error) {
		return a.Tasks(ctx, f)
	})
	if err != nil {
		return nil, stats, err
	}
	a.logger.Info("Absorbed tasks",
		zap.String("rows", humanize.Comma(stats.Rows)),
		zap.Int("jobs", stats.Kept),
		zap.Int("unterminated", stats.Dropped))

	if instancesPath == "" {
		return jobs, stats, nil
	}

	jobs, stats, err = a.file(instancesPath, func(f *os.File) (Jobs, Stats, error) {
		return a.Instances(ctx, f, jobs)
	})
	if err != nil {
		return nil, stats, err
	}
	a.logger.Info("Absorbed instances",
		zap.String("rows", humanize.Comma(stats.Rows)),
		zap.Int("jobs", stats.Kept),
		zap.Int("unterminated", stats.Dropped))
	return jobs, stats, nil
}

func (a *Absorber) file(path string, read func(*os.File) (Jobs, Stats, error)) (Jobs, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if info, statErr := f.Stat(); statErr == nil {
		a.logger.Info("Absorbing table",
			zap.String("path", path),
			zap.String("size", humanize.Bytes(uint64(info.Size()))))
	}

	jobs, stats, err := read(f)
	if err != nil {
		return nil, stats, fmt.Errorf("%s: %w", path, err)
	}
	return jobs, stats, nil
}
