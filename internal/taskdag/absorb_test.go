package taskdag

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"partfilter/internal/partition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// =============================================================================
// TASK NAME TESTS
// =============================================================================

func TestParseTaskName(t *testing.T) {
	tests := []struct {
		raw  string
		name string
		deps []uint32
	}{
		{"M1", "task1", nil},
		{"M3_1_2", "task3", []uint32{1, 2}},
		{"R12_4", "task12", []uint32{4}},
		{"J5_", "task5", nil},
		{"M007_03", "task7", []uint32{3}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			name, deps, err := ParseTaskName(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.deps, deps)
		})
	}
}

func TestParseTaskName_Unnumbered(t *testing.T) {
	for _, raw := range []string{"task_NDIwNjU3OTg=", "", "M", "Mx_1", "_1"} {
		t.Run(raw, func(t *testing.T) {
			_, _, err := ParseTaskName(raw)
			assert.ErrorIs(t, err, ErrUnnumberedTask)
		})
	}
}

func TestParseTaskName_BadDependency(t *testing.T) {
	name, _, err := ParseTaskName("M4_1_Stg2")
	assert.ErrorIs(t, err, ErrBadDependency)
	assert.Equal(t, "task4", name)
}

// =============================================================================
// TASK TABLE TESTS
// =============================================================================

// batch_task columns: name, instance count, job, type, status, start, end,
// planned cpu, planned memory.
const taskTable = `M1,2,j_1,1,Terminated,100,110,100,0.5
M2_1,1,j_1,1,Terminated,110,130,100,0.5
M3_1,4,j_1,1,Terminated,110,125,100,0.5
M1,1,j_2,1,Terminated,5,6,100,0.5
M2_1,1,j_2,1,Failed,6,9,100,0.5
task_NDIwNjU3OTg=,1,j_3,1,Terminated,1,2,100,0.5
M1,1,j_4,1,Terminated,1,2,100,0.5
M2_1_x,1,j_4,1,Terminated,2,3,100,0.5
`

func TestAbsorber_Tasks(t *testing.T) {
	jobs, stats, err := NewAbsorber(nil).Tasks(context.Background(), strings.NewReader(taskTable))
	require.NoError(t, err)

	assert.Equal(t, Stats{Rows: 8, Skipped: 1, Dropped: 2, Kept: 1}, stats)
	require.Len(t, jobs, 1)

	d := jobs["j_1"]
	require.NotNil(t, d)
	require.Equal(t, 3, d.Len())
	assert.Equal(t, Task{Name: "task1", InstanceCount: 2, StartTime: 100, EndTime: 110}, *d.Task(0))
	assert.Equal(t, []int{1, 2}, d.Children(0))
	assert.Equal(t, []uint32{1}, d.Task(2).Dependencies)
}

func TestAbsorber_Tasks_DependencyBeforeTask(t *testing.T) {
	input := "M2_1,1,j_1,1,Terminated,2,3,100,0.5\nM1,5,j_1,1,Terminated,1,2,100,0.5\n"

	jobs, _, err := NewAbsorber(nil).Tasks(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	d := jobs["j_1"]
	require.Equal(t, 2, d.Len())
	idx, ok := d.Lookup("task1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), d.Task(idx).InstanceCount)
	assert.Equal(t, []int{idx}, d.Roots())
}

func TestAbsorber_Tasks_ShortRecord(t *testing.T) {
	input := "M1,2,j_1,1,Terminated,100,110\nM2,1,j_1\n"

	_, _, err := NewAbsorber(nil).Tasks(context.Background(), strings.NewReader(input))
	var rowErr *partition.RowError
	require.True(t, errors.As(err, &rowErr))
	assert.Equal(t, int64(2), rowErr.Line)
	assert.ErrorIs(t, err, ErrShortRecord)
}

func TestAbsorber_Tasks_BadCount(t *testing.T) {
	input := "M1,many,j_1,1,Terminated,100,110\n"

	_, _, err := NewAbsorber(nil).Tasks(context.Background(), strings.NewReader(input))
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestAbsorber_Tasks_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewAbsorber(nil).Tasks(ctx, strings.NewReader(taskTable))
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// INSTANCE TABLE TESTS
// =============================================================================

// batch_instance columns: instance, task, job, type, status, start, end,
// machine, seq, total, cpu avg, cpu max, mem avg, mem max.
func instanceRow(task, job, status, start, end, cpuAvg, cpuMax string) string {
	return strings.Join([]string{"ins_1", task, job, "1", status, start, end, "m_1", "1", "1", cpuAvg, cpuMax, "0.1", "0.2"}, ",") + "\n"
}

func absorbedJobs(t *testing.T) Jobs {
	t.Helper()
	jobs, _, err := NewAbsorber(nil).Tasks(context.Background(), strings.NewReader(
		"M1,1,j_1,1,Terminated,0,10,100,0.5\nM2_1,1,j_1,1,Terminated,10,20,100,0.5\n"+
			"M1,1,j_2,1,Terminated,0,10,100,0.5\n"+
			"M1,1,j_3,1,Terminated,0,10,100,0.5\n"))
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	return jobs
}

func TestAbsorber_Instances(t *testing.T) {
	jobs := absorbedJobs(t)
	input := instanceRow("M1", "j_1", "Terminated", "0", "10", "50", "80") +
		instanceRow("M2_1", "j_1", "Terminated", "10", "20", "200", "250") +
		instanceRow("M1", "j_2", "Failed", "0", "10", "50", "80") +
		instanceRow("M1", "j_3", "Terminated", "0", "10", "", "") +
		instanceRow("M1", "j_9", "Terminated", "0", "10", "50", "80") +
		instanceRow("M9", "j_1", "Terminated", "0", "10", "50", "80")

	result, stats, err := NewAbsorber(nil).Instances(context.Background(), strings.NewReader(input), jobs)
	require.NoError(t, err)

	assert.Equal(t, Stats{Rows: 6, Skipped: 2, Dropped: 2, Kept: 1}, stats)
	require.Len(t, result, 1)

	d := result["j_1"]
	assert.Equal(t, []Instance{{Time: 10, CPUAvg: 50, CPUDiffMax: 30}}, d.Task(0).Instances)
	// 200% CPU rounds to 2 cores.
	assert.Equal(t, []Instance{{Time: 20, CPUAvg: 200, CPUDiffMax: 50}}, d.Task(1).Instances)
}

func TestAbsorber_Instances_EndBeforeStart(t *testing.T) {
	jobs := absorbedJobs(t)
	input := instanceRow("M1", "j_1", "Terminated", "10", "5", "50", "80")

	_, _, err := NewAbsorber(nil).Instances(context.Background(), strings.NewReader(input), jobs)
	var rowErr *partition.RowError
	require.True(t, errors.As(err, &rowErr))
	assert.Equal(t, int64(1), rowErr.Line)
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestAbsorber_Instances_UnknownTaskLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	jobs := absorbedJobs(t)

	_, stats, err := NewAbsorber(zap.New(core)).Instances(context.Background(),
		strings.NewReader(instanceRow("M4", "j_1", "Terminated", "0", "1", "50", "80")), jobs)
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.Skipped)
	entries := logs.FilterMessage("Instance of unknown task").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "task4", entries[0].ContextMap()["task"])
}

func TestCoreCount(t *testing.T) {
	tests := []struct {
		cpu  float64
		want uint64
	}{
		{0, 1},
		{50, 1},
		{100, 2},
		{200, 2},
		{400, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, coreCount(tt.cpu), "cpu %v", tt.cpu)
	}
}

// =============================================================================
// FILE RUN TESTS
// =============================================================================

func TestAbsorber_Run(t *testing.T) {
	dir := t.TempDir()
	tasks := filepath.Join(dir, "batch_task.csv")
	instances := filepath.Join(dir, "batch_instance.csv")
	require.NoError(t, os.WriteFile(tasks, []byte(taskTable), 0644))
	require.NoError(t, os.WriteFile(instances, []byte(
		instanceRow("M2_1", "j_1", "Terminated", "110", "130", "90", "95")), 0644))

	core, logs := observer.New(zapcore.InfoLevel)
	jobs, stats, err := NewAbsorber(zap.New(core)).Run(context.Background(), tasks, instances)
	require.NoError(t, err)

	assert.Len(t, jobs, 1)
	assert.Equal(t, 1, stats.Kept)
	assert.Equal(t, 1, logs.FilterMessage("Absorbed tasks").Len())
	assert.Equal(t, 1, logs.FilterMessage("Absorbed instances").Len())

	var out bytes.Buffer
	require.NoError(t, stats.Report(&out))
	assert.Equal(t, "unterminated: 0\nstayed: 1\n", out.String())
}

func TestAbsorber_Run_TasksOnly(t *testing.T) {
	dir := t.TempDir()
	tasks := filepath.Join(dir, "batch_task.csv")
	require.NoError(t, os.WriteFile(tasks, []byte(taskTable), 0644))

	jobs, stats, err := NewAbsorber(nil).Run(context.Background(), tasks, "")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.Equal(t, 2, stats.Dropped)
}

func TestAbsorber_Run_MissingTable(t *testing.T) {
	_, _, err := NewAbsorber(nil).Run(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), "")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
