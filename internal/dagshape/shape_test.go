package dagshape

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"partfilter/internal/taskdag"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// graph builds a DAG from task number -> dependency numbers.
func graph(t *testing.T, deps map[uint32][]uint32) *taskdag.DAG {
	t.Helper()
	tasks := make([]taskdag.Task, 0, len(deps))
	for n := uint32(1); n <= uint32(len(deps)); n++ {
		d, ok := deps[n]
		require.True(t, ok, "tasks must be numbered 1..n")
		tasks = append(tasks, taskdag.Task{Name: taskdag.TaskName(n), Dependencies: d})
	}
	d, err := taskdag.NewDAG(tasks)
	require.NoError(t, err)
	return d
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		deps map[uint32][]uint32
		want Shape
	}{
		{"single task", map[uint32][]uint32{1: nil}, Chain},
		{"chain", map[uint32][]uint32{1: nil, 2: {1}, 3: {2}}, Chain},
		{"two chains", map[uint32][]uint32{1: nil, 2: {1}, 3: nil, 4: {3}}, Chain},
		{"fan out", map[uint32][]uint32{1: nil, 2: {1}, 3: {1}}, TreeIncr},
		{"deep fan out", map[uint32][]uint32{1: nil, 2: {1}, 3: {1}, 4: {2}, 5: {2}}, TreeIncr},
		{"fan in", map[uint32][]uint32{1: nil, 2: nil, 3: {1, 2}}, TreeDecr},
		{"deep fan in", map[uint32][]uint32{1: nil, 2: nil, 3: {1, 2}, 4: nil, 5: {3, 4}}, TreeDecr},
		{"diamond", map[uint32][]uint32{1: nil, 2: {1}, 3: {1}, 4: {2, 3}}, Other},
		{"fan out then in", map[uint32][]uint32{1: nil, 2: {1}, 3: {1}, 4: nil, 5: {3, 4}}, Other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(graph(t, tt.deps)))
		})
	}
}

func TestClassify_Empty(t *testing.T) {
	d, err := taskdag.NewDAG(nil)
	require.NoError(t, err)
	assert.Equal(t, Chain, Classify(d))
}

func divided(t *testing.T) (Split, *observer.ObservedLogs) {
	t.Helper()
	jobs := taskdag.Jobs{
		"j_1": graph(t, map[uint32][]uint32{1: nil, 2: {1}, 3: {1}}),
		"j_2": graph(t, map[uint32][]uint32{1: nil, 2: nil, 3: {1, 2}}),
		"j_3": graph(t, map[uint32][]uint32{1: nil, 2: {1}, 3: {1}, 4: {2, 3}}),
		"j_4": graph(t, map[uint32][]uint32{1: nil, 2: {1}}),
		"j_5": graph(t, map[uint32][]uint32{1: nil, 2: {1}, 3: {1}, 4: {2}}),
	}
	core, logs := observer.New(zapcore.InfoLevel)
	return Divide(jobs, zap.New(core)), logs
}

func TestDivide(t *testing.T) {
	split, logs := divided(t)

	assert.Len(t, split.Jobs[TreeIncr], 2)
	assert.Contains(t, split.Jobs[TreeIncr], "j_1")
	assert.Contains(t, split.Jobs[TreeIncr], "j_5")
	assert.Contains(t, split.Jobs[TreeDecr], "j_2")
	assert.Contains(t, split.Jobs[Other], "j_3")
	assert.Equal(t, 1, split.Chains)

	entries := logs.FilterMessage("Divided jobs").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["chains"])
}

func TestSplit_SaveReport(t *testing.T) {
	split, _ := divided(t)
	dir := filepath.Join(t.TempDir(), "by_graph_type")

	require.NoError(t, split.Save(dir, 3))

	for _, shape := range Kept {
		_, err := os.Stat(Path(dir, shape, 3))
		require.NoError(t, err, "missing %s", shape)
	}
	assert.Equal(t, filepath.Join(dir, "tree_decr3.yaml"), Path(dir, TreeDecr, 3))

	loaded, err := taskdag.Load(Path(dir, TreeIncr, 3))
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
	assert.Equal(t, TreeIncr, Classify(loaded["j_5"]))

	var out bytes.Buffer
	require.NoError(t, split.Report(&out, 3))
	assert.Equal(t, "3: tree_incr has 2 dags\n3: tree_decr has 1 dags\n3: other has 1 dags\n3: chains dropped 1\n", out.String())
}

func TestSplit_SaveEmpty(t *testing.T) {
	split := Divide(taskdag.Jobs{}, nil)
	dir := t.TempDir()

	require.NoError(t, split.Save(dir, 0))

	loaded, err := taskdag.Load(Path(dir, Other, 0))
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
