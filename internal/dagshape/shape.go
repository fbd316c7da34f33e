// Package dagshape sorts job graphs by shape: out-trees, in-trees and the
// rest. Plain chains carry no structure worth modelling and are dropped.
package dagshape

import (
	"fmt"
	"io"
	"path/filepath"

	"partfilter/internal/taskdag"

	"go.uber.org/zap"
)

// Shape names a class of job graph. The names double as file stems.
type Shape string

const (
	Chain    Shape = "chain"     // every task has at most one parent and one child
	TreeIncr Shape = "tree_incr" // fans out: each task is reached from the roots once
	TreeDecr Shape = "tree_decr" // fans in: each task has at most one child
	Other    Shape = "other"
)

// Kept lists the shapes that are saved, in output order.
var Kept = []Shape{TreeIncr, TreeDecr, Other}

// Classify returns the shape of d. Out-tree wins when a graph is both.
func Classify(d *taskdag.DAG) Shape {
	chain, revTree := true, true
	for i := 0; i < d.Len(); i++ {
		if len(d.Parents(i)) > 1 {
			chain = false
		}
		if len(d.Children(i)) > 1 {
			chain = false
			revTree = false
		}
	}
	if chain {
		return Chain
	}
	if isOutTree(d) {
		return TreeIncr
	}
	if revTree {
		return TreeDecr
	}
	return Other
}

// isOutTree walks down from every root and fails as soon as a task is
// reached a second time.
func isOutTree(d *taskdag.DAG) bool {
	seen := make([]bool, d.Len())
	var walk func(int) bool
	walk = func(u int) bool {
		if seen[u] {
			return false
		}
		seen[u] = true
		for _, v := range d.Children(u) {
			if !walk(v) {
				return false
			}
		}
		return true
	}

	for _, root := range d.Roots() {
		if !walk(root) {
			return false
		}
	}
	return true
}

// Split holds the jobs of each kept shape.
type Split struct {
	Jobs   map[Shape]taskdag.Jobs
	Chains int // jobs dropped as chains
}

// Divide classifies every job.
func Divide(jobs taskdag.Jobs, logger *zap.Logger) Split {
	if logger == nil {
		logger = zap.NewNop()
	}

	split := Split{Jobs: make(map[Shape]taskdag.Jobs, len(Kept))}
	for _, shape := range Kept {
		split.Jobs[shape] = make(taskdag.Jobs)
	}

	for name, dag := range jobs {
		shape := Classify(dag)
		if shape == Chain {
			split.Chains++
			continue
		}
		split.Jobs[shape][name] = dag
	}

	logger.Info("Divided jobs",
		zap.Int("tree_incr", len(split.Jobs[TreeIncr])),
		zap.Int("tree_decr", len(split.Jobs[TreeDecr])),
		zap.Int("other", len(split.Jobs[Other])),
		zap.Int("chains", split.Chains))
	return split
}

// Path returns the file a shape of partition k is saved to.
func Path(dir string, shape Shape, k int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d.yaml", shape, k))
}

// Save writes one file per kept shape, even an empty one, into dir.
func (s Split) Save(dir string, k int64) error {
	for _, shape := range Kept {
		if err := s.Jobs[shape].Save(Path(dir, shape, k)); err != nil {
			return fmt.Errorf("%s: %w", shape, err)
		}
	}
	return nil
}

// Report prints the job count of each shape.
func (s Split) Report(w io.Writer, k int64) error {
	for _, shape := range Kept {
		if _, err := fmt.Fprintf(w, "%d: %s has %d dags\n", k, shape, len(s.Jobs[shape])); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d: chains dropped %d\n", k, s.Chains)
	return err
}
