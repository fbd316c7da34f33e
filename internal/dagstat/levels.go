// Package dagstat measures job graphs: the critical path, the level of each
// task, and per-level distributions grouped by critical path and width.
package dagstat

import (
	"errors"

	"partfilter/internal/taskdag"
)

// ErrCycle is returned for a graph whose tasks cannot all be ordered.
var ErrCycle = errors.New("task graph has a cycle")

// Levels returns the critical path of d, counted in tasks, and a level for
// every task in [0, cp).
//
// A task first gets the length of the longest chain of ancestors above it.
// A task with more children than parents is then moved down to sit right
// above its highest child, so fan-out points hug the tasks they feed.
func Levels(d *taskdag.DAG) (int, []int, error) {
	n := d.Len()
	depth, err := depths(d)
	if err != nil {
		return 0, nil, err
	}
	cp := 0
	for _, v := range depth {
		cp = max(cp, v)
	}

	levels := make([]int, n)
	pending := make([]int, n)
	for i := 0; i < n; i++ {
		pending[i] = len(d.Parents(i))
	}
	queue := d.Roots()
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range d.Children(u) {
			levels[v] = max(levels[v], levels[u]+1)
			pending[v]--
			if pending[v] == 0 {
				queue = append(queue, v)
			}
		}
	}
	for _, p := range pending {
		if p != 0 {
			return 0, nil, ErrCycle
		}
	}

	visited := make([]bool, n)
	var settle func(int)
	settle = func(u int) {
		visited[u] = true
		children := d.Children(u)
		for _, v := range children {
			if !visited[v] {
				settle(v)
			}
		}
		if len(d.Parents(u)) < len(children) {
			lowest := levels[children[0]]
			for _, v := range children[1:] {
				lowest = min(lowest, levels[v])
			}
			levels[u] = lowest - 1
		}
	}
	for _, root := range d.Roots() {
		if !visited[root] {
			settle(root)
		}
	}

	return cp, levels, nil
}

// depths returns, for every task, the number of tasks on the longest path
// from it down to a leaf.
func depths(d *taskdag.DAG) ([]int, error) {
	const (
		unvisited = iota
		active
		done
	)
	n := d.Len()
	depth := make([]int, n)
	state := make([]int, n)

	var visit func(int) error
	visit = func(u int) error {
		switch state[u] {
		case active:
			return ErrCycle
		case done:
			return nil
		}
		state[u] = active
		depth[u] = 1
		for _, v := range d.Children(u) {
			if err := visit(v); err != nil {
				return err
			}
			depth[u] = max(depth[u], depth[v]+1)
		}
		state[u] = done
		return nil
	}

	for _, root := range d.Roots() {
		if err := visit(root); err != nil {
			return nil, err
		}
	}
	for _, s := range state {
		if s != done {
			return nil, ErrCycle
		}
	}
	return depth, nil
}
