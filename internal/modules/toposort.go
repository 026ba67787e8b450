package modules

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCycle is returned when the dependency graph is not a DAG.
var ErrCycle = errors.New("modules: dependency cycle")

// Sort orders the nodes of deps so that every node comes after all of its
// dependencies. deps maps a node to the nodes it depends on; a dependency that
// is not itself a key is treated as a leaf and included in the result.
// Iteration is by sorted key so the order is deterministic.
func Sort(deps map[string][]string) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(deps))
	order := make([]string, 0, len(deps))

	var visit func(node string, path []string) error
	visit = func(node string, path []string) error {
		switch state[node] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(append(path, node), " -> "))
		}

		state[node] = visiting
		children := append([]string(nil), deps[node]...)
		sort.Strings(children)
		for _, child := range children {
			if err := visit(child, append(path, node)); err != nil {
				return err
			}
		}
		state[node] = done
		order = append(order, node)
		return nil
	}

	nodes := make([]string, 0, len(deps))
	for n := range deps {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	for _, n := range nodes {
		if err := visit(n, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
