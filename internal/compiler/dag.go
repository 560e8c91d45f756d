package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/me/rollupd/pkg/model"
)

// buildOrder topologically sorts pre-aggregations by their rollup
// dependencies using Kahn's algorithm. deps maps an id to the ids it reads.
func buildOrder(deps map[string][]string) ([]string, error) {
	forward := make(map[string][]string, len(deps))
	inDegree := make(map[string]int, len(deps))
	for id := range deps {
		inDegree[id] += 0
	}
	for id, ds := range deps {
		for _, d := range ds {
			if d == id {
				return nil, fmt.Errorf("%w: %s depends on itself", model.ErrDependencyCycle, id)
			}
			forward[d] = append(forward[d], id)
			inDegree[id]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		successors := forward[node]
		sort.Strings(successors)
		for _, succ := range successors {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}

	if len(order) != len(inDegree) {
		var cycle []string
		for id, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, fmt.Errorf("%w involving %s", model.ErrDependencyCycle, strings.Join(cycle, ", "))
	}
	return order, nil
}

// closure returns id's transitive dependencies in build order, excluding id.
func closure(id string, deps map[string][]string, order []string) []string {
	need := map[string]bool{}
	var visit func(string)
	visit = func(n string) {
		for _, d := range deps[n] {
			if !need[d] {
				need[d] = true
				visit(d)
			}
		}
	}
	visit(id)

	out := make([]string, 0, len(need))
	for _, n := range order {
		if need[n] {
			out = append(out, n)
		}
	}
	return out
}
