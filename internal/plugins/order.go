package plugins

import (
	"slices"

	"github.com/rendis/actseq/pkg/schema"
)

// Order sorts plugins so every plugin follows its dependencies, using Kahn's
// algorithm with name order as the tie-break. Dependencies satisfied by
// already loaded plugins (present in loaded) add no edge.
func Order(plugins []*Plugin, loaded map[string]bool) ([]*Plugin, error) {
	byName := make(map[string]*Plugin, len(plugins))
	inDegree := make(map[string]int, len(plugins))
	for _, p := range plugins {
		if _, dup := byName[p.Name]; dup || loaded[p.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "plugin %q is registered twice", p.Name)
		}
		byName[p.Name] = p
		inDegree[p.Name] = 0
	}

	dependents := make(map[string][]string, len(plugins))
	for _, p := range plugins {
		for _, dep := range p.DependsOn() {
			switch {
			case dep == p.Name:
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "plugin %q depends on itself", p.Name)
			case loaded[dep]:
				continue
			case byName[dep] == nil:
				return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plugin %q depends on unknown plugin %q", p.Name, dep).
					WithDetails(map[string]any{"plugin": p.Name, "dependency": dep})
			}
			inDegree[p.Name]++
			dependents[dep] = append(dependents[dep], p.Name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	slices.Sort(queue)

	out := make([]*Plugin, 0, len(plugins))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		out = append(out, byName[name])

		var ready []string
		for _, d := range dependents[name] {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = append(ready, d)
			}
		}
		queue = append(queue, ready...)
		slices.Sort(queue)
	}

	if len(out) != len(plugins) {
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		slices.Sort(stuck)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "plugin dependencies form a cycle: %v", stuck).
			WithDetails(map[string]any{"plugins": stuck})
	}
	return out, nil
}
