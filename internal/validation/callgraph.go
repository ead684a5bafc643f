package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/actseq/pkg/schema"
)

// Calls returns the sorted, distinct named sequences run by seq or any of its
// inline children.
func Calls(seq *schema.Sequence) []string {
	seen := map[string]bool{}
	seq.Walk(func(s *schema.Sequence) {
		for i := range s.Blocks {
			walkSequenceArgs(s.Blocks[i].Args, func(a *schema.Arg) {
				if !a.Inline {
					seen[a.Sequence] = true
				}
			})
		}
	})
	return schema.SortedKeys(seen)
}

// CheckCallGraph analyses which named sequences run which. Recursion is legal
// and bounded by the run depth limit, so cycles and calls to sequences that are
// not (yet) defined are reported as warnings. Cycle detection uses Kahn's
// algorithm; every sequence left with callees after the pass is on a cycle or
// calls into one.
func CheckCallGraph(calls map[string][]string) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// edges[id] = callees of id, reverse[id] = callers of id.
	edges := make(map[string][]string, len(calls))
	reverse := make(map[string][]string, len(calls))
	for _, id := range schema.SortedKeys(calls) {
		seen := make(map[string]bool, len(calls[id]))
		for _, callee := range calls[id] {
			if seen[callee] {
				continue
			}
			seen[callee] = true
			if _, ok := calls[callee]; !ok {
				result.AddWarning("/"+id, schema.ErrCodeNotFound,
					fmt.Sprintf("sequence %q runs undefined sequence %q", id, callee))
				continue
			}
			edges[id] = append(edges[id], callee)
			reverse[callee] = append(reverse[callee], id)
		}
	}

	outDegree := make(map[string]int, len(calls))
	queue := make([]string, 0, len(calls))
	for id := range calls {
		outDegree[id] = len(edges[id])
		if outDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, caller := range reverse[node] {
			outDegree[caller]--
			if outDegree[caller] == 0 {
				queue = append(queue, caller)
			}
		}
	}

	var stuck []string
	for id, deg := range outDegree {
		if deg > 0 {
			stuck = append(stuck, id)
		}
	}
	if len(stuck) > 0 {
		sort.Strings(stuck)
		result.AddWarning("/", schema.ErrCodeCycleDetected,
			fmt.Sprintf("recursive sequences: %s", strings.Join(stuck, ", ")))
	}
	return result
}
