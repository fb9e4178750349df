package engine

import (
	"fmt"
	"strings"
)

// Graph is the validated shape of a RootSpec, keyed by task key.
type Graph struct {
	// Keys lists task keys in spec order.
	Keys []string

	// Predecessors maps a key to the keys that must succeed first.
	Predecessors map[string][]string

	// Successors maps a key to the keys that depend on it.
	Successors map[string][]string

	// Levels groups keys by execution depth; level 0 has no predecessors.
	Levels [][]string
}

// GraphBuilder validates the tasks and edges of a root before anything is
// persisted. It rejects empty or duplicate keys, edges naming unknown keys,
// self edges, and cycles.
type GraphBuilder struct {
	keys         []string
	known        map[string]bool
	successors   map[string][]string
	predecessors map[string][]string
	inDegree     map[string]int
	levels       [][]string
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		known:        make(map[string]bool),
		successors:   make(map[string][]string),
		predecessors: make(map[string][]string),
		inDegree:     make(map[string]int),
	}
}

// Build validates spec and returns its graph.
func (b *GraphBuilder) Build(spec RootSpec) (*Graph, error) {
	if err := b.initialize(spec); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}
	return &Graph{
		Keys:         b.keys,
		Predecessors: b.predecessors,
		Successors:   b.successors,
		Levels:       b.levels,
	}, nil
}

func (b *GraphBuilder) initialize(spec RootSpec) error {
	for _, ts := range spec.Tasks {
		if ts.Key == "" {
			return NewPermanentError("task has empty key", nil).
				WithCode(ErrCodeValidation)
		}
		if b.known[ts.Key] {
			return NewPermanentError(fmt.Sprintf("duplicate task key: %s", ts.Key), nil).
				WithCode(ErrCodeValidation).WithResource(ts.Key)
		}
		b.known[ts.Key] = true
		b.keys = append(b.keys, ts.Key)
		b.inDegree[ts.Key] = 0
	}

	seen := make(map[Edge]bool)
	for _, edge := range spec.Edges {
		for _, key := range []string{edge.From, edge.To} {
			if !b.known[key] {
				return NewPermanentError(
					fmt.Sprintf("edge %s -> %s references unknown task %q", edge.From, edge.To, key),
					nil,
				).WithCode(ErrCodeUnknownReference).WithResource(key)
			}
		}
		if edge.From == edge.To {
			return NewPermanentError(fmt.Sprintf("task %s depends on itself", edge.From), nil).
				WithCode(ErrCodeCycle).WithResource(edge.From)
		}
		// Repeated edges carry no extra ordering.
		if seen[edge] {
			continue
		}
		seen[edge] = true

		b.successors[edge.From] = append(b.successors[edge.From], edge.To)
		b.predecessors[edge.To] = append(b.predecessors[edge.To], edge.From)
		b.inDegree[edge.To]++
	}
	return nil
}

// detectCycles runs a depth-first search in key order so the reported
// cycle is stable for a given spec.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	for _, key := range b.keys {
		if visited[key] {
			continue
		}
		if cycle := b.visit(key, visited, onStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeCycle)
		}
	}
	return nil
}

func (b *GraphBuilder) visit(key string, visited, onStack map[string]bool, path []string) []string {
	visited[key] = true
	onStack[key] = true
	path = append(path, key)

	for _, next := range b.successors[key] {
		if !visited[next] {
			if cycle := b.visit(next, visited, onStack, path); cycle != nil {
				return cycle
			}
			continue
		}
		if onStack[next] {
			for i, id := range path {
				if id == next {
					return append(append([]string(nil), path[i:]...), next)
				}
			}
		}
	}

	onStack[key] = false
	return nil
}

// computeLevels assigns execution levels with Kahn's algorithm.
func (b *GraphBuilder) computeLevels() error {
	remaining := make(map[string]int, len(b.inDegree))
	for key, degree := range b.inDegree {
		remaining[key] = degree
	}

	var current []string
	for _, key := range b.keys {
		if remaining[key] == 0 {
			current = append(current, key)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		var next []string
		for _, key := range current {
			for _, succ := range b.successors[key] {
				remaining[succ]--
				if remaining[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		current = next
	}

	if processed != len(b.keys) {
		return NewPermanentError("failed to order all tasks - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

// Levels groups the task ids of a built root by execution depth.
func Levels(root *Root) [][]string {
	depth := make(map[string]int, len(root.Tasks))
	var resolve func(t *Task) int
	resolve = func(t *Task) int {
		if d, ok := depth[t.ID]; ok {
			return d
		}
		d := 0
		for _, id := range t.Predecessors {
			if p := root.Task(id); p != nil {
				if pd := resolve(p) + 1; pd > d {
					d = pd
				}
			}
		}
		depth[t.ID] = d
		return d
	}

	var levels [][]string
	for _, t := range root.Tasks {
		d := resolve(t)
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], t.ID)
	}
	return levels
}

// RenderDOT renders a root as a Graphviz digraph coloured by task status.
func RenderDOT(root *Root) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "digraph %q {\n", root.Name)
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n")
	fmt.Fprintf(&sb, "  label=\"%s (%s)\";\n\n", escapeDOT(root.Name), root.Status())

	for level, ids := range Levels(root) {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			t := root.Task(id)
			label := fmt.Sprintf("%s\\n%s %s", escapeDOT(t.Key), t.Kind, escapeDOT(t.ResourceType))
			fmt.Fprintf(&sb, "    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				t.ID, label, statusColor(t.Status))
		}
		sb.WriteString("  }\n\n")
	}

	for _, t := range root.Tasks {
		for _, succ := range t.Successors {
			fmt.Fprintf(&sb, "  %q -> %q;\n", t.ID, succ)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

func statusColor(status TaskStatus) string {
	switch status {
	case TaskStatusSuccessful:
		return "lightgreen"
	case TaskStatusFailed:
		return "lightcoral"
	case TaskStatusRunning:
		return "lightblue"
	case TaskStatusWaitingOnRemote:
		return "khaki"
	default:
		return "white"
	}
}
