package engine

import (
	"strings"
	"testing"
)

func TestGraphBuilder_Empty(t *testing.T) {
	graph, err := NewGraphBuilder().Build(RootSpec{Name: "empty"})
	if err != nil {
		t.Fatalf("Expected no error for empty spec, got: %v", err)
	}
	if len(graph.Keys) != 0 || len(graph.Levels) != 0 {
		t.Fatalf("Expected no keys and no levels, got %d and %d", len(graph.Keys), len(graph.Levels))
	}
}

func TestGraphBuilder_Levels(t *testing.T) {
	spec := RootSpec{
		Name: "levels",
		Tasks: []TaskSpec{
			{Key: "net", Kind: KindCreate, ResourceType: "network"},
			{Key: "subnet-a", Kind: KindCreate, ResourceType: "subnet"},
			{Key: "subnet-b", Kind: KindCreate, ResourceType: "subnet"},
			{Key: "vm", Kind: KindCreate, ResourceType: "compute"},
		},
		Edges: []Edge{
			{From: "net", To: "subnet-a"},
			{From: "net", To: "subnet-b"},
			{From: "subnet-a", To: "vm"},
			{From: "subnet-b", To: "vm"},
			{From: "subnet-b", To: "vm"},
		},
	}

	graph, err := NewGraphBuilder().Build(spec)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(graph.Levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d: %v", len(graph.Levels), graph.Levels)
	}
	if len(graph.Levels[1]) != 2 {
		t.Fatalf("Expected 2 tasks on level 1, got %v", graph.Levels[1])
	}
	if len(graph.Predecessors["vm"]) != 2 {
		t.Fatalf("Expected duplicate edge to be collapsed, got %v", graph.Predecessors["vm"])
	}
}

func TestGraphBuilder_Errors(t *testing.T) {
	tests := []struct {
		name    string
		spec    RootSpec
		code    string
		message string
	}{
		{
			name: "duplicate key",
			spec: RootSpec{Name: "x", Tasks: []TaskSpec{
				{Key: "a", Kind: KindCreate, ResourceType: "r"},
				{Key: "a", Kind: KindCreate, ResourceType: "r"},
			}},
			code:    ErrCodeValidation,
			message: "duplicate task key: a",
		},
		{
			name:    "empty key",
			spec:    RootSpec{Name: "x", Tasks: []TaskSpec{{Kind: KindCreate, ResourceType: "r"}}},
			code:    ErrCodeValidation,
			message: "empty key",
		},
		{
			name: "unknown reference",
			spec: RootSpec{Name: "x",
				Tasks: []TaskSpec{{Key: "a", Kind: KindCreate, ResourceType: "r"}},
				Edges: []Edge{{From: "ghost", To: "a"}},
			},
			code:    ErrCodeUnknownReference,
			message: `unknown task "ghost"`,
		},
		{
			name: "self edge",
			spec: RootSpec{Name: "x",
				Tasks: []TaskSpec{{Key: "a", Kind: KindCreate, ResourceType: "r"}},
				Edges: []Edge{{From: "a", To: "a"}},
			},
			code:    ErrCodeCycle,
			message: "depends on itself",
		},
		{
			name: "cycle",
			spec: RootSpec{Name: "x",
				Tasks: []TaskSpec{
					{Key: "a", Kind: KindCreate, ResourceType: "r"},
					{Key: "b", Kind: KindCreate, ResourceType: "r"},
					{Key: "c", Kind: KindCreate, ResourceType: "r"},
				},
				Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "b"}},
			},
			code:    ErrCodeCycle,
			message: "circular dependency detected: b -> c -> b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraphBuilder().Build(tt.spec)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if errCode(err) != tt.code {
				t.Fatalf("Expected code %s, got %s", tt.code, errCode(err))
			}
			if !IsPermanent(err) {
				t.Fatal("Expected construction errors to be permanent")
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Fatalf("Expected error to contain %q, got %q", tt.message, err.Error())
			}
		})
	}
}

func diamondRoot() *Root {
	ref := "vm-1"
	return &Root{
		ID:   "root-1",
		Name: "diamond",
		Tasks: []*Task{
			{ID: "a", Key: "net", Kind: KindCreate, ResourceType: "network", Status: TaskStatusSuccessful, Successors: []string{"b", "c"}},
			{ID: "b", Key: "sub-1", Kind: KindCreate, ResourceType: "subnet", Status: TaskStatusWaitingOnRemote, Predecessors: []string{"a"}, Successors: []string{"d"}},
			{ID: "c", Key: "sub-2", Kind: KindCreate, ResourceType: "subnet", Status: TaskStatusFailed, Predecessors: []string{"a"}, Successors: []string{"d"}},
			{ID: "d", Key: "vm", Kind: KindCreate, ResourceType: "compute", Status: TaskStatusPending, Predecessors: []string{"b", "c"}, ResourceRef: &ref},
		},
	}
}

func TestLevels(t *testing.T) {
	levels := Levels(diamondRoot())
	if len(levels) != 3 {
		t.Fatalf("Expected 3 levels, got %v", levels)
	}
	if levels[0][0] != "a" || levels[2][0] != "d" {
		t.Fatalf("Unexpected levels %v", levels)
	}
}

func TestRenderDOT(t *testing.T) {
	dot := RenderDOT(diamondRoot())

	for _, want := range []string{
		`digraph "diamond"`,
		"cluster_level_2",
		`"a" -> "b";`,
		`"c" -> "d";`,
		"fillcolor=\"lightcoral\"",
		"fillcolor=\"khaki\"",
		"(failed)",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %s", want)
		}
	}
}
