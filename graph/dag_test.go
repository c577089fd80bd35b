package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcyclic(t *testing.T) {
	tests := []struct {
		name        string
		nodes       []string
		edges       []Edge
		expectError bool
	}{
		{
			name:  "linear chain",
			nodes: []string{"a", "b", "c"},
			edges: []Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}},
		},
		{
			name:  "diamond",
			nodes: []string{"a", "b", "c", "d"},
			edges: []Edge{
				{Source: "a", Target: "b"},
				{Source: "a", Target: "c"},
				{Source: "b", Target: "d"},
				{Source: "c", Target: "d"},
			},
		},
		{
			name:        "two node cycle",
			nodes:       []string{"a", "b"},
			edges:       []Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
			expectError: true,
		},
		{
			name:        "self loop",
			nodes:       []string{"a"},
			edges:       []Edge{{Source: "a", Target: "a"}},
			expectError: true,
		},
		{
			name:  "no edges",
			nodes: []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAcyclic(tt.nodes, tt.edges)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTopologicalOrder(t *testing.T) {
	nodes := []string{"a", "b", "c", "d"}
	edges := []Edge{
		{Source: "a", Target: "b"},
		{Source: "a", Target: "c"},
		{Source: "b", Target: "d"},
		{Source: "c", Target: "d"},
	}

	order, err := TopologicalOrder(nodes, edges)
	require.NoError(t, err)
	require.Len(t, order, 4)

	position := make(map[string]int)
	for i, id := range order {
		position[id] = i
	}
	for _, e := range edges {
		assert.Less(t, position[e.Source], position[e.Target],
			"%s must come before %s", e.Source, e.Target)
	}
}

func TestTopologicalOrderPreservesDeclarationOrder(t *testing.T) {
	// Independent nodes run in the order they were defined.
	order, err := TopologicalOrder([]string{"x", "y", "z"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, order)
}

func TestTopologicalOrderCycle(t *testing.T) {
	_, err := TopologicalOrder([]string{"a", "b"}, []Edge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "a"},
	})
	assert.Error(t, err)
}

func TestEntryNodes(t *testing.T) {
	entries := EntryNodes([]string{"a", "b", "c"}, []Edge{{Source: "a", Target: "b"}})
	assert.Equal(t, []string{"a", "c"}, entries)
}

func TestUnreachable(t *testing.T) {
	t.Run("all reachable", func(t *testing.T) {
		unreachable := Unreachable([]string{"a", "b"}, []Edge{{Source: "a", Target: "b"}})
		assert.Empty(t, unreachable)
	})

	t.Run("island cycle is unreachable", func(t *testing.T) {
		// b and c point at each other and have no entry path.
		unreachable := Unreachable([]string{"a", "b", "c"}, []Edge{
			{Source: "b", Target: "c"},
			{Source: "c", Target: "b"},
		})
		assert.ElementsMatch(t, []string{"b", "c"}, unreachable)
	})
}

func TestUpstream(t *testing.T) {
	upstream := Upstream([]Edge{
		{Source: "a", Target: "c"},
		{Source: "b", Target: "c"},
	})
	assert.ElementsMatch(t, []string{"a", "b"}, upstream["c"])
	assert.Empty(t, upstream["a"])
}
