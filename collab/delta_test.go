package collab

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestApplyDeltaNodes(t *testing.T) {
	workflow := NewWorkflow(1000)

	applied := applyDelta(workflow, &Delta{
		Kind:      DeltaNodeAdd,
		Node:      &Node{Id: "n1", Label: "start", Type: "api"},
		Timestamp: 2000,
	})
	assert.Equal(t, applied, true)
	assert.Equal(t, len(workflow.Nodes), 1)
	assert.Equal(t, workflow.Metadata.LastModified, int64(2000))

	applied = applyDelta(workflow, &Delta{
		Kind:      DeltaNodeUpdate,
		Node:      &Node{Id: "n1", Label: "renamed", Data: map[string]any{"k": "v"}},
		Timestamp: 3000,
	})
	assert.Equal(t, applied, true)
	assert.Equal(t, workflow.Nodes["n1"].Label, "renamed")
	// untouched fields survive the merge
	assert.Equal(t, workflow.Nodes["n1"].Type, "api")
	assert.Equal(t, workflow.Nodes["n1"].Data["k"], "v")

	// update for an unseen node upserts
	applied = applyDelta(workflow, &Delta{
		Kind:      DeltaNodeUpdate,
		Node:      &Node{Id: "n2", Label: "late"},
		Timestamp: 4000,
	})
	assert.Equal(t, applied, true)
	assert.Equal(t, len(workflow.Nodes), 2)
}

func TestApplyDeltaNodeDeleteCascades(t *testing.T) {
	workflow := NewWorkflow(1000)
	applyDelta(workflow, &Delta{Kind: DeltaNodeAdd, Node: &Node{Id: "n1"}, Timestamp: 2000})
	applyDelta(workflow, &Delta{Kind: DeltaNodeAdd, Node: &Node{Id: "n2"}, Timestamp: 2001})
	applyDelta(workflow, &Delta{Kind: DeltaEdgeAdd, Edge: &Edge{Id: "e1", Source: "n1", Target: "n2"}, Timestamp: 2002})
	applyDelta(workflow, &Delta{Kind: DeltaEdgeAdd, Edge: &Edge{Id: "e2", Source: "n2", Target: "n2"}, Timestamp: 2003})

	applied := applyDelta(workflow, &Delta{Kind: DeltaNodeDelete, NodeId: "n1", Timestamp: 3000})
	assert.Equal(t, applied, true)
	assert.Equal(t, len(workflow.Nodes), 1)
	// e1 touched n1 and went with it, e2 did not
	assert.Equal(t, len(workflow.Edges), 1)
	_, ok := workflow.Edges["e2"]
	assert.Equal(t, ok, true)
}

func TestApplyDeltaBulkReplaces(t *testing.T) {
	workflow := NewWorkflow(1000)
	for i := 0; i < 5; i += 1 {
		applyDelta(workflow, &Delta{
			Kind:      DeltaNodeAdd,
			Node:      &Node{Id: fmt.Sprintf("n%d", i)},
			Timestamp: 2000,
		})
	}

	applied := applyDelta(workflow, &Delta{
		Kind: DeltaBulkUpdate,
		Bulk: &BulkUpdate{
			Nodes: []*Node{{Id: "a"}, {Id: "b"}},
			Edges: []*Edge{{Id: "e", Source: "a", Target: "b"}},
		},
		Timestamp: 3000,
	})
	assert.Equal(t, applied, true)
	assert.Equal(t, len(workflow.Nodes), 2)
	assert.Equal(t, len(workflow.Edges), 1)
}

func TestApplyDeltaUnknownKindIsNoop(t *testing.T) {
	workflow := NewWorkflow(1000)
	applyDelta(workflow, &Delta{Kind: DeltaNodeAdd, Node: &Node{Id: "n1"}, Timestamp: 2000})

	applied := applyDelta(workflow, &Delta{Kind: "node_rotate", Timestamp: 3000})
	assert.Equal(t, applied, false)
	assert.Equal(t, len(workflow.Nodes), 1)
	assert.Equal(t, workflow.Metadata.LastModified, int64(2000))

	// missing payload is also a no-op
	applied = applyDelta(workflow, &Delta{Kind: DeltaNodeAdd, Timestamp: 4000})
	assert.Equal(t, applied, false)
	assert.Equal(t, workflow.Metadata.LastModified, int64(2000))
}

func TestApplyDeltaLastWriterWins(t *testing.T) {
	workflow := NewWorkflow(1000)
	applyDelta(workflow, &Delta{Kind: DeltaNodeAdd, Node: &Node{Id: "n1", Label: "a"}, Timestamp: 2000})

	// two concurrent edits to the same node. whichever applies last sticks
	applyDelta(workflow, &Delta{Kind: DeltaNodeUpdate, Node: &Node{Id: "n1", Label: "from-user-1"}, Timestamp: 3000})
	applyDelta(workflow, &Delta{Kind: DeltaNodeUpdate, Node: &Node{Id: "n1", Label: "from-user-2"}, Timestamp: 2500})
	assert.Equal(t, workflow.Nodes["n1"].Label, "from-user-2")
}
