package collab

import (
	"github.com/golang/glog"
)

type DeltaKind string

const (
	DeltaNodeAdd    DeltaKind = "node_add"
	DeltaNodeUpdate DeltaKind = "node_update"
	DeltaNodeDelete DeltaKind = "node_delete"
	DeltaEdgeAdd    DeltaKind = "edge_add"
	DeltaEdgeUpdate DeltaKind = "edge_update"
	DeltaEdgeDelete DeltaKind = "edge_delete"
	DeltaBulkUpdate DeltaKind = "bulk_update"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	Id       string         `json:"id"`
	Type     string         `json:"type,omitempty"`
	Label    string         `json:"label,omitempty"`
	Position *Position      `json:"position,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

type Edge struct {
	Id     string         `json:"id"`
	Source string         `json:"source,omitempty"`
	Target string         `json:"target,omitempty"`
	Type   string         `json:"type,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

type BulkUpdate struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Delta is a single timestamped change to the shared document.
// Immutable once stamped by the server. One payload field is set per kind.
// Timestamp and SessionId are assigned server-side from the transport
// session. Client-supplied values are overwritten.
type Delta struct {
	Kind      DeltaKind   `json:"kind"`
	Node      *Node       `json:"node,omitempty"`
	NodeId    string      `json:"nodeId,omitempty"`
	Edge      *Edge       `json:"edge,omitempty"`
	EdgeId    string      `json:"edgeId,omitempty"`
	Bulk      *BulkUpdate `json:"bulk,omitempty"`
	Timestamp int64       `json:"timestamp"`
	UserId    string      `json:"userId"`
	SessionId Id          `json:"sessionId"`
}

type WorkflowMetadata struct {
	Version      string `json:"version"`
	Created      int64  `json:"created"`
	LastModified int64  `json:"lastModified"`
}

// Workflow is the materialized snapshot of one room's document.
type Workflow struct {
	Nodes    map[string]*Node `json:"nodes"`
	Edges    map[string]*Edge `json:"edges"`
	Metadata WorkflowMetadata `json:"metadata"`
}

func NewWorkflow(now int64) *Workflow {
	return &Workflow{
		Nodes: map[string]*Node{},
		Edges: map[string]*Edge{},
		Metadata: WorkflowMetadata{
			Version:      "1.0.0",
			Created:      now,
			LastModified: now,
		},
	}
}

// applyDelta transitions the snapshot for one delta.
// Concurrent edits to the same entity resolve last-writer-wins: whichever
// delta is applied last overwrites, with no field-level merge across writers.
// An unrecognized or malformed delta is a logged no-op, never fatal.
func applyDelta(workflow *Workflow, delta *Delta) bool {
	applied := false
	switch delta.Kind {
	case DeltaNodeAdd:
		if delta.Node != nil && delta.Node.Id != "" {
			workflow.Nodes[delta.Node.Id] = delta.Node
			applied = true
		}
	case DeltaNodeUpdate:
		if delta.Node != nil && delta.Node.Id != "" {
			if existing, ok := workflow.Nodes[delta.Node.Id]; ok {
				mergeNode(existing, delta.Node)
			} else {
				// update for a node this replica never saw. upsert so that
				// at-least-once redelivery and reordering stay idempotent-ish
				workflow.Nodes[delta.Node.Id] = delta.Node
			}
			applied = true
		}
	case DeltaNodeDelete:
		if delta.NodeId != "" {
			delete(workflow.Nodes, delta.NodeId)
			for edgeId, edge := range workflow.Edges {
				if edge.Source == delta.NodeId || edge.Target == delta.NodeId {
					delete(workflow.Edges, edgeId)
				}
			}
			applied = true
		}
	case DeltaEdgeAdd:
		if delta.Edge != nil && delta.Edge.Id != "" {
			workflow.Edges[delta.Edge.Id] = delta.Edge
			applied = true
		}
	case DeltaEdgeUpdate:
		if delta.Edge != nil && delta.Edge.Id != "" {
			if existing, ok := workflow.Edges[delta.Edge.Id]; ok {
				mergeEdge(existing, delta.Edge)
			} else {
				workflow.Edges[delta.Edge.Id] = delta.Edge
			}
			applied = true
		}
	case DeltaEdgeDelete:
		if delta.EdgeId != "" {
			delete(workflow.Edges, delta.EdgeId)
			applied = true
		}
	case DeltaBulkUpdate:
		if delta.Bulk != nil {
			workflow.Nodes = map[string]*Node{}
			workflow.Edges = map[string]*Edge{}
			for _, node := range delta.Bulk.Nodes {
				if node.Id != "" {
					workflow.Nodes[node.Id] = node
				}
			}
			for _, edge := range delta.Bulk.Edges {
				if edge.Id != "" {
					workflow.Edges[edge.Id] = edge
				}
			}
			applied = true
		}
	default:
		glog.Infof("[delta]unknown kind = %s\n", delta.Kind)
		return false
	}
	if !applied {
		glog.Infof("[delta]missing payload for kind = %s\n", delta.Kind)
		return false
	}
	workflow.Metadata.LastModified = delta.Timestamp
	return true
}

func mergeNode(existing *Node, update *Node) {
	if update.Type != "" {
		existing.Type = update.Type
	}
	if update.Label != "" {
		existing.Label = update.Label
	}
	if update.Position != nil {
		existing.Position = update.Position
	}
	if update.Data != nil {
		if existing.Data == nil {
			existing.Data = map[string]any{}
		}
		for k, v := range update.Data {
			existing.Data[k] = v
		}
	}
}

func mergeEdge(existing *Edge, update *Edge) {
	if update.Source != "" {
		existing.Source = update.Source
	}
	if update.Target != "" {
		existing.Target = update.Target
	}
	if update.Type != "" {
		existing.Type = update.Type
	}
	if update.Data != nil {
		if existing.Data == nil {
			existing.Data = map[string]any{}
		}
		for k, v := range update.Data {
			existing.Data[k] = v
		}
	}
}
