// Package orchestrator runs one clinical decision-support cycle per user
// turn as an explicit state machine over the conversation state.
package orchestrator

import (
	"fmt"

	"github.com/drfirst/go-cds/internal/domain/conversation"
)

// Node is a state of the orchestration graph
type Node string

const (
	NodeTriage    Node = "triage"
	NodeFetchData Node = "fetch_data"
	NodeRetrieve  Node = "retrieve"
	NodeGrade     Node = "grade"
	NodeReason    Node = "reason"
	NodeTools     Node = "tools"
	NodeEnd       Node = "end"
)

// Guard decides whether an edge is taken. A nil guard always matches.
type Guard func(s *conversation.State) bool

// Edge is one row of the transition table
type Edge struct {
	From  Node
	Name  string
	Guard Guard
	To    Node
}

// Graph is an ordered transition table. For a given node the first edge whose
// guard matches wins.
type Graph struct {
	edges []Edge
}

// NewGraph creates a graph from edges
func NewGraph(edges ...Edge) *Graph {
	return &Graph{edges: edges}
}

// DefaultGraph returns the clinical decision-support graph:
//
//	triage -> end | fetch_data | retrieve
//	fetch_data -> retrieve -> grade -> retrieve | reason
//	reason -> tools -> reason | end
func DefaultGraph() *Graph {
	return NewGraph(
		Edge{From: NodeTriage, Name: "no_patient", Guard: noPatient, To: NodeEnd},
		Edge{From: NodeTriage, Name: "record_cached", Guard: recordCached, To: NodeRetrieve},
		Edge{From: NodeTriage, Name: "fetch_record", To: NodeFetchData},
		Edge{From: NodeFetchData, Name: "record_loaded", To: NodeRetrieve},
		Edge{From: NodeRetrieve, Name: "grade", To: NodeGrade},
		Edge{From: NodeGrade, Name: "retry_retrieval", Guard: shouldRetry, To: NodeRetrieve},
		Edge{From: NodeGrade, Name: "reason", To: NodeReason},
		Edge{From: NodeReason, Name: "tool_calls", Guard: pendingToolCalls, To: NodeTools},
		Edge{From: NodeReason, Name: "answer", To: NodeEnd},
		Edge{From: NodeTools, Name: "tool_results", To: NodeReason},
	)
}

// Next returns the first matching edge out of from
func (g *Graph) Next(from Node, s *conversation.State) (Edge, error) {
	for _, e := range g.edges {
		if e.From != from {
			continue
		}
		if e.Guard == nil || e.Guard(s) {
			return e, nil
		}
	}
	return Edge{}, fmt.Errorf("no transition out of %s", from)
}

// Edges returns the transition table
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

func noPatient(s *conversation.State) bool { return !s.HasPatient() }

func recordCached(s *conversation.State) bool { return s.HasRecord() }

// shouldRetry reports an irrelevant verdict with retry budget left. Unknown
// verdicts proceed to reasoning, and so does a cycle that is wrapping up.
func shouldRetry(s *conversation.State) bool {
	return s.GradingVerdict == conversation.VerdictIrrelevant &&
		s.RetrievalRetryCount < conversation.MaxRetrievalRetries &&
		!s.WrapUp
}

func pendingToolCalls(s *conversation.State) bool {
	last, ok := s.LastTurn()
	return ok && last.HasPendingToolCalls()
}
