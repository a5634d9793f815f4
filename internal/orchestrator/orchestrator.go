package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/grading"
	"github.com/drfirst/go-cds/internal/knowledge"
	"github.com/drfirst/go-cds/internal/llm"
	"github.com/drfirst/go-cds/internal/observability/metrics"
	"github.com/drfirst/go-cds/internal/reasoning"
	"github.com/drfirst/go-cds/internal/records"
	"github.com/drfirst/go-cds/internal/triage"
)

// ErrStepLimit is returned when a cycle exceeds its step ceiling
var ErrStepLimit = errors.New("orchestration step limit exceeded")

// DefaultMaxToolRounds bounds reasoning to tool round trips per cycle
const DefaultMaxToolRounds = 8

// Cycle outcomes
const (
	OutcomeAnswer        = "answer"
	OutcomeClarification = "clarification"
	OutcomeAbandoned     = "abandoned"
	OutcomeFailed        = "failed"
)

// Classifier resolves the patient and intent of the latest user turn
type Classifier interface {
	Classify(ctx context.Context, transcript []conversation.Turn) triage.Result
}

// RecordFetcher renders a patient record and reports degraded sections
type RecordFetcher interface {
	FetchRecord(ctx context.Context, patientID string) records.Record
}

// Retriever formulates a guideline query and searches for it
type Retriever interface {
	Retrieve(ctx context.Context, in knowledge.FormulateInput) knowledge.Retrieval
}

// Grader judges retrieved passages against the intent
type Grader interface {
	Grade(ctx context.Context, intent string, passages []conversation.Passage) grading.Grade
}

// Reasoner produces tool requests or the final answer
type Reasoner interface {
	Reason(ctx context.Context, in reasoning.Input) reasoning.Result
}

// Dispatcher executes tool calls
type Dispatcher interface {
	Dispatch(ctx context.Context, calls []conversation.ToolCall) []conversation.Turn
}

// Dependencies are the node collaborators
type Dependencies struct {
	Classifier Classifier
	Records    RecordFetcher
	Retriever  Retriever
	Grader     Grader
	Reasoner   Reasoner
	Dispatcher Dispatcher
	ToolSpecs  []llm.ToolSpec
}

// Config holds orchestrator configuration
type Config struct {
	MaxToolRounds int
	// MaxSteps guards against a transition table that never reaches end.
	// Zero derives it from the retry and tool round bounds.
	MaxSteps int
	// AnswerReserve is the part of the cycle deadline kept for the final
	// answer. Once less than this remains the cycle wraps up: no retrieval
	// retries, no new tool rounds.
	AnswerReserve time.Duration
}

// NodeEvent reports one executed node
type NodeEvent struct {
	Node     Node          `json:"node"`
	Edge     string        `json:"edge"`
	Next     Node          `json:"next"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Observer receives node events as they happen
type Observer func(NodeEvent)

// Trace is the node path of one cycle, kept apart from the transcript
type Trace struct {
	Events  []NodeEvent   `json:"events"`
	Outcome string        `json:"outcome"`
	Elapsed time.Duration `json:"elapsed"`
}

// Path returns the visited nodes in order
func (t *Trace) Path() []Node {
	out := make([]Node, 0, len(t.Events))
	for _, e := range t.Events {
		out = append(out, e.Node)
	}
	return out
}

// Count returns how often node ran
func (t *Trace) Count(node Node) int {
	n := 0
	for _, e := range t.Events {
		if e.Node == node {
			n++
		}
	}
	return n
}

type nodeFunc func(ctx context.Context, s *conversation.State) (conversation.Update, string)

// Orchestrator executes the graph one node at a time
type Orchestrator struct {
	graph    *Graph
	deps     Dependencies
	cfg      Config
	handlers map[Node]nodeFunc
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a new orchestrator. graph may be nil for DefaultGraph and m may
// be nil to disable metrics.
func New(graph *Graph, deps Dependencies, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Classifier == nil || deps.Records == nil || deps.Retriever == nil ||
		deps.Grader == nil || deps.Reasoner == nil || deps.Dispatcher == nil {
		return nil, errors.New("orchestrator: all node dependencies are required")
	}
	if graph == nil {
		graph = DefaultGraph()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.MaxSteps <= 0 {
		// triage, fetch, the retrieval loop and every reason/tools pair plus
		// the final forced answer
		cfg.MaxSteps = 2 + 2*conversation.MaxRetrievalRetries + 2*cfg.MaxToolRounds + 1 + 4
	}

	o := &Orchestrator{
		graph:   graph,
		deps:    deps,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("orchestrator"),
	}
	o.handlers = map[Node]nodeFunc{
		NodeTriage:    o.triage,
		NodeFetchData: o.fetchData,
		NodeRetrieve:  o.retrieve,
		NodeGrade:     o.grade,
		NodeReason:    o.reason,
		NodeTools:     o.tools,
	}
	return o, nil
}

// Run executes one cycle on s, starting at triage, until end. s is mutated
// in place. An error means the cycle was abandoned and s must be discarded.
//
// Cancelling ctx abandons the cycle. A ctx deadline is a time budget
// instead: nodes before the final answer see the deadline minus
// AnswerReserve, and once that passes the cycle wraps up and still answers.
func (o *Orchestrator) Run(ctx context.Context, s *conversation.State, observe Observer) (*Trace, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.cycle")
	defer span.End()

	start := time.Now()
	tr := &Trace{Events: make([]NodeEvent, 0, 8)}
	s.BeginCycle()

	var soft time.Time
	if deadline, ok := ctx.Deadline(); ok {
		soft = deadline.Add(-o.cfg.AnswerReserve)
	}

	finish := func(outcome string, err error) (*Trace, error) {
		tr.Outcome = outcome
		tr.Elapsed = time.Since(start)
		o.metrics.ObserveCycle(outcome, tr.Elapsed)
		span.SetAttributes(
			attribute.String("outcome", outcome),
			attribute.Int("steps", len(tr.Events)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return tr, err
	}

	node := NodeTriage
	for node != NodeEnd {
		if len(tr.Events) >= o.cfg.MaxSteps {
			o.logger.Error("orchestration step limit exceeded",
				zap.Int("steps", len(tr.Events)),
				zap.String("node", string(node)))
			return finish(OutcomeFailed, fmt.Errorf("%w at %s", ErrStepLimit, node))
		}
		if err := cancelled(ctx); err != nil {
			return finish(OutcomeAbandoned, fmt.Errorf("cycle abandoned before %s: %w", node, err))
		}
		if !s.WrapUp && !soft.IsZero() && !time.Now().Before(soft) {
			s.Apply(conversation.Update{WrapUp: true})
			o.metrics.CycleWrappedUp()
			o.logger.Warn("cycle budget nearly spent, wrapping up",
				zap.String("node", string(node)),
				zap.Int("steps", len(tr.Events)))
			span.AddEvent("wrap_up", trace.WithAttributes(attribute.String("node", string(node))))
		}

		handler, ok := o.handlers[node]
		if !ok {
			return finish(OutcomeFailed, fmt.Errorf("no handler for node %s", node))
		}

		nodeStart := time.Now()
		update, detail := o.runNode(ctx, node, soft, handler, s)
		elapsed := time.Since(nodeStart)

		if err := cancelled(ctx); err != nil {
			return finish(OutcomeAbandoned, fmt.Errorf("cycle abandoned in %s: %w", node, err))
		}

		s.Apply(update)
		edge, err := o.graph.Next(node, s)
		if err != nil {
			return finish(OutcomeFailed, err)
		}

		ev := NodeEvent{Node: node, Edge: edge.Name, Next: edge.To, Detail: detail, Duration: elapsed}
		tr.Events = append(tr.Events, ev)
		o.metrics.ObserveNode(string(node), elapsed)
		o.logger.Debug("node completed",
			zap.String("node", string(node)),
			zap.String("edge", edge.Name),
			zap.String("next", string(edge.To)),
			zap.Duration("duration", elapsed))
		if observe != nil {
			observe(ev)
		}
		node = edge.To
	}

	if last, ok := s.LastTurn(); ok && last.Recommendation != nil {
		return finish(OutcomeAnswer, nil)
	}
	return finish(OutcomeClarification, nil)
}

// runNode runs one handler in its own span. Only reasoning may spend the
// answer reserve.
func (o *Orchestrator) runNode(ctx context.Context, node Node, soft time.Time, handler nodeFunc, s *conversation.State) (conversation.Update, string) {
	ctx, span := o.tracer.Start(ctx, "orchestrator."+string(node))
	defer span.End()

	if node != NodeReason && !soft.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, soft)
		defer cancel()
	}
	update, detail := handler(ctx, s)
	span.SetAttributes(
		attribute.String("detail", detail),
		attribute.Bool("wrap_up", s.WrapUp),
	)
	return update, detail
}

// cancelled reports a caller cancellation. An exceeded deadline is not one.
func cancelled(ctx context.Context) error {
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
