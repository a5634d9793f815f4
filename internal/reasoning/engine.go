// Package reasoning synthesizes the patient record, guideline passages and
// tool results into tool requests or a final recommendation.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/llm"
)

// SchemaName names the structured final answer
const SchemaName = "clinical_recommendation"

// UnavailableAssessment opens the degraded answer when the language service
// cannot be reached
const UnavailableAssessment = "The reasoning engine is unavailable, so no patient-specific assessment could be produced."

const (
	// historyTurns bounds how much of the transcript is sent
	historyTurns = 24
	// excerptLimit bounds fallback evidence excerpts
	excerptLimit = 160
)

// Outcome classifies how a reasoning step ended
type Outcome string

const (
	OutcomeToolCalls   Outcome = "tool_calls"
	OutcomeAnswer      Outcome = "answer"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeUnavailable Outcome = "unavailable"
)

// Input is everything a reasoning step sees
type Input struct {
	PatientRecord string
	Passages      []conversation.Passage
	Transcript    []conversation.Turn
	Tools         []llm.ToolSpec
	// AllowTools is false once the tool round budget is spent; the engine
	// must then answer.
	AllowTools bool
}

// Result is the turn a reasoning step produced
type Result struct {
	Turn    conversation.Turn
	Outcome Outcome
}

type evidence struct {
	Source  string `json:"source" description:"Source name of the guideline passage relied on"`
	Excerpt string `json:"excerpt" description:"Short quote or paraphrase of the supporting guidance"`
}

type answer struct {
	Assessment string     `json:"assessment" description:"Assessment of the patient's current condition and treatment"`
	Plan       string     `json:"plan" description:"Recommended changes: start, stop or adjust medications and follow-up"`
	Evidence   []evidence `json:"evidence" description:"Guideline sources supporting the plan"`
}

// Engine runs reasoning against the language service
type Engine struct {
	client llm.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEngine creates a new reasoning engine
func NewEngine(client llm.Client, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{client: client, logger: logger, tracer: otel.Tracer("reasoning")}
}

// Reason never fails. It returns an assistant turn that either carries tool
// calls or a rendered recommendation.
func (e *Engine) Reason(ctx context.Context, in Input) Result {
	ctx, span := e.tracer.Start(ctx, "reasoning.reason",
		trace.WithAttributes(
			attribute.Int("passages", len(in.Passages)),
			attribute.Bool("tools_allowed", in.AllowTools),
		))
	defer span.End()

	req := llm.Request{
		Messages: buildMessages(in),
		Schema:   &llm.ResponseSchema{Name: SchemaName, Schema: answerSchema},
	}
	if in.AllowTools {
		req.Tools = in.Tools
	}

	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		e.logger.Warn("reasoning failed", zap.Error(err))
		rec := unavailable(in.Passages)
		return Result{Turn: conversation.RecommendationTurn(rec), Outcome: OutcomeUnavailable}
	}

	if len(resp.ToolCalls) > 0 && in.AllowTools {
		calls := convertCalls(resp.ToolCalls)
		span.SetAttributes(attribute.Int("tool_calls", len(calls)))
		return Result{Turn: conversation.ToolRequestTurn(resp.Content, calls), Outcome: OutcomeToolCalls}
	}

	var out answer
	if err := llm.DecodeJSON(resp.Content, &out); err != nil || strings.TrimSpace(out.Assessment) == "" {
		if err == nil {
			err = fmt.Errorf("%w: empty assessment", llm.ErrMalformedOutput)
		}
		e.logger.Warn("reasoning returned malformed answer", zap.Error(err))
		rec := fromRawText(resp.Content, in.Passages)
		return Result{Turn: conversation.RecommendationTurn(rec), Outcome: OutcomeMalformed}
	}

	rec := &conversation.Recommendation{
		Assessment: strings.TrimSpace(out.Assessment),
		Plan:       strings.TrimSpace(out.Plan),
	}
	for _, ev := range out.Evidence {
		if strings.TrimSpace(ev.Source) == "" {
			continue
		}
		rec.Evidence = append(rec.Evidence, conversation.Citation{
			Source:  strings.TrimSpace(ev.Source),
			Excerpt: strings.TrimSpace(ev.Excerpt),
		})
	}
	if len(rec.Evidence) == 0 {
		rec.Evidence = citations(in.Passages)
	}
	return Result{Turn: conversation.RecommendationTurn(rec), Outcome: OutcomeAnswer}
}

var answerSchema = mustSchema()

func mustSchema() json.Marshaler {
	s, err := llm.SchemaFor[answer]()
	if err != nil {
		panic(err)
	}
	return s
}

func convertCalls(in []llm.ToolCall) []conversation.ToolCall {
	out := make([]conversation.ToolCall, 0, len(in))
	for _, tc := range in {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := json.RawMessage(tc.Arguments)
		if strings.TrimSpace(tc.Arguments) == "" {
			args = json.RawMessage(`{}`)
		} else if !json.Valid(args) {
			// keep the turn serializable; the dispatcher rejects it as invalid
			args, _ = json.Marshal(tc.Arguments)
		}
		out = append(out, conversation.ToolCall{ID: id, Name: tc.Name, Arguments: args})
	}
	return out
}

func fromRawText(content string, passages []conversation.Passage) *conversation.Recommendation {
	text := strings.TrimSpace(content)
	if text == "" {
		text = "The reasoning engine returned an empty answer."
	}
	return &conversation.Recommendation{
		Assessment: text,
		Plan:       "Review the assessment above against the cited guidelines.",
		Evidence:   citations(passages),
	}
}

func unavailable(passages []conversation.Passage) *conversation.Recommendation {
	return &conversation.Recommendation{
		Assessment: UnavailableAssessment,
		Plan:       "Review the retrieved guidelines below manually and retry the request later.",
		Evidence:   citations(passages),
	}
}

func citations(passages []conversation.Passage) []conversation.Citation {
	seen := make(map[string]bool)
	var out []conversation.Citation
	for _, p := range passages {
		if p.Source == "" || seen[p.Source] {
			continue
		}
		seen[p.Source] = true
		out = append(out, conversation.Citation{Source: p.Source, Excerpt: excerpt(p.Content)})
	}
	return out
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= excerptLimit {
		return s
	}
	return string(r[:excerptLimit]) + "..."
}
