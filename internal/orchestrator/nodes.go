package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/knowledge"
	"github.com/drfirst/go-cds/internal/reasoning"
	"github.com/drfirst/go-cds/internal/triage"
)

func (o *Orchestrator) triage(ctx context.Context, s *conversation.State) (conversation.Update, string) {
	res := o.deps.Classifier.Classify(ctx, s.Transcript)

	u := conversation.Update{
		PatientID:          conversation.Ptr(res.PatientID),
		ClinicalIntent:     conversation.Ptr(res.ClinicalIntent),
		NeedsClarification: conversation.Ptr(res.NeedsClarification),
	}
	if res.PatientID == "" && !s.HasPatient() {
		u.NeedsClarification = conversation.Ptr(true)
		u.AppendTurns = []conversation.Turn{triage.ClarificationTurn()}
		return u, "no patient identifier"
	}

	patient := res.PatientID
	if patient == "" {
		patient = s.PatientID
	}
	return u, fmt.Sprintf("patient %s: %s", patient, res.ClinicalIntent)
}

func (o *Orchestrator) fetchData(ctx context.Context, s *conversation.State) (conversation.Update, string) {
	rec := o.deps.Records.FetchRecord(ctx, s.PatientID)
	detail := fmt.Sprintf("record for %s (%d chars)", s.PatientID, len(rec.Text))
	if len(rec.Degraded) > 0 {
		detail += fmt.Sprintf(" degraded: %s", strings.Join(rec.Degraded, ", "))
	}
	// a degraded record is used for this cycle and fetched again on the next
	return conversation.Update{
		PatientRecord:  &rec.Text,
		RecordDegraded: len(rec.Degraded) > 0,
	}, detail
}

func (o *Orchestrator) retrieve(ctx context.Context, s *conversation.State) (conversation.Update, string) {
	in := knowledge.FormulateInput{
		PatientRecord: s.PatientRecord,
		Intent:        s.ClinicalIntent,
	}
	// only a retry within this cycle sees the failed query
	if s.Retrievals > 0 {
		in.PreviousQuery = s.SearchQuery
		in.Feedback = s.GradingFeedback
	}

	r := o.deps.Retriever.Retrieve(ctx, in)
	passages := r.Passages
	detail := fmt.Sprintf("%q filter=%q passages=%d", r.Query.Text, r.Query.Condition, len(passages))
	if r.Err != nil {
		detail += " (search failed)"
	}
	return conversation.Update{
		Passages:        &passages,
		SearchQuery:     conversation.Ptr(r.Query.Text),
		ConditionFilter: conversation.Ptr(r.Query.Condition),
		CountRetrieval:  true,
	}, detail
}

func (o *Orchestrator) grade(ctx context.Context, s *conversation.State) (conversation.Update, string) {
	g := o.deps.Grader.Grade(ctx, s.ClinicalIntent, s.RetrievedPassages)

	irrelevant := g.Verdict == conversation.VerdictIrrelevant
	retry := irrelevant && !s.WrapUp && s.RetrievalRetryCount+1 < conversation.MaxRetrievalRetries
	o.metrics.ObserveVerdict(string(g.Verdict), retry)

	return conversation.Update{
		Verdict:        conversation.Ptr(g.Verdict),
		Feedback:       conversation.Ptr(g.Feedback),
		IncrementRetry: irrelevant,
	}, string(g.Verdict)
}

func (o *Orchestrator) reason(ctx context.Context, s *conversation.State) (conversation.Update, string) {
	allowTools := s.ToolRounds < o.cfg.MaxToolRounds && !s.WrapUp
	if s.ToolRounds >= o.cfg.MaxToolRounds {
		o.metrics.ToolRoundLimitReached()
		o.logger.Warn("tool round limit reached, forcing final answer")
	}

	res := o.deps.Reasoner.Reason(ctx, reasoning.Input{
		PatientRecord: s.PatientRecord,
		Passages:      s.RetrievedPassages,
		Transcript:    s.Transcript,
		Tools:         o.deps.ToolSpecs,
		AllowTools:    allowTools,
	})

	detail := string(res.Outcome)
	if res.Outcome == reasoning.OutcomeToolCalls {
		detail = fmt.Sprintf("%d tool call(s)", len(res.Turn.ToolCalls))
	}
	return conversation.Update{AppendTurns: []conversation.Turn{res.Turn}}, detail
}

func (o *Orchestrator) tools(ctx context.Context, s *conversation.State) (conversation.Update, string) {
	last, _ := s.LastTurn()
	turns := o.deps.Dispatcher.Dispatch(ctx, last.ToolCalls)
	return conversation.Update{AppendTurns: turns, CountToolRound: true}, fmt.Sprintf("%d result(s)", len(turns))
}
