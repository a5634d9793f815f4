package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/grading"
	"github.com/drfirst/go-cds/internal/knowledge"
	"github.com/drfirst/go-cds/internal/llm"
	"github.com/drfirst/go-cds/internal/observability/metrics"
	"github.com/drfirst/go-cds/internal/reasoning"
	"github.com/drfirst/go-cds/internal/records"
	"github.com/drfirst/go-cds/internal/tools"
	"github.com/drfirst/go-cds/internal/triage"
)

const htnRecord = `=== PATIENT RECORD: test-patient-001 ===
[CONDITIONS]
- Essential hypertension (active)
====================================`

type recordingFetcher struct {
	mu    sync.Mutex
	calls []string
	// degraded is reported for every fetch while set
	degraded []string
}

func (f *recordingFetcher) FetchRecord(_ context.Context, id string) records.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return records.Record{
		Text:     strings.ReplaceAll(htnRecord, "test-patient-001", id),
		Degraded: f.degraded,
	}
}

func (f *recordingFetcher) setDegraded(sections ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.degraded = sections
}

func (f *recordingFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	llm     *llm.Scripted
	fetcher *recordingFetcher
	orch    *Orchestrator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	client := llm.NewScripted()
	fetcher := &recordingFetcher{}

	idx := knowledge.NewMemoryIndex()
	_, err := idx.Upsert(context.Background(), []knowledge.Chunk{
		{ID: "1", Source: "htn_guideline.md", Condition: "Hypertension", Content: "Hypertension management: start an ACE inhibitor when blood pressure exceeds 140/90."},
		{ID: "2", Source: "dm_guideline.md", Condition: "Diabetes", Content: "Diabetes management: metformin is first line."},
	})
	require.NoError(t, err)

	registry := tools.NewRegistry(tools.NewRiskTool())
	orch, err := New(nil, Dependencies{
		Classifier: triage.NewClassifier(client, nil),
		Records:    fetcher,
		Retriever:  knowledge.NewRetriever(knowledge.NewFormulator(client, nil), idx, 4, nil),
		Grader:     grading.NewGrader(client, nil),
		Reasoner:   reasoning.NewEngine(client, nil),
		Dispatcher: tools.NewDispatcher(registry, time.Second, nil, nil),
		ToolSpecs:  registry.Specs(),
	}, cfg, metrics.New(nil), nil)
	require.NoError(t, err)

	return &harness{llm: client, fetcher: fetcher, orch: orch}
}

func (h *harness) triage(patientID string, clarify bool) *harness {
	id := `"` + patientID + `"`
	if patientID == "" {
		id = "null"
	}
	c := "false"
	if clarify {
		c = "true"
	}
	h.llm.OnSchema("triage", `{"patient_id":`+id+`,"clinical_intent":"hypertension management","needs_clarification":`+c+`}`)
	return h
}

func (h *harness) query() *harness {
	h.llm.OnSchema("search_query", `{"condition_filter":"Hypertension","search_query":"hypertension management ACE inhibitor"}`)
	return h
}

func (h *harness) verdict(relevant bool) *harness {
	if relevant {
		h.llm.OnSchema("relevance_grade", `{"is_relevant":true,"feedback":""}`)
	} else {
		h.llm.OnSchema("relevance_grade", `{"is_relevant":false,"feedback":"Need dosing guidance"}`)
	}
	return h
}

func (h *harness) answer(assessment string) *harness {
	h.llm.OnSchema(reasoning.SchemaName, `{"assessment":"`+assessment+`","plan":"Start lisinopril 10mg daily","evidence":[{"source":"htn_guideline.md","excerpt":"ACE inhibitor above 140/90"}]}`)
	return h
}

func (h *harness) toolCall(args string) *harness {
	h.llm.RespondSchema(reasoning.SchemaName, &llm.Response{ToolCalls: []llm.ToolCall{
		{ID: "call_risk", Name: tools.RiskToolName, Arguments: args},
	}})
	return h
}

func userState(text string) *conversation.State {
	s := conversation.NewState()
	s.Apply(conversation.Update{AppendTurns: []conversation.Turn{conversation.UserTurn(text)}})
	return s
}

func TestRun_ReviewPatient(t *testing.T) {
	h := newHarness(t, Config{})
	h.triage("test-patient-001", false).query().verdict(true).answer("Blood pressure above goal")

	s := userState("Review patient test-patient-001")
	var observed []Node
	tr, err := h.orch.Run(context.Background(), s, func(ev NodeEvent) { observed = append(observed, ev.Node) })
	require.NoError(t, err)

	assert.Equal(t, []Node{NodeTriage, NodeFetchData, NodeRetrieve, NodeGrade, NodeReason}, tr.Path())
	assert.Equal(t, tr.Path(), observed)
	assert.Equal(t, OutcomeAnswer, tr.Outcome)

	assert.Equal(t, "test-patient-001", s.PatientID)
	assert.Contains(t, s.PatientRecord, "Essential hypertension")
	assert.Equal(t, "Hypertension", s.ConditionFilter)
	assert.Equal(t, conversation.VerdictRelevant, s.GradingVerdict)
	require.NotEmpty(t, s.RetrievedPassages)
	for _, p := range s.RetrievedPassages {
		assert.Equal(t, "Hypertension", p.Condition)
	}

	last, _ := s.LastTurn()
	require.NotNil(t, last.Recommendation)
	assert.Contains(t, last.Content, "**Assessment**")
	assert.Contains(t, last.Content, "**Plan**")
	assert.Contains(t, last.Content, "[Source: htn_guideline.md]")
	assert.Len(t, s.Transcript, 2)

	// the formulator saw the fetched record
	var formulated bool
	for _, r := range h.llm.Requests() {
		if r.Schema != nil && r.Schema.Name == "search_query" {
			formulated = strings.Contains(r.Messages[1].Content, "Essential hypertension")
		}
	}
	assert.True(t, formulated)
}

func TestRun_ClarificationWithoutPatient(t *testing.T) {
	h := newHarness(t, Config{})
	h.triage("", true)

	s := userState("What should I do?")
	tr, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)

	assert.Equal(t, []Node{NodeTriage}, tr.Path())
	assert.Equal(t, OutcomeClarification, tr.Outcome)
	require.Len(t, s.Transcript, 2)
	assert.Equal(t, triage.ClarificationText, s.Transcript[1].Content)
	assert.True(t, s.NeedsClarification)

	assert.Empty(t, h.fetcher.Calls())
	assert.Zero(t, h.llm.CountSchema("search_query"))
	assert.Zero(t, h.llm.CountSchema("relevance_grade"))
	assert.Zero(t, h.llm.CountSchema(reasoning.SchemaName))
}

func TestRun_TriageFailureWithoutPatientClarifies(t *testing.T) {
	h := newHarness(t, Config{})
	h.llm.FailSchema("triage", errors.New("service down"))

	s := userState("Review patient test-patient-001")
	tr, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClarification, tr.Outcome)
	assert.Equal(t, triage.DefaultIntent, s.ClinicalIntent)
}

func TestRun_RetriesUntilRelevant(t *testing.T) {
	h := newHarness(t, Config{})
	h.triage("test-patient-001", false).
		query().verdict(false).
		query().verdict(false).
		query().verdict(true).
		answer("ok")

	s := userState("Review patient test-patient-001")
	tr, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, tr.Count(NodeRetrieve))
	assert.Equal(t, 3, tr.Count(NodeGrade))
	assert.Equal(t, 2, s.RetrievalRetryCount)
	assert.Equal(t, 3, s.Retrievals)
	assert.Equal(t, conversation.VerdictRelevant, s.GradingVerdict)
	assert.Equal(t, NodeReason, tr.Path()[len(tr.Path())-1])

	// retries carry the previous query and the grader feedback
	var prompts []string
	for _, r := range h.llm.Requests() {
		if r.Schema != nil && r.Schema.Name == "search_query" {
			prompts = append(prompts, r.Messages[1].Content)
		}
	}
	require.Len(t, prompts, 3)
	assert.NotContains(t, prompts[0], "PREVIOUS QUERY")
	assert.Contains(t, prompts[1], "PREVIOUS QUERY")
	assert.Contains(t, prompts[1], "Need dosing guidance")
	// the scripted query repeats verbatim, so the retry diverged from it
	assert.Contains(t, prompts[2], `"hypertension management ACE inhibitor Need dosing guidance"`)
	assert.Equal(t, "hypertension management ACE inhibitor", s.SearchQuery)
}

func TestRun_RetryBudgetIsBounded(t *testing.T) {
	h := newHarness(t, Config{})
	h.triage("test-patient-001", false)
	for i := 0; i < 3; i++ {
		h.query().verdict(false)
	}
	h.answer("limited evidence")

	s := userState("Review patient test-patient-001")
	tr, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, tr.Count(NodeRetrieve))
	assert.Equal(t, conversation.MaxRetrievalRetries, s.RetrievalRetryCount)
	assert.Equal(t, OutcomeAnswer, tr.Outcome)

	// the budget is per session: a later cycle retrieves once and reasons
	s.Apply(conversation.Update{AppendTurns: []conversation.Turn{conversation.UserTurn("and now?")}})
	h.triage("", false).query().verdict(false).answer("still limited")
	tr, err = h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Count(NodeRetrieve))
	assert.Equal(t, conversation.MaxRetrievalRetries, s.RetrievalRetryCount)
}

func TestRun_GraderUnknownProceeds(t *testing.T) {
	h := newHarness(t, Config{})
	h.triage("test-patient-001", false).query().answer("ok")
	h.llm.FailSchema("relevance_grade", errors.New("judge offline"))

	s := userState("Review patient test-patient-001")
	tr, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Count(NodeRetrieve))
	assert.Equal(t, conversation.VerdictUnknown, s.GradingVerdict)
	assert.Zero(t, s.RetrievalRetryCount)
	assert.Equal(t, OutcomeAnswer, tr.Outcome)
}

func TestRun_RiskToolLoop(t *testing.T) {
	h := newHarness(t, Config{})
	h.triage("test-patient-001", false).query().verdict(true).
		toolCall(`{"age":55,"systolic_bp":150,"smoker":true,"diabetic":false}`).
		answer("10-year risk 10.5 percent, statin indicated")

	s := userState("Should test-patient-001 start a statin?")
	tr, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)

	assert.Equal(t, []Node{NodeTriage, NodeFetchData, NodeRetrieve, NodeGrade, NodeReason, NodeTools, NodeReason}, tr.Path())
	assert.Equal(t, 1, s.ToolRounds)

	var toolTurn conversation.Turn
	for _, turn := range s.Transcript {
		if turn.Role == conversation.RoleTool {
			toolTurn = turn
		}
	}
	assert.Equal(t, tools.RiskToolName, toolTurn.ToolName)
	assert.Equal(t, "call_risk", toolTurn.ToolCallID)
	assert.Equal(t, "10-Year ASCVD Risk Estimate: 10.5% (Elevated Risk (Consider Statin))", toolTurn.Content)

	// the second reasoning call sees the tool result
	var reasonReqs []llm.Request
	for _, r := range h.llm.Requests() {
		if r.Schema != nil && r.Schema.Name == reasoning.SchemaName {
			reasonReqs = append(reasonReqs, r)
		}
	}
	require.Len(t, reasonReqs, 2)
	msgs := reasonReqs[1].Messages
	assert.Equal(t, llm.RoleTool, msgs[len(msgs)-1].Role)
	assert.Contains(t, msgs[len(msgs)-1].Content, "10.5%")

	last, _ := s.LastTurn()
	assert.Contains(t, last.Content, "10.5 percent")
}

func TestRun_ToolRoundLimitForcesAnswer(t *testing.T) {
	h := newHarness(t, Config{MaxToolRounds: 2})
	h.triage("test-patient-001", false).query().verdict(true)
	for i := 0; i < 3; i++ {
		h.toolCall(`{"age":60,"systolic_bp":130,"smoker":false,"diabetic":false}`)
	}

	s := userState("Review patient test-patient-001")
	tr, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, s.ToolRounds)
	assert.Equal(t, 2, tr.Count(NodeTools))
	assert.Equal(t, 3, tr.Count(NodeReason))
	assert.Equal(t, OutcomeAnswer, tr.Outcome)

	reqs := h.llm.Requests()
	assert.Empty(t, reqs[len(reqs)-1].Tools)
	last, _ := s.LastTurn()
	assert.False(t, last.HasPendingToolCalls())
	require.NotNil(t, last.Recommendation)
}

func TestRun_InvalidToolArgumentsAreReported(t *testing.T) {
	h := newHarness(t, Config{})
	h.triage("test-patient-001", false).query().verdict(true).
		toolCall(`{"age":"old"}`).
		answer("could not compute risk")

	s := userState("Review patient test-patient-001")
	_, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)

	var toolTurn conversation.Turn
	for _, turn := range s.Transcript {
		if turn.Role == conversation.RoleTool {
			toolTurn = turn
		}
	}
	assert.True(t, strings.HasPrefix(toolTurn.Content, "Error: "), toolTurn.Content)
}

func TestRun_UsesCachedRecordAndRefetchesOnSwitch(t *testing.T) {
	h := newHarness(t, Config{})
	s := userState("Review patient p1")

	h.triage("p1", false).query().verdict(true).answer("first")
	_, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)

	s.Apply(conversation.Update{AppendTurns: []conversation.Turn{conversation.UserTurn("What about their labs?")}})
	h.triage("", false).query().verdict(true).answer("second")
	tr, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeRetrieve, tr.Path()[1])

	s.Apply(conversation.Update{AppendTurns: []conversation.Turn{conversation.UserTurn("Now review patient p2")}})
	h.triage("p2", false).query().verdict(true).answer("third")
	tr, err = h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeFetchData, tr.Path()[1])

	assert.Equal(t, []string{"p1", "p2"}, h.fetcher.Calls())
	assert.Equal(t, "p2", s.PatientID)
	assert.Contains(t, s.PatientRecord, "p2")
}

func TestRun_TranscriptIsAppendOnly(t *testing.T) {
	h := newHarness(t, Config{})
	h.triage("test-patient-001", false).query().verdict(true).answer("ok")

	s := userState("Review patient test-patient-001")
	before := append([]conversation.Turn(nil), s.Transcript...)
	_, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(s.Transcript), len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, s.Transcript[i].ID)
	}
}

func TestRun_CancelledContextAbandons(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Run(ctx, userState("Review patient p1"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_DeadlineWrapsUpInsteadOfAbandoning(t *testing.T) {
	h := newHarness(t, Config{AnswerReserve: time.Minute})
	s := userState("Review patient p1")
	h.triage("p1", false).query().verdict(true).answer("first")
	_, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.False(t, s.WrapUp)

	// the whole budget is inside the reserve: only reasoning gets to use it
	s.Apply(conversation.Update{AppendTurns: []conversation.Turn{conversation.UserTurn("and the plan?")}})
	h.answer("answered in time")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tr, err := h.orch.Run(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnswer, tr.Outcome)
	assert.True(t, s.WrapUp)
	assert.Equal(t, "p1", s.PatientID)
	assert.Equal(t, 1, tr.Count(NodeRetrieve))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.orch.metrics.CycleWrapUps))

	last, _ := s.LastTurn()
	require.NotNil(t, last.Recommendation)
	assert.Equal(t, "answered in time", last.Recommendation.Assessment)
	reqs := h.llm.Requests()
	assert.Empty(t, reqs[len(reqs)-1].Tools, "no tool rounds while wrapping up")
}

func TestRun_ExpiredDeadlineStillAnswers(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	s := conversation.NewState()
	s.Apply(conversation.Update{
		PatientID:     conversation.Ptr("p1"),
		PatientRecord: conversation.Ptr(htnRecord),
		AppendTurns:   []conversation.Turn{conversation.UserTurn("Review patient p1")},
	})

	tr, err := h.orch.Run(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnswer, tr.Outcome)

	last, _ := s.LastTurn()
	require.NotNil(t, last.Recommendation)
	assert.Equal(t, reasoning.UnavailableAssessment, last.Recommendation.Assessment)
}

func TestRun_DegradedRecordIsFetchedAgain(t *testing.T) {
	h := newHarness(t, Config{})
	h.fetcher.setDegraded("labs")
	s := userState("Review patient p1")

	h.triage("p1", false).query().verdict(true).answer("first")
	tr, err := h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeFetchData, tr.Path()[1])
	assert.Contains(t, tr.Events[1].Detail, "degraded: labs")
	assert.True(t, s.RecordDegraded)
	assert.False(t, s.HasRecord())

	// the store recovered: the next turn fetches again and caches the result
	h.fetcher.setDegraded()
	s.Apply(conversation.Update{AppendTurns: []conversation.Turn{conversation.UserTurn("What about their labs?")}})
	h.triage("", false).query().verdict(true).answer("second")
	tr, err = h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeFetchData, tr.Path()[1])
	assert.False(t, s.RecordDegraded)

	s.Apply(conversation.Update{AppendTurns: []conversation.Turn{conversation.UserTurn("And the plan?")}})
	h.triage("", false).query().verdict(true).answer("third")
	tr, err = h.orch.Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeRetrieve, tr.Path()[1])
	assert.Equal(t, []string{"p1", "p1"}, h.fetcher.Calls())
}

type loopingReasoner struct{}

func (loopingReasoner) Reason(context.Context, reasoning.Input) reasoning.Result {
	return reasoning.Result{Turn: conversation.ToolRequestTurn("", []conversation.ToolCall{{ID: "x", Name: "none"}})}
}

func TestRun_StepLimit(t *testing.T) {
	h := newHarness(t, Config{})
	h.orch.deps.Reasoner = loopingReasoner{}
	h.orch.cfg.MaxSteps = 10
	h.triage("p1", false).query().verdict(true)

	tr, err := h.orch.Run(context.Background(), userState("Review patient p1"), nil)
	assert.ErrorIs(t, err, ErrStepLimit)
	assert.Equal(t, OutcomeFailed, tr.Outcome)
	assert.Len(t, tr.Events, 10)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, Dependencies{}, Config{}, nil, nil)
	assert.Error(t, err)
}
