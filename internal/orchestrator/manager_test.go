package orchestrator

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/grading"
	"github.com/drfirst/go-cds/internal/knowledge"
	"github.com/drfirst/go-cds/internal/reasoning"
	"github.com/drfirst/go-cds/internal/records"
	"github.com/drfirst/go-cds/internal/session"
	"github.com/drfirst/go-cds/internal/triage"
)

var patientRe = regexp.MustCompile(`patient (\S+)`)

type stubClassifier struct{}

func (stubClassifier) Classify(_ context.Context, transcript []conversation.Turn) triage.Result {
	last := transcript[len(transcript)-1].Content
	if m := patientRe.FindStringSubmatch(last); m != nil {
		return triage.Result{PatientID: m[1], ClinicalIntent: "review"}
	}
	return triage.Result{ClinicalIntent: triage.DefaultIntent, NeedsClarification: true}
}

type stubFetcher struct{}

func (stubFetcher) FetchRecord(_ context.Context, id string) records.Record {
	return records.Record{Text: "record of " + id}
}

type stubRetriever struct{}

func (stubRetriever) Retrieve(context.Context, knowledge.FormulateInput) knowledge.Retrieval {
	return knowledge.Retrieval{
		Query:    knowledge.Query{Text: "q"},
		Passages: []conversation.Passage{{Content: "guidance", Source: "g.md"}},
	}
}

type stubGrader struct{}

func (stubGrader) Grade(context.Context, string, []conversation.Passage) grading.Grade {
	return grading.Grade{Verdict: conversation.VerdictRelevant}
}

// stubReasoner answers with the record it saw. When gate is set it blocks
// until gate is closed or the context ends.
type stubReasoner struct {
	gate    chan struct{}
	entered chan struct{}
}

func (r stubReasoner) Reason(ctx context.Context, in reasoning.Input) reasoning.Result {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
		}
	}
	rec := &conversation.Recommendation{Assessment: in.PatientRecord, Plan: "plan"}
	return reasoning.Result{Turn: conversation.RecommendationTurn(rec), Outcome: reasoning.OutcomeAnswer}
}

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(context.Context, []conversation.ToolCall) []conversation.Turn { return nil }

func newManager(t *testing.T, reasoner Reasoner, cfg ManagerConfig) (*Manager, *session.MemoryStore) {
	t.Helper()
	orch, err := New(nil, Dependencies{
		Classifier: stubClassifier{},
		Records:    stubFetcher{},
		Retriever:  stubRetriever{},
		Grader:     stubGrader{},
		Reasoner:   reasoner,
		Dispatcher: stubDispatcher{},
	}, Config{}, nil, nil)
	require.NoError(t, err)
	store := session.NewMemoryStore()
	return NewManager(orch, store, cfg, nil, nil), store
}

func TestSubmit_CommitsCompletedCycle(t *testing.T) {
	m, store := newManager(t, stubReasoner{}, DefaultManagerConfig())

	reply, err := m.Submit(context.Background(), "s1", "Review patient p1", WithCorrelationID("req-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, reply.Version)
	assert.Equal(t, "record of p1", reply.Answer.Recommendation.Assessment)
	require.Len(t, reply.Turns, 2)
	assert.Equal(t, conversation.RoleUser, reply.Turns[0].Role)

	sess, err := m.Session(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "p1", sess.State.PatientID)
	assert.Len(t, sess.State.Transcript, 2)

	var types []conversation.EventType
	for _, ev := range store.Events("s1") {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []conversation.EventType{
		conversation.EventSessionStarted,
		conversation.EventTurnCompleted,
		conversation.EventRecommendationIssued,
	}, types)
	assert.Equal(t, "req-1", store.Events("s1")[2].CorrelationID)

	// follow-up in the same session keeps the patient
	reply, err = m.Submit(context.Background(), "s1", "and the plan?")
	require.NoError(t, err)
	assert.Equal(t, 2, reply.Version)
	assert.Equal(t, "record of p1", reply.Answer.Recommendation.Assessment)
}

func TestSubmit_RejectsEmptyMessage(t *testing.T) {
	m, _ := newManager(t, stubReasoner{}, DefaultManagerConfig())
	_, err := m.Submit(context.Background(), "s1", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSubmit_SessionsAreIsolated(t *testing.T) {
	m, _ := newManager(t, stubReasoner{}, DefaultManagerConfig())

	var g errgroup.Group
	for _, key := range []string{"a", "b", "c", "d"} {
		key := key
		g.Go(func() error {
			_, err := m.Submit(context.Background(), key, "Review patient patient-"+key)
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, key := range []string{"a", "b", "c", "d"} {
		sess, err := m.Session(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, "patient-"+key, sess.State.PatientID)
		assert.Len(t, sess.State.Transcript, 2)
	}
}

func TestSubmit_SerializesPerSession(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 4)
	m, _ := newManager(t, stubReasoner{gate: gate, entered: entered}, DefaultManagerConfig())

	var g errgroup.Group
	g.Go(func() error {
		_, err := m.Submit(context.Background(), "s1", "Review patient p1")
		return err
	})
	<-entered

	g.Go(func() error {
		_, err := m.Submit(context.Background(), "s1", "Now review patient p2")
		return err
	})

	// the second message must not enter the graph while the first is running
	select {
	case <-entered:
		t.Fatal("second cycle started while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	<-entered
	require.NoError(t, g.Wait())

	sess, err := m.Session(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, sess.State.Transcript, 4)
	assert.Equal(t, "Review patient p1", sess.State.Transcript[0].Content)
	assert.Equal(t, "Now review patient p2", sess.State.Transcript[2].Content)
	assert.Equal(t, 2, sess.Version)
}

func TestSubmit_BusyWhenQueueFull(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	m, _ := newManager(t, stubReasoner{gate: gate, entered: entered}, ManagerConfig{MaxPending: 1})

	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), "s1", "Review patient p1")
		done <- err
	}()
	<-entered

	_, err := m.Submit(context.Background(), "s1", "again")
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(gate)
	require.NoError(t, <-done)
}

func TestSubmit_CancelledCycleLeavesSessionUntouched(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	m, store := newManager(t, stubReasoner{gate: gate, entered: entered}, DefaultManagerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(ctx, "s1", "Review patient p1")
		done <- err
	}()
	<-entered
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	_, err := store.Load(context.Background(), "s1")
	assert.ErrorIs(t, err, session.ErrNotFound)

	// the session is usable afterwards
	close(gate)
	reply, err := m.Submit(context.Background(), "s1", "Review patient p1")
	require.NoError(t, err)
	assert.Equal(t, 1, reply.Version)
}

// slowReasoner answers after delay whatever the context says
type slowReasoner struct{ delay time.Duration }

func (r slowReasoner) Reason(_ context.Context, in reasoning.Input) reasoning.Result {
	time.Sleep(r.delay)
	rec := &conversation.Recommendation{Assessment: in.PatientRecord, Plan: "plan"}
	return reasoning.Result{Turn: conversation.RecommendationTurn(rec), Outcome: reasoning.OutcomeAnswer}
}

func TestSubmit_CycleTimeoutStillAnswers(t *testing.T) {
	m, store := newManager(t, slowReasoner{delay: 60 * time.Millisecond}, ManagerConfig{CycleTimeout: 50 * time.Millisecond})

	reply, err := m.Submit(context.Background(), "s1", "Review patient p1")
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.NotNil(t, reply.Answer.Recommendation)
	assert.Equal(t, "record of p1", reply.Answer.Recommendation.Assessment)
	assert.Equal(t, OutcomeAnswer, reply.Trace.Outcome)

	sess, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Version)
}

func TestSubmit_BlockedReasonerAnswersAtDeadline(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	m, _ := newManager(t, stubReasoner{gate: gate}, ManagerConfig{CycleTimeout: 20 * time.Millisecond})

	reply, err := m.Submit(context.Background(), "s1", "Review patient p1")
	require.NoError(t, err)
	assert.NotNil(t, reply.Answer.Recommendation)
}
