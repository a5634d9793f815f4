package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply_TranscriptIsAppendOnly(t *testing.T) {
	s := NewState()
	s.Apply(Update{AppendTurns: []Turn{UserTurn("first")}})
	s.Apply(Update{AppendTurns: []Turn{AssistantTurn("second"), AssistantTurn("third")}})
	s.Apply(Update{})

	require.Len(t, s.Transcript, 3)
	assert.Equal(t, "first", s.Transcript[0].Content)
	assert.Equal(t, "third", s.Transcript[2].Content)
}

func TestApply_PatientIDNeverClearedByEmpty(t *testing.T) {
	s := NewState()
	s.Apply(Update{PatientID: Ptr("test-patient-001")})
	s.Apply(Update{PatientID: Ptr("")})
	s.Apply(Update{PatientID: nil})

	assert.Equal(t, "test-patient-001", s.PatientID)
}

func TestApply_PatientSwitchDropsCachedRecord(t *testing.T) {
	s := NewState()
	s.Apply(Update{PatientID: Ptr("p1")})
	s.Apply(Update{PatientRecord: Ptr("record of p1")})
	require.True(t, s.HasRecord())

	s.Apply(Update{PatientID: Ptr("p1")})
	assert.True(t, s.HasRecord(), "same patient keeps the record")

	s.Apply(Update{PatientID: Ptr("p2")})
	assert.False(t, s.HasRecord())
	assert.Empty(t, s.PatientRecord)
}

func TestApply_DegradedRecordIsNotCached(t *testing.T) {
	s := NewState()
	s.Apply(Update{PatientID: Ptr("p1")})
	s.Apply(Update{PatientRecord: Ptr("partial record of p1"), RecordDegraded: true})
	assert.False(t, s.HasRecord())
	assert.Equal(t, "partial record of p1", s.PatientRecord, "still usable for the current cycle")

	s.Apply(Update{PatientRecord: Ptr("record of p1")})
	assert.True(t, s.HasRecord())
	assert.False(t, s.RecordDegraded)

	s.Apply(Update{PatientRecord: Ptr("partial again"), RecordDegraded: true})
	s.Apply(Update{PatientID: Ptr("p2")})
	assert.False(t, s.RecordDegraded)
}

func TestApply_WrapUpLastsOneCycle(t *testing.T) {
	s := NewState()
	s.Apply(Update{WrapUp: true})
	s.Apply(Update{})
	assert.True(t, s.WrapUp)

	s.BeginCycle()
	assert.False(t, s.WrapUp)
}

func TestApply_PassagesReplaced(t *testing.T) {
	s := NewState()
	s.Apply(Update{Passages: &[]Passage{{Content: "a"}, {Content: "b"}}})
	s.Apply(Update{Passages: &[]Passage{{Content: "c"}}})
	require.Len(t, s.RetrievedPassages, 1)
	assert.Equal(t, "c", s.RetrievedPassages[0].Content)

	s.Apply(Update{Passages: &[]Passage{}})
	assert.NotNil(t, s.RetrievedPassages)
	assert.Empty(t, s.RetrievedPassages)
}

func TestApply_RetryCounterIsCapped(t *testing.T) {
	s := NewState()
	for i := 0; i < 10; i++ {
		s.Apply(Update{IncrementRetry: true})
	}
	assert.Equal(t, MaxRetrievalRetries, s.RetrievalRetryCount)
}

func TestBeginCycle_KeepsSessionBudget(t *testing.T) {
	s := NewState()
	s.Apply(Update{IncrementRetry: true, CountRetrieval: true, CountToolRound: true, NeedsClarification: Ptr(true)})
	s.BeginCycle()

	assert.Equal(t, 1, s.RetrievalRetryCount)
	assert.Zero(t, s.Retrievals)
	assert.Zero(t, s.ToolRounds)
	assert.False(t, s.NeedsClarification)
}

func TestClone_IsIsolated(t *testing.T) {
	s := NewState()
	s.Apply(Update{AppendTurns: []Turn{UserTurn("hello")}})
	c := s.Clone()
	c.Apply(Update{AppendTurns: []Turn{AssistantTurn("hi")}, PatientID: Ptr("p9")})

	assert.Len(t, s.Transcript, 1)
	assert.Empty(t, s.PatientID)
	assert.Len(t, c.Transcript, 2)
}

func TestRecommendationRender(t *testing.T) {
	rec := &Recommendation{
		Assessment: "Stage 1 hypertension.",
		Plan:       "Start lifestyle changes.",
		Evidence:   []Citation{{Source: "hypertension_guidelines.md", Excerpt: "Lifestyle first."}},
	}
	out := rec.Render()
	assert.Contains(t, out, "**Assessment**\nStage 1 hypertension.")
	assert.Contains(t, out, "**Plan**\nStart lifestyle changes.")
	assert.Contains(t, out, "**Evidence**\n- [Source: hypertension_guidelines.md] Lifestyle first.")
}

func TestSessionCommit_RecordsEvents(t *testing.T) {
	sess := NewSession("s-1")
	sess.ClearChanges()

	next := sess.State.Clone()
	next.Apply(Update{PatientID: Ptr("p1"), AppendTurns: []Turn{
		UserTurn("Review patient p1"),
		RecommendationTurn(&Recommendation{Assessment: "a", Plan: "p", Evidence: []Citation{{Source: "s.md"}}}),
	}})
	require.NoError(t, sess.Commit(next, 0, "req-1"))

	changes := sess.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, EventTurnCompleted, changes[0].EventType)
	assert.Equal(t, EventRecommendationIssued, changes[1].EventType)
	assert.Equal(t, "req-1", changes[1].CorrelationID)
	assert.Equal(t, "p1", changes[1].PatientID)
}
