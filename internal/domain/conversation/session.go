package conversation

import (
	"time"
)

// Session owns the transcript and latest state for one session key
type Session struct {
	Key       string    `json:"key"`
	State     *State    `json:"state"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	changes []*Event
}

// NewSession creates a session with empty state
func NewSession(key string) *Session {
	now := time.Now().UTC()
	s := &Session{
		Key:       key,
		State:     NewState(),
		CreatedAt: now,
		UpdatedAt: now,
		changes:   make([]*Event, 0),
	}
	if ev, err := NewEvent(key, EventSessionStarted, map[string]string{"session_key": key}); err == nil {
		s.changes = append(s.changes, ev)
	}
	return s
}

// RestoreSession rebuilds a persisted session without recording events
func RestoreSession(key string, state *State, version int, createdAt, updatedAt time.Time) *Session {
	if state == nil {
		state = NewState()
	}
	return &Session{
		Key:       key,
		State:     state,
		Version:   version,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		changes:   make([]*Event, 0),
	}
}

// Changes returns uncommitted events
func (s *Session) Changes() []*Event { return s.changes }

// ClearChanges clears uncommitted events
func (s *Session) ClearChanges() { s.changes = make([]*Event, 0) }

// IsNew reports whether the session has never been persisted
func (s *Session) IsNew() bool { return s.Version == 0 }

// Commit replaces the session state with the result of a completed cycle and
// records the matching domain events. transcriptBefore is the transcript
// length before the cycle's user turn was appended.
func (s *Session) Commit(next *State, transcriptBefore int, correlationID string) error {
	s.State = next
	s.UpdatedAt = time.Now().UTC()

	appended := len(next.Transcript) - transcriptBefore
	done := &TurnCompletedData{
		SessionKey:          s.Key,
		PatientID:           next.PatientID,
		ClinicalIntent:      next.ClinicalIntent,
		TurnsAppended:       appended,
		Clarification:       next.NeedsClarification && !next.HasPatient(),
		Verdict:             next.GradingVerdict,
		RetrievalRetryCount: next.RetrievalRetryCount,
		ToolRounds:          next.ToolRounds,
		CompletedAt:         s.UpdatedAt,
	}
	ev, err := NewEvent(s.Key, EventTurnCompleted, done)
	if err != nil {
		return err
	}
	ev.PatientID = next.PatientID
	s.changes = append(s.changes, ev.WithCorrelation(correlationID))

	last, ok := next.LastTurn()
	if !ok || last.Recommendation == nil {
		return nil
	}
	issued := &RecommendationIssuedData{
		SessionKey:     s.Key,
		PatientID:      next.PatientID,
		ClinicalIntent: next.ClinicalIntent,
		TurnID:         last.ID,
		Recommendation: *last.Recommendation,
		IssuedAt:       s.UpdatedAt,
	}
	ev, err = NewEvent(s.Key, EventRecommendationIssued, issued)
	if err != nil {
		return err
	}
	ev.PatientID = next.PatientID
	s.changes = append(s.changes, ev.WithCorrelation(correlationID))
	return nil
}
