package conversation

import "slices"

// MaxRetrievalRetries bounds the retrieval retry counter
const MaxRetrievalRetries = 3

// Verdict is the grader's judgment on a retrieved passage set
type Verdict string

const (
	VerdictUnknown    Verdict = "unknown"
	VerdictRelevant   Verdict = "relevant"
	VerdictIrrelevant Verdict = "irrelevant"
)

// Passage is a single retrieved guideline excerpt
type Passage struct {
	Content   string  `json:"content"`
	Source    string  `json:"source"`
	Condition string  `json:"condition,omitempty"`
	Score     float64 `json:"relevance_score"`
}

// State is the record threaded through the graph for one processing cycle.
// Fields are only changed through Apply so each keeps its merge rule.
type State struct {
	Transcript          []Turn    `json:"transcript"`
	PatientID           string    `json:"patient_id,omitempty"`
	PatientRecord       string    `json:"patient_record,omitempty"`
	RecordPatientID     string    `json:"record_patient_id,omitempty"`
	RecordDegraded      bool      `json:"record_degraded,omitempty"`
	ClinicalIntent      string    `json:"clinical_intent,omitempty"`
	NeedsClarification  bool      `json:"needs_clarification"`
	RetrievedPassages   []Passage `json:"retrieved_passages"`
	SearchQuery         string    `json:"search_query,omitempty"`
	ConditionFilter     string    `json:"condition_filter,omitempty"`
	GradingVerdict      Verdict   `json:"grading_verdict"`
	GradingFeedback     string    `json:"grading_feedback,omitempty"`
	RetrievalRetryCount int       `json:"retrieval_retry_count"`

	// per-cycle bookkeeping, reset by BeginCycle
	Retrievals int `json:"retrievals"`
	ToolRounds int `json:"tool_rounds"`
	// WrapUp is set once the cycle is out of time: no more retrieval
	// retries or tool rounds, reasoning answers with what it has
	WrapUp bool `json:"wrap_up,omitempty"`
}

// NewState returns the state of a freshly created session
func NewState() *State {
	return &State{
		Transcript:        make([]Turn, 0),
		RetrievedPassages: make([]Passage, 0),
		GradingVerdict:    VerdictUnknown,
	}
}

// Update is the patch a node returns. Nil fields leave state untouched.
type Update struct {
	AppendTurns        []Turn
	PatientID          *string
	PatientRecord      *string
	RecordDegraded     bool
	ClinicalIntent     *string
	NeedsClarification *bool
	Passages           *[]Passage
	SearchQuery        *string
	ConditionFilter    *string
	Verdict            *Verdict
	Feedback           *string
	IncrementRetry     bool
	CountRetrieval     bool
	CountToolRound     bool
	WrapUp             bool
}

// Ptr returns a pointer to v, for building updates
func Ptr[T any](v T) *T { return &v }

// Apply merges u into the state:
//   - transcript is append-only
//   - patient id is last-write-wins but an empty value never clears a known id
//   - a patient id that differs from the cached record's owner drops the record
//   - a record replaces the cached one along with its degraded flag
//   - passages, query, filter, verdict and feedback are replaced
//   - the retry counter never exceeds MaxRetrievalRetries
func (s *State) Apply(u Update) {
	if len(u.AppendTurns) > 0 {
		s.Transcript = append(s.Transcript, u.AppendTurns...)
	}
	if u.PatientID != nil && *u.PatientID != "" {
		s.PatientID = *u.PatientID
		if s.RecordPatientID != "" && s.RecordPatientID != s.PatientID {
			s.PatientRecord = ""
			s.RecordPatientID = ""
			s.RecordDegraded = false
		}
	}
	if u.PatientRecord != nil {
		s.PatientRecord = *u.PatientRecord
		s.RecordPatientID = s.PatientID
		s.RecordDegraded = u.RecordDegraded
	}
	if u.ClinicalIntent != nil {
		s.ClinicalIntent = *u.ClinicalIntent
	}
	if u.NeedsClarification != nil {
		s.NeedsClarification = *u.NeedsClarification
	}
	if u.Passages != nil {
		s.RetrievedPassages = slices.Clone(*u.Passages)
		if s.RetrievedPassages == nil {
			s.RetrievedPassages = make([]Passage, 0)
		}
	}
	if u.SearchQuery != nil {
		s.SearchQuery = *u.SearchQuery
	}
	if u.ConditionFilter != nil {
		s.ConditionFilter = *u.ConditionFilter
	}
	if u.Verdict != nil {
		s.GradingVerdict = *u.Verdict
	}
	if u.Feedback != nil {
		s.GradingFeedback = *u.Feedback
	}
	if u.IncrementRetry && s.RetrievalRetryCount < MaxRetrievalRetries {
		s.RetrievalRetryCount++
	}
	if u.CountRetrieval {
		s.Retrievals++
	}
	if u.CountToolRound {
		s.ToolRounds++
	}
	if u.WrapUp {
		s.WrapUp = true
	}
}

// BeginCycle resets the per-cycle bookkeeping before a new user turn is run
func (s *State) BeginCycle() {
	s.NeedsClarification = false
	s.Retrievals = 0
	s.ToolRounds = 0
	s.WrapUp = false
}

// HasPatient reports whether a patient id is known
func (s *State) HasPatient() bool { return s.PatientID != "" }

// HasRecord reports whether a usable record for the current patient is
// cached. A record with sections lost to store failures is fetched again.
func (s *State) HasRecord() bool {
	return s.PatientRecord != "" && s.RecordPatientID == s.PatientID && !s.RecordDegraded
}

// LastTurn returns the most recent turn
func (s *State) LastTurn() (Turn, bool) {
	if len(s.Transcript) == 0 {
		return Turn{}, false
	}
	return s.Transcript[len(s.Transcript)-1], true
}

// Clone returns a copy that shares no mutable slices with s
func (s *State) Clone() *State {
	c := *s
	c.Transcript = slices.Clone(s.Transcript)
	c.RetrievedPassages = slices.Clone(s.RetrievedPassages)
	if c.Transcript == nil {
		c.Transcript = make([]Turn, 0)
	}
	if c.RetrievedPassages == nil {
		c.RetrievedPassages = make([]Passage, 0)
	}
	return &c
}
