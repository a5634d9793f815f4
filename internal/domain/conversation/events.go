package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventSessionStarted       EventType = "SessionStarted"
	EventTurnCompleted        EventType = "TurnCompleted"
	EventRecommendationIssued EventType = "RecommendationIssued"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(sessionKey string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   sessionKey,
		AggregateType: "Session",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// TurnCompletedData describes one finished cycle
type TurnCompletedData struct {
	SessionKey          string    `json:"session_key"`
	PatientID           string    `json:"patient_id,omitempty"`
	ClinicalIntent      string    `json:"clinical_intent,omitempty"`
	TurnsAppended       int       `json:"turns_appended"`
	Clarification       bool      `json:"clarification"`
	Verdict             Verdict   `json:"grading_verdict"`
	RetrievalRetryCount int       `json:"retrieval_retry_count"`
	ToolRounds          int       `json:"tool_rounds"`
	CompletedAt         time.Time `json:"completed_at"`
}

// RecommendationIssuedData carries a final recommendation
type RecommendationIssuedData struct {
	SessionKey     string         `json:"session_key"`
	PatientID      string         `json:"patient_id"`
	ClinicalIntent string         `json:"clinical_intent,omitempty"`
	TurnID         string         `json:"turn_id"`
	Recommendation Recommendation `json:"recommendation"`
	IssuedAt       time.Time      `json:"issued_at"`
}

// WithCorrelation sets the correlation id, typically the request id
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}
