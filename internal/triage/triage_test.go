package triage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/llm"
)

func TestClassify_ResolvesPatient(t *testing.T) {
	client := llm.NewScripted().OnSchema("triage",
		`{"patient_id":"test-patient-001","clinical_intent":"Review hypertension management","needs_clarification":false}`)
	c := NewClassifier(client, nil)

	res := c.Classify(context.Background(), []conversation.Turn{conversation.UserTurn("Review patient test-patient-001")})
	assert.Equal(t, "test-patient-001", res.PatientID)
	assert.Equal(t, "Review hypertension management", res.ClinicalIntent)
	assert.False(t, res.NeedsClarification)
}

func TestClassify_NullishIDs(t *testing.T) {
	for _, raw := range []string{"", "null", "None", " n/a ", "unknown"} {
		assert.Empty(t, NormalizePatientID(raw), raw)
	}
	assert.Equal(t, "p-42", NormalizePatientID(" 'p-42'. "))
}

func TestClassify_FailuresAskForClarification(t *testing.T) {
	tests := []struct {
		name   string
		client *llm.Scripted
	}{
		{"upstream error", llm.NewScripted().FailSchema("triage", errors.New("503"))},
		{"malformed output", llm.NewScripted().OnSchema("triage", "PATIENT_ID: 123")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewClassifier(tt.client, nil).Classify(context.Background(),
				[]conversation.Turn{conversation.UserTurn("Review patient 123")})
			assert.True(t, res.NeedsClarification)
			assert.Empty(t, res.PatientID)
			assert.Equal(t, DefaultIntent, res.ClinicalIntent)
		})
	}
}

func TestClassify_NoUserMessage(t *testing.T) {
	client := llm.NewScripted()
	res := NewClassifier(client, nil).Classify(context.Background(), nil)
	assert.True(t, res.NeedsClarification)
	assert.Empty(t, client.Requests(), "classifier is not called without a user message")
}

func TestBuildPrompt_TruncatesOnRuneBoundary(t *testing.T) {
	// 399 ASCII bytes put the cut inside the first two-byte rune under byte slicing
	long := strings.Repeat("a", 399) + strings.Repeat("é", 50)
	prompt := buildPrompt([]conversation.Turn{
		conversation.UserTurn(long),
		conversation.UserTurn("Review patient p1"),
	}, "Review patient p1")

	assert.True(t, utf8.ValidString(prompt))
	assert.Contains(t, prompt, strings.Repeat("a", 399)+"é...")
	assert.Equal(t, "héllo", truncate("héllo", 5))
	assert.Equal(t, "hé...", truncate("héllo", 2))
}
