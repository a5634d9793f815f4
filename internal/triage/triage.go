// Package triage extracts the patient identifier and clinical intent from
// the latest user message.
package triage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/llm"
)

// DefaultIntent is used whenever the intent cannot be determined
const DefaultIntent = "general review"

// ClarificationText is the assistant turn that ends a cycle without a patient
const ClarificationText = "I need a patient identifier to continue. " +
	"Please tell me which patient this is about (for example: \"Review patient test-patient-001\")."

// contextTurns is how much earlier conversation the classifier sees
const contextTurns = 6

// Result is the triage classification
type Result struct {
	PatientID          string
	ClinicalIntent     string
	NeedsClarification bool
}

type output struct {
	PatientID          string `json:"patient_id" description:"Patient identifier mentioned in the latest message, or an empty string"`
	ClinicalIntent     string `json:"clinical_intent" description:"One-sentence normalized summary of the clinical question"`
	NeedsClarification bool   `json:"needs_clarification" description:"True when the request is too ambiguous to act on"`
}

// Classifier runs triage against the language service
type Classifier struct {
	client llm.Client
	logger *zap.Logger
}

// NewClassifier creates a new classifier
func NewClassifier(client llm.Client, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{client: client, logger: logger}
}

// Classify never fails: any classifier error yields NeedsClarification with
// the default intent.
func (c *Classifier) Classify(ctx context.Context, transcript []conversation.Turn) Result {
	latest := ""
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == conversation.RoleUser {
			latest = transcript[i].Content
			break
		}
	}
	if strings.TrimSpace(latest) == "" {
		return Result{ClinicalIntent: DefaultIntent, NeedsClarification: true}
	}

	out, err := llm.CompleteStructured[output](ctx, c.client, "triage", []llm.Message{
		llm.System(systemPrompt),
		llm.User(buildPrompt(transcript, latest)),
	})
	if err != nil {
		c.logger.Warn("triage classification failed", zap.Error(err))
		return Result{ClinicalIntent: DefaultIntent, NeedsClarification: true}
	}

	res := Result{
		PatientID:          NormalizePatientID(out.PatientID),
		ClinicalIntent:     strings.TrimSpace(out.ClinicalIntent),
		NeedsClarification: out.NeedsClarification,
	}
	if res.ClinicalIntent == "" {
		res.ClinicalIntent = DefaultIntent
	}
	return res
}

// NormalizePatientID maps the placeholder values models emit for "no id"
// to the empty string.
func NormalizePatientID(id string) string {
	id = strings.Trim(strings.TrimSpace(id), `"'.,`)
	switch strings.ToLower(id) {
	case "", "null", "none", "nil", "n/a", "na", "unknown", "<id>":
		return ""
	}
	return id
}

// ClarificationTurn returns the assistant turn asking for a patient id
func ClarificationTurn() conversation.Turn {
	return conversation.AssistantTurn(ClarificationText)
}

const systemPrompt = `You are a clinical triage assistant.
Extract the patient identifier and summarize the clinical question from the latest user message.
Only report a patient identifier that literally appears in the conversation. Never invent one.
Set needs_clarification when the request cannot be acted on without more information.`

func buildPrompt(transcript []conversation.Turn, latest string) string {
	var b strings.Builder
	start := len(transcript) - contextTurns
	if start < 0 {
		start = 0
	}
	earlier := transcript[start:]
	if len(earlier) > 1 {
		b.WriteString("EARLIER CONVERSATION:\n")
		for _, t := range earlier[:len(earlier)-1] {
			if t.Role != conversation.RoleUser && t.Role != conversation.RoleAssistant {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", t.Role, truncate(t.Content, 400))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "LATEST USER MESSAGE:\n%q\n", latest)
	return b.String()
}

// truncate keeps the first n runes of s
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
