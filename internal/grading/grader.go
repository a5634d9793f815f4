// Package grading judges whether retrieved guideline passages answer the
// clinical intent.
package grading

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/llm"
)

// passageLimit is how much of each passage the classifier sees
const passageLimit = 500

// NoDocumentsFeedback is the feedback for an empty passage set
const NoDocumentsFeedback = "No documents found."

// Grade is the outcome of grading
type Grade struct {
	Verdict  conversation.Verdict
	Feedback string
}

type output struct {
	IsRelevant bool   `json:"is_relevant" description:"True if the passages contain information that answers the intent"`
	Feedback   string `json:"feedback" description:"If irrelevant, what is missing, to guide the next search"`
}

// Grader grades passages with the language service
type Grader struct {
	client llm.Client
	logger *zap.Logger
}

// NewGrader creates a new grader
func NewGrader(client llm.Client, logger *zap.Logger) *Grader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Grader{client: client, logger: logger}
}

// Grade returns irrelevant for an empty passage set without calling the
// classifier. A classifier failure returns VerdictUnknown.
func (g *Grader) Grade(ctx context.Context, intent string, passages []conversation.Passage) Grade {
	if len(passages) == 0 {
		return Grade{Verdict: conversation.VerdictIrrelevant, Feedback: NoDocumentsFeedback}
	}

	out, err := llm.CompleteStructured[output](ctx, g.client, "relevance_grade", []llm.Message{
		llm.System(systemPrompt),
		llm.User(buildPrompt(intent, passages)),
	})
	if err != nil {
		g.logger.Warn("relevance grading failed", zap.Error(err))
		return Grade{Verdict: conversation.VerdictUnknown, Feedback: "Grading unavailable: " + err.Error()}
	}

	if out.IsRelevant {
		return Grade{Verdict: conversation.VerdictRelevant, Feedback: strings.TrimSpace(out.Feedback)}
	}
	return Grade{Verdict: conversation.VerdictIrrelevant, Feedback: strings.TrimSpace(out.Feedback)}
}

const systemPrompt = `You are a medical research evaluator.
Decide whether the retrieved guideline knowledge is sufficient to answer the clinician's intent.
Passages about the right condition that cover the asked aspect are relevant.
Passages about an unrelated condition (for example diabetes guidance for a COPD question) are irrelevant.
When irrelevant, explain what is missing so the next search can be improved.`

func buildPrompt(intent string, passages []conversation.Passage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INTENT: %q\n\nRETRIEVED KNOWLEDGE:\n", intent)
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(truncate(p.Content, passageLimit))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
