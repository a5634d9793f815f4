package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/drfirst/go-cds/internal/llm"
)

// SummarizeToolName is the registered name of the history summarizer
const SummarizeToolName = "summarize_patient_history"

// maxSummaryNotes caps how many notes are sent to the language service
const maxSummaryNotes = 5

// SummarizeArgs are the summarizer inputs
type SummarizeArgs struct {
	ClinicalNotes []string `json:"clinical_notes" description:"Clinical notes or encounter texts, most recent first"`
}

// NewSummarizeTool returns the history summarizer backed by client
func NewSummarizeTool(client llm.Client) Tool {
	return MustNew(SummarizeToolName,
		"Condense clinical notes into a three-bullet History of Present Illness (HPI).",
		func(ctx context.Context, a SummarizeArgs) (Result, error) {
			notes := make([]string, 0, len(a.ClinicalNotes))
			for _, n := range a.ClinicalNotes {
				if strings.TrimSpace(n) != "" {
					notes = append(notes, n)
				}
			}
			if len(notes) == 0 {
				return Result{Text: "No notes available to summarize."}, nil
			}
			if len(notes) > maxSummaryNotes {
				notes = notes[:maxSummaryNotes]
			}

			prompt := fmt.Sprintf(`Summarize the following clinical history into a 3-bullet 'History of Present Illness' (HPI).
Focus on chronic conditions, recent hospitalizations and major procedures.

NOTES:
%s`, strings.Join(notes, "\n---\n"))

			resp, err := client.Complete(ctx, llm.Request{Messages: []llm.Message{llm.User(prompt)}})
			if err != nil {
				return Result{}, fmt.Errorf("summarize history: %w", err)
			}
			if resp == nil || strings.TrimSpace(resp.Content) == "" {
				return Result{}, fmt.Errorf("summarize history: empty response")
			}
			return Result{Text: strings.TrimSpace(resp.Content)}, nil
		})
}
