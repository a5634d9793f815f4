package reasoning

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-cds/internal/domain/conversation"
	"github.com/drfirst/go-cds/internal/llm"
)

const instructions = `You are an expert Clinical Decision Support agent.
Your goal is an evidence-based treatment recommendation for the clinician's latest question.

1. Analyze the patient's current conditions, labs and medications.
2. Check whether the current treatment aligns with the clinical guidelines below.
3. Recommend changes: start, stop or adjust medications, and follow-up.
4. Cite the specific guideline source that supports each decision.

Use the available tools when they add information you do not have, for example
cardiovascular risk for a statin decision or drug interactions before adding a medication.
When you answer, fill assessment, plan and evidence. Evidence sources must be taken from
the "Source:" lines of the guidelines. Never invent a source.`

const finalNotice = `The tool budget for this request is spent. Answer now with the information available.`

func buildMessages(in Input) []llm.Message {
	var sys strings.Builder
	sys.WriteString(instructions)
	sys.WriteString("\n\n=== PATIENT DATA ===\n")
	if strings.TrimSpace(in.PatientRecord) == "" {
		sys.WriteString("No patient record available.\n")
	} else {
		sys.WriteString(in.PatientRecord)
		sys.WriteString("\n")
	}
	sys.WriteString("\n=== CLINICAL GUIDELINES ===\n")
	if len(in.Passages) == 0 {
		sys.WriteString("No guideline passages were retrieved. Say so in the evidence.\n")
	}
	for i, p := range in.Passages {
		if i > 0 {
			sys.WriteString("\n")
		}
		fmt.Fprintf(&sys, "Source: %s\n%s\n", p.Source, strings.TrimSpace(p.Content))
	}
	if !in.AllowTools {
		sys.WriteString("\n")
		sys.WriteString(finalNotice)
	}

	msgs := []llm.Message{llm.System(sys.String())}
	return append(msgs, history(in.Transcript)...)
}

// history maps the tail of the transcript onto chat messages. The window
// never starts on a tool result whose request was cut off.
func history(transcript []conversation.Turn) []llm.Message {
	start := len(transcript) - historyTurns
	if start < 0 {
		start = 0
	}
	for start < len(transcript) && transcript[start].Role == conversation.RoleTool {
		start++
	}

	msgs := make([]llm.Message, 0, len(transcript)-start)
	for _, t := range transcript[start:] {
		switch t.Role {
		case conversation.RoleUser:
			msgs = append(msgs, llm.User(t.Content))
		case conversation.RoleSystem:
			msgs = append(msgs, llm.System(t.Content))
		case conversation.RoleTool:
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    t.Content,
				Name:       t.ToolName,
				ToolCallID: t.ToolCallID,
			})
		case conversation.RoleAssistant:
			m := llm.Message{Role: llm.RoleAssistant, Content: t.Content}
			for _, c := range t.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: string(c.Arguments)})
			}
			msgs = append(msgs, m)
		}
	}
	return msgs
}
