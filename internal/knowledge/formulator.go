package knowledge

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/llm"
)

// GenericQuery is searched when no query can be formulated
const GenericQuery = "clinical practice guideline treatment recommendations"

// recordLimit bounds how many runes of the patient record the formulator sees
const recordLimit = 4000

// Query is a formulated search
type Query struct {
	Text      string
	Condition string
}

// FormulateInput carries what a query is derived from
type FormulateInput struct {
	PatientRecord string
	Intent        string
	PreviousQuery string
	Feedback      string
}

// IsRetry reports whether an earlier query for this cycle exists
func (in FormulateInput) IsRetry() bool { return in.PreviousQuery != "" }

type formulation struct {
	ConditionFilter string `json:"condition_filter" enum:"Hypertension,Diabetes,COPD,none" description:"Guideline category to restrict the search to, or none"`
	SearchQuery     string `json:"search_query" description:"Keyword-rich query for a semantic search over clinical guidelines"`
}

// Formulator derives a guideline search from the patient context
type Formulator struct {
	client llm.Client
	logger *zap.Logger
}

// NewFormulator creates a new formulator
func NewFormulator(client llm.Client, logger *zap.Logger) *Formulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Formulator{client: client, logger: logger}
}

// Formulate never fails. Malformed or failed classification falls back to
// GenericQuery without a filter, and a retry never repeats the previous
// query verbatim.
func (f *Formulator) Formulate(ctx context.Context, in FormulateInput) Query {
	q := f.formulate(ctx, in)
	if in.IsRetry() && strings.EqualFold(strings.TrimSpace(q.Text), strings.TrimSpace(in.PreviousQuery)) {
		q.Text = diverge(q.Text, in)
	}
	return q
}

func (f *Formulator) formulate(ctx context.Context, in FormulateInput) Query {
	out, err := llm.CompleteStructured[formulation](ctx, f.client, "search_query", []llm.Message{
		llm.System(formulatorPrompt),
		llm.User(buildFormulatorPrompt(in)),
	})
	if err != nil {
		f.logger.Warn("query formulation failed, using generic query", zap.Error(err))
		return Query{Text: GenericQuery}
	}

	text := strings.TrimSpace(out.SearchQuery)
	if text == "" {
		f.logger.Warn("query formulation returned an empty query")
		return Query{Text: GenericQuery}
	}
	return Query{Text: text, Condition: NormalizeCondition(out.ConditionFilter)}
}

func diverge(text string, in FormulateInput) string {
	extra := strings.TrimSpace(in.Intent)
	if extra == "" || strings.Contains(strings.ToLower(text), strings.ToLower(extra)) {
		extra = strings.TrimSpace(in.Feedback)
	}
	if extra == "" {
		extra = "guideline recommendations"
	}
	return text + " " + extra
}

const formulatorPrompt = `You write search queries for a clinical guideline index.
The index is tagged by condition: Hypertension, Diabetes, COPD.
Pick the condition that matches the patient's problem and the clinician's intent, or none when no tag fits.
Write a keyword-rich search query describing the guidance needed.
If a previous query failed, write a different query that addresses the reviewer feedback.`

func buildFormulatorPrompt(in FormulateInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CLINICAL INTENT: %q\n\n", in.Intent)
	record := in.PatientRecord
	if r := []rune(record); len(r) > recordLimit {
		record = string(r[:recordLimit])
	}
	if record != "" {
		fmt.Fprintf(&b, "PATIENT RECORD:\n%s\n\n", record)
	}
	if in.IsRetry() {
		fmt.Fprintf(&b, "PREVIOUS QUERY (did not find relevant guidance): %q\n", in.PreviousQuery)
		if in.Feedback != "" {
			fmt.Fprintf(&b, "REVIEWER FEEDBACK: %s\n", in.Feedback)
		}
	}
	return b.String()
}
