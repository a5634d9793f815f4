// Package records aggregates patient record store queries into the single
// text block the reasoning engine reads.
package records

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-cds/internal/fhir"
)

// Section placeholders. A failing section degrades to one of these instead
// of failing the whole record.
const (
	NoLabResults      = "No lab results found."
	NoRecentLabs      = "No recent lab results."
	NoActiveMeds      = "No active medications found on file."
	NoConditionsFound = "No conditions found."
	NoConditions      = "No active conditions."
	NoAllergiesOnFile = "No allergies on file."
	NoKnownAllergies  = "No known allergies."
)

// Store is the subset of the FHIR client the gateway needs
type Store interface {
	Read(ctx context.Context, resourceType, id string, v any) error
	Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error)
}

// Config tunes the gateway
type Config struct {
	// LabCount is how many of the most recent observations to include
	LabCount int
	// SectionTimeout bounds each section query
	SectionTimeout time.Duration
}

// DefaultConfig returns the gateway defaults
func DefaultConfig() Config {
	return Config{LabCount: 5, SectionTimeout: 10 * time.Second}
}

// Gateway fetches and formats patient records
type Gateway struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewGateway creates a new gateway
func NewGateway(store Store, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LabCount <= 0 {
		cfg.LabCount = 5
	}
	if cfg.SectionTimeout <= 0 {
		cfg.SectionTimeout = 10 * time.Second
	}
	return &Gateway{store: store, cfg: cfg, logger: logger, tracer: otel.Tracer("records")}
}

// Record is a rendered patient record. Degraded names the sections that
// fell back to placeholder text because their query failed.
type Record struct {
	Text     string
	Degraded []string
}

// Fetch returns the consolidated record text for patientID. It never fails:
// every section degrades to placeholder text on error.
func (g *Gateway) Fetch(ctx context.Context, patientID string) string {
	return g.FetchRecord(ctx, patientID).Text
}

// FetchRecord is Fetch that also reports which sections degraded
func (g *Gateway) FetchRecord(ctx context.Context, patientID string) Record {
	ctx, span := g.tracer.Start(ctx, "records.fetch",
		trace.WithAttributes(attribute.String("patient_id", patientID)))
	defer span.End()

	sections := []struct {
		name string
		fn   func(context.Context, string) (string, error)
		text string
		err  error
	}{
		{name: "demographics", fn: g.demographics},
		{name: "labs", fn: g.labs},
		{name: "medications", fn: g.medications},
		{name: "conditions", fn: g.conditions},
		{name: "allergies", fn: g.allergies},
	}

	// sections are independent; none returns an error to the group so one
	// slow or broken query never cancels the others
	var eg errgroup.Group
	for i := range sections {
		sec := &sections[i]
		eg.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, g.cfg.SectionTimeout)
			defer cancel()
			sec.text, sec.err = sec.fn(sctx, patientID)
			return nil
		})
	}
	_ = eg.Wait()

	var degraded []string
	for _, sec := range sections {
		if sec.err != nil {
			g.logger.Warn("record section degraded",
				zap.String("section", sec.name),
				zap.String("patient_id", patientID),
				zap.Error(sec.err))
			degraded = append(degraded, sec.name)
		}
	}
	if len(degraded) > 0 {
		span.SetAttributes(attribute.StringSlice("degraded_sections", degraded))
	}

	return Record{
		Text: Format(patientID, sections[0].text, sections[1].text, sections[2].text,
			sections[3].text, sections[4].text),
		Degraded: degraded,
	}
}

// Format renders the record block
func Format(patientID, demographics, labs, meds, conditions, allergies string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== PATIENT RECORD: %s ===\n\n", patientID)
	fmt.Fprintf(&b, "[DEMOGRAPHICS]\n%s\n\n", demographics)
	fmt.Fprintf(&b, "[RECENT LABS & VITALS]\n%s\n\n", labs)
	fmt.Fprintf(&b, "[CURRENT MEDICATIONS]\n%s\n\n", meds)
	fmt.Fprintf(&b, "[CONDITIONS]\n%s\n\n", conditions)
	fmt.Fprintf(&b, "[ALLERGIES]\n%s\n\n", allergies)
	b.WriteString("====================================")
	return b.String()
}

func subject(patientID string) string { return "Patient/" + patientID }

// demographics treats an unknown patient as an answer, not a degraded section
func (g *Gateway) demographics(ctx context.Context, patientID string) (string, error) {
	var p fhir.Patient
	if err := g.store.Read(ctx, "Patient", patientID, &p); err != nil {
		if errors.Is(err, fhir.ErrNotFound) {
			return fmt.Sprintf("Error: Patient %s not found.", patientID), nil
		}
		return fmt.Sprintf("Error: demographics unavailable (%v).", err), err
	}
	return fmt.Sprintf("Patient Name: %s\nGender: %s\nDOB: %s",
		orUnknown(p.GetFullName()), orUnknown(p.Gender), orUnknown(p.BirthDate)), nil
}

func (g *Gateway) labs(ctx context.Context, patientID string) (string, error) {
	b, err := g.store.Search(ctx, "Observation", url.Values{
		"subject": {subject(patientID)},
		"_sort":   {"-date"},
		"_count":  {fmt.Sprint(g.cfg.LabCount)},
	})
	if err != nil {
		return NoLabResults, err
	}
	obs, err := fhir.Entries[fhir.Observation](b, "Observation")
	if err != nil {
		return NoLabResults, err
	}
	if len(obs) == 0 {
		return NoRecentLabs, nil
	}
	if len(obs) > g.cfg.LabCount {
		obs = obs[:g.cfg.LabCount]
	}

	lines := make([]string, 0, len(obs))
	for _, o := range obs {
		date := o.Effective()
		if date == "" {
			date = "Unknown Date"
		}
		name := o.Code.Display()
		if name == "" {
			name = "Unknown Test"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s = %s", date, name, observationValue(&o)))
	}
	return strings.Join(lines, "\n"), nil
}

func observationValue(o *fhir.Observation) string {
	if v := o.ValueQuantity.String(); v != "" {
		return v
	}
	if len(o.Component) > 0 {
		parts := make([]string, 0, len(o.Component))
		for _, c := range o.Component {
			val := c.ValueQuantity.String()
			if val == "" {
				val = c.ValueString
			}
			if val == "" {
				val = c.ValueCodeableConcept.Display()
			}
			parts = append(parts, fmt.Sprintf("%s: %s", c.Code.Display(), val))
		}
		return strings.Join(parts, ", ")
	}
	if o.ValueString != "" {
		return o.ValueString
	}
	if v := o.ValueCodeableConcept.Display(); v != "" {
		return v
	}
	return "Check Report"
}

// medications keeps what one resource type returned when the other fails
func (g *Gateway) medications(ctx context.Context, patientID string) (string, error) {
	seen := make(map[string]struct{})
	var meds []string
	var errs []error
	for _, rt := range []string{"MedicationStatement", "MedicationRequest"} {
		b, err := g.store.Search(ctx, rt, url.Values{
			"subject": {subject(patientID)},
			"status":  {fhir.StatusActive},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rt, err))
			continue
		}
		uses, err := fhir.Entries[fhir.MedicationUse](b, rt)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rt, err))
			continue
		}
		for _, u := range uses {
			name := u.MedicationName()
			if name == "" {
				name = "Unknown Medication"
			}
			line := fmt.Sprintf("- [%s] %s", rt, name)
			if _, dup := seen[line]; dup {
				continue
			}
			seen[line] = struct{}{}
			meds = append(meds, line)
		}
	}
	if len(meds) == 0 {
		return NoActiveMeds, errors.Join(errs...)
	}
	slices.Sort(meds)
	return strings.Join(meds, "\n"), errors.Join(errs...)
}

func (g *Gateway) conditions(ctx context.Context, patientID string) (string, error) {
	b, err := g.store.Search(ctx, "Condition", url.Values{"subject": {subject(patientID)}})
	if err != nil {
		return NoConditionsFound, err
	}
	conds, err := fhir.Entries[fhir.Condition](b, "Condition")
	if err != nil {
		return NoConditionsFound, err
	}
	if len(conds) == 0 {
		return NoConditions, nil
	}

	lines := make([]string, 0, len(conds))
	for _, c := range conds {
		name := c.Code.Display()
		if name == "" {
			name = "Unknown Condition"
		}
		status := c.ClinicalStatus.Code("")
		if status == "" {
			status = "unknown"
		}
		lines = append(lines, fmt.Sprintf("- %s (%s)", name, status))
	}
	return strings.Join(lines, "\n"), nil
}

func (g *Gateway) allergies(ctx context.Context, patientID string) (string, error) {
	b, err := g.store.Search(ctx, "AllergyIntolerance", url.Values{"patient": {subject(patientID)}})
	if err != nil {
		return NoAllergiesOnFile, err
	}
	items, err := fhir.Entries[fhir.AllergyIntolerance](b, "AllergyIntolerance")
	if err != nil {
		return NoAllergiesOnFile, err
	}
	if len(items) == 0 {
		return NoKnownAllergies, nil
	}

	lines := make([]string, 0, len(items))
	for _, a := range items {
		substance := a.Code.Display()
		if substance == "" {
			substance = "Unknown Substance"
		}
		reaction := "Unknown reaction"
		if len(a.Reaction) > 0 && len(a.Reaction[0].Manifestation) > 0 {
			if m := a.Reaction[0].Manifestation[0].Display(); m != "" {
				reaction = m
			}
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", substance, reaction))
	}
	return strings.Join(lines, "\n"), nil
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
