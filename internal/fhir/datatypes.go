// Package fhir provides the FHIR data structures read by the patient record
// gateway. Shapes cover both R4 and R5 servers where the two differ.
package fhir

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Source      string   `json:"source,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Display returns the first human-readable label: the first coding display,
// then the text, then the first code.
func (c *CodeableConcept) Display() string {
	if c == nil {
		return ""
	}
	for _, cd := range c.Coding {
		if cd.Display != "" {
			return cd.Display
		}
	}
	if c.Text != "" {
		return c.Text
	}
	for _, cd := range c.Coding {
		if cd.Code != "" {
			return cd.Code
		}
	}
	return ""
}

// Code returns the first code, optionally restricted to a system.
func (c *CodeableConcept) Code(system string) string {
	if c == nil {
		return ""
	}
	for _, cd := range c.Coding {
		if system == "" || cd.System == system {
			return cd.Code
		}
	}
	return ""
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// ID extracts the id from references like "Patient/123" or "urn:uuid:123".
func (r *Reference) ID() string {
	if r == nil {
		return ""
	}
	ref := r.Reference
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}

// CodeableReference is new in FHIR R5 - either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Display returns the concept label or the reference display.
func (c *CodeableReference) Display() string {
	if c == nil {
		return ""
	}
	if d := c.Concept.Display(); d != "" {
		return d
	}
	if c.Reference != nil {
		return c.Reference.Display
	}
	return ""
}

// ConceptOrReference decodes a field that is a CodeableConcept on R4 servers
// and a CodeableReference on R5 servers.
type ConceptOrReference struct {
	CodeableReference
}

// UnmarshalJSON implements json.Unmarshaler
func (c *ConceptOrReference) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	_, hasConcept := probe["concept"]
	_, hasRef := probe["reference"]
	if hasConcept || hasRef {
		return json.Unmarshal(data, &c.CodeableReference)
	}
	var cc CodeableConcept
	if err := json.Unmarshal(data, &cc); err != nil {
		return err
	}
	c.Concept = &cc
	return nil
}

// Period represents a time period. Dates stay as the server sent them since
// FHIR allows partial dates.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value      *float64 `json:"value,omitempty"`
	Comparator string   `json:"comparator,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	System     string   `json:"system,omitempty"`
	Code       string   `json:"code,omitempty"`
}

// String renders "value unit"; empty when no value is present.
func (q *Quantity) String() string {
	if q == nil || q.Value == nil {
		return ""
	}
	s := q.Comparator + strconv.FormatFloat(*q.Value, 'f', -1, 64)
	unit := q.Unit
	if unit == "" {
		unit = q.Code
	}
	if unit != "" {
		s += " " + unit
	}
	return s
}

// HumanName represents a human name.
type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
}

// Full returns the text form, or given names followed by the family name.
func (n *HumanName) Full() string {
	if n == nil {
		return ""
	}
	if n.Text != "" {
		return n.Text
	}
	parts := make([]string, 0, len(n.Given)+1)
	parts = append(parts, n.Given...)
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	return strings.Join(parts, " ")
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// Summary joins the issue diagnostics into one line.
func (o *OperationOutcome) Summary() string {
	msgs := make([]string, 0, len(o.Issue))
	for _, is := range o.Issue {
		msg := is.Diagnostics
		if msg == "" {
			msg = is.Details.Display()
		}
		if msg == "" {
			msg = is.Code
		}
		msgs = append(msgs, is.Severity+": "+msg)
	}
	return strings.Join(msgs, "; ")
}

// Common code systems
const (
	SystemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemSNOMED = "http://snomed.info/sct"
	SystemLOINC  = "http://loinc.org"
	SystemUCUM   = "http://unitsofmeasure.org"
)

// Statuses used in record queries
const (
	StatusActive = "active"
)
