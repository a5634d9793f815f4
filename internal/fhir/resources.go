package fhir

// Patient represents a FHIR Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       *bool        `json:"active,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
}

// GetOfficialName returns the patient's official name, or first available.
func (p *Patient) GetOfficialName() *HumanName {
	for i := range p.Name {
		if p.Name[i].Use == "official" {
			return &p.Name[i]
		}
	}
	if len(p.Name) > 0 {
		return &p.Name[0]
	}
	return nil
}

// GetFullName returns the patient's full name as a string.
func (p *Patient) GetFullName() string {
	return p.GetOfficialName().Full()
}

// Observation represents a lab result or vital sign.
type Observation struct {
	ResourceType         string                 `json:"resourceType"`
	ID                   string                 `json:"id,omitempty"`
	Status               string                 `json:"status,omitempty"`
	Category             []CodeableConcept      `json:"category,omitempty"`
	Code                 CodeableConcept        `json:"code"`
	Subject              *Reference             `json:"subject,omitempty"`
	EffectiveDateTime    string                 `json:"effectiveDateTime,omitempty"`
	EffectivePeriod      *Period                `json:"effectivePeriod,omitempty"`
	Issued               string                 `json:"issued,omitempty"`
	ValueQuantity        *Quantity              `json:"valueQuantity,omitempty"`
	ValueString          string                 `json:"valueString,omitempty"`
	ValueCodeableConcept *CodeableConcept       `json:"valueCodeableConcept,omitempty"`
	Component            []ObservationComponent `json:"component,omitempty"`
}

// ObservationComponent is one part of a panel observation such as blood pressure.
type ObservationComponent struct {
	Code                 CodeableConcept  `json:"code"`
	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
}

// Effective returns the clinically relevant time of the observation.
func (o *Observation) Effective() string {
	switch {
	case o.EffectiveDateTime != "":
		return o.EffectiveDateTime
	case o.EffectivePeriod != nil && o.EffectivePeriod.Start != "":
		return o.EffectivePeriod.Start
	default:
		return o.Issued
	}
}

// Condition represents a diagnosis or problem list entry.
type Condition struct {
	ResourceType       string           `json:"resourceType"`
	ID                 string           `json:"id,omitempty"`
	ClinicalStatus     *CodeableConcept `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept `json:"verificationStatus,omitempty"`
	Code               *CodeableConcept `json:"code,omitempty"`
	Subject            *Reference       `json:"subject,omitempty"`
	OnsetDateTime      string           `json:"onsetDateTime,omitempty"`
	RecordedDate       string           `json:"recordedDate,omitempty"`
}

// AllergyIntolerance represents an allergy or intolerance.
type AllergyIntolerance struct {
	ResourceType   string                       `json:"resourceType"`
	ID             string                       `json:"id,omitempty"`
	ClinicalStatus *CodeableConcept             `json:"clinicalStatus,omitempty"`
	Criticality    string                       `json:"criticality,omitempty"`
	Code           *CodeableConcept             `json:"code,omitempty"`
	Patient        *Reference                   `json:"patient,omitempty"`
	Reaction       []AllergyIntoleranceReaction `json:"reaction,omitempty"`
}

// AllergyIntoleranceReaction describes an adverse reaction. Manifestation is
// a CodeableConcept on R4 and a CodeableReference on R5.
type AllergyIntoleranceReaction struct {
	Substance     *CodeableConcept     `json:"substance,omitempty"`
	Manifestation []ConceptOrReference `json:"manifestation,omitempty"`
	Severity      string               `json:"severity,omitempty"`
}

// MedicationUse holds the fields shared by MedicationStatement and
// MedicationRequest across R4 and R5.
type MedicationUse struct {
	ResourceType string     `json:"resourceType"`
	ID           string     `json:"id,omitempty"`
	Status       string     `json:"status,omitempty"`
	Subject      *Reference `json:"subject,omitempty"`

	// R5
	Medication *CodeableReference `json:"medication,omitempty"`
	// R4
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`

	AuthoredOn        string `json:"authoredOn,omitempty"`
	EffectiveDateTime string `json:"effectiveDateTime,omitempty"`
}

// MedicationName returns the medication label from whichever shape the
// server used.
func (m *MedicationUse) MedicationName() string {
	if name := m.MedicationCodeableConcept.Display(); name != "" {
		return name
	}
	if name := m.Medication.Display(); name != "" {
		return name
	}
	if m.MedicationReference != nil {
		return m.MedicationReference.Display
	}
	return ""
}

// RxNorm returns the RxNorm code if the medication carries one.
func (m *MedicationUse) RxNorm() string {
	if code := m.MedicationCodeableConcept.Code(SystemRxNorm); code != "" {
		return code
	}
	if m.Medication != nil {
		return m.Medication.Concept.Code(SystemRxNorm)
	}
	return ""
}
