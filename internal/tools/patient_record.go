package tools

import (
	"context"
)

// PatientRecordToolName is the registered name of the record fetch tool
const PatientRecordToolName = "fetch_patient_record"

// RecordFetcher returns the consolidated record text for a patient
type RecordFetcher interface {
	Fetch(ctx context.Context, patientID string) string
}

// PatientRecordArgs are the record fetch inputs
type PatientRecordArgs struct {
	PatientID string `json:"patient_id" description:"FHIR Patient resource id" validate:"required,max=128"`
}

// NewPatientRecordTool returns a tool that fetches a full patient record
func NewPatientRecordTool(fetcher RecordFetcher) Tool {
	return MustNew(PatientRecordToolName,
		"Retrieve the full clinical record (demographics, recent labs and vitals, active medications, conditions, allergies) for a patient id.",
		func(ctx context.Context, a PatientRecordArgs) (Result, error) {
			return Result{Text: fetcher.Fetch(ctx, a.PatientID)}, nil
		})
}
