package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// RiskToolName is the registered name of the cardiovascular risk calculator
const RiskToolName = "calculate_cardiovascular_risk"

// RiskArgs are the calculator inputs
type RiskArgs struct {
	Age        int  `json:"age" description:"Patient age in years" validate:"gte=0,lte=130"`
	SystolicBP int  `json:"systolic_bp" description:"Systolic blood pressure in mmHg" validate:"gte=50,lte=300"`
	Smoker     bool `json:"smoker" description:"Current smoker"`
	Diabetic   bool `json:"diabetic" description:"Diagnosed diabetes"`
}

// RiskEstimate is the structured calculator output
type RiskEstimate struct {
	Percent  float64 `json:"percent"`
	Category string  `json:"category"`
}

// Risk categories
const (
	RiskLow      = "Low Risk"
	RiskElevated = "Elevated Risk (Consider Statin)"
	RiskHigh     = "High Risk"
)

// EstimateRisk computes a simplified 10-year ASCVD estimate: 1% base, plus
// 0.2 per year over 40 and 0.1 per mmHg over 120, scaled 1.5x for smokers
// and 1.8x for diabetics, capped at 100%.
func EstimateRisk(a RiskArgs) RiskEstimate {
	score := 1.0
	if a.Age > 40 {
		score += float64(a.Age-40) * 0.2
	}
	if a.SystolicBP > 120 {
		score += float64(a.SystolicBP-120) * 0.1
	}
	if a.Smoker {
		score *= 1.5
	}
	if a.Diabetic {
		score *= 1.8
	}
	score = math.Min(score, 100)

	category := RiskLow
	if score >= 7.5 {
		category = RiskElevated
	}
	if score >= 20 {
		category = RiskHigh
	}
	return RiskEstimate{Percent: score, Category: category}
}

// NewRiskTool returns the cardiovascular risk calculator
func NewRiskTool() Tool {
	return MustNew(RiskToolName,
		"Estimate the 10-year ASCVD cardiovascular risk. Use it to decide whether statin or antihypertensive therapy is indicated.",
		func(_ context.Context, a RiskArgs) (Result, error) {
			est := EstimateRisk(a)
			raw, err := json.Marshal(est)
			if err != nil {
				return Result{}, err
			}
			return Result{
				Text: fmt.Sprintf("10-Year ASCVD Risk Estimate: %.1f%% (%s)", est.Percent, est.Category),
				Raw:  raw,
			}, nil
		})
}
