package models

import (
	"fmt"
	"strings"
)

// WeightScheme selects how daily samples are weighted in the fit
type WeightScheme string

// Weighting schemes
const (
	SchemeNone            WeightScheme = ""
	SchemeCGMWeighted     WeightScheme = "CGM Weighted"
	SchemeCarbUncertainty WeightScheme = "Carb Uncertainty"
)

// ParseWeightScheme accepts the display names and short aliases
func ParseWeightScheme(s string) (WeightScheme, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SchemeNone, nil
	case "cgm weighted", "cgm", "cgm_weighted":
		return SchemeCGMWeighted, nil
	case "carb uncertainty", "carb", "carb_uncertainty":
		return SchemeCarbUncertainty, nil
	}
	return SchemeNone, fmt.Errorf("unknown weight scheme %q", s)
}

// String returns the display name
func (w WeightScheme) String() string {
	if w == SchemeNone {
		return "none"
	}
	return string(w)
}

// LinearModel is a fitted line y = Slope*x + Intercept
type LinearModel struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
}

// Predict evaluates the line at x
func (m LinearModel) Predict(x float64) float64 {
	return m.Slope*x + m.Intercept
}

// MedianEstimate is the daily-median carb ratio estimate
type MedianEstimate struct {
	Defined          bool    `json:"defined"`
	CarbInsulinRatio float64 `json:"carbInsulinRatio"`
	ISF              float64 `json:"isf"`
	Samples          int     `json:"samples"`  // samples that contributed
	Excluded         int     `json:"excluded"` // samples with bolus insulin <= 0
}

// FittedSettings is the result of one estimation run
type FittedSettings struct {
	CarbInsulinRatio float64        `json:"carbInsulinRatio"` // g/U
	ISF              float64        `json:"isf"`              // mg/dL/U
	BasalInsulin     float64        `json:"basalInsulin"`     // U/day
	R2               float64        `json:"r2"`
	K                float64        `json:"k"`
	TargetBG         float64        `json:"targetBg"`
	Model            LinearModel    `json:"model"`
	Median           MedianEstimate `json:"median"`
	Scheme           WeightScheme   `json:"scheme"`
	Samples          int            `json:"samples"`
	Dropped          int            `json:"dropped"` // samples removed for undefined weight
}

// BasalRate returns the basal estimate as an hourly rate
func (s *FittedSettings) BasalRate() float64 {
	return s.BasalInsulin / 24
}

// String formats the settings for logs and notifications
func (s *FittedSettings) String() string {
	return fmt.Sprintf("CIR %.1f g/U, ISF %.1f mg/dL/U, basal %.2f U/day (R² %.2f, K %.2f)",
		s.CarbInsulinRatio, s.ISF, s.BasalInsulin, s.R2, s.K)
}

// PumpSettings are starting settings derived from a clinical formula
type PumpSettings struct {
	Method           string  `json:"method"`
	BasalRate        float64 `json:"basalRate"` // U/hr
	CarbInsulinRatio float64 `json:"carbInsulinRatio"`
	ISF              float64 `json:"isf"`
}

// Demographics holds optional per-user fields
type Demographics struct {
	BirthYear     *int     `json:"birthYear,omitempty"`
	DiagnosisYear *int     `json:"diagnosisYear,omitempty"`
	WeightKg      *float64 `json:"weightKg,omitempty"`
	BMI           *float64 `json:"bmi,omitempty"`
}
