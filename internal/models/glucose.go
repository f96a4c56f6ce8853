// Package models contains data structures used throughout the application
package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// MgdlPerMmol converts mmol/L to mg/dL
const MgdlPerMmol = 18.0182

// Glucose unit labels
const (
	UnitsMgdl = "mg/dL"
	UnitsMmol = "mmol/L"
)

// ErrUnknownUnits is returned when a measurement carries a unit label that cannot be normalized
var ErrUnknownUnits = errors.New("unknown units")

// ErrInvalidValue is returned for negative or non-finite measurement values
var ErrInvalidValue = errors.New("invalid measurement value")

// GlucoseSource tags where a glucose reading came from
type GlucoseSource int

const (
	// SourceManual is a fingerstick reading entered by the user ("smbg")
	SourceManual GlucoseSource = iota
	// SourceCGM is a continuous monitor reading ("cbg")
	SourceCGM
)

// String returns the Tidepool type name of the source
func (s GlucoseSource) String() string {
	switch s {
	case SourceManual:
		return "smbg"
	case SourceCGM:
		return "cbg"
	}
	return fmt.Sprintf("GlucoseSource(%d)", int(s))
}

// Glucose is a single glucose reading, always stored in mg/dL
type Glucose struct {
	value  float64
	source GlucoseSource
}

// NewGlucose normalizes a reading to mg/dL
func NewGlucose(value float64, units string, source GlucoseSource) (Glucose, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return Glucose{}, fmt.Errorf("glucose %v: %w", value, ErrInvalidValue)
	}

	switch {
	case strings.EqualFold(units, UnitsMgdl):
	case strings.EqualFold(units, UnitsMmol):
		value *= MgdlPerMmol
	default:
		return Glucose{}, fmt.Errorf("glucose units %q: %w", units, ErrUnknownUnits)
	}

	return Glucose{value: value, source: source}, nil
}

// Value returns the reading in mg/dL
func (g Glucose) Value() float64 {
	return g.value
}

// Units always reports mg/dL
func (g Glucose) Units() string {
	return UnitsMgdl
}

// Source returns the provenance tag
func (g Glucose) Source() GlucoseSource {
	return g.source
}

// IsCGM reports whether the reading came from a continuous monitor
func (g Glucose) IsCGM() bool {
	return g.source == SourceCGM
}

// ValueMmolL returns the glucose value in mmol/L
func (g Glucose) ValueMmolL() float64 {
	return ToMmol(g.value)
}

// ToMmol converts mg/dL to mmol/L
func ToMmol(mgdl float64) float64 {
	return mgdl / MgdlPerMmol
}

// ToMgdl converts mmol/L to mg/dL
func ToMgdl(mmol float64) float64 {
	return mmol * MgdlPerMmol
}
