package models

import (
	"math"
	"time"
)

// WindowStats is one row of the windowed daily-stats table
type WindowStats struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	TotalInsulin float64 `json:"totalInsulin"`
	TotalBasal   float64 `json:"totalBasal"`
	TotalBolus   float64 `json:"totalBolus"`
	TotalCarbs   float64 `json:"totalCarbs"`

	BolusCount   int `json:"bolusCount"`
	BasalCount   int `json:"basalCount"`
	CarbCount    int `json:"carbCount"`
	GlucoseCount int `json:"glucoseCount"`
	CGMCount     int `json:"cgmCount"`

	// Glucose fields are NaN when GlucoseDefined is false
	GlucoseDefined   bool    `json:"glucoseDefined"`
	GlucoseGeoMean   float64 `json:"glucoseGeoMean"`
	GlucoseGeoStd    float64 `json:"glucoseGeoStd"`
	GlucoseMean      float64 `json:"glucoseMean"`
	GlucoseDelta     float64 `json:"glucoseDelta"`     // last minus first reading
	PercentInRange   float64 `json:"percentInRange"`   // fraction 0..1
	PercentBelow54   float64 `json:"percentBelow54"`   // fraction 0..1
	PercentAbove250  float64 `json:"percentAbove250"`  // fraction 0..1
	PercentAvailable float64 `json:"percentAvailable"` // CGM coverage, fraction 0..1

	CarbInsulinRatio float64 `json:"carbInsulinRatio"` // carbs / (insulin * 0.5)
	ResidualCGM      float64 `json:"residualCgm"`      // geo mean - target
}

// Duration returns the window length
func (w WindowStats) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Date returns the calendar day the window starts on
func (w WindowStats) Date() string {
	return w.Start.Format("2006-01-02")
}

// HasGlucose reports whether the glucose fields carry real values
func (w WindowStats) HasGlucose() bool {
	return w.GlucoseDefined && !math.IsNaN(w.GlucoseGeoMean)
}
