package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// CarbUnits is the only unit carbohydrate entries are stored in
const CarbUnits = "grams"

// Carb represents a carbohydrate entry
type Carb struct {
	grams      float64
	absorption time.Duration
}

// NewCarb creates a carbohydrate entry. Absorption is optional and may be zero.
func NewCarb(grams float64, units string, absorption time.Duration) (Carb, error) {
	if invalid(grams) {
		return Carb{}, fmt.Errorf("carbs %v: %w", grams, ErrInvalidValue)
	}
	switch strings.ToLower(units) {
	case "grams", "g", "gram":
	default:
		return Carb{}, fmt.Errorf("carb units %q: %w", units, ErrUnknownUnits)
	}
	if absorption < 0 {
		return Carb{}, fmt.Errorf("absorption %v: %w", absorption, ErrInvalidValue)
	}
	return Carb{grams: grams, absorption: absorption}, nil
}

// Grams returns the carbohydrate amount
func (c Carb) Grams() float64 {
	return c.grams
}

// Units returns "grams"
func (c Carb) Units() string {
	return CarbUnits
}

// Absorption returns the expected absorption time, zero if unknown
func (c Carb) Absorption() time.Duration {
	return c.absorption
}

// HasAbsorption reports whether the source encoded an absorption time
func (c Carb) HasAbsorption() bool {
	return c.absorption > 0
}

// Basal is a basal delivery segment
type Basal struct {
	rate     float64 // U/hr
	duration time.Duration
}

// NewBasal creates a basal segment from a rate in U/hr and its duration
func NewBasal(rate float64, duration time.Duration) (Basal, error) {
	if invalid(rate) {
		return Basal{}, fmt.Errorf("basal rate %v: %w", rate, ErrInvalidValue)
	}
	if duration < 0 {
		return Basal{}, fmt.Errorf("basal duration %v: %w", duration, ErrInvalidValue)
	}
	return Basal{rate: rate, duration: duration}, nil
}

// Rate returns the delivery rate in U/hr
func (b Basal) Rate() float64 {
	return b.rate
}

// Duration returns how long the segment ran
func (b Basal) Duration() time.Duration {
	return b.duration
}

// Hours returns the duration in hours
func (b Basal) Hours() float64 {
	return b.duration.Hours()
}

// Delivered returns the insulin delivered over the whole segment
func (b Basal) Delivered() float64 {
	return b.rate * b.Hours()
}

// DeliveredBetween returns the insulin delivered in the part of the segment
// starting at start that overlaps [from, to]
func (b Basal) DeliveredBetween(start, from, to time.Time) float64 {
	end := start.Add(b.duration)
	if start.Before(from) {
		start = from
	}
	if end.After(to) {
		end = to
	}
	if !end.After(start) {
		return 0
	}
	return b.rate * end.Sub(start).Hours()
}

// Bolus is a one-shot insulin delivery
type Bolus struct {
	units float64
}

// NewBolus creates a bolus of the given number of units
func NewBolus(units float64) (Bolus, error) {
	if invalid(units) {
		return Bolus{}, fmt.Errorf("bolus %v: %w", units, ErrInvalidValue)
	}
	return Bolus{units: units}, nil
}

// Units returns the delivered amount
func (b Bolus) Units() float64 {
	return b.units
}

// TimeZoneChange marks a device clock moving between named zones
type TimeZoneChange struct {
	From string
	To   string
}

// ReservoirChange marks an insulin reservoir or cartridge swap
type ReservoirChange struct{}

func invalid(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0) || v < 0
}
