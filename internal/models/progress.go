package models

import "time"

// Progress reports how far a multi-user run has come
type Progress struct {
	Stage                  string    `json:"stage"`
	Percent                float64   `json:"percent"` // 0-100
	Processed              int       `json:"processed"`
	Failed                 int       `json:"failed"`
	Total                  int       `json:"total"`
	EstimatedTimeRemaining float64   `json:"estimatedTimeRemaining"` // seconds
	StartedAt              time.Time `json:"startedAt"`
	Error                  string    `json:"error,omitempty"`
}

// Done reports whether every item has been processed
func (p Progress) Done() bool {
	return p.Total > 0 && p.Processed >= p.Total
}

// Advance records one finished item and updates the percentage and the
// remaining-time estimate
func (p *Progress) Advance(failed bool, now time.Time) {
	p.Processed++
	if failed {
		p.Failed++
	}
	if p.Total == 0 {
		return
	}
	p.Percent = float64(p.Processed) / float64(p.Total) * 100

	elapsed := now.Sub(p.StartedAt).Seconds()
	if p.Percent > 0 {
		p.EstimatedTimeRemaining = (elapsed / p.Percent) * (100 - p.Percent)
	}
}
