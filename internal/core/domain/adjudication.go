package domain

import "time"

// MajorDifferenceThreshold is the projected-grade gap at which a human must
// choose between two outcomes.
const MajorDifferenceThreshold = 10

type SelectionMethod string

const (
	SelectionAutomatic SelectionMethod = "automatic"
	SelectionHuman     SelectionMethod = "human"
	// SelectionFallback is used when a human was asked to choose and declined.
	SelectionFallback SelectionMethod = "fallback"
	SelectionPending  SelectionMethod = "pending"
)

type AdjudicationDecision struct {
	Selected        Strategy        `json:"selected,omitempty"`
	Candidates      []Strategy      `json:"candidates"`
	Difference      int             `json:"difference"`
	MajorDifference bool            `json:"major_difference"`
	Method          SelectionMethod `json:"method"`
	DecidedAt       time.Time       `json:"decided_at"`
}

// Pending reports whether a human still has to pick an outcome.
func (d *AdjudicationDecision) Pending() bool {
	return d != nil && d.Method == SelectionPending
}

// HasSelection reports whether an outcome has been chosen.
func (d *AdjudicationDecision) HasSelection() bool {
	return d != nil && d.Method != SelectionPending && d.Selected != ""
}
