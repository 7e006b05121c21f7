package domain

import (
	"fmt"
	"time"
)

// Verdict is a human judgement on a pipeline output.
type Verdict string

const (
	VerdictConfirmed  Verdict = "confirmed"
	VerdictDismissed  Verdict = "dismissed"
	VerdictOverridden Verdict = "overridden"
)

// CorrectionRecord captures a human verdict on one misconception reported by
// a grading strategy. Valid verdicts are confirmed and dismissed.
type CorrectionRecord struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	StudentID     string    `json:"student_id,omitempty"`
	QuestionID    string    `json:"question_id,omitempty"`
	Strategy      Strategy  `json:"strategy"`
	Misconception string    `json:"misconception"`
	Verdict       Verdict   `json:"verdict"`
	CreatedAt     time.Time `json:"created_at"`
}

func (c CorrectionRecord) Validate() error {
	if c.SessionID == "" {
		return WrapError(ErrInvalidInput, "correction record", fmt.Errorf("session id is required"))
	}
	if c.Misconception == "" {
		return WrapError(ErrInvalidInput, "correction record", fmt.Errorf("misconception is required"))
	}
	if c.Verdict != VerdictConfirmed && c.Verdict != VerdictDismissed {
		return WrapError(ErrInvalidInput, "correction record", fmt.Errorf("unsupported verdict %q", c.Verdict))
	}
	return nil
}

// VerificationDecision records whether a human confirmed or overrode the
// grade proposed by a strategy.
type VerificationDecision struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	StudentID     string    `json:"student_id,omitempty"`
	QuestionID    string    `json:"question_id,omitempty"`
	Strategy      Strategy  `json:"strategy"`
	ProposedGrade int       `json:"proposed_grade"`
	FinalGrade    int       `json:"final_grade"`
	Verdict       Verdict   `json:"verdict"`
	CreatedAt     time.Time `json:"created_at"`
}

// FeedbackSummaryRow aggregates feedback for one strategy.
type FeedbackSummaryRow struct {
	Strategy                Strategy `json:"strategy"`
	MisconceptionsConfirmed int      `json:"misconceptions_confirmed"`
	MisconceptionsDismissed int      `json:"misconceptions_dismissed"`
	GradesConfirmed         int      `json:"grades_confirmed"`
	GradesOverridden        int      `json:"grades_overridden"`
	MeanOverrideDelta       float64  `json:"mean_override_delta"`
}

// FeedbackFilter narrows ledger reads.
type FeedbackFilter struct {
	UserID string
	Since  time.Time
	Until  time.Time
}
