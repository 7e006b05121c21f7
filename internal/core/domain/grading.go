package domain

import (
	"errors"
	"fmt"
	"time"
)

// Strategy tags the variant of a GradingOutcome.
type Strategy string

const (
	StrategyAIOnly        Strategy = "ai_only"
	StrategyTeacherGuided Strategy = "teacher_guided"
	StrategyManual        Strategy = "manual"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyAIOnly, StrategyTeacherGuided, StrategyManual:
		return true
	default:
		return false
	}
}

// OracleTask is the task discriminator sent to a grading oracle.
type OracleTask string

const (
	TaskAutonomous      OracleTask = "autonomous"
	TaskReferenceGuided OracleTask = "reference-guided"
)

// Task maps an oracle-backed strategy to its task discriminator.
func (s Strategy) Task() (OracleTask, bool) {
	switch s {
	case StrategyAIOnly:
		return TaskAutonomous, true
	case StrategyTeacherGuided:
		return TaskReferenceGuided, true
	default:
		return "", false
	}
}

// GradingMode is what the teacher asked for when choosing a strategy.
type GradingMode string

const (
	ModeAIOnly        GradingMode = "ai"
	ModeTeacherGuided GradingMode = "teacher_guided"
	ModeBoth          GradingMode = "both"
	ModeManual        GradingMode = "manual"
)

// Strategies lists the strategies a mode runs, in a stable order.
func (m GradingMode) Strategies() ([]Strategy, error) {
	switch m {
	case ModeAIOnly:
		return []Strategy{StrategyAIOnly}, nil
	case ModeTeacherGuided:
		return []Strategy{StrategyTeacherGuided}, nil
	case ModeBoth:
		return []Strategy{StrategyAIOnly, StrategyTeacherGuided}, nil
	case ModeManual:
		return []Strategy{StrategyManual}, nil
	default:
		return nil, WrapError(ErrInvalidInput, "grading mode", fmt.Errorf("unknown mode %q", m))
	}
}

// ManualJustification is the justification carried by every Manual outcome.
const ManualJustification = "teacher override"

const (
	MinProficiencyLevel = 0
	MaxProficiencyLevel = 4
)

type RubricScore struct {
	Criterion string  `json:"criterion"`
	Earned    float64 `json:"earned"`
	Possible  float64 `json:"possible"`
}

// GradingOutcome is produced once per strategy invocation and never mutated;
// a re-run supersedes it with a new value.
type GradingOutcome struct {
	ID               string        `json:"id"`
	Strategy         Strategy      `json:"strategy"`
	RubricScores     []RubricScore `json:"rubric_scores"`
	Misconceptions   []string      `json:"misconceptions"`
	ProficiencyLevel *int          `json:"proficiency_level,omitempty"`
	Justification    string        `json:"justification"`
	RawPercentage    *float64      `json:"raw_percentage,omitempty"`
	ManualGrade      *int          `json:"manual_grade,omitempty"`
	HasWork          bool          `json:"has_work"`
	ProjectedGrade   int           `json:"projected_grade"`
	Model            string        `json:"model,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// RubricPercentage returns earned/possible*100 over all rubric items.
func RubricPercentage(scores []RubricScore) (float64, bool) {
	var earned, possible float64
	for _, s := range scores {
		earned += s.Earned
		possible += s.Possible
	}
	if possible <= 0 {
		return 0, false
	}
	return earned / possible * 100, true
}

// GradingRequest is what the executor hands to an oracle.
type GradingRequest struct {
	Task           OracleTask  `json:"task"`
	Text           string      `json:"text"`
	Pages          []PageImage `json:"-"`
	ReferenceImage []byte      `json:"-"`
	QuestionID     string      `json:"question_id,omitempty"`
	QuestionPrompt string      `json:"question_prompt,omitempty"`
}

// OracleResponse is the raw, unvalidated answer of a grading oracle.
type OracleResponse struct {
	RubricScores     []RubricScore
	Misconceptions   []string
	ProficiencyLevel *int
	Justification    string
	RawPercentage    *float64
	HasWork          *bool
	Model            string
	Raw              string
}

type FailureReason string

const (
	FailureTimeout           FailureReason = "timeout"
	FailureRateLimited       FailureReason = "rate_limited"
	FailureQuotaExhausted    FailureReason = "quota_exhausted"
	FailureOracleUnavailable FailureReason = "oracle_unavailable"
	FailureInvalidResponse   FailureReason = "invalid_response"
)

// Retryable reports whether one automatic retry is allowed for the reason.
func (r FailureReason) Retryable() bool {
	switch r {
	case FailureTimeout, FailureRateLimited, FailureOracleUnavailable:
		return true
	default:
		return false
	}
}

// GradingFailure is the explicit failure of one strategy invocation.
type GradingFailure struct {
	Strategy Strategy
	Reason   FailureReason
	Err      error
}

func (f *GradingFailure) Error() string {
	if f == nil {
		return "grading failure"
	}
	if f.Err == nil {
		return fmt.Sprintf("grading %s failed: %s", f.Strategy, f.Reason)
	}
	return fmt.Sprintf("grading %s failed: %s: %v", f.Strategy, f.Reason, f.Err)
}

func (f *GradingFailure) Unwrap() []error {
	if f == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if f.Reason.Retryable() {
		out = append(out, ErrTemporary)
	}
	if f.Err != nil {
		out = append(out, f.Err)
	}
	return out
}

// Notice is the user-facing summary of the failure.
func (f *GradingFailure) Notice() FailureNotice {
	return FailureNotice{
		Strategy:  f.Strategy,
		Reason:    f.Reason,
		Retryable: f.Reason.Retryable(),
		Message:   f.Error(),
	}
}

// FailureNotice reports a strategy that failed in the last grading round.
type FailureNotice struct {
	Strategy  Strategy      `json:"strategy"`
	Reason    FailureReason `json:"reason"`
	Retryable bool          `json:"retryable"`
	Message   string        `json:"message"`
}

// AsGradingFailure extracts a GradingFailure from an error chain.
func AsGradingFailure(err error) (*GradingFailure, bool) {
	var failure *GradingFailure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}
