package domain

import (
	"fmt"
	"time"
)

const (
	// MaxCalculatedGrade is the ceiling of any automatically computed grade.
	// 100 is only reachable through an explicit override.
	MaxCalculatedGrade = 95
	MaxGrade           = 100
)

// GradePolicy is the per-user policy consumed read-only by normalization.
type GradePolicy struct {
	GradeFloor           int `json:"gradeFloor" yaml:"grade_floor"`
	GradeFloorWithEffort int `json:"gradeFloorWithEffort" yaml:"grade_floor_with_effort"`
}

func DefaultGradePolicy() GradePolicy {
	return GradePolicy{
		GradeFloor:           55,
		GradeFloorWithEffort: 65,
	}
}

func (p GradePolicy) Validate() error {
	if p.GradeFloor < 0 || p.GradeFloor > MaxGrade {
		return WrapError(ErrInvalidInput, "grade policy", fmt.Errorf("grade floor %d outside [0,%d]", p.GradeFloor, MaxGrade))
	}
	if p.GradeFloorWithEffort < 0 || p.GradeFloorWithEffort > MaxCalculatedGrade {
		return WrapError(ErrInvalidInput, "grade policy", fmt.Errorf("grade floor with effort %d outside [0,%d]", p.GradeFloorWithEffort, MaxCalculatedGrade))
	}
	return nil
}

// GradeSource names what a NormalizedGrade was derived from: an outcome
// strategy, or the blank-page policy.
type GradeSource string

const (
	SourceBlankPage GradeSource = "blank_page"
)

func SourceFromStrategy(s Strategy) GradeSource {
	return GradeSource(s)
}

// NormalizedGrade is the only artifact persisted as "the grade".
type NormalizedGrade struct {
	FinalGrade       int         `json:"final_grade"`
	HasWork          bool        `json:"has_work"`
	Source           GradeSource `json:"source"`
	ProficiencyLevel *int        `json:"proficiency_level,omitempty"`
	RawPercentage    *float64    `json:"raw_percentage,omitempty"`
	Overridden       bool        `json:"overridden,omitempty"`
	NormalizedAt     time.Time   `json:"normalized_at"`
}

// GradeRecord is a saved grade as written to the roster record store.
type GradeRecord struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	ClassID    string          `json:"class_id"`
	StudentID  string          `json:"student_id"`
	QuestionID string          `json:"question_id,omitempty"`
	Grade      NormalizedGrade `json:"grade"`
	CreatedAt  time.Time       `json:"created_at"`
}

// GradeSavedEvent is published after a grade reaches the record store.
type GradeSavedEvent struct {
	GradeID    string      `json:"grade_id"`
	SessionID  string      `json:"session_id"`
	UserID     string      `json:"user_id"`
	ClassID    string      `json:"class_id"`
	StudentID  string      `json:"student_id"`
	QuestionID string      `json:"question_id,omitempty"`
	FinalGrade int         `json:"final_grade"`
	Source     GradeSource `json:"source"`
	SavedAt    time.Time   `json:"saved_at"`
}
