package domain

import (
	"fmt"
	"time"
)

// ScanState is the pipeline position of a ScanSession.
type ScanState string

const (
	StateCapturing        ScanState = "capturing"
	StateIdentifying      ScanState = "identifying"
	StateSelectingStudent ScanState = "selecting-student"
	StateExtracting       ScanState = "extracting"
	StateChoosingStrategy ScanState = "choosing-strategy"
	StateGrading          ScanState = "grading"
	StateComparing        ScanState = "comparing"
	StateAdjudicating     ScanState = "adjudicating"
	StateNormalizing      ScanState = "normalizing"
	StateSaved            ScanState = "saved"
	StateAbandoned        ScanState = "abandoned"
)

var transitions = map[ScanState][]ScanState{
	StateCapturing:        {StateCapturing, StateIdentifying},
	StateIdentifying:      {StateExtracting, StateSelectingStudent},
	StateSelectingStudent: {StateExtracting},
	StateExtracting:       {StateChoosingStrategy, StateNormalizing},
	StateChoosingStrategy: {StateGrading},
	StateGrading:          {StateComparing, StateNormalizing, StateChoosingStrategy},
	StateComparing:        {StateAdjudicating, StateNormalizing, StateGrading},
	StateAdjudicating:     {StateNormalizing, StateGrading},
	StateNormalizing:      {StateSaved, StateChoosingStrategy, StateGrading},
}

func (s ScanState) Valid() bool {
	switch s {
	case StateSaved, StateAbandoned:
		return true
	}
	_, ok := transitions[s]
	return ok
}

// Persistable reports whether the state holds irreversible work worth a
// durable snapshot.
func (s ScanState) Persistable() bool {
	switch s {
	case StateChoosingStrategy, StateGrading, StateComparing, StateAdjudicating:
		return true
	default:
		return false
	}
}

func (s ScanState) Terminal() bool {
	return s == StateSaved || s == StateAbandoned
}

// CanTransitionTo reports whether next is reachable from s in one step. Every
// non-terminal state may be abandoned.
func (s ScanState) CanTransitionTo(next ScanState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateAbandoned {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// QuestionResult is the saved grade of one question in a multi-question
// session.
type QuestionResult struct {
	QuestionID string          `json:"questionId"`
	GradeID    string          `json:"gradeId"`
	Grade      NormalizedGrade `json:"grade"`
	Selected   *GradingOutcome `json:"selected,omitempty"`
}

// ScanSession is the aggregate root of one scan-to-grade run.
type ScanSession struct {
	ID                   string                `json:"id"`
	Key                  string                `json:"key"`
	UserID               string                `json:"user_id"`
	State                ScanState             `json:"state"`
	Pages                []PageImage           `json:"pages"`
	ClassID              string                `json:"class_id,omitempty"`
	StudentID            string                `json:"student_id,omitempty"`
	SelectedQuestionIDs  []string              `json:"selected_question_ids,omitempty"`
	Identification       *Identification       `json:"identification,omitempty"`
	Extraction           *Extraction           `json:"extraction,omitempty"`
	GradingMode          GradingMode           `json:"grading_mode,omitempty"`
	AnswerGuideImage     []byte                `json:"-"`
	AIResult             *GradingOutcome       `json:"ai_result,omitempty"`
	TeacherGuidedResult  *GradingOutcome       `json:"teacher_guided_result,omitempty"`
	ManualResult         *GradingOutcome       `json:"manual_result,omitempty"`
	RawAnalysis          string                `json:"raw_analysis,omitempty"`
	Adjudication         *AdjudicationDecision `json:"adjudication,omitempty"`
	Grade                *NormalizedGrade      `json:"grade,omitempty"`
	LastFailures         []FailureNotice       `json:"last_failures,omitempty"`
	QuestionResults      []QuestionResult      `json:"question_results,omitempty"`
	CurrentQuestionIndex int                   `json:"current_question_index"`
	Resumed              bool                  `json:"resumed,omitempty"`
	ResumeUnavailable    bool                  `json:"resume_unavailable,omitempty"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

// TransitionTo moves the session to next or rejects the move.
func (s *ScanSession) TransitionTo(next ScanState, now time.Time) error {
	if !s.State.CanTransitionTo(next) {
		return WrapError(ErrPolicyViolation, "transition", fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, s.State, next))
	}
	s.State = next
	s.UpdatedAt = now
	return nil
}

// Outcomes returns the current outcomes in a stable order.
func (s *ScanSession) Outcomes() []GradingOutcome {
	out := make([]GradingOutcome, 0, 2)
	for _, o := range []*GradingOutcome{s.AIResult, s.TeacherGuidedResult, s.ManualResult} {
		if o != nil {
			out = append(out, *o)
		}
	}
	return out
}

// Outcome returns the current outcome for a strategy.
func (s *ScanSession) Outcome(strategy Strategy) (*GradingOutcome, bool) {
	var o *GradingOutcome
	switch strategy {
	case StrategyAIOnly:
		o = s.AIResult
	case StrategyTeacherGuided:
		o = s.TeacherGuidedResult
	case StrategyManual:
		o = s.ManualResult
	}
	return o, o != nil
}

// SetOutcome stores an outcome in its strategy slot, superseding any earlier one.
func (s *ScanSession) SetOutcome(o GradingOutcome) {
	switch o.Strategy {
	case StrategyAIOnly:
		s.AIResult = &o
	case StrategyTeacherGuided:
		s.TeacherGuidedResult = &o
	case StrategyManual:
		s.ManualResult = &o
	}
}

// ResetGrading clears outcomes, adjudication and grade ahead of a new
// grading round.
func (s *ScanSession) ResetGrading() {
	s.AIResult = nil
	s.TeacherGuidedResult = nil
	s.ManualResult = nil
	s.RawAnalysis = ""
	s.Adjudication = nil
	s.Grade = nil
	s.LastFailures = nil
}

// CurrentQuestionID is the question being graded, if questions were selected.
func (s *ScanSession) CurrentQuestionID() string {
	if s.CurrentQuestionIndex >= 0 && s.CurrentQuestionIndex < len(s.SelectedQuestionIDs) {
		return s.SelectedQuestionIDs[s.CurrentQuestionIndex]
	}
	return ""
}

// HasMoreQuestions reports whether questions remain after the current one.
func (s *ScanSession) HasMoreQuestions() bool {
	return s.CurrentQuestionIndex+1 < len(s.SelectedQuestionIDs)
}
