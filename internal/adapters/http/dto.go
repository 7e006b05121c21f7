package httpadapter

import (
	"time"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

type startSessionRequest struct {
	UserID      string   `json:"userId"`
	ClassID     string   `json:"classId"`
	QuestionIDs []string `json:"questionIds"`
}

// addPageRequest carries the image as a data URL or bare base64.
type addPageRequest struct {
	Image    string `json:"image"`
	MimeType string `json:"mimeType"`
}

type selectStudentRequest struct {
	StudentID   string   `json:"studentId"`
	ClassID     string   `json:"classId"`
	QuestionIDs []string `json:"questionIds"`
}

type gradeRequest struct {
	Mode             string `json:"mode"`
	AnswerGuideImage string `json:"answerGuideImage"`
	ManualScore      *int   `json:"manualScore"`
	QuestionPrompt   string `json:"questionPrompt"`
}

type adjudicateRequest struct {
	Strategy string `json:"strategy"`
	Decline  bool   `json:"decline"`
}

type finalizeRequest struct {
	OverrideGrade *int `json:"overrideGrade"`
}

type misconceptionFeedbackRequest struct {
	Strategy      string `json:"strategy"`
	Misconception string `json:"misconception"`
	Verdict       string `json:"verdict"`
}

type previewGradeRequest struct {
	UserID string `json:"userId"`
	domain.NormalizationInput
}

type previewGradeResponse struct {
	FinalGrade int                `json:"final_grade"`
	Policy     domain.GradePolicy `json:"policy"`
}

// sessionView is the wire shape of a ScanSession. Page bytes stay server side.
type sessionView struct {
	ID                   string                       `json:"id"`
	Key                  string                       `json:"key"`
	UserID               string                       `json:"user_id"`
	State                domain.ScanState             `json:"state"`
	PageCount            int                          `json:"page_count"`
	ClassID              string                       `json:"class_id,omitempty"`
	StudentID            string                       `json:"student_id,omitempty"`
	QuestionIDs          []string                     `json:"question_ids,omitempty"`
	CurrentQuestionID    string                       `json:"current_question_id,omitempty"`
	CurrentQuestionIndex int                          `json:"current_question_index"`
	Identification       *domain.Identification       `json:"identification,omitempty"`
	Extraction           *domain.Extraction           `json:"extraction,omitempty"`
	GradingMode          domain.GradingMode           `json:"grading_mode,omitempty"`
	Outcomes             []domain.GradingOutcome      `json:"outcomes,omitempty"`
	Adjudication         *domain.AdjudicationDecision `json:"adjudication,omitempty"`
	Grade                *domain.NormalizedGrade      `json:"grade,omitempty"`
	Failures             []domain.FailureNotice       `json:"failures,omitempty"`
	QuestionResults      []domain.QuestionResult      `json:"question_results,omitempty"`
	Resumed              bool                         `json:"resumed,omitempty"`
	ResumeUnavailable    bool                         `json:"resume_unavailable,omitempty"`
	CreatedAt            time.Time                    `json:"created_at"`
	UpdatedAt            time.Time                    `json:"updated_at"`
}

func toSessionView(s *domain.ScanSession) sessionView {
	view := sessionView{
		ID:                   s.ID,
		Key:                  s.Key,
		UserID:               s.UserID,
		State:                s.State,
		PageCount:            len(s.Pages),
		ClassID:              s.ClassID,
		StudentID:            s.StudentID,
		QuestionIDs:          s.SelectedQuestionIDs,
		CurrentQuestionIndex: s.CurrentQuestionIndex,
		Identification:       s.Identification,
		Extraction:           s.Extraction,
		GradingMode:          s.GradingMode,
		Adjudication:         s.Adjudication,
		Grade:                s.Grade,
		Failures:             s.LastFailures,
		QuestionResults:      s.QuestionResults,
		Resumed:              s.Resumed,
		ResumeUnavailable:    s.ResumeUnavailable,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
	if i := s.CurrentQuestionIndex; i >= 0 && i < len(s.SelectedQuestionIDs) {
		view.CurrentQuestionID = s.SelectedQuestionIDs[i]
	}
	for _, outcome := range []*domain.GradingOutcome{s.AIResult, s.TeacherGuidedResult, s.ManualResult} {
		if outcome != nil {
			view.Outcomes = append(view.Outcomes, *outcome)
		}
	}
	return view
}

type sessionErrorResponse struct {
	errorResponse
	Session sessionView `json:"session"`
}
