package domain

// NormalizationInput is the raw material of one grade computation.
type NormalizationInput struct {
	HasWork          bool     `json:"hasWork"`
	RawPercentage    *float64 `json:"rawPercentage,omitempty"`
	ProficiencyLevel *int     `json:"proficiencyLevel,omitempty"`
}

// MisconceptionVerdict is a human decision on one reported misconception.
type MisconceptionVerdict struct {
	Strategy      Strategy `json:"strategy"`
	Misconception string   `json:"misconception"`
	Verdict       Verdict  `json:"verdict"`
}

type StartSessionCommand struct {
	Key         string   `json:"key"`
	UserID      string   `json:"user_id"`
	ClassID     string   `json:"class_id,omitempty"`
	QuestionIDs []string `json:"question_ids,omitempty"`
}

type AddPageCommand struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

type SelectStudentCommand struct {
	StudentID   string   `json:"student_id"`
	ClassID     string   `json:"class_id,omitempty"`
	QuestionIDs []string `json:"question_ids,omitempty"`
}

type GradeCommand struct {
	Mode             GradingMode `json:"mode"`
	AnswerGuideImage []byte      `json:"answer_guide_image,omitempty"`
	ManualGrade      *int        `json:"manual_grade,omitempty"`
	QuestionPrompt   string      `json:"question_prompt,omitempty"`
}

// AdjudicateCommand either selects a strategy or declines to choose.
type AdjudicateCommand struct {
	Strategy Strategy `json:"strategy,omitempty"`
	Decline  bool     `json:"decline,omitempty"`
}

type FinalizeCommand struct {
	OverrideGrade *int `json:"override_grade,omitempty"`
}
