package ports

import (
	"context"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

// ScanService is the inbound contract for driving one scan session per key
// from capture to a saved grade.
type ScanService interface {
	StartSession(ctx context.Context, cmd domain.StartSessionCommand) (*domain.ScanSession, error)
	AddPage(ctx context.Context, key string, cmd domain.AddPageCommand) (*domain.ScanSession, error)
	Identify(ctx context.Context, key string) (*domain.ScanSession, error)
	SelectStudent(ctx context.Context, key string, cmd domain.SelectStudentCommand) (*domain.ScanSession, error)
	Extract(ctx context.Context, key string) (*domain.ScanSession, error)
	Grade(ctx context.Context, key string, cmd domain.GradeCommand) (*domain.ScanSession, error)
	Adjudicate(ctx context.Context, key string, cmd domain.AdjudicateCommand) (*domain.ScanSession, error)
	Finalize(ctx context.Context, key string, cmd domain.FinalizeCommand) (*domain.ScanSession, error)
	Resume(ctx context.Context, key string) (*domain.ScanSession, error)
	Abandon(ctx context.Context, key string) (*domain.ScanSession, error)
	Get(ctx context.Context, key string) (*domain.ScanSession, error)
	RecordMisconceptionFeedback(ctx context.Context, key string, verdicts []domain.MisconceptionVerdict) (int, error)
}

// GradePreviewer computes a grade under a user's policy without a session.
type GradePreviewer interface {
	PreviewGrade(ctx context.Context, userID string, in domain.NormalizationInput) (int, domain.GradePolicy, error)
}

// GradeReader is the inbound read model for saved grades.
type GradeReader interface {
	ListGrades(ctx context.Context, sessionID string) ([]domain.GradeRecord, error)
}

// FeedbackReporter is the inbound contract for feedback ledger reporting.
type FeedbackReporter interface {
	Summarize(ctx context.Context, filter domain.FeedbackFilter) ([]domain.FeedbackSummaryRow, error)
	ListCorrections(ctx context.Context, filter domain.FeedbackFilter) ([]domain.CorrectionRecord, error)
	ListVerifications(ctx context.Context, filter domain.FeedbackFilter) ([]domain.VerificationDecision, error)
}
