package ports

import (
	"context"
	"time"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

// TextRecognizer extracts raw text from a single page image.
type TextRecognizer interface {
	Recognize(ctx context.Context, page domain.PageImage) (string, error)
}

// CodeScanner decodes an embedded identity code inside one region of a page.
// A miss returns domain.ErrCodeNotFound.
type CodeScanner interface {
	Scan(ctx context.Context, page domain.PageImage, region domain.ScanRegion) (string, error)
}

// GradingOracle grades extracted work. Failures are reported as
// *domain.GradingFailure with a distinct reason.
type GradingOracle interface {
	Grade(ctx context.Context, req domain.GradingRequest) (domain.OracleResponse, error)
}

// SessionRepository holds at most one session snapshot per key. Load returns
// domain.ErrSessionNotFound when the slot is empty.
type SessionRepository interface {
	Load(ctx context.Context, key string) (*domain.SessionRecord, error)
	Save(ctx context.Context, key string, record domain.SessionRecord) error
	Clear(ctx context.Context, key string) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// GradeStore is the roster record store for saved grades.
type GradeStore interface {
	SaveGrade(ctx context.Context, record *domain.GradeRecord) error
	ListGrades(ctx context.Context, sessionID string) ([]domain.GradeRecord, error)
}

// FeedbackStore is the append-only feedback ledger.
type FeedbackStore interface {
	AppendCorrection(ctx context.Context, record domain.CorrectionRecord) error
	AppendVerification(ctx context.Context, decision domain.VerificationDecision) error
	ListCorrections(ctx context.Context, filter domain.FeedbackFilter) ([]domain.CorrectionRecord, error)
	ListVerifications(ctx context.Context, filter domain.FeedbackFilter) ([]domain.VerificationDecision, error)
	Summarize(ctx context.Context, filter domain.FeedbackFilter) ([]domain.FeedbackSummaryRow, error)
}

// MessageQueue publishes/consumes grade events.
type MessageQueue interface {
	PublishGradeSaved(ctx context.Context, event domain.GradeSavedEvent) error
	SubscribeGradeSaved(ctx context.Context, handler func(context.Context, domain.GradeSavedEvent) error) error
}

// PolicyProvider resolves the grade policy for a user.
type PolicyProvider interface {
	PolicyFor(ctx context.Context, userID string) (domain.GradePolicy, error)
}

// PipelineObserver receives pipeline telemetry. Implementations must not block.
type PipelineObserver interface {
	ObserveStage(stage string, duration time.Duration, err error)
	ObserveGradingFailure(strategy domain.Strategy, reason domain.FailureReason)
	ObserveAdjudication(method domain.SelectionMethod, majorDifference bool)
	ObserveCheckpoint(result string)
	ObserveGrade(source domain.GradeSource, finalGrade int)
}
