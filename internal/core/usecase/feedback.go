package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/core/ports"
)

// FeedbackLedger appends human corrections to the feedback store. Write
// failures are logged and swallowed; the ledger never fails a session.
type FeedbackLedger struct {
	store  ports.FeedbackStore
	logger *slog.Logger
	now    func() time.Time
}

func NewFeedbackLedger(store ports.FeedbackStore, logger *slog.Logger) *FeedbackLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedbackLedger{store: store, logger: logger, now: time.Now}
}

// RecordMisconceptions appends one correction per verdict and returns how many
// were stored.
func (l *FeedbackLedger) RecordMisconceptions(ctx context.Context, session *domain.ScanSession, verdicts []domain.MisconceptionVerdict) int {
	if l.store == nil {
		return 0
	}
	stored := 0
	for _, v := range verdicts {
		record := domain.CorrectionRecord{
			ID:            uuid.NewString(),
			SessionID:     session.ID,
			UserID:        session.UserID,
			StudentID:     session.StudentID,
			QuestionID:    session.CurrentQuestionID(),
			Strategy:      v.Strategy,
			Misconception: v.Misconception,
			Verdict:       v.Verdict,
			CreatedAt:     l.now().UTC(),
		}
		if err := record.Validate(); err != nil {
			l.logger.Warn("feedback_correction_rejected", "session_id", session.ID, "error", err)
			continue
		}
		if err := l.store.AppendCorrection(ctx, record); err != nil {
			l.logger.Error("feedback_correction_write_failed",
				"session_id", session.ID,
				"strategy", v.Strategy,
				"error", err,
			)
			continue
		}
		stored++
	}
	return stored
}

// RecordVerification appends whether the human kept or replaced the grade
// proposed by strategy.
func (l *FeedbackLedger) RecordVerification(ctx context.Context, session *domain.ScanSession, strategy domain.Strategy, proposed, final int, overridden bool) {
	if l.store == nil {
		return
	}
	verdict := domain.VerdictConfirmed
	if overridden {
		verdict = domain.VerdictOverridden
	}
	decision := domain.VerificationDecision{
		ID:            uuid.NewString(),
		SessionID:     session.ID,
		UserID:        session.UserID,
		StudentID:     session.StudentID,
		QuestionID:    session.CurrentQuestionID(),
		Strategy:      strategy,
		ProposedGrade: proposed,
		FinalGrade:    final,
		Verdict:       verdict,
		CreatedAt:     l.now().UTC(),
	}
	if err := l.store.AppendVerification(ctx, decision); err != nil {
		l.logger.Error("feedback_verification_write_failed",
			"session_id", session.ID,
			"strategy", strategy,
			"verdict", verdict,
			"error", err,
		)
	}
}
