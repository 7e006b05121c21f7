package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

type feedbackStoreFake struct {
	mu            sync.Mutex
	corrections   []domain.CorrectionRecord
	verifications []domain.VerificationDecision
	err           error
}

func (f *feedbackStoreFake) AppendCorrection(_ context.Context, record domain.CorrectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.corrections = append(f.corrections, record)
	return nil
}

func (f *feedbackStoreFake) AppendVerification(_ context.Context, decision domain.VerificationDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.verifications = append(f.verifications, decision)
	return nil
}

func (f *feedbackStoreFake) ListCorrections(context.Context, domain.FeedbackFilter) ([]domain.CorrectionRecord, error) {
	return f.corrections, nil
}

func (f *feedbackStoreFake) ListVerifications(context.Context, domain.FeedbackFilter) ([]domain.VerificationDecision, error) {
	return f.verifications, nil
}

func (f *feedbackStoreFake) Summarize(context.Context, domain.FeedbackFilter) ([]domain.FeedbackSummaryRow, error) {
	return nil, nil
}

func TestRecordMisconceptionsSkipsInvalidVerdicts(t *testing.T) {
	store := &feedbackStoreFake{}
	ledger := NewFeedbackLedger(store, nil)
	session := recoverableSession(domain.StateNormalizing)
	session.SelectedQuestionIDs = []string{"q-1"}

	stored := ledger.RecordMisconceptions(context.Background(), session, []domain.MisconceptionVerdict{
		{Strategy: domain.StrategyAIOnly, Misconception: "sign error", Verdict: domain.VerdictConfirmed},
		{Strategy: domain.StrategyAIOnly, Misconception: "units", Verdict: domain.VerdictDismissed},
		{Strategy: domain.StrategyAIOnly, Misconception: "units", Verdict: domain.VerdictOverridden},
		{Strategy: domain.StrategyAIOnly, Verdict: domain.VerdictConfirmed},
	})
	if stored != 2 || len(store.corrections) != 2 {
		t.Fatalf("expected 2 stored corrections, got %d/%d", stored, len(store.corrections))
	}
	if store.corrections[0].QuestionID != "q-1" || store.corrections[0].StudentID != "s-1" {
		t.Fatalf("unexpected correction %+v", store.corrections[0])
	}
}

func TestLedgerSwallowsStoreErrors(t *testing.T) {
	store := &feedbackStoreFake{err: errors.New("db down")}
	ledger := NewFeedbackLedger(store, nil)
	session := recoverableSession(domain.StateNormalizing)

	stored := ledger.RecordMisconceptions(context.Background(), session, []domain.MisconceptionVerdict{
		{Strategy: domain.StrategyAIOnly, Misconception: "sign error", Verdict: domain.VerdictConfirmed},
	})
	if stored != 0 {
		t.Fatalf("expected nothing stored, got %d", stored)
	}
	ledger.RecordVerification(context.Background(), session, domain.StrategyAIOnly, 90, 95, true)
}

func TestRecordVerificationVerdicts(t *testing.T) {
	store := &feedbackStoreFake{}
	ledger := NewFeedbackLedger(store, nil)
	session := recoverableSession(domain.StateNormalizing)

	ledger.RecordVerification(context.Background(), session, domain.StrategyTeacherGuided, 84, 84, false)
	ledger.RecordVerification(context.Background(), session, domain.StrategyAIOnly, 70, 100, true)
	if len(store.verifications) != 2 {
		t.Fatalf("expected 2 verifications, got %d", len(store.verifications))
	}
	if store.verifications[0].Verdict != domain.VerdictConfirmed || store.verifications[1].Verdict != domain.VerdictOverridden {
		t.Fatalf("unexpected verdicts %+v", store.verifications)
	}
}

func TestNilLedgerStoreIsNoop(t *testing.T) {
	ledger := NewFeedbackLedger(nil, nil)
	session := recoverableSession(domain.StateNormalizing)
	if n := ledger.RecordMisconceptions(context.Background(), session, []domain.MisconceptionVerdict{{Misconception: "x", Verdict: domain.VerdictConfirmed}}); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
	ledger.RecordVerification(context.Background(), session, domain.StrategyAIOnly, 1, 1, false)
}
