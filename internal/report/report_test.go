package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

func TestWriteFeedbackWorkbook(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)
	export := FeedbackExport{
		Filter: domain.FeedbackFilter{UserID: "teacher-1"},
		Summary: []domain.FeedbackSummaryRow{
			{Strategy: domain.StrategyAIOnly, MisconceptionsConfirmed: 3, GradesConfirmed: 5, GradesOverridden: 1, MeanOverrideDelta: 10},
		},
		Verifications: []domain.VerificationDecision{
			{SessionID: "s-1", UserID: "teacher-1", Strategy: domain.StrategyAIOnly, ProposedGrade: 75, FinalGrade: 85, Verdict: domain.VerdictOverridden, CreatedAt: now},
		},
		Corrections: []domain.CorrectionRecord{
			{SessionID: "s-1", UserID: "teacher-1", Strategy: domain.StrategyAIOnly, Misconception: "sign error", Verdict: domain.VerdictConfirmed, CreatedAt: now},
			{SessionID: "s-2", UserID: "teacher-1", Strategy: domain.StrategyTeacherGuided, Misconception: "units", Verdict: domain.VerdictDismissed, CreatedAt: now},
		},
		GeneratedAt: now,
	}

	var buf bytes.Buffer
	if err := WriteFeedbackWorkbook(&buf, export); err != nil {
		t.Fatalf("WriteFeedbackWorkbook() error = %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	if got := f.GetSheetList(); len(got) != 3 || got[0] != SummarySheet {
		t.Fatalf("unexpected sheets %v", got)
	}

	rows, err := f.GetRows(SummarySheet)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if rows[1][0] != string(domain.StrategyAIOnly) || rows[1][1] != "3" {
		t.Fatalf("unexpected summary row %v", rows[1])
	}

	verifications, _ := f.GetRows(VerificationsSheet)
	if len(verifications) != 2 || verifications[1][7] != "85" || verifications[1][8] != "overridden" {
		t.Fatalf("unexpected verification rows %v", verifications)
	}

	corrections, _ := f.GetRows(CorrectionsSheet)
	if len(corrections) != 3 || corrections[2][6] != "units" {
		t.Fatalf("unexpected correction rows %v", corrections)
	}
}
