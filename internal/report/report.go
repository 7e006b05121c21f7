// Package report renders feedback ledger exports as XLSX workbooks.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

const (
	SummarySheet       = "Summary"
	VerificationsSheet = "Verifications"
	CorrectionsSheet   = "Corrections"
)

// FeedbackExport is everything one workbook holds.
type FeedbackExport struct {
	Filter        domain.FeedbackFilter
	Summary       []domain.FeedbackSummaryRow
	Verifications []domain.VerificationDecision
	Corrections   []domain.CorrectionRecord
	GeneratedAt   time.Time
}

var (
	summaryHeader = []any{
		"Strategy", "Misconceptions confirmed", "Misconceptions dismissed",
		"Grades confirmed", "Grades overridden", "Mean override delta",
	}
	verificationHeader = []any{
		"Created at", "Session", "User", "Student", "Question", "Strategy", "Proposed grade", "Final grade", "Verdict",
	}
	correctionHeader = []any{
		"Created at", "Session", "User", "Student", "Question", "Strategy", "Misconception", "Verdict",
	}
)

// WriteFeedbackWorkbook writes the export as an XLSX document to w.
func WriteFeedbackWorkbook(w io.Writer, export FeedbackExport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return fmt.Errorf("rename summary sheet: %w", err)
	}
	for _, name := range []string{VerificationsSheet, CorrectionsSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	summary := make([][]any, 0, len(export.Summary))
	for _, r := range export.Summary {
		summary = append(summary, []any{
			string(r.Strategy), r.MisconceptionsConfirmed, r.MisconceptionsDismissed,
			r.GradesConfirmed, r.GradesOverridden, r.MeanOverrideDelta,
		})
	}
	if err := writeTable(f, SummarySheet, bold, summaryHeader, summary); err != nil {
		return err
	}

	verifications := make([][]any, 0, len(export.Verifications))
	for _, v := range export.Verifications {
		verifications = append(verifications, []any{
			v.CreatedAt.UTC().Format(time.RFC3339), v.SessionID, v.UserID, v.StudentID, v.QuestionID,
			string(v.Strategy), v.ProposedGrade, v.FinalGrade, string(v.Verdict),
		})
	}
	if err := writeTable(f, VerificationsSheet, bold, verificationHeader, verifications); err != nil {
		return err
	}

	corrections := make([][]any, 0, len(export.Corrections))
	for _, c := range export.Corrections {
		corrections = append(corrections, []any{
			c.CreatedAt.UTC().Format(time.RFC3339), c.SessionID, c.UserID, c.StudentID, c.QuestionID,
			string(c.Strategy), c.Misconception, string(c.Verdict),
		})
	}
	if err := writeTable(f, CorrectionsSheet, bold, correctionHeader, corrections); err != nil {
		return err
	}

	if err := writeFooter(f, export, len(summary)); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeTable(f *excelize.File, sheet string, headerStyle int, header []any, rows [][]any) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write %s header: %w", sheet, err)
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return fmt.Errorf("header range: %w", err)
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("style %s header: %w", sheet, err)
	}
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("row cell: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &rows[i]); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	lastCol, _ := excelize.ColumnNumberToName(len(header))
	if err := f.SetColWidth(sheet, "A", lastCol, 18); err != nil {
		return fmt.Errorf("size %s columns: %w", sheet, err)
	}
	return nil
}

// writeFooter notes the filter under the summary table, one blank row below.
func writeFooter(f *excelize.File, export FeedbackExport, summaryRows int) error {
	row := summaryRows + 3
	user := export.Filter.UserID
	if user == "" {
		user = "all"
	}
	lines := [][]any{
		{"User", user},
		{"Since", formatBound(export.Filter.Since)},
		{"Until", formatBound(export.Filter.Until)},
		{"Generated at", export.GeneratedAt.UTC().Format(time.RFC3339)},
	}
	for i := range lines {
		cell, err := excelize.CoordinatesToCellName(1, row+i)
		if err != nil {
			return fmt.Errorf("footer cell: %w", err)
		}
		if err := f.SetSheetRow(SummarySheet, cell, &lines[i]); err != nil {
			return fmt.Errorf("write footer: %w", err)
		}
	}
	return nil
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
