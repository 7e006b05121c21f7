package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

// FeedbackRepository is the append-only feedback ledger. Rows are never
// updated or deleted.
type FeedbackRepository struct {
	db *sql.DB
}

func NewFeedbackRepository(db *sql.DB) *FeedbackRepository {
	return &FeedbackRepository{db: db}
}

func (r *FeedbackRepository) AppendCorrection(ctx context.Context, record domain.CorrectionRecord) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO feedback_corrections (id, session_id, user_id, student_id, question_id, strategy, misconception, verdict, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, record.ID, record.SessionID, record.UserID, record.StudentID, record.QuestionID,
		string(record.Strategy), record.Misconception, string(record.Verdict), record.CreatedAt)
	if err != nil {
		return fmt.Errorf("append correction: %w", err)
	}
	return nil
}

func (r *FeedbackRepository) AppendVerification(ctx context.Context, decision domain.VerificationDecision) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO feedback_verifications (id, session_id, user_id, student_id, question_id, strategy, proposed_grade, final_grade, verdict, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, decision.ID, decision.SessionID, decision.UserID, decision.StudentID, decision.QuestionID,
		string(decision.Strategy), decision.ProposedGrade, decision.FinalGrade, string(decision.Verdict), decision.CreatedAt)
	if err != nil {
		return fmt.Errorf("append verification: %w", err)
	}
	return nil
}

func (r *FeedbackRepository) ListCorrections(ctx context.Context, filter domain.FeedbackFilter) ([]domain.CorrectionRecord, error) {
	where, args := filterClause(filter)
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, user_id, student_id, question_id, strategy, misconception, verdict, created_at
FROM feedback_corrections
`+where+`
ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	defer rows.Close()

	out := make([]domain.CorrectionRecord, 0)
	for rows.Next() {
		var rec domain.CorrectionRecord
		var strategy, verdict string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.UserID, &rec.StudentID, &rec.QuestionID,
			&strategy, &rec.Misconception, &verdict, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		rec.Strategy = domain.Strategy(strategy)
		rec.Verdict = domain.Verdict(verdict)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate corrections: %w", err)
	}
	return out, nil
}

func (r *FeedbackRepository) ListVerifications(ctx context.Context, filter domain.FeedbackFilter) ([]domain.VerificationDecision, error) {
	where, args := filterClause(filter)
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, user_id, student_id, question_id, strategy, proposed_grade, final_grade, verdict, created_at
FROM feedback_verifications
`+where+`
ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	defer rows.Close()

	out := make([]domain.VerificationDecision, 0)
	for rows.Next() {
		var d domain.VerificationDecision
		var strategy, verdict string
		if err := rows.Scan(&d.ID, &d.SessionID, &d.UserID, &d.StudentID, &d.QuestionID,
			&strategy, &d.ProposedGrade, &d.FinalGrade, &verdict, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		d.Strategy = domain.Strategy(strategy)
		d.Verdict = domain.Verdict(verdict)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verifications: %w", err)
	}
	return out, nil
}

// Summarize aggregates the ledger per strategy. MeanOverrideDelta is the
// signed mean of final minus proposed grade over overridden decisions.
func (r *FeedbackRepository) Summarize(ctx context.Context, filter domain.FeedbackFilter) ([]domain.FeedbackSummaryRow, error) {
	where, args := filterClause(filter)
	byStrategy := make(map[domain.Strategy]*domain.FeedbackSummaryRow)
	row := func(s string) *domain.FeedbackSummaryRow {
		key := domain.Strategy(s)
		if entry, ok := byStrategy[key]; ok {
			return entry
		}
		entry := &domain.FeedbackSummaryRow{Strategy: key}
		byStrategy[key] = entry
		return entry
	}

	corrections, err := r.db.QueryContext(ctx, `
SELECT strategy,
	COUNT(*) FILTER (WHERE verdict = 'confirmed'),
	COUNT(*) FILTER (WHERE verdict = 'dismissed')
FROM feedback_corrections
`+where+`
GROUP BY strategy`, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize corrections: %w", err)
	}
	defer corrections.Close()
	for corrections.Next() {
		var strategy string
		var confirmed, dismissed int
		if err := corrections.Scan(&strategy, &confirmed, &dismissed); err != nil {
			return nil, fmt.Errorf("scan correction summary: %w", err)
		}
		s := row(strategy)
		s.MisconceptionsConfirmed = confirmed
		s.MisconceptionsDismissed = dismissed
	}
	if err := corrections.Err(); err != nil {
		return nil, fmt.Errorf("iterate correction summary: %w", err)
	}

	verifications, err := r.db.QueryContext(ctx, `
SELECT strategy,
	COUNT(*) FILTER (WHERE verdict = 'confirmed'),
	COUNT(*) FILTER (WHERE verdict = 'overridden'),
	COALESCE(AVG(final_grade - proposed_grade) FILTER (WHERE verdict = 'overridden'), 0)
FROM feedback_verifications
`+where+`
GROUP BY strategy`, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize verifications: %w", err)
	}
	defer verifications.Close()
	for verifications.Next() {
		var strategy string
		var confirmed, overridden int
		var delta float64
		if err := verifications.Scan(&strategy, &confirmed, &overridden, &delta); err != nil {
			return nil, fmt.Errorf("scan verification summary: %w", err)
		}
		s := row(strategy)
		s.GradesConfirmed = confirmed
		s.GradesOverridden = overridden
		s.MeanOverrideDelta = delta
	}
	if err := verifications.Err(); err != nil {
		return nil, fmt.Errorf("iterate verification summary: %w", err)
	}

	out := make([]domain.FeedbackSummaryRow, 0, len(byStrategy))
	for _, s := range byStrategy {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out, nil
}

func filterClause(filter domain.FeedbackFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, cond+" $"+strconv.Itoa(len(args)))
	}
	if filter.UserID != "" {
		add("user_id =", filter.UserID)
	}
	if !filter.Since.IsZero() {
		add("created_at >=", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("created_at <", filter.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
