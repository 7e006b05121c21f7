package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

// schemaLockID serializes bootstrap DDL across api/worker startups.
const schemaLockID = int64(2026101501)

type GradeRepository struct {
	db *sql.DB
}

func NewGradeRepository(db *sql.DB) *GradeRepository {
	return &GradeRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the grades and feedback ledger tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS grades (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	class_id TEXT NOT NULL,
	student_id TEXT NOT NULL,
	question_id TEXT NOT NULL DEFAULT '',
	final_grade INTEGER NOT NULL CHECK (final_grade BETWEEN 0 AND 100),
	has_work BOOLEAN NOT NULL,
	source TEXT NOT NULL,
	proficiency_level INTEGER,
	raw_percentage DOUBLE PRECISION,
	overridden BOOLEAN NOT NULL DEFAULT FALSE,
	normalized_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_grades_session ON grades(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_grades_student ON grades(class_id, student_id);

CREATE TABLE IF NOT EXISTS feedback_corrections (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	student_id TEXT NOT NULL DEFAULT '',
	question_id TEXT NOT NULL DEFAULT '',
	strategy TEXT NOT NULL,
	misconception TEXT NOT NULL,
	verdict TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_corrections_user ON feedback_corrections(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS feedback_verifications (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	student_id TEXT NOT NULL DEFAULT '',
	question_id TEXT NOT NULL DEFAULT '',
	strategy TEXT NOT NULL,
	proposed_grade INTEGER NOT NULL,
	final_grade INTEGER NOT NULL,
	verdict TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_verifications_user ON feedback_verifications(user_id, created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SaveGrade inserts a grade record. Re-saving the same id is a no-op.
func (r *GradeRepository) SaveGrade(ctx context.Context, record *domain.GradeRecord) error {
	g := record.Grade
	if g.FinalGrade < 0 || g.FinalGrade > domain.MaxGrade {
		return domain.WrapError(domain.ErrInvalidInput, "save grade", fmt.Errorf("final grade %d outside [0,%d]", g.FinalGrade, domain.MaxGrade))
	}

	var level sql.NullInt64
	if g.ProficiencyLevel != nil {
		level = sql.NullInt64{Int64: int64(*g.ProficiencyLevel), Valid: true}
	}
	var pct sql.NullFloat64
	if g.RawPercentage != nil {
		pct = sql.NullFloat64{Float64: *g.RawPercentage, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO grades (
	id, session_id, user_id, class_id, student_id, question_id, final_grade, has_work, source,
	proficiency_level, raw_percentage, overridden, normalized_at, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO NOTHING
`,
		record.ID, record.SessionID, record.UserID, record.ClassID, record.StudentID, record.QuestionID,
		g.FinalGrade, g.HasWork, string(g.Source), level, pct, g.Overridden, g.NormalizedAt, record.CreatedAt,
	)
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "insert grade", err)
	}
	return nil
}

func (r *GradeRepository) ListGrades(ctx context.Context, sessionID string) ([]domain.GradeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, user_id, class_id, student_id, question_id, final_grade, has_work, source,
	proficiency_level, raw_percentage, overridden, normalized_at, created_at
FROM grades
WHERE session_id = $1
ORDER BY created_at ASC
`, sessionID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "list grades", err)
	}
	defer rows.Close()

	out := make([]domain.GradeRecord, 0)
	for rows.Next() {
		var (
			rec    domain.GradeRecord
			source string
			level  sql.NullInt64
			pct    sql.NullFloat64
		)
		err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.UserID, &rec.ClassID, &rec.StudentID, &rec.QuestionID,
			&rec.Grade.FinalGrade, &rec.Grade.HasWork, &source, &level, &pct, &rec.Grade.Overridden,
			&rec.Grade.NormalizedAt, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan grade: %w", err)
		}
		rec.Grade.Source = domain.GradeSource(source)
		if level.Valid {
			v := int(level.Int64)
			rec.Grade.ProficiencyLevel = &v
		}
		if pct.Valid {
			v := pct.Float64
			rec.Grade.RawPercentage = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grades: %w", err)
	}
	return out, nil
}
