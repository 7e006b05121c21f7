package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

type gradeStoreFake struct {
	mu      sync.Mutex
	records []domain.GradeRecord
	err     error
	// failOn makes only the n-th SaveGrade call fail.
	failOn int
	calls  int
}

func (f *gradeStoreFake) SaveGrade(_ context.Context, record *domain.GradeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.failOn > 0 && f.calls == f.failOn {
		return errors.New("connection reset")
	}
	f.records = append(f.records, *record)
	return nil
}

func (f *gradeStoreFake) ListGrades(_ context.Context, sessionID string) ([]domain.GradeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.GradeRecord
	for _, r := range f.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

type queueFake struct {
	mu     sync.Mutex
	events []domain.GradeSavedEvent
	err    error
}

func (f *queueFake) PublishGradeSaved(_ context.Context, event domain.GradeSavedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *queueFake) SubscribeGradeSaved(context.Context, func(context.Context, domain.GradeSavedEvent) error) error {
	return nil
}

type policyFake struct {
	policy domain.GradePolicy
}

func (f policyFake) PolicyFor(context.Context, string) (domain.GradePolicy, error) {
	return f.policy, nil
}

type pipelineHarness struct {
	pipeline *ScanPipeline
	oracle   *oracleFake
	scanner  *scannerFake
	repo     *sessionRepoFake
	grades   *gradeStoreFake
	queue    *queueFake
	feedback *feedbackStoreFake
}

const studentWork = "abcde abcde abcde abcde abcde abcde abcde abcde abcde abcde " +
	"abcde abcde abcde abcde abcde abcde abcde abcde abcde abcde " +
	"abcde abcde abcde abcde abcde abcde abcde abcde abcde abcde"

func newPipelineHarness(oracle *oracleFake, scanner *scannerFake, pageText string) *pipelineHarness {
	h := &pipelineHarness{
		oracle:   oracle,
		scanner:  scanner,
		repo:     newSessionRepoFake(),
		grades:   &gradeStoreFake{},
		queue:    &queueFake{},
		feedback: &feedbackStoreFake{},
	}
	h.pipeline = h.build(pageText)
	return h
}

// build wires a fresh pipeline over the harness stores, as a restarted
// process would.
func (h *pipelineHarness) build(pageText string) *ScanPipeline {
	recognizer := &recognizerFake{texts: map[int]string{0: pageText, 1: pageText}}
	normalizer := NewGradeNormalizer()
	return NewScanPipeline(PipelineDeps{
		Identifier: NewIdentificationResolver(h.scanner, 30*time.Millisecond, nil),
		Extractor:  NewExtractionUseCase(recognizer, 2, nil),
		Executor:   NewGradingExecutor(h.oracle, normalizer, time.Second, nil, nil),
		Normalizer: normalizer,
		Recovery:   NewSessionRecoveryManager(h.repo, 4*time.Hour, nil, nil),
		Ledger:     NewFeedbackLedger(h.feedback, nil),
		Grades:     h.grades,
		Queue:      h.queue,
		Policies:   policyFake{policy: testPolicy()},
	})
}

func percentByTask(ai, guided float64) *oracleFake {
	return &oracleFake{fn: func(_ context.Context, req domain.GradingRequest, _ int) (domain.OracleResponse, error) {
		if req.Task == domain.TaskReferenceGuided {
			resp := percentResponse(guided)
			resp.Misconceptions = []string{"dropped negative sign"}
			return resp, nil
		}
		resp := percentResponse(ai)
		resp.Misconceptions = []string{"dropped negative sign", "wrong units"}
		return resp, nil
	}}
}

// toChoosingStrategy drives a session through capture, manual selection and
// extraction.
func (h *pipelineHarness) toChoosingStrategy(t *testing.T, key string, questions ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.pipeline.StartSession(ctx, domain.StartSessionCommand{Key: key, UserID: "teacher-1", ClassID: "class-1", QuestionIDs: questions}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := h.pipeline.AddPage(ctx, key, domain.AddPageCommand{MimeType: "image/png", Data: testPages(1)[0].Data}); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	s, err := h.pipeline.Identify(ctx, key)
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if s.State == domain.StateSelectingStudent {
		if _, err := h.pipeline.SelectStudent(ctx, key, domain.SelectStudentCommand{StudentID: "s-1"}); err != nil {
			t.Fatalf("SelectStudent() error = %v", err)
		}
	}
	s, err = h.pipeline.Extract(ctx, key)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if s.State != domain.StateChoosingStrategy {
		t.Fatalf("expected choosing-strategy after extraction, got %s", s.State)
	}
}

func TestPipelineEndToEndWithManualSelection(t *testing.T) {
	h := newPipelineHarness(percentByTask(82, 0), &scannerFake{delay: time.Second}, studentWork)
	ctx := context.Background()
	key := "teacher-1:tablet"

	if _, err := h.pipeline.StartSession(ctx, domain.StartSessionCommand{Key: key, UserID: "teacher-1", ClassID: "class-1"}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := h.pipeline.AddPage(ctx, key, domain.AddPageCommand{MimeType: "image/png", Data: testPages(1)[0].Data}); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}

	s, err := h.pipeline.Identify(ctx, key)
	if err != nil {
		t.Fatalf("identification timeout must not fail the session: %v", err)
	}
	if s.State != domain.StateSelectingStudent {
		t.Fatalf("expected selecting-student, got %s", s.State)
	}

	if _, err := h.pipeline.SelectStudent(ctx, key, domain.SelectStudentCommand{StudentID: "s-1"}); err != nil {
		t.Fatalf("SelectStudent() error = %v", err)
	}
	s, err = h.pipeline.Extract(ctx, key)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if s.Extraction.CharCount != 150 || s.Extraction.IsBlank {
		t.Fatalf("expected 150 non-blank characters, got %+v", s.Extraction)
	}

	s, err = h.pipeline.Grade(ctx, key, domain.GradeCommand{Mode: domain.ModeAIOnly})
	if err != nil {
		t.Fatalf("Grade() error = %v", err)
	}
	if s.State != domain.StateNormalizing || s.Grade == nil || s.Grade.FinalGrade != 90 {
		t.Fatalf("expected normalizing with grade 90, got state=%s grade=%+v", s.State, s.Grade)
	}

	s, err = h.pipeline.Finalize(ctx, key, domain.FinalizeCommand{})
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if s.State != domain.StateSaved {
		t.Fatalf("expected saved, got %s", s.State)
	}
	if len(h.grades.records) != 1 || h.grades.records[0].Grade.FinalGrade != 90 || h.grades.records[0].StudentID != "s-1" {
		t.Fatalf("unexpected saved grades %+v", h.grades.records)
	}
	if len(h.queue.events) != 1 || h.queue.events[0].FinalGrade != 90 {
		t.Fatalf("expected grade event, got %+v", h.queue.events)
	}
	if _, ok := h.repo.records[key]; ok {
		t.Fatalf("snapshot must be cleared after save")
	}
	if len(h.feedback.verifications) != 1 || h.feedback.verifications[0].Verdict != domain.VerdictConfirmed {
		t.Fatalf("expected confirmed verification, got %+v", h.feedback.verifications)
	}
}

func TestPipelineIdentifiesByCode(t *testing.T) {
	scanner := &scannerFake{payloads: map[string]string{"top-left": "s-7:q-2"}}
	h := newPipelineHarness(percentByTask(50, 50), scanner, studentWork)
	ctx := context.Background()

	if _, err := h.pipeline.StartSession(ctx, domain.StartSessionCommand{Key: "k"}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := h.pipeline.AddPage(ctx, "k", domain.AddPageCommand{MimeType: "image/png", Data: []byte("png")}); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	s, err := h.pipeline.Identify(ctx, "k")
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if s.State != domain.StateExtracting || s.StudentID != "s-7" || s.CurrentQuestionID() != "q-2" {
		t.Fatalf("unexpected session after identification: state=%s student=%s question=%s", s.State, s.StudentID, s.CurrentQuestionID())
	}
	if s.Identification == nil || s.Identification.Method != domain.IdentifiedByCode {
		t.Fatalf("expected code identification, got %+v", s.Identification)
	}
	if h.repo.saveCount() != 0 {
		t.Fatalf("early states must not be persisted, got %d writes", h.repo.saveCount())
	}
}

func TestPipelineRejectsBadPages(t *testing.T) {
	h := newPipelineHarness(percentByTask(50, 50), &scannerFake{}, studentWork)
	ctx := context.Background()
	if _, err := h.pipeline.StartSession(ctx, domain.StartSessionCommand{Key: "k"}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := h.pipeline.AddPage(ctx, "k", domain.AddPageCommand{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty image, got %v", err)
	}
	if _, err := h.pipeline.AddPage(ctx, "k", domain.AddPageCommand{MimeType: "text/plain", Data: []byte("hello")}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for text page, got %v", err)
	}
	if _, err := h.pipeline.Identify(ctx, "k"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input without pages, got %v", err)
	}
	if _, err := h.pipeline.AddPage(ctx, "missing", domain.AddPageCommand{Data: []byte("png")}); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestPipelineMajorDifferenceBlocksFinalize(t *testing.T) {
	h := newPipelineHarness(percentByTask(10, 60), &scannerFake{}, studentWork)
	ctx := context.Background()
	h.toChoosingStrategy(t, "k")

	s, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeBoth, AnswerGuideImage: []byte("guide")})
	if err != nil {
		t.Fatalf("Grade() error = %v", err)
	}
	if s.State != domain.StateAdjudicating || !s.Adjudication.MajorDifference || s.Adjudication.Difference != 15 {
		t.Fatalf("expected adjudication with difference 15, got state=%s decision=%+v", s.State, s.Adjudication)
	}
	if s.Grade != nil {
		t.Fatalf("no grade may exist before a human choice, got %+v", s.Grade)
	}
	if h.repo.records["k"].ScanState != domain.StateAdjudicating {
		t.Fatalf("expected adjudicating snapshot, got %s", h.repo.records["k"].ScanState)
	}

	if _, err := h.pipeline.Finalize(ctx, "k", domain.FinalizeCommand{}); !errors.Is(err, domain.ErrPolicyViolation) {
		t.Fatalf("expected policy violation before selection, got %v", err)
	}
	if len(h.grades.records) != 0 {
		t.Fatalf("no grade may be saved before adjudication")
	}

	s, err = h.pipeline.Adjudicate(ctx, "k", domain.AdjudicateCommand{Strategy: domain.StrategyAIOnly})
	if err != nil {
		t.Fatalf("Adjudicate() error = %v", err)
	}
	if s.State != domain.StateNormalizing || s.Grade.FinalGrade != 68 || s.Adjudication.Method != domain.SelectionHuman {
		t.Fatalf("unexpected session after selection: state=%s grade=%+v decision=%+v", s.State, s.Grade, s.Adjudication)
	}

	if _, err := h.pipeline.Finalize(ctx, "k", domain.FinalizeCommand{}); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if h.grades.records[0].Grade.FinalGrade != 68 || h.grades.records[0].Grade.Source != domain.GradeSource(domain.StrategyAIOnly) {
		t.Fatalf("unexpected saved grade %+v", h.grades.records[0])
	}

	verdicts := map[domain.Strategy]domain.VerificationDecision{}
	for _, v := range h.feedback.verifications {
		verdicts[v.Strategy] = v
	}
	if len(h.feedback.verifications) != 2 {
		t.Fatalf("expected a verification per outcome, got %+v", h.feedback.verifications)
	}
	if v := verdicts[domain.StrategyAIOnly]; v.Verdict != domain.VerdictConfirmed || v.FinalGrade != 68 {
		t.Fatalf("unexpected verification of the chosen outcome %+v", v)
	}
	if v := verdicts[domain.StrategyTeacherGuided]; v.Verdict != domain.VerdictOverridden || v.ProposedGrade != 83 || v.FinalGrade != 68 {
		t.Fatalf("unexpected verification of the rejected outcome %+v", v)
	}
}

func TestPipelineMinorDifferenceSelectsAutomatically(t *testing.T) {
	h := newPipelineHarness(percentByTask(50, 70), &scannerFake{}, studentWork)
	ctx := context.Background()
	h.toChoosingStrategy(t, "k")

	s, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeBoth, AnswerGuideImage: []byte("guide")})
	if err != nil {
		t.Fatalf("Grade() error = %v", err)
	}
	if s.State != domain.StateNormalizing || s.Adjudication.Selected != domain.StrategyTeacherGuided || s.Grade.FinalGrade != 86 {
		t.Fatalf("expected automatic teacher-guided grade 86, got state=%s decision=%+v grade=%+v", s.State, s.Adjudication, s.Grade)
	}

	s, err = h.pipeline.Adjudicate(ctx, "k", domain.AdjudicateCommand{Strategy: domain.StrategyAIOnly})
	if err != nil {
		t.Fatalf("optional human choice should be allowed: %v", err)
	}
	if s.Grade.FinalGrade != 80 || s.State != domain.StateNormalizing {
		t.Fatalf("expected ai grade 80 after choice, got %+v", s.Grade)
	}
}

func TestPipelineDeclineFallsBackToTeacherGuided(t *testing.T) {
	h := newPipelineHarness(percentByTask(100, 0), &scannerFake{}, studentWork)
	ctx := context.Background()
	h.toChoosingStrategy(t, "k")

	if _, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeBoth, AnswerGuideImage: []byte("guide")}); err != nil {
		t.Fatalf("Grade() error = %v", err)
	}
	s, err := h.pipeline.Adjudicate(ctx, "k", domain.AdjudicateCommand{Decline: true})
	if err != nil {
		t.Fatalf("Adjudicate() error = %v", err)
	}
	if s.Adjudication.Selected != domain.StrategyTeacherGuided || s.Adjudication.Method != domain.SelectionFallback || s.Grade.FinalGrade != 65 {
		t.Fatalf("unexpected fallback: decision=%+v grade=%+v", s.Adjudication, s.Grade)
	}
}

func TestPipelineBlankSubmissionSkipsGrading(t *testing.T) {
	oracle := percentByTask(100, 100)
	h := newPipelineHarness(oracle, &scannerFake{}, "Name: __________\nDate: ____\nPage 1 of 1\nok")
	ctx := context.Background()

	if _, err := h.pipeline.StartSession(ctx, domain.StartSessionCommand{Key: "k", QuestionIDs: []string{"q-1", "q-2"}}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := h.pipeline.AddPage(ctx, "k", domain.AddPageCommand{MimeType: "image/jpeg", Data: []byte("jpg")}); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	if _, err := h.pipeline.Identify(ctx, "k"); err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if _, err := h.pipeline.SelectStudent(ctx, "k", domain.SelectStudentCommand{StudentID: "s-1"}); err != nil {
		t.Fatalf("SelectStudent() error = %v", err)
	}
	s, err := h.pipeline.Extract(ctx, "k")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if s.State != domain.StateNormalizing || s.Grade.FinalGrade != 55 || s.Grade.Source != domain.SourceBlankPage {
		t.Fatalf("expected blank grade at floor, got state=%s grade=%+v", s.State, s.Grade)
	}

	if _, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeAIOnly}); !errors.Is(err, domain.ErrPolicyViolation) {
		t.Fatalf("blank submissions must not be graded, got %v", err)
	}
	if _, err := h.pipeline.Finalize(ctx, "k", domain.FinalizeCommand{OverrideGrade: intPtr(100)}); !errors.Is(err, domain.ErrPolicyViolation) {
		t.Fatalf("blank grade cannot be raised, got %v", err)
	}

	s, err = h.pipeline.Finalize(ctx, "k", domain.FinalizeCommand{})
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if s.State != domain.StateSaved || len(h.grades.records) != 2 {
		t.Fatalf("expected a blank grade per question, got state=%s records=%d", s.State, len(h.grades.records))
	}
	if oracle.callCount(domain.TaskAutonomous) != 0 {
		t.Fatalf("oracle must never see a blank submission")
	}
}

func TestPipelineGradingFailureReturnsToStrategyChoice(t *testing.T) {
	oracle := &oracleFake{fn: func(context.Context, domain.GradingRequest, int) (domain.OracleResponse, error) {
		return domain.OracleResponse{}, &domain.GradingFailure{Reason: domain.FailureOracleUnavailable}
	}}
	h := newPipelineHarness(oracle, &scannerFake{}, studentWork)
	ctx := context.Background()
	h.toChoosingStrategy(t, "k")

	s, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeAIOnly})
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected retryable grading failure, got %v", err)
	}
	if s.State != domain.StateChoosingStrategy || len(s.LastFailures) != 1 || s.LastFailures[0].Reason != domain.FailureOracleUnavailable {
		t.Fatalf("unexpected session after failure: state=%s failures=%+v", s.State, s.LastFailures)
	}
	if oracle.callCount(domain.TaskAutonomous) != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", oracle.callCount(domain.TaskAutonomous))
	}
}

func TestPipelinePartialFailureKeepsSurvivor(t *testing.T) {
	oracle := &oracleFake{fn: func(_ context.Context, req domain.GradingRequest, _ int) (domain.OracleResponse, error) {
		if req.Task == domain.TaskReferenceGuided {
			return domain.OracleResponse{}, &domain.GradingFailure{Reason: domain.FailureQuotaExhausted}
		}
		return percentResponse(50), nil
	}}
	h := newPipelineHarness(oracle, &scannerFake{}, studentWork)
	h.toChoosingStrategy(t, "k")

	s, err := h.pipeline.Grade(context.Background(), "k", domain.GradeCommand{Mode: domain.ModeBoth, AnswerGuideImage: []byte("guide")})
	if err != nil {
		t.Fatalf("Grade() error = %v", err)
	}
	if s.State != domain.StateNormalizing || s.Adjudication.Selected != domain.StrategyAIOnly || len(s.LastFailures) != 1 {
		t.Fatalf("unexpected session: state=%s decision=%+v failures=%+v", s.State, s.Adjudication, s.LastFailures)
	}
}

func TestPipelineResumeNeverRegrades(t *testing.T) {
	oracle := percentByTask(10, 60)
	h := newPipelineHarness(oracle, &scannerFake{}, studentWork)
	ctx := context.Background()
	h.toChoosingStrategy(t, "k")
	if _, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeBoth, AnswerGuideImage: []byte("guide")}); err != nil {
		t.Fatalf("Grade() error = %v", err)
	}
	calls := oracle.callCount(domain.TaskAutonomous) + oracle.callCount(domain.TaskReferenceGuided)

	restarted := h.build(studentWork)
	if _, err := restarted.Get(ctx, "k"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("fresh process should have no live session, got %v", err)
	}
	s, err := restarted.Resume(ctx, "k")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if s.State != domain.StateAdjudicating || !s.Resumed || s.AIResult == nil || s.TeacherGuidedResult == nil {
		t.Fatalf("unexpected resumed session: %+v", s)
	}
	if got := oracle.callCount(domain.TaskAutonomous) + oracle.callCount(domain.TaskReferenceGuided); got != calls {
		t.Fatalf("resume must not call the oracle: %d -> %d", calls, got)
	}

	if _, err := restarted.Adjudicate(ctx, "k", domain.AdjudicateCommand{Decline: true}); err != nil {
		t.Fatalf("Adjudicate() error = %v", err)
	}
	s, err = restarted.Finalize(ctx, "k", domain.FinalizeCommand{})
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if s.State != domain.StateSaved || h.grades.records[0].Grade.FinalGrade != 83 {
		t.Fatalf("unexpected final state=%s grades=%+v", s.State, h.grades.records)
	}
}

func TestPipelineStorageFailureDegradesToMemory(t *testing.T) {
	h := newPipelineHarness(percentByTask(82, 0), &scannerFake{}, studentWork)
	h.repo.saveErr = errors.New("read-only filesystem")
	ctx := context.Background()
	h.toChoosingStrategy(t, "k")

	s, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeAIOnly})
	if err != nil {
		t.Fatalf("storage errors must not fail grading: %v", err)
	}
	if !s.ResumeUnavailable || s.Grade.FinalGrade != 90 {
		t.Fatalf("expected degraded session with grade 90, got %+v", s)
	}
}

func TestPipelineMultiQuestionSession(t *testing.T) {
	h := newPipelineHarness(percentByTask(50, 50), &scannerFake{}, studentWork)
	ctx := context.Background()
	h.toChoosingStrategy(t, "k", "q-1", "q-2")

	if _, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeAIOnly}); err != nil {
		t.Fatalf("Grade() error = %v", err)
	}
	s, err := h.pipeline.Finalize(ctx, "k", domain.FinalizeCommand{})
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if s.State != domain.StateChoosingStrategy || s.CurrentQuestionID() != "q-2" || len(s.QuestionResults) != 1 {
		t.Fatalf("expected second question pending, got state=%s question=%s results=%d", s.State, s.CurrentQuestionID(), len(s.QuestionResults))
	}
	if h.repo.records["k"].CurrentQuestionIndex != 1 {
		t.Fatalf("expected snapshot at question index 1")
	}

	if _, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeManual, ManualGrade: intPtr(100)}); err != nil {
		t.Fatalf("Grade() error = %v", err)
	}
	s, err = h.pipeline.Finalize(ctx, "k", domain.FinalizeCommand{})
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if s.State != domain.StateSaved || len(h.grades.records) != 2 {
		t.Fatalf("expected saved session with two grades, got state=%s grades=%d", s.State, len(h.grades.records))
	}
	if h.grades.records[0].QuestionID != "q-1" || h.grades.records[1].QuestionID != "q-2" || h.grades.records[1].Grade.FinalGrade != 100 {
		t.Fatalf("unexpected grade records %+v", h.grades.records)
	}
}

func TestPipelineOverrideIsRecorded(t *testing.T) {
	h := newPipelineHarness(percentByTask(82, 0), &scannerFake{}, studentWork)
	ctx := context.Background()
	h.toChoosingStrategy(t, "k")
	if _, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeAIOnly}); err != nil {
		t.Fatalf("Grade() error = %v", err)
	}

	s, err := h.pipeline.Finalize(ctx, "k", domain.FinalizeCommand{OverrideGrade: intPtr(100)})
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if s.Grade.FinalGrade != 100 || !s.Grade.Overridden {
		t.Fatalf("expected overridden 100, got %+v", s.Grade)
	}
	v := h.feedback.verifications
	if len(v) != 1 || v[0].Verdict != domain.VerdictOverridden || v[0].ProposedGrade != 90 || v[0].FinalGrade != 100 {
		t.Fatalf("unexpected verification %+v", v)
	}
}

func TestPipelineMisconceptionFeedback(t *testing.T) {
	h := newPipelineHarness(percentByTask(82, 0), &scannerFake{}, studentWork)
	ctx := context.Background()
	h.toChoosingStrategy(t, "k")
	if _, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeAIOnly}); err != nil {
		t.Fatalf("Grade() error = %v", err)
	}

	stored, err := h.pipeline.RecordMisconceptionFeedback(ctx, "k", []domain.MisconceptionVerdict{
		{Strategy: domain.StrategyAIOnly, Misconception: "wrong units", Verdict: domain.VerdictDismissed},
	})
	if err != nil || stored != 1 {
		t.Fatalf("RecordMisconceptionFeedback() = %d, %v", stored, err)
	}

	_, err = h.pipeline.RecordMisconceptionFeedback(ctx, "k", []domain.MisconceptionVerdict{
		{Strategy: domain.StrategyAIOnly, Misconception: "never reported", Verdict: domain.VerdictConfirmed},
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown misconception, got %v", err)
	}

	h.feedback.err = errors.New("ledger offline")
	stored, err = h.pipeline.RecordMisconceptionFeedback(ctx, "k", []domain.MisconceptionVerdict{
		{Strategy: domain.StrategyAIOnly, Misconception: "dropped negative sign", Verdict: domain.VerdictConfirmed},
	})
	if err != nil || stored != 0 {
		t.Fatalf("ledger failures must be swallowed: %d, %v", stored, err)
	}
}

func TestPipelineAbandonClearsSnapshot(t *testing.T) {
	h := newPipelineHarness(percentByTask(82, 0), &scannerFake{}, studentWork)
	ctx := context.Background()
	h.toChoosingStrategy(t, "k")
	if _, ok := h.repo.records["k"]; !ok {
		t.Fatalf("expected choosing-strategy snapshot")
	}

	s, err := h.pipeline.Abandon(ctx, "k")
	if err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	if s.State != domain.StateAbandoned {
		t.Fatalf("expected abandoned, got %s", s.State)
	}
	if _, ok := h.repo.records["k"]; ok {
		t.Fatalf("snapshot must be cleared")
	}
	if _, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeAIOnly}); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected abandoned session to be gone, got %v", err)
	}
}

func TestPipelineDropsFinishedSlots(t *testing.T) {
	h := newPipelineHarness(percentByTask(82, 0), &scannerFake{}, studentWork)
	ctx := context.Background()

	if _, err := h.pipeline.Get(ctx, "unknown"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.pipeline.Resume(ctx, "unknown"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if n := len(h.pipeline.slots); n != 0 {
		t.Fatalf("lookups of unknown keys must not leave slots, got %d", n)
	}

	h.toChoosingStrategy(t, "k")
	if n := len(h.pipeline.slots); n != 1 {
		t.Fatalf("expected one live slot, got %d", n)
	}
	if _, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeAIOnly}); err != nil {
		t.Fatalf("Grade() error = %v", err)
	}
	s, err := h.pipeline.Finalize(ctx, "k", domain.FinalizeCommand{})
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if s.State != domain.StateSaved {
		t.Fatalf("expected saved, got %s", s.State)
	}
	if n := len(h.pipeline.slots); n != 0 {
		t.Fatalf("saved session must release its slot, got %d", n)
	}

	h.toChoosingStrategy(t, "k")
	if _, err := h.pipeline.Get(ctx, "k"); err != nil {
		t.Fatalf("a new session on the same key must be usable: %v", err)
	}
}

func TestPipelineResumeFromComparingFinishesWithoutOracle(t *testing.T) {
	oracle := percentByTask(50, 52)
	h := newPipelineHarness(oracle, &scannerFake{}, studentWork)
	ctx := context.Background()
	h.toChoosingStrategy(t, "k")

	s, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeBoth, AnswerGuideImage: []byte("guide")})
	if err != nil {
		t.Fatalf("Grade() error = %v", err)
	}
	if s.State != domain.StateNormalizing {
		t.Fatalf("expected automatic selection, got %s", s.State)
	}
	snapshot := h.repo.records["k"]
	if snapshot.ScanState != domain.StateComparing || snapshot.Adjudication == nil || snapshot.Result == nil || snapshot.TeacherGuidedResult == nil {
		t.Fatalf("expected comparing snapshot with outcomes and decision, got %+v", snapshot)
	}
	calls := oracle.callCount(domain.TaskAutonomous) + oracle.callCount(domain.TaskReferenceGuided)

	restarted := h.build(studentWork)
	s, err = restarted.Resume(ctx, "k")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if s.State != domain.StateNormalizing || s.Grade == nil || s.Grade.FinalGrade != 81 || s.Adjudication.Selected != domain.StrategyTeacherGuided {
		t.Fatalf("expected resumed session ready to save, got state=%s grade=%+v decision=%+v", s.State, s.Grade, s.Adjudication)
	}

	s, err = restarted.Finalize(ctx, "k", domain.FinalizeCommand{})
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if s.State != domain.StateSaved || len(h.grades.records) != 1 || h.grades.records[0].Grade.FinalGrade != 81 {
		t.Fatalf("unexpected final state=%s grades=%+v", s.State, h.grades.records)
	}
	if got := oracle.callCount(domain.TaskAutonomous) + oracle.callCount(domain.TaskReferenceGuided); got != calls {
		t.Fatalf("resume must not call the oracle: %d -> %d", calls, got)
	}
}

func TestPipelineResumeKeepsSingleStrategyResult(t *testing.T) {
	oracle := percentByTask(82, 0)
	h := newPipelineHarness(oracle, &scannerFake{}, studentWork)
	ctx := context.Background()
	h.toChoosingStrategy(t, "k")

	if _, err := h.pipeline.Grade(ctx, "k", domain.GradeCommand{Mode: domain.ModeAIOnly}); err != nil {
		t.Fatalf("Grade() error = %v", err)
	}
	snapshot := h.repo.records["k"]
	if snapshot.ScanState != domain.StateGrading || snapshot.Result == nil {
		t.Fatalf("expected grading snapshot with its result, got state=%s result=%v", snapshot.ScanState, snapshot.Result != nil)
	}

	restarted := h.build(studentWork)
	s, err := restarted.Resume(ctx, "k")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if s.State != domain.StateNormalizing || s.Grade == nil || s.Grade.FinalGrade != 90 {
		t.Fatalf("expected resumed grade 90, got state=%s grade=%+v", s.State, s.Grade)
	}
	if _, err := restarted.Finalize(ctx, "k", domain.FinalizeCommand{}); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if oracle.callCount(domain.TaskAutonomous) != 1 {
		t.Fatalf("expected the single original oracle call, got %d", oracle.callCount(domain.TaskAutonomous))
	}
}

func TestPipelineBlankFinalizeRetrySavesEachQuestionOnce(t *testing.T) {
	h := newPipelineHarness(percentByTask(100, 100), &scannerFake{}, "Name: __________\nDate: ____\nPage 1 of 1\nok")
	h.grades.failOn = 2
	ctx := context.Background()

	if _, err := h.pipeline.StartSession(ctx, domain.StartSessionCommand{Key: "k", QuestionIDs: []string{"q1", "q2"}}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := h.pipeline.AddPage(ctx, "k", domain.AddPageCommand{MimeType: "image/jpeg", Data: []byte("jpg")}); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	if _, err := h.pipeline.Identify(ctx, "k"); err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if _, err := h.pipeline.SelectStudent(ctx, "k", domain.SelectStudentCommand{StudentID: "s-1"}); err != nil {
		t.Fatalf("SelectStudent() error = %v", err)
	}
	if s, err := h.pipeline.Extract(ctx, "k"); err != nil || s.State != domain.StateNormalizing {
		t.Fatalf("expected blank submission, got %v", err)
	}

	if _, err := h.pipeline.Finalize(ctx, "k", domain.FinalizeCommand{}); err == nil {
		t.Fatalf("expected the second save to fail")
	}
	s, err := h.pipeline.Finalize(ctx, "k", domain.FinalizeCommand{})
	if err != nil {
		t.Fatalf("Finalize() retry error = %v", err)
	}
	if s.State != domain.StateSaved || len(s.QuestionResults) != 2 {
		t.Fatalf("unexpected session state=%s results=%+v", s.State, s.QuestionResults)
	}

	perQuestion := map[string]int{}
	for _, r := range h.grades.records {
		perQuestion[r.QuestionID]++
	}
	if perQuestion["q1"] != 1 || perQuestion["q2"] != 1 || len(h.queue.events) != 2 {
		t.Fatalf("expected one grade and event per question, got grades=%v events=%d", perQuestion, len(h.queue.events))
	}
}

func TestPreviewGrade(t *testing.T) {
	h := newPipelineHarness(percentByTask(0, 0), &scannerFake{}, studentWork)
	grade, policy, err := h.pipeline.PreviewGrade(context.Background(), "teacher-1", domain.NormalizationInput{HasWork: true, RawPercentage: floatPtr(82)})
	if err != nil {
		t.Fatalf("PreviewGrade() error = %v", err)
	}
	if grade != 90 || policy.GradeFloorWithEffort != 65 {
		t.Fatalf("unexpected preview %d %+v", grade, policy)
	}
	_, _, err = h.pipeline.PreviewGrade(context.Background(), "teacher-1", domain.NormalizationInput{HasWork: true, ProficiencyLevel: intPtr(9)})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestNormalizeMimeType(t *testing.T) {
	cases := map[string]string{
		"IMAGE/JPG":                "image/jpeg",
		"image/png; charset=utf-8": "image/png",
		"":                         "image/png",
	}
	for in, want := range cases {
		if got := normalizeMimeType(in, []byte("\x89PNG\r\n\x1a\n")); got != want {
			t.Fatalf("normalizeMimeType(%q) = %q, want %q", in, got, want)
		}
	}
	if got := normalizeMimeType("", []byte(strings.Repeat("plain text ", 4))); got != "text/plain" {
		t.Fatalf("expected sniffed text/plain, got %q", got)
	}
}
