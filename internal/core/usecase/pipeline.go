package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/core/ports"
)

const maxPagesPerSession = 20

var supportedPageTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
}

// PipelineDeps wires the stages of the scan pipeline.
type PipelineDeps struct {
	Identifier  *IdentificationResolver
	Extractor   *ExtractionUseCase
	Executor    *GradingExecutor
	Adjudicator *Adjudicator
	Normalizer  *GradeNormalizer
	Recovery    *SessionRecoveryManager
	Ledger      *FeedbackLedger
	Grades      ports.GradeStore
	Queue       ports.MessageQueue
	Policies    ports.PolicyProvider
	Observer    ports.PipelineObserver
	Logger      *slog.Logger
}

type sessionSlot struct {
	mu      sync.Mutex
	session *domain.ScanSession
}

// ScanPipeline drives scan sessions from capture to a saved grade. Work on one
// session is serialized; separate sessions never share a lock.
type ScanPipeline struct {
	identifier  *IdentificationResolver
	extractor   *ExtractionUseCase
	executor    *GradingExecutor
	adjudicator *Adjudicator
	normalizer  *GradeNormalizer
	recovery    *SessionRecoveryManager
	ledger      *FeedbackLedger
	grades      ports.GradeStore
	queue       ports.MessageQueue
	policies    ports.PolicyProvider
	observer    ports.PipelineObserver
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	slots map[string]*sessionSlot
}

func NewScanPipeline(deps PipelineDeps) *ScanPipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	normalizer := deps.Normalizer
	if normalizer == nil {
		normalizer = NewGradeNormalizer()
	}
	adjudicator := deps.Adjudicator
	if adjudicator == nil {
		adjudicator = NewAdjudicator()
	}
	ledger := deps.Ledger
	if ledger == nil {
		ledger = NewFeedbackLedger(nil, logger)
	}
	return &ScanPipeline{
		identifier:  deps.Identifier,
		extractor:   deps.Extractor,
		executor:    deps.Executor,
		adjudicator: adjudicator,
		normalizer:  normalizer,
		recovery:    deps.Recovery,
		ledger:      ledger,
		grades:      deps.Grades,
		queue:       deps.Queue,
		policies:    deps.Policies,
		observer:    deps.Observer,
		logger:      logger,
		now:         time.Now,
		slots:       make(map[string]*sessionSlot),
	}
}

// StartSession opens a new session on a slot, replacing whatever it held.
func (p *ScanPipeline) StartSession(ctx context.Context, cmd domain.StartSessionCommand) (*domain.ScanSession, error) {
	key := strings.TrimSpace(cmd.Key)
	if key == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "start session", errors.New("session key is required"))
	}

	slot := p.lockSlot(key)
	defer p.unlockSlot(key, slot)

	if err := p.recovery.Discard(ctx, key); err != nil {
		p.logger.Warn("previous_session_not_cleared", "session_key", key, "error", err)
	}
	now := p.now().UTC()
	session := &domain.ScanSession{
		ID:                  uuid.NewString(),
		Key:                 key,
		UserID:              strings.TrimSpace(cmd.UserID),
		State:               domain.StateCapturing,
		ClassID:             strings.TrimSpace(cmd.ClassID),
		SelectedQuestionIDs: compactIDs(cmd.QuestionIDs),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	slot.session = session
	p.logger.Info("session_started", "session_key", key, "session_id", session.ID, "user_id", session.UserID)
	return cloneSession(session), nil
}

// AddPage captures another page image.
func (p *ScanPipeline) AddPage(ctx context.Context, key string, cmd domain.AddPageCommand) (*domain.ScanSession, error) {
	return p.withSession(ctx, key, "capture", func(s *domain.ScanSession) error {
		if len(cmd.Data) == 0 {
			return domain.WrapError(domain.ErrInvalidInput, "add page", errors.New("no image data"))
		}
		if len(s.Pages) >= maxPagesPerSession {
			return domain.WrapError(domain.ErrInvalidInput, "add page", fmt.Errorf("at most %d pages per submission", maxPagesPerSession))
		}
		mimeType := normalizeMimeType(cmd.MimeType, cmd.Data)
		if !slices.Contains(supportedPageTypes, mimeType) {
			return domain.WrapError(domain.ErrInvalidInput, "add page", fmt.Errorf("unsupported page type %q", mimeType))
		}
		if err := s.TransitionTo(domain.StateCapturing, p.now().UTC()); err != nil {
			return err
		}
		s.Pages = append(s.Pages, domain.PageImage{
			Index:      len(s.Pages),
			MimeType:   mimeType,
			Data:       slices.Clone(cmd.Data),
			CapturedAt: p.now().UTC(),
		})
		return nil
	})
}

// Identify looks for an identity code on the first page. A miss moves the
// session to manual student selection.
func (p *ScanPipeline) Identify(ctx context.Context, key string) (*domain.ScanSession, error) {
	return p.withSession(ctx, key, "identify", func(s *domain.ScanSession) error {
		if s.State != domain.StateCapturing {
			return invalidStep(s.State, "identify")
		}
		if len(s.Pages) == 0 {
			return domain.WrapError(domain.ErrInvalidInput, "identify", errors.New("no page captured"))
		}
		if err := s.TransitionTo(domain.StateIdentifying, p.now().UTC()); err != nil {
			return err
		}

		identification, found, err := p.identifier.Resolve(ctx, s.Pages[0])
		if err != nil {
			return err
		}
		if !found {
			p.logger.Info("identification_not_found", "session_id", s.ID)
			return s.TransitionTo(domain.StateSelectingStudent, p.now().UTC())
		}

		s.Identification = &identification
		s.StudentID = identification.StudentID
		if identification.QuestionID != "" && len(s.SelectedQuestionIDs) == 0 {
			s.SelectedQuestionIDs = []string{identification.QuestionID}
		}
		return s.TransitionTo(domain.StateExtracting, p.now().UTC())
	})
}

// SelectStudent binds the session to a student chosen by hand.
func (p *ScanPipeline) SelectStudent(ctx context.Context, key string, cmd domain.SelectStudentCommand) (*domain.ScanSession, error) {
	return p.withSession(ctx, key, "select_student", func(s *domain.ScanSession) error {
		if s.State != domain.StateSelectingStudent {
			return invalidStep(s.State, "select student")
		}
		studentID := strings.TrimSpace(cmd.StudentID)
		if studentID == "" {
			return domain.WrapError(domain.ErrInvalidInput, "select student", errors.New("student id is required"))
		}
		s.StudentID = studentID
		if classID := strings.TrimSpace(cmd.ClassID); classID != "" {
			s.ClassID = classID
		}
		if ids := compactIDs(cmd.QuestionIDs); len(ids) > 0 {
			s.SelectedQuestionIDs = ids
		}
		s.Identification = &domain.Identification{StudentID: studentID, Method: domain.IdentifiedManually}
		return s.TransitionTo(domain.StateExtracting, p.now().UTC())
	})
}

// Extract recognizes the captured pages. A blank submission skips grading and
// goes straight to normalization with the no-work grade.
func (p *ScanPipeline) Extract(ctx context.Context, key string) (*domain.ScanSession, error) {
	return p.withSession(ctx, key, "extract", func(s *domain.ScanSession) error {
		if s.State != domain.StateExtracting {
			return invalidStep(s.State, "extract")
		}
		extraction, err := p.extractor.Extract(ctx, s.Pages)
		if err != nil {
			return err
		}
		s.Extraction = &extraction

		if extraction.IsBlank {
			policy, err := p.policyFor(ctx, s.UserID)
			if err != nil {
				return err
			}
			grade := p.normalizer.NormalizeBlank(policy)
			s.Grade = &grade
			p.logger.Info("blank_submission", "session_id", s.ID, "char_count", extraction.CharCount)
			return s.TransitionTo(domain.StateNormalizing, p.now().UTC())
		}

		if err := s.TransitionTo(domain.StateChoosingStrategy, p.now().UTC()); err != nil {
			return err
		}
		p.checkpoint(ctx, s)
		return nil
	})
}

// Grade runs the strategies of the requested mode for the current question.
// It may also re-run grading after outcomes were produced.
func (p *ScanPipeline) Grade(ctx context.Context, key string, cmd domain.GradeCommand) (*domain.ScanSession, error) {
	return p.withSession(ctx, key, "grade", func(s *domain.ScanSession) error {
		switch s.State {
		case domain.StateChoosingStrategy, domain.StateGrading, domain.StateComparing, domain.StateAdjudicating, domain.StateNormalizing:
		default:
			return invalidStep(s.State, "grade")
		}
		if s.Extraction == nil || s.Extraction.IsBlank {
			return domain.WrapError(domain.ErrPolicyViolation, "grade", errors.New("nothing to grade: submission is blank or not extracted"))
		}
		strategies, err := cmd.Mode.Strategies()
		if err != nil {
			return err
		}
		policy, err := p.policyFor(ctx, s.UserID)
		if err != nil {
			return err
		}
		if len(cmd.AnswerGuideImage) > 0 {
			s.AnswerGuideImage = slices.Clone(cmd.AnswerGuideImage)
		}

		s.ResetGrading()
		s.GradingMode = cmd.Mode
		if s.State != domain.StateGrading {
			if err := s.TransitionTo(domain.StateGrading, p.now().UTC()); err != nil {
				return err
			}
		}
		p.checkpoint(ctx, s)

		run, runErr := p.executor.Run(ctx, GradingInput{
			Strategies:     strategies,
			Extraction:     *s.Extraction,
			Pages:          s.Pages,
			ReferenceImage: s.AnswerGuideImage,
			QuestionID:     s.CurrentQuestionID(),
			QuestionPrompt: strings.TrimSpace(cmd.QuestionPrompt),
			Policy:         policy,
			ManualGrade:    cmd.ManualGrade,
		})
		for _, f := range run.Failures {
			s.LastFailures = append(s.LastFailures, f.Notice())
		}
		if runErr != nil {
			if err := s.TransitionTo(domain.StateChoosingStrategy, p.now().UTC()); err != nil {
				return errors.Join(runErr, err)
			}
			p.checkpoint(ctx, s)
			return runErr
		}

		for _, outcome := range run.Outcomes {
			s.SetOutcome(outcome)
		}
		s.RawAnalysis = run.RawAnalysis

		if len(run.Outcomes) > 1 {
			if err := s.TransitionTo(domain.StateComparing, p.now().UTC()); err != nil {
				return err
			}
		}
		return p.adjudicate(ctx, s, policy, run.Outcomes)
	})
}

// adjudicate decides between the outcomes of a grading round unless a
// decision is already attached. The snapshot taken here, while the session is
// still grading or comparing, carries the outcomes and the decision, since
// normalizing is never persisted.
func (p *ScanPipeline) adjudicate(ctx context.Context, s *domain.ScanSession, policy domain.GradePolicy, outcomes []domain.GradingOutcome) error {
	if s.Adjudication == nil {
		decision, err := p.adjudicator.Decide(outcomes)
		if err != nil {
			return err
		}
		s.Adjudication = &decision
		if p.observer != nil {
			p.observer.ObserveAdjudication(decision.Method, decision.MajorDifference)
		}
	}

	if s.Adjudication.Pending() {
		p.logger.Info("adjudication_required",
			"session_id", s.ID,
			"difference", s.Adjudication.Difference,
		)
		if err := s.TransitionTo(domain.StateAdjudicating, p.now().UTC()); err != nil {
			return err
		}
		p.checkpoint(ctx, s)
		return nil
	}

	p.checkpoint(ctx, s)
	if err := p.applySelection(s, policy); err != nil {
		return err
	}
	return s.TransitionTo(domain.StateNormalizing, p.now().UTC())
}

// Adjudicate records a human choice between two outcomes, or applies the
// tie-break when the human declines.
func (p *ScanPipeline) Adjudicate(ctx context.Context, key string, cmd domain.AdjudicateCommand) (*domain.ScanSession, error) {
	return p.withSession(ctx, key, "adjudicate", func(s *domain.ScanSession) error {
		if s.State != domain.StateAdjudicating && s.State != domain.StateNormalizing {
			return invalidStep(s.State, "adjudicate")
		}
		if s.Adjudication == nil || len(s.Adjudication.Candidates) < 2 {
			return domain.WrapError(domain.ErrPolicyViolation, "adjudicate", errors.New("no competing outcomes to choose from"))
		}

		var (
			decision domain.AdjudicationDecision
			err      error
		)
		switch {
		case cmd.Decline && cmd.Strategy != "":
			return domain.WrapError(domain.ErrInvalidInput, "adjudicate", errors.New("choose a strategy or decline, not both"))
		case cmd.Decline:
			decision, err = p.adjudicator.Decline(*s.Adjudication)
		default:
			decision, err = p.adjudicator.Select(*s.Adjudication, cmd.Strategy)
		}
		if err != nil {
			return err
		}
		s.Adjudication = &decision
		if p.observer != nil {
			p.observer.ObserveAdjudication(decision.Method, decision.MajorDifference)
		}

		policy, err := p.policyFor(ctx, s.UserID)
		if err != nil {
			return err
		}
		if err := p.applySelection(s, policy); err != nil {
			return err
		}
		if s.State == domain.StateNormalizing {
			s.UpdatedAt = p.now().UTC()
			return nil
		}
		return s.TransitionTo(domain.StateNormalizing, p.now().UTC())
	})
}

func (p *ScanPipeline) applySelection(s *domain.ScanSession, policy domain.GradePolicy) error {
	if !s.Adjudication.HasSelection() {
		return domain.WrapError(domain.ErrPolicyViolation, "normalize grade", errors.New("no grading outcome selected"))
	}
	outcome, ok := s.Outcome(s.Adjudication.Selected)
	if !ok {
		return domain.WrapError(domain.ErrPolicyViolation, "normalize grade", fmt.Errorf("selected outcome %s is missing", s.Adjudication.Selected))
	}
	grade, err := p.normalizer.Normalize(policy, *outcome)
	if err != nil {
		return err
	}
	s.Grade = &grade
	return nil
}

// Finalize saves the normalized grade. With more questions selected the
// session returns to strategy choice for the next one.
func (p *ScanPipeline) Finalize(ctx context.Context, key string, cmd domain.FinalizeCommand) (*domain.ScanSession, error) {
	return p.withSession(ctx, key, "finalize", func(s *domain.ScanSession) error {
		if s.State != domain.StateNormalizing {
			if s.State == domain.StateAdjudicating {
				return domain.WrapError(domain.ErrPolicyViolation, "finalize", errors.New("outcomes differ widely: choose one before saving"))
			}
			return invalidStep(s.State, "finalize")
		}
		if s.StudentID == "" {
			return domain.WrapError(domain.ErrPolicyViolation, "finalize", errors.New("no student bound to the session"))
		}
		policy, err := p.policyFor(ctx, s.UserID)
		if err != nil {
			return err
		}

		blank := s.Extraction != nil && s.Extraction.IsBlank
		var selected *domain.GradingOutcome
		if blank {
			if s.Grade == nil {
				grade := p.normalizer.NormalizeBlank(policy)
				s.Grade = &grade
			}
		} else {
			if err := p.applySelection(s, policy); err != nil {
				return err
			}
			selected, _ = s.Outcome(s.Adjudication.Selected)
		}

		grade := *s.Grade
		if cmd.OverrideGrade != nil {
			grade, err = p.normalizer.Override(grade, *cmd.OverrideGrade)
			if err != nil {
				return err
			}
		}

		questions := []string{s.CurrentQuestionID()}
		if blank && s.HasMoreQuestions() {
			questions = slices.Clone(s.SelectedQuestionIDs[s.CurrentQuestionIndex:])
		}
		for _, questionID := range questions {
			// A retried finalize skips questions saved by the failed attempt.
			if hasQuestionResult(s, questionID) {
				continue
			}
			record, err := p.saveGrade(ctx, s, questionID, grade)
			if err != nil {
				return err
			}
			s.QuestionResults = append(s.QuestionResults, domain.QuestionResult{
				QuestionID: questionID,
				GradeID:    record.ID,
				Grade:      grade,
				Selected:   selected,
			})
		}
		s.Grade = &grade

		if selected != nil {
			p.recordVerifications(ctx, s, selected, grade)
		}

		if !blank && s.HasMoreQuestions() {
			s.CurrentQuestionIndex++
			s.ResetGrading()
			if err := s.TransitionTo(domain.StateChoosingStrategy, p.now().UTC()); err != nil {
				return err
			}
			p.checkpoint(ctx, s)
			return nil
		}

		if err := s.TransitionTo(domain.StateSaved, p.now().UTC()); err != nil {
			return err
		}
		if err := p.recovery.Discard(ctx, s.Key); err != nil {
			s.ResumeUnavailable = true
		}
		return nil
	})
}

// recordVerifications writes the ledger entry of the saved outcome and, when
// a human picked between outcomes, an overridden entry for each one passed
// over.
func (p *ScanPipeline) recordVerifications(ctx context.Context, s *domain.ScanSession, selected *domain.GradingOutcome, grade domain.NormalizedGrade) {
	if selected.Strategy != domain.StrategyManual {
		overridden := grade.Overridden && grade.FinalGrade != selected.ProjectedGrade
		p.ledger.RecordVerification(ctx, s, selected.Strategy, selected.ProjectedGrade, grade.FinalGrade, overridden)
	}
	if s.Adjudication == nil || s.Adjudication.Method != domain.SelectionHuman {
		return
	}
	for _, strategy := range s.Adjudication.Candidates {
		if strategy == selected.Strategy || strategy == domain.StrategyManual {
			continue
		}
		if rejected, ok := s.Outcome(strategy); ok {
			p.ledger.RecordVerification(ctx, s, strategy, rejected.ProjectedGrade, grade.FinalGrade, true)
		}
	}
}

func (p *ScanPipeline) saveGrade(ctx context.Context, s *domain.ScanSession, questionID string, grade domain.NormalizedGrade) (*domain.GradeRecord, error) {
	record := &domain.GradeRecord{
		ID:         uuid.NewString(),
		SessionID:  s.ID,
		UserID:     s.UserID,
		ClassID:    s.ClassID,
		StudentID:  s.StudentID,
		QuestionID: questionID,
		Grade:      grade,
		CreatedAt:  p.now().UTC(),
	}
	if err := p.grades.SaveGrade(ctx, record); err != nil {
		return nil, fmt.Errorf("save grade: %w", err)
	}
	if p.observer != nil {
		p.observer.ObserveGrade(grade.Source, grade.FinalGrade)
	}
	p.logger.Info("grade_saved",
		"session_id", s.ID,
		"grade_id", record.ID,
		"student_id", s.StudentID,
		"question_id", questionID,
		"final_grade", grade.FinalGrade,
		"source", grade.Source,
		"overridden", grade.Overridden,
	)

	if p.queue != nil {
		event := domain.GradeSavedEvent{
			GradeID:    record.ID,
			SessionID:  s.ID,
			UserID:     s.UserID,
			ClassID:    s.ClassID,
			StudentID:  s.StudentID,
			QuestionID: questionID,
			FinalGrade: grade.FinalGrade,
			Source:     grade.Source,
			SavedAt:    record.CreatedAt,
		}
		if err := p.queue.PublishGradeSaved(ctx, event); err != nil {
			p.logger.Warn("grade_event_publish_failed", "grade_id", record.ID, "error", err)
		}
	}
	return record, nil
}

// Resume returns the live session of a slot, or restores its durable
// snapshot. Restoring never re-runs grading.
func (p *ScanPipeline) Resume(ctx context.Context, key string) (*domain.ScanSession, error) {
	slot := p.lockSlot(key)
	defer p.unlockSlot(key, slot)

	if slot.session != nil && !slot.session.State.Terminal() {
		return cloneSession(slot.session), nil
	}
	session, err := p.recovery.Restore(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := p.settleRestored(ctx, session); err != nil {
		p.logger.Warn("restored_session_not_settled",
			"session_key", key,
			"session_id", session.ID,
			"scan_state", session.State,
			"error", err,
		)
	}
	slot.session = session
	return cloneSession(session), nil
}

// settleRestored moves a session restored while grading or comparing past
// adjudication when its outcomes survived in the snapshot. Only the
// adjudicator runs again; the oracle is never called.
func (p *ScanPipeline) settleRestored(ctx context.Context, s *domain.ScanSession) error {
	if s.State != domain.StateGrading && s.State != domain.StateComparing {
		return nil
	}
	outcomes := s.Outcomes()
	if len(outcomes) == 0 {
		return nil
	}
	policy, err := p.policyFor(ctx, s.UserID)
	if err != nil {
		return err
	}
	if s.State == domain.StateGrading && len(outcomes) > 1 {
		if err := s.TransitionTo(domain.StateComparing, p.now().UTC()); err != nil {
			return err
		}
	}
	return p.adjudicate(ctx, s, policy, outcomes)
}

// Abandon ends the session and clears its snapshot.
func (p *ScanPipeline) Abandon(ctx context.Context, key string) (*domain.ScanSession, error) {
	return p.withSession(ctx, key, "abandon", func(s *domain.ScanSession) error {
		if err := s.TransitionTo(domain.StateAbandoned, p.now().UTC()); err != nil {
			return err
		}
		if err := p.recovery.Discard(ctx, s.Key); err != nil {
			s.ResumeUnavailable = true
		}
		return nil
	})
}

// Get returns the live session of a slot.
func (p *ScanPipeline) Get(_ context.Context, key string) (*domain.ScanSession, error) {
	slot := p.lockSlot(key)
	defer p.unlockSlot(key, slot)
	if slot.session == nil {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "get session", fmt.Errorf("key %q", key))
	}
	return cloneSession(slot.session), nil
}

// RecordMisconceptionFeedback stores human verdicts on reported
// misconceptions and returns how many reached the ledger.
func (p *ScanPipeline) RecordMisconceptionFeedback(ctx context.Context, key string, verdicts []domain.MisconceptionVerdict) (int, error) {
	stored := 0
	_, err := p.withSession(ctx, key, "feedback", func(s *domain.ScanSession) error {
		if len(verdicts) == 0 {
			return domain.WrapError(domain.ErrInvalidInput, "record feedback", errors.New("no verdicts"))
		}
		for _, v := range verdicts {
			outcome, ok := s.Outcome(v.Strategy)
			if !ok {
				return domain.WrapError(domain.ErrInvalidInput, "record feedback", fmt.Errorf("no %s outcome in session", v.Strategy))
			}
			if !slices.Contains(outcome.Misconceptions, v.Misconception) {
				return domain.WrapError(domain.ErrInvalidInput, "record feedback", fmt.Errorf("misconception %q was not reported by %s", v.Misconception, v.Strategy))
			}
		}
		stored = p.ledger.RecordMisconceptions(ctx, s, verdicts)
		return nil
	})
	return stored, err
}

// PreviewGrade computes a grade under the user's policy without touching any
// session.
func (p *ScanPipeline) PreviewGrade(ctx context.Context, userID string, in domain.NormalizationInput) (int, domain.GradePolicy, error) {
	policy, err := p.policyFor(ctx, userID)
	if err != nil {
		return 0, domain.GradePolicy{}, err
	}
	if lvl := in.ProficiencyLevel; lvl != nil && (*lvl < domain.MinProficiencyLevel || *lvl > domain.MaxProficiencyLevel) {
		return 0, policy, domain.WrapError(domain.ErrInvalidInput, "preview grade", fmt.Errorf("proficiency level %d outside [%d,%d]", *lvl, domain.MinProficiencyLevel, domain.MaxProficiencyLevel))
	}
	if pct := in.RawPercentage; pct != nil && (*pct < 0 || *pct > 100) {
		return 0, policy, domain.WrapError(domain.ErrInvalidInput, "preview grade", fmt.Errorf("raw percentage %v outside [0,100]", *pct))
	}
	return p.normalizer.Calculate(policy, in), policy, nil
}

func (p *ScanPipeline) withSession(ctx context.Context, key, stage string, fn func(*domain.ScanSession) error) (*domain.ScanSession, error) {
	slot := p.lockSlot(key)
	defer p.unlockSlot(key, slot)

	if slot.session == nil {
		return nil, domain.WrapError(domain.ErrSessionNotFound, stage, fmt.Errorf("key %q", key))
	}
	started := time.Now()
	err := fn(slot.session)
	if p.observer != nil {
		p.observer.ObserveStage(stage, time.Since(started), err)
	}
	if err != nil {
		p.logger.Warn("pipeline_step_failed",
			"stage", stage,
			"session_key", key,
			"session_id", slot.session.ID,
			"scan_state", slot.session.State,
			"error", err,
		)
	}
	return cloneSession(slot.session), err
}

// lockSlot returns the locked slot registered for key. A slot dropped by
// unlockSlot while the caller waited on it is skipped.
func (p *ScanPipeline) lockSlot(key string) *sessionSlot {
	for {
		p.mu.Lock()
		slot, ok := p.slots[key]
		if !ok {
			slot = &sessionSlot{}
			p.slots[key] = slot
		}
		p.mu.Unlock()

		slot.mu.Lock()
		p.mu.Lock()
		current := p.slots[key] == slot
		p.mu.Unlock()
		if current {
			return slot
		}
		slot.mu.Unlock()
	}
}

// unlockSlot releases the slot and drops it once it holds no live session.
func (p *ScanPipeline) unlockSlot(key string, slot *sessionSlot) {
	if slot.session == nil || slot.session.State.Terminal() {
		p.mu.Lock()
		if p.slots[key] == slot {
			delete(p.slots, key)
		}
		p.mu.Unlock()
	}
	slot.mu.Unlock()
}

// checkpoint persists the session. A storage failure only costs the ability
// to resume.
func (p *ScanPipeline) checkpoint(ctx context.Context, s *domain.ScanSession) {
	if _, err := p.recovery.Checkpoint(ctx, s); err != nil {
		s.ResumeUnavailable = true
	}
}

func (p *ScanPipeline) policyFor(ctx context.Context, userID string) (domain.GradePolicy, error) {
	if p.policies == nil {
		return domain.DefaultGradePolicy(), nil
	}
	policy, err := p.policies.PolicyFor(ctx, userID)
	if err != nil {
		return domain.GradePolicy{}, fmt.Errorf("resolve grade policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return domain.GradePolicy{}, err
	}
	return policy, nil
}

func hasQuestionResult(s *domain.ScanSession, questionID string) bool {
	return slices.ContainsFunc(s.QuestionResults, func(r domain.QuestionResult) bool {
		return r.QuestionID == questionID
	})
}

func invalidStep(state domain.ScanState, step string) error {
	return domain.WrapError(domain.ErrPolicyViolation, step, fmt.Errorf("%w: cannot %s while %s", domain.ErrInvalidStateTransition, step, state))
}

func normalizeMimeType(declared string, data []byte) string {
	mimeType := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = mimeType[:i]
		}
	}
	if mimeType == "image/jpg" {
		mimeType = "image/jpeg"
	}
	return mimeType
}

func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneSession(s *domain.ScanSession) *domain.ScanSession {
	if s == nil {
		return nil
	}
	copied := *s
	copied.Pages = slices.Clone(s.Pages)
	copied.SelectedQuestionIDs = slices.Clone(s.SelectedQuestionIDs)
	copied.QuestionResults = slices.Clone(s.QuestionResults)
	copied.LastFailures = slices.Clone(s.LastFailures)
	return &copied
}
