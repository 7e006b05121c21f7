package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/core/ports"
)

const (
	DefaultGradingTimeout = 90 * time.Second
	maxGradingAttempts    = 2
)

// GradingInput is one grading round for the current question.
type GradingInput struct {
	Strategies     []domain.Strategy
	Extraction     domain.Extraction
	Pages          []domain.PageImage
	ReferenceImage []byte
	QuestionID     string
	QuestionPrompt string
	Policy         domain.GradePolicy
	ManualGrade    *int
}

// GradingRun is what one round produced. Failures of individual strategies
// sit next to the outcomes of the ones that succeeded.
type GradingRun struct {
	Outcomes    []domain.GradingOutcome
	Failures    []*domain.GradingFailure
	RawAnalysis string
}

type GradingExecutor struct {
	oracle     ports.GradingOracle
	normalizer *GradeNormalizer
	timeout    time.Duration
	observer   ports.PipelineObserver
	logger     *slog.Logger
	now        func() time.Time
}

func NewGradingExecutor(
	oracle ports.GradingOracle,
	normalizer *GradeNormalizer,
	timeout time.Duration,
	observer ports.PipelineObserver,
	logger *slog.Logger,
) *GradingExecutor {
	if timeout <= 0 {
		timeout = DefaultGradingTimeout
	}
	if normalizer == nil {
		normalizer = NewGradeNormalizer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GradingExecutor{
		oracle:     oracle,
		normalizer: normalizer,
		timeout:    timeout,
		observer:   observer,
		logger:     logger,
		now:        time.Now,
	}
}

// Run invokes every requested strategy. Oracle strategies run concurrently
// and a failure in one never cancels the other. The returned error is nil
// while at least one strategy succeeded.
func (e *GradingExecutor) Run(ctx context.Context, in GradingInput) (GradingRun, error) {
	if err := e.validate(in); err != nil {
		return GradingRun{}, err
	}

	type slot struct {
		outcome *domain.GradingOutcome
		raw     string
		failure *domain.GradingFailure
	}
	slots := make([]slot, len(in.Strategies))

	var wg sync.WaitGroup
	for i, strategy := range in.Strategies {
		if strategy == domain.StrategyManual {
			outcome := e.manualOutcome(in)
			slots[i] = slot{outcome: &outcome}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, raw, failure := e.invoke(ctx, strategy, in)
			slots[i] = slot{outcome: outcome, raw: raw, failure: failure}
		}()
	}
	wg.Wait()

	var run GradingRun
	var errs []error
	for _, s := range slots {
		if s.failure != nil {
			run.Failures = append(run.Failures, s.failure)
			errs = append(errs, s.failure)
			continue
		}
		run.Outcomes = append(run.Outcomes, *s.outcome)
		if run.RawAnalysis == "" {
			run.RawAnalysis = s.raw
		}
	}
	if len(run.Outcomes) == 0 {
		return run, errors.Join(errs...)
	}
	return run, nil
}

func (e *GradingExecutor) validate(in GradingInput) error {
	if in.Extraction.IsBlank {
		return domain.WrapError(domain.ErrPolicyViolation, "grade submission", errors.New("blank submissions are not graded"))
	}
	if len(in.Strategies) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "grade submission", errors.New("no grading strategy requested"))
	}
	seen := make(map[domain.Strategy]bool, len(in.Strategies))
	for _, s := range in.Strategies {
		if !s.Valid() {
			return domain.WrapError(domain.ErrInvalidInput, "grade submission", fmt.Errorf("unknown strategy %q", s))
		}
		if seen[s] {
			return domain.WrapError(domain.ErrInvalidInput, "grade submission", fmt.Errorf("strategy %q requested twice", s))
		}
		seen[s] = true
		switch s {
		case domain.StrategyTeacherGuided:
			if len(in.ReferenceImage) == 0 {
				return domain.WrapError(domain.ErrInvalidInput, "grade submission", errors.New("teacher-guided grading needs an answer guide image"))
			}
		case domain.StrategyManual:
			if in.ManualGrade == nil {
				return domain.WrapError(domain.ErrInvalidInput, "grade submission", errors.New("manual grading needs a grade"))
			}
			if *in.ManualGrade < 0 || *in.ManualGrade > domain.MaxGrade {
				return domain.WrapError(domain.ErrInvalidInput, "grade submission", fmt.Errorf("manual grade %d outside [0,%d]", *in.ManualGrade, domain.MaxGrade))
			}
		}
	}
	if seen[domain.StrategyManual] && len(in.Strategies) > 1 {
		return domain.WrapError(domain.ErrInvalidInput, "grade submission", errors.New("manual grading cannot be mixed with oracle strategies"))
	}
	return nil
}

func (e *GradingExecutor) manualOutcome(in GradingInput) domain.GradingOutcome {
	grade := *in.ManualGrade
	return domain.GradingOutcome{
		ID:             uuid.NewString(),
		Strategy:       domain.StrategyManual,
		RubricScores:   []domain.RubricScore{},
		Misconceptions: []string{},
		Justification:  domain.ManualJustification,
		ManualGrade:    &grade,
		HasWork:        true,
		ProjectedGrade: clampInt(grade, in.Policy.GradeFloor, domain.MaxGrade),
		CreatedAt:      e.now().UTC(),
	}
}

// invoke calls the oracle for one strategy, retrying a retryable failure once.
func (e *GradingExecutor) invoke(ctx context.Context, strategy domain.Strategy, in GradingInput) (*domain.GradingOutcome, string, *domain.GradingFailure) {
	task, _ := strategy.Task()
	req := domain.GradingRequest{
		Task:           task,
		Text:           in.Extraction.Combined,
		Pages:          in.Pages,
		QuestionID:     in.QuestionID,
		QuestionPrompt: in.QuestionPrompt,
	}
	if strategy == domain.StrategyTeacherGuided {
		req.ReferenceImage = in.ReferenceImage
	}

	var failure *domain.GradingFailure
	for attempt := 1; attempt <= maxGradingAttempts; attempt++ {
		started := time.Now()
		resp, err := e.callOracle(ctx, req)
		if err == nil {
			var outcome domain.GradingOutcome
			outcome, err = e.buildOutcome(strategy, resp, in.Policy)
			if err == nil {
				e.logger.Info("strategy_graded",
					"strategy", strategy,
					"attempt", attempt,
					"projected_grade", outcome.ProjectedGrade,
					"duration_ms", time.Since(started).Milliseconds(),
				)
				return &outcome, resp.Raw, nil
			}
		}

		failure = toGradingFailure(strategy, err)
		e.observeFailure(failure)
		e.logger.Warn("strategy_failed",
			"strategy", strategy,
			"attempt", attempt,
			"reason", failure.Reason,
			"error", failure.Err,
		)
		if !failure.Reason.Retryable() || ctx.Err() != nil {
			break
		}
	}
	return nil, "", failure
}

func (e *GradingExecutor) callOracle(ctx context.Context, req domain.GradingRequest) (domain.OracleResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.oracle.Grade(cctx, req)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return domain.OracleResponse{}, &domain.GradingFailure{Reason: domain.FailureTimeout, Err: err}
	}
	return resp, err
}

func (e *GradingExecutor) buildOutcome(strategy domain.Strategy, resp domain.OracleResponse, policy domain.GradePolicy) (domain.GradingOutcome, error) {
	if err := validateOracleResponse(resp); err != nil {
		return domain.GradingOutcome{}, &domain.GradingFailure{Reason: domain.FailureInvalidResponse, Err: err}
	}

	percentage := resp.RawPercentage
	if percentage == nil {
		if p, ok := domain.RubricPercentage(resp.RubricScores); ok {
			percentage = &p
		}
	}
	hasWork := resp.HasWork == nil || *resp.HasWork

	rubric := resp.RubricScores
	if rubric == nil {
		rubric = []domain.RubricScore{}
	}
	misconceptions := resp.Misconceptions
	if misconceptions == nil {
		misconceptions = []string{}
	}

	projected := e.normalizer.Calculate(policy, domain.NormalizationInput{
		HasWork:          hasWork,
		RawPercentage:    percentage,
		ProficiencyLevel: resp.ProficiencyLevel,
	})

	return domain.GradingOutcome{
		ID:               uuid.NewString(),
		Strategy:         strategy,
		RubricScores:     rubric,
		Misconceptions:   misconceptions,
		ProficiencyLevel: resp.ProficiencyLevel,
		Justification:    resp.Justification,
		RawPercentage:    percentage,
		HasWork:          hasWork,
		ProjectedGrade:   projected,
		Model:            resp.Model,
		CreatedAt:        e.now().UTC(),
	}, nil
}

func validateOracleResponse(resp domain.OracleResponse) error {
	if lvl := resp.ProficiencyLevel; lvl != nil && (*lvl < domain.MinProficiencyLevel || *lvl > domain.MaxProficiencyLevel) {
		return fmt.Errorf("proficiency level %d outside [%d,%d]", *lvl, domain.MinProficiencyLevel, domain.MaxProficiencyLevel)
	}
	if p := resp.RawPercentage; p != nil && (math.IsNaN(*p) || *p < 0 || *p > 100) {
		return fmt.Errorf("raw percentage %v outside [0,100]", *p)
	}
	for _, s := range resp.RubricScores {
		if s.Possible < 0 || s.Earned < 0 || s.Earned > s.Possible {
			return fmt.Errorf("rubric item %q scored %v of %v", s.Criterion, s.Earned, s.Possible)
		}
	}
	return nil
}

func toGradingFailure(strategy domain.Strategy, err error) *domain.GradingFailure {
	if failure, ok := domain.AsGradingFailure(err); ok {
		copied := *failure
		copied.Strategy = strategy
		return &copied
	}
	reason := domain.FailureOracleUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		reason = domain.FailureTimeout
	}
	return &domain.GradingFailure{Strategy: strategy, Reason: reason, Err: err}
}

func (e *GradingExecutor) observeFailure(failure *domain.GradingFailure) {
	if e.observer != nil {
		e.observer.ObserveGradingFailure(failure.Strategy, failure.Reason)
	}
}
