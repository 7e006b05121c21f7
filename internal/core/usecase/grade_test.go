package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

type oracleFake struct {
	mu    sync.Mutex
	calls map[domain.OracleTask]int
	reqs  []domain.GradingRequest
	fn    func(ctx context.Context, req domain.GradingRequest, call int) (domain.OracleResponse, error)
}

func (f *oracleFake) Grade(ctx context.Context, req domain.GradingRequest) (domain.OracleResponse, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[domain.OracleTask]int{}
	}
	f.calls[req.Task]++
	call := f.calls[req.Task]
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.fn(ctx, req, call)
}

func (f *oracleFake) callCount(task domain.OracleTask) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[task]
}

func percentResponse(p float64) domain.OracleResponse {
	return domain.OracleResponse{RawPercentage: floatPtr(p), Justification: "ok", Model: "fake"}
}

func gradedExtraction() domain.Extraction {
	return domain.CombineExtraction([]domain.ExtractionResult{
		domain.NewExtractionResult(0, "2x + 3 = 11 so 2x = 8 and x = 4, checked by substitution"),
	})
}

func baseGradingInput(strategies ...domain.Strategy) GradingInput {
	return GradingInput{
		Strategies:     strategies,
		Extraction:     gradedExtraction(),
		Pages:          testPages(1),
		ReferenceImage: []byte("guide"),
		Policy:         testPolicy(),
	}
}

func newTestExecutor(oracle *oracleFake, timeout time.Duration) *GradingExecutor {
	return NewGradingExecutor(oracle, NewGradeNormalizer(), timeout, nil, nil)
}

func TestRunAutonomousProjectsGrade(t *testing.T) {
	oracle := &oracleFake{fn: func(context.Context, domain.GradingRequest, int) (domain.OracleResponse, error) {
		return percentResponse(82), nil
	}}
	run, err := newTestExecutor(oracle, time.Second).Run(context.Background(), baseGradingInput(domain.StrategyAIOnly))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(run.Outcomes) != 1 || run.Outcomes[0].ProjectedGrade != 90 {
		t.Fatalf("expected one outcome projected at 90, got %+v", run.Outcomes)
	}
	if oracle.reqs[0].Task != domain.TaskAutonomous || oracle.reqs[0].ReferenceImage != nil {
		t.Fatalf("autonomous request must not carry a reference: %+v", oracle.reqs[0])
	}
}

func TestRunBothStrategiesConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	oracle := &oracleFake{fn: func(ctx context.Context, req domain.GradingRequest, _ int) (domain.OracleResponse, error) {
		arrived.Done()
		waited := make(chan struct{})
		go func() {
			arrived.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(time.Second):
			return domain.OracleResponse{}, &domain.GradingFailure{Reason: domain.FailureInvalidResponse, Err: errors.New("strategies ran sequentially")}
		}
		if req.Task == domain.TaskReferenceGuided {
			if len(req.ReferenceImage) == 0 {
				return domain.OracleResponse{}, errors.New("missing reference")
			}
			return percentResponse(50), nil
		}
		return percentResponse(100), nil
	}}

	run, err := newTestExecutor(oracle, 5*time.Second).Run(context.Background(), baseGradingInput(domain.StrategyAIOnly, domain.StrategyTeacherGuided))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(run.Outcomes) != 2 || len(run.Failures) != 0 {
		t.Fatalf("expected two outcomes, got %+v", run)
	}
	if run.Outcomes[0].Strategy != domain.StrategyAIOnly || run.Outcomes[1].Strategy != domain.StrategyTeacherGuided {
		t.Fatalf("outcomes out of request order: %+v", run.Outcomes)
	}
}

func TestRunFailureDoesNotCancelSibling(t *testing.T) {
	oracle := &oracleFake{fn: func(ctx context.Context, req domain.GradingRequest, _ int) (domain.OracleResponse, error) {
		if req.Task == domain.TaskAutonomous {
			return domain.OracleResponse{}, &domain.GradingFailure{Reason: domain.FailureQuotaExhausted}
		}
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() != nil {
			return domain.OracleResponse{}, ctx.Err()
		}
		return percentResponse(70), nil
	}}

	run, err := newTestExecutor(oracle, time.Second).Run(context.Background(), baseGradingInput(domain.StrategyAIOnly, domain.StrategyTeacherGuided))
	if err != nil {
		t.Fatalf("partial success must not be an error, got %v", err)
	}
	if len(run.Outcomes) != 1 || run.Outcomes[0].Strategy != domain.StrategyTeacherGuided {
		t.Fatalf("expected teacher-guided outcome, got %+v", run.Outcomes)
	}
	if len(run.Failures) != 1 || run.Failures[0].Reason != domain.FailureQuotaExhausted || run.Failures[0].Strategy != domain.StrategyAIOnly {
		t.Fatalf("expected quota failure for ai_only, got %+v", run.Failures)
	}
	if oracle.callCount(domain.TaskAutonomous) != 1 {
		t.Fatalf("quota exhaustion must not be retried, got %d calls", oracle.callCount(domain.TaskAutonomous))
	}
}

func TestRunRetriesTransientFailureOnce(t *testing.T) {
	oracle := &oracleFake{fn: func(context.Context, domain.GradingRequest, int) (domain.OracleResponse, error) {
		return domain.OracleResponse{}, &domain.GradingFailure{Reason: domain.FailureRateLimited, Err: errors.New("429")}
	}}

	run, err := newTestExecutor(oracle, time.Second).Run(context.Background(), baseGradingInput(domain.StrategyAIOnly))
	if err == nil {
		t.Fatalf("expected error after second failure")
	}
	if got := oracle.callCount(domain.TaskAutonomous); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
	failure, ok := domain.AsGradingFailure(err)
	if !ok || failure.Reason != domain.FailureRateLimited || failure.Strategy != domain.StrategyAIOnly {
		t.Fatalf("expected rate-limited grading failure, got %v", err)
	}
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("rate limiting should be retryable by the caller, got %v", err)
	}
	if len(run.Outcomes) != 0 {
		t.Fatalf("expected no outcomes, got %+v", run.Outcomes)
	}
}

func TestRunRecoversOnRetry(t *testing.T) {
	oracle := &oracleFake{fn: func(_ context.Context, _ domain.GradingRequest, call int) (domain.OracleResponse, error) {
		if call == 1 {
			return domain.OracleResponse{}, errors.New("connection reset")
		}
		return percentResponse(40), nil
	}}

	run, err := newTestExecutor(oracle, time.Second).Run(context.Background(), baseGradingInput(domain.StrategyAIOnly))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(run.Outcomes) != 1 {
		t.Fatalf("expected an outcome after retry, got %+v", run)
	}
}

func TestRunTimesOut(t *testing.T) {
	oracle := &oracleFake{fn: func(ctx context.Context, _ domain.GradingRequest, _ int) (domain.OracleResponse, error) {
		<-ctx.Done()
		return domain.OracleResponse{}, ctx.Err()
	}}

	_, err := newTestExecutor(oracle, 20*time.Millisecond).Run(context.Background(), baseGradingInput(domain.StrategyAIOnly))
	failure, ok := domain.AsGradingFailure(err)
	if !ok || failure.Reason != domain.FailureTimeout {
		t.Fatalf("expected timeout failure, got %v", err)
	}
	if got := oracle.callCount(domain.TaskAutonomous); got != 2 {
		t.Fatalf("expected one retry after timeout, got %d attempts", got)
	}
}

func TestRunRejectsInvalidResponseWithoutRetry(t *testing.T) {
	oracle := &oracleFake{fn: func(context.Context, domain.GradingRequest, int) (domain.OracleResponse, error) {
		return domain.OracleResponse{ProficiencyLevel: intPtr(7)}, nil
	}}

	_, err := newTestExecutor(oracle, time.Second).Run(context.Background(), baseGradingInput(domain.StrategyAIOnly))
	failure, ok := domain.AsGradingFailure(err)
	if !ok || failure.Reason != domain.FailureInvalidResponse {
		t.Fatalf("expected invalid response failure, got %v", err)
	}
	if oracle.callCount(domain.TaskAutonomous) != 1 {
		t.Fatalf("invalid responses must not be retried")
	}
}

func TestRunUsesRubricWhenPercentageMissing(t *testing.T) {
	oracle := &oracleFake{fn: func(context.Context, domain.GradingRequest, int) (domain.OracleResponse, error) {
		return domain.OracleResponse{RubricScores: []domain.RubricScore{
			{Criterion: "setup", Earned: 2, Possible: 2},
			{Criterion: "solution", Earned: 0, Possible: 2},
		}}, nil
	}}

	run, err := newTestExecutor(oracle, time.Second).Run(context.Background(), baseGradingInput(domain.StrategyAIOnly))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := run.Outcomes[0]
	if got.RawPercentage == nil || *got.RawPercentage != 50 || got.ProjectedGrade != 80 {
		t.Fatalf("expected 50%% projected to 80, got %+v", got)
	}
}

func TestRunOracleReportsNoWork(t *testing.T) {
	noWork := false
	oracle := &oracleFake{fn: func(context.Context, domain.GradingRequest, int) (domain.OracleResponse, error) {
		return domain.OracleResponse{RawPercentage: floatPtr(90), HasWork: &noWork}, nil
	}}

	run, err := newTestExecutor(oracle, time.Second).Run(context.Background(), baseGradingInput(domain.StrategyAIOnly))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Outcomes[0].HasWork || run.Outcomes[0].ProjectedGrade != 55 {
		t.Fatalf("expected no-work outcome at grade floor, got %+v", run.Outcomes[0])
	}
}

func TestRunManualSkipsOracle(t *testing.T) {
	oracle := &oracleFake{fn: func(context.Context, domain.GradingRequest, int) (domain.OracleResponse, error) {
		t.Fatalf("oracle must not be called for manual grading")
		return domain.OracleResponse{}, nil
	}}
	in := baseGradingInput(domain.StrategyManual)
	in.ManualGrade = intPtr(100)

	run, err := newTestExecutor(oracle, time.Second).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := run.Outcomes[0]
	if got.Justification != domain.ManualJustification || len(got.Misconceptions) != 0 || got.ProjectedGrade != 100 {
		t.Fatalf("unexpected manual outcome %+v", got)
	}
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	oracle := &oracleFake{fn: func(context.Context, domain.GradingRequest, int) (domain.OracleResponse, error) {
		return percentResponse(50), nil
	}}
	exec := newTestExecutor(oracle, time.Second)

	blank := baseGradingInput(domain.StrategyAIOnly)
	blank.Extraction = domain.CombineExtraction([]domain.ExtractionResult{domain.NewExtractionResult(0, "Name: ___")})
	if _, err := exec.Run(context.Background(), blank); !errors.Is(err, domain.ErrPolicyViolation) {
		t.Fatalf("expected policy violation for blank submission, got %v", err)
	}

	noGuide := baseGradingInput(domain.StrategyTeacherGuided)
	noGuide.ReferenceImage = nil
	if _, err := exec.Run(context.Background(), noGuide); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input without answer guide, got %v", err)
	}

	mixed := baseGradingInput(domain.StrategyManual, domain.StrategyAIOnly)
	mixed.ManualGrade = intPtr(80)
	if _, err := exec.Run(context.Background(), mixed); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for mixed manual run, got %v", err)
	}

	if oracle.callCount(domain.TaskAutonomous)+oracle.callCount(domain.TaskReferenceGuided) != 0 {
		t.Fatalf("oracle called for rejected input")
	}
}
