package usecase

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

// strategyPreference orders strategies for automatic and fallback selection.
// Reference-guided grading used more ground truth than autonomous grading.
var strategyPreference = []domain.Strategy{
	domain.StrategyTeacherGuided,
	domain.StrategyAIOnly,
	domain.StrategyManual,
}

type Adjudicator struct {
	now func() time.Time
}

func NewAdjudicator() *Adjudicator {
	return &Adjudicator{now: time.Now}
}

// Decide compares projected grades. A single outcome is selected outright.
// Two outcomes within the threshold are selected automatically; a gap at or
// above the threshold leaves the decision pending a human.
func (a *Adjudicator) Decide(outcomes []domain.GradingOutcome) (domain.AdjudicationDecision, error) {
	switch len(outcomes) {
	case 0:
		return domain.AdjudicationDecision{}, domain.WrapError(domain.ErrPolicyViolation, "adjudicate", errors.New("no grading outcome to adjudicate"))
	case 1, 2:
	default:
		return domain.AdjudicationDecision{}, domain.WrapError(domain.ErrInvalidInput, "adjudicate", fmt.Errorf("expected at most 2 outcomes, got %d", len(outcomes)))
	}

	candidates := make([]domain.Strategy, 0, len(outcomes))
	for _, o := range outcomes {
		if slices.Contains(candidates, o.Strategy) {
			return domain.AdjudicationDecision{}, domain.WrapError(domain.ErrInvalidInput, "adjudicate", fmt.Errorf("duplicate outcome for %s", o.Strategy))
		}
		candidates = append(candidates, o.Strategy)
	}
	sortByPreference(candidates)

	decision := domain.AdjudicationDecision{
		Candidates: candidates,
		DecidedAt:  a.now().UTC(),
	}
	if len(outcomes) == 1 {
		decision.Selected = candidates[0]
		decision.Method = domain.SelectionAutomatic
		return decision, nil
	}

	diff := outcomes[0].ProjectedGrade - outcomes[1].ProjectedGrade
	if diff < 0 {
		diff = -diff
	}
	decision.Difference = diff
	decision.MajorDifference = diff >= domain.MajorDifferenceThreshold
	if decision.MajorDifference {
		decision.Method = domain.SelectionPending
		return decision, nil
	}
	decision.Selected = candidates[0]
	decision.Method = domain.SelectionAutomatic
	return decision, nil
}

// Select records a human choice. It is allowed for pending and automatic
// decisions alike.
func (a *Adjudicator) Select(decision domain.AdjudicationDecision, strategy domain.Strategy) (domain.AdjudicationDecision, error) {
	if !slices.Contains(decision.Candidates, strategy) {
		return decision, domain.WrapError(domain.ErrInvalidInput, "select outcome", fmt.Errorf("strategy %q is not a candidate", strategy))
	}
	decision.Selected = strategy
	decision.Method = domain.SelectionHuman
	decision.DecidedAt = a.now().UTC()
	return decision, nil
}

// Decline applies the tie-break when a human was asked to choose and did not.
func (a *Adjudicator) Decline(decision domain.AdjudicationDecision) (domain.AdjudicationDecision, error) {
	if !decision.Pending() {
		return decision, nil
	}
	if len(decision.Candidates) == 0 {
		return decision, domain.WrapError(domain.ErrPolicyViolation, "decline selection", errors.New("no candidates"))
	}
	candidates := slices.Clone(decision.Candidates)
	sortByPreference(candidates)
	decision.Selected = candidates[0]
	decision.Method = domain.SelectionFallback
	decision.DecidedAt = a.now().UTC()
	return decision, nil
}

func sortByPreference(strategies []domain.Strategy) {
	slices.SortStableFunc(strategies, func(x, y domain.Strategy) int {
		return preferenceRank(x) - preferenceRank(y)
	})
}

func preferenceRank(s domain.Strategy) int {
	if i := slices.Index(strategyPreference, s); i >= 0 {
		return i
	}
	return len(strategyPreference)
}
