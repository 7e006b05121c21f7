package usecase

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

// Proficiency bands used by the level path before clamping.
const (
	meetingStandardGrade = 85
	approachingGrade     = 75
	limitedGrade         = 65
)

type GradeNormalizer struct {
	now func() time.Time
}

func NewGradeNormalizer() *GradeNormalizer {
	return &GradeNormalizer{now: time.Now}
}

// Calculate applies the automatic grading rules. The result never exceeds
// domain.MaxCalculatedGrade.
func (n *GradeNormalizer) Calculate(policy domain.GradePolicy, in domain.NormalizationInput) int {
	if !in.HasWork {
		return policy.GradeFloor
	}
	floor := policy.GradeFloorWithEffort

	if in.ProficiencyLevel != nil {
		return clampInt(levelGrade(*in.ProficiencyLevel, floor), floor, domain.MaxCalculatedGrade)
	}

	if in.RawPercentage != nil && !math.IsNaN(*in.RawPercentage) {
		p := math.Max(0, math.Min(100, *in.RawPercentage))
		grade := int(math.Round(float64(floor) + p/100*float64(domain.MaxCalculatedGrade-floor)))
		return clampInt(grade, floor, domain.MaxCalculatedGrade)
	}

	return floor
}

func levelGrade(level, floorWithEffort int) int {
	switch {
	case level >= 4:
		return domain.MaxCalculatedGrade
	case level == 3:
		return meetingStandardGrade
	case level == 2:
		return approachingGrade
	case level == 1:
		return max(floorWithEffort, limitedGrade)
	default:
		return floorWithEffort
	}
}

// Normalize produces the grade of a selected outcome. Manual outcomes are the
// override path and the only way to reach domain.MaxGrade.
func (n *GradeNormalizer) Normalize(policy domain.GradePolicy, outcome domain.GradingOutcome) (domain.NormalizedGrade, error) {
	if err := policy.Validate(); err != nil {
		return domain.NormalizedGrade{}, err
	}

	grade := domain.NormalizedGrade{
		HasWork:          outcome.HasWork,
		Source:           domain.SourceFromStrategy(outcome.Strategy),
		ProficiencyLevel: outcome.ProficiencyLevel,
		RawPercentage:    outcome.RawPercentage,
		NormalizedAt:     n.now().UTC(),
	}

	switch outcome.Strategy {
	case domain.StrategyAIOnly, domain.StrategyTeacherGuided:
		grade.FinalGrade = n.Calculate(policy, domain.NormalizationInput{
			HasWork:          outcome.HasWork,
			RawPercentage:    outcome.RawPercentage,
			ProficiencyLevel: outcome.ProficiencyLevel,
		})
	case domain.StrategyManual:
		if outcome.ManualGrade == nil {
			return domain.NormalizedGrade{}, domain.WrapError(domain.ErrPolicyViolation, "normalize grade", errors.New("manual outcome without a grade"))
		}
		if !outcome.HasWork {
			grade.FinalGrade = policy.GradeFloor
			break
		}
		grade.FinalGrade = clampInt(*outcome.ManualGrade, policy.GradeFloor, domain.MaxGrade)
		grade.Overridden = true
	default:
		return domain.NormalizedGrade{}, domain.WrapError(domain.ErrPolicyViolation, "normalize grade", fmt.Errorf("unknown strategy %q", outcome.Strategy))
	}
	return grade, nil
}

// NormalizeBlank grades a submission without work.
func (n *GradeNormalizer) NormalizeBlank(policy domain.GradePolicy) domain.NormalizedGrade {
	return domain.NormalizedGrade{
		FinalGrade:   policy.GradeFloor,
		HasWork:      false,
		Source:       domain.SourceBlankPage,
		NormalizedAt: n.now().UTC(),
	}
}

// Override replaces a computed grade with a human-entered one. The entered
// value is saved as is, including values below the policy floors.
func (n *GradeNormalizer) Override(base domain.NormalizedGrade, finalGrade int) (domain.NormalizedGrade, error) {
	if finalGrade < 0 || finalGrade > domain.MaxGrade {
		return domain.NormalizedGrade{}, domain.WrapError(domain.ErrInvalidInput, "override grade", fmt.Errorf("grade %d outside [0,%d]", finalGrade, domain.MaxGrade))
	}
	if !base.HasWork {
		return domain.NormalizedGrade{}, domain.WrapError(domain.ErrPolicyViolation, "override grade", errors.New("submission has no work"))
	}
	base.FinalGrade = finalGrade
	base.Overridden = true
	base.NormalizedAt = n.now().UTC()
	return base, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
