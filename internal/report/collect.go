package report

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/core/ports"
)

// Collect reads everything the ledger holds for filter.
func Collect(ctx context.Context, source ports.FeedbackReporter, filter domain.FeedbackFilter, now time.Time) (FeedbackExport, error) {
	if !filter.Since.IsZero() && !filter.Until.IsZero() && !filter.Since.Before(filter.Until) {
		return FeedbackExport{}, domain.WrapError(domain.ErrInvalidInput, "collect feedback", fmt.Errorf("since %s is not before until %s", filter.Since, filter.Until))
	}

	summary, err := source.Summarize(ctx, filter)
	if err != nil {
		return FeedbackExport{}, fmt.Errorf("summarize feedback: %w", err)
	}
	verifications, err := source.ListVerifications(ctx, filter)
	if err != nil {
		return FeedbackExport{}, fmt.Errorf("list verifications: %w", err)
	}
	corrections, err := source.ListCorrections(ctx, filter)
	if err != nil {
		return FeedbackExport{}, fmt.Errorf("list corrections: %w", err)
	}
	return FeedbackExport{
		Filter:        filter,
		Summary:       summary,
		Verifications: verifications,
		Corrections:   corrections,
		GeneratedAt:   now.UTC(),
	}, nil
}
