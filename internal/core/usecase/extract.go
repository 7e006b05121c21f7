package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/core/ports"
)

const defaultExtractionConcurrency = 4

// ExtractionUseCase turns page images into classified text. It never calls a
// grading oracle.
type ExtractionUseCase struct {
	recognizer  ports.TextRecognizer
	concurrency int
	logger      *slog.Logger
}

func NewExtractionUseCase(recognizer ports.TextRecognizer, concurrency int, logger *slog.Logger) *ExtractionUseCase {
	if concurrency <= 0 {
		concurrency = defaultExtractionConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractionUseCase{
		recognizer:  recognizer,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Extract recognizes every page independently. A page that fails is replaced
// by a failure sentinel and does not abort its siblings.
func (uc *ExtractionUseCase) Extract(ctx context.Context, pages []domain.PageImage) (domain.Extraction, error) {
	if len(pages) == 0 {
		return domain.Extraction{}, domain.WrapError(domain.ErrInvalidInput, "extract pages", errors.New("no page images"))
	}
	for _, page := range pages {
		if len(page.Data) == 0 {
			return domain.Extraction{}, domain.WrapError(domain.ErrInvalidInput, "extract pages", fmt.Errorf("page %d has no image data", page.Index))
		}
	}

	results := make([]domain.ExtractionResult, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.concurrency)
	for i, page := range pages {
		g.Go(func() error {
			results[i] = uc.extractPage(gctx, i, page)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return domain.Extraction{}, fmt.Errorf("extract pages: %w", err)
	}
	return domain.CombineExtraction(results), nil
}

func (uc *ExtractionUseCase) extractPage(ctx context.Context, position int, page domain.PageImage) domain.ExtractionResult {
	text, err := uc.recognizer.Recognize(ctx, page)
	if err != nil {
		uc.logger.Warn("page_extraction_failed",
			"page", position,
			"mime_type", page.MimeType,
			"error", err,
		)
		return domain.FailedExtractionResult(position)
	}
	result := domain.NewExtractionResult(position, text)
	uc.logger.Debug("page_extracted",
		"page", position,
		"char_count", result.CharCount,
		"is_blank", result.IsBlank,
	)
	return result
}
