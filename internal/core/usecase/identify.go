package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/core/ports"
)

const (
	DefaultIdentificationTimeout = 3 * time.Second

	cornerSize = 0.35
	edgeDepth  = 0.25
)

// DefaultScanRegions lists corners, then edges, then the full page.
var DefaultScanRegions = []domain.ScanRegion{
	{Name: "top-right", X0: 1 - cornerSize, Y0: 0, X1: 1, Y1: cornerSize},
	{Name: "top-left", X0: 0, Y0: 0, X1: cornerSize, Y1: cornerSize},
	{Name: "bottom-right", X0: 1 - cornerSize, Y0: 1 - cornerSize, X1: 1, Y1: 1},
	{Name: "bottom-left", X0: 0, Y0: 1 - cornerSize, X1: cornerSize, Y1: 1},
	{Name: "top", X0: 0, Y0: 0, X1: 1, Y1: edgeDepth},
	{Name: "bottom", X0: 0, Y0: 1 - edgeDepth, X1: 1, Y1: 1},
	{Name: "left", X0: 0, Y0: 0, X1: edgeDepth, Y1: 1},
	{Name: "right", X0: 1 - edgeDepth, Y0: 0, X1: 1, Y1: 1},
	domain.FullPage,
}

// IdentificationResolver binds a page to a student through an embedded code.
// Not finding a code is a normal result that leads to manual selection.
type IdentificationResolver struct {
	scanner ports.CodeScanner
	regions []domain.ScanRegion
	timeout time.Duration
	logger  *slog.Logger
}

func NewIdentificationResolver(scanner ports.CodeScanner, timeout time.Duration, logger *slog.Logger) *IdentificationResolver {
	if timeout <= 0 {
		timeout = DefaultIdentificationTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentificationResolver{
		scanner: scanner,
		regions: DefaultScanRegions,
		timeout: timeout,
		logger:  logger,
	}
}

type identifyResult struct {
	identification domain.Identification
	found          bool
}

// Resolve tries each region in order and returns on the first decoded code.
// It returns found=false when nothing decodes before the deadline.
func (r *IdentificationResolver) Resolve(ctx context.Context, page domain.PageImage) (domain.Identification, bool, error) {
	if len(page.Data) == 0 {
		return domain.Identification{}, false, domain.WrapError(domain.ErrInvalidInput, "identify page", errors.New("no image data"))
	}

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan identifyResult, 1)
	go func() {
		done <- r.scanRegions(tctx, page)
	}()

	select {
	case res := <-done:
		return res.identification, res.found, nil
	case <-tctx.Done():
		r.logger.Info("identification_timed_out",
			"page", page.Index,
			"timeout_ms", r.timeout.Milliseconds(),
		)
		return domain.Identification{}, false, nil
	}
}

func (r *IdentificationResolver) scanRegions(ctx context.Context, page domain.PageImage) identifyResult {
	for _, region := range r.regions {
		if ctx.Err() != nil {
			return identifyResult{}
		}
		payload, err := r.scanner.Scan(ctx, page, region)
		if err != nil {
			if !errors.Is(err, domain.ErrCodeNotFound) {
				r.logger.Debug("identification_region_failed", "region", region.Name, "error", err)
			}
			continue
		}
		identification, err := domain.ParseIdentityCode(payload)
		if err != nil {
			r.logger.Warn("identification_payload_rejected", "region", region.Name, "error", err)
			continue
		}
		identification.Region = region.Name
		return identifyResult{identification: identification, found: true}
	}
	return identifyResult{}
}
