package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/scan-grader/internal/config"
	"github.com/kirillkom/scan-grader/internal/core/ports"
	"github.com/kirillkom/scan-grader/internal/core/usecase"
	"github.com/kirillkom/scan-grader/internal/infrastructure/policy/yamlfile"
	"github.com/kirillkom/scan-grader/internal/infrastructure/repository/postgres"
)

// Tools is the read-side wiring used by operator processes. It never talks to
// the grading oracle or the message queue.
type Tools struct {
	Sessions  ports.SessionRepository
	Feedback  *postgres.FeedbackRepository
	Previewer ports.GradePreviewer

	closers []func()
}

func NewTools(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Tools, error) {
	tools := &Tools{}
	ok := false
	defer func() {
		if !ok {
			tools.Close()
		}
	}()

	db, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tools.closers = append(tools.closers, func() { _ = db.Close() })
	tools.Feedback = postgres.NewFeedbackRepository(db)

	sessions, closeSessions, err := openSessionStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tools.closers = append(tools.closers, closeSessions)
	tools.Sessions = sessions

	policies, err := yamlfile.Load(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load grade policies: %w", err)
	}
	tools.Previewer = usecase.NewScanPipeline(usecase.PipelineDeps{Policies: policies, Logger: logger})

	ok = true
	return tools, nil
}

func (t *Tools) Close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		t.closers[i]()
	}
	t.closers = nil
}
