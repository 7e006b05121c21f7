package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/scan-grader/internal/config"
	"github.com/kirillkom/scan-grader/internal/core/ports"
	"github.com/kirillkom/scan-grader/internal/core/usecase"
	"github.com/kirillkom/scan-grader/internal/infrastructure/extractor"
	"github.com/kirillkom/scan-grader/internal/infrastructure/extractor/pdftext"
	"github.com/kirillkom/scan-grader/internal/infrastructure/identification/qrcode"
	"github.com/kirillkom/scan-grader/internal/infrastructure/llm/gemini"
	"github.com/kirillkom/scan-grader/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/scan-grader/internal/infrastructure/policy/yamlfile"
	"github.com/kirillkom/scan-grader/internal/infrastructure/queue/nats"
	"github.com/kirillkom/scan-grader/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/scan-grader/internal/infrastructure/resilience"
	"github.com/kirillkom/scan-grader/internal/infrastructure/sessionstore/localfs"
	"github.com/kirillkom/scan-grader/internal/infrastructure/sessionstore/sqlite"
	"github.com/kirillkom/scan-grader/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Grades   *postgres.GradeRepository
	Feedback *postgres.FeedbackRepository
	Sessions ports.SessionRepository
	Queue    ports.MessageQueue
	Policies ports.PolicyProvider

	Pipeline  *usecase.ScanPipeline
	Recovery  *usecase.SessionRecoveryManager
	ProcessUC *usecase.ProcessGradeEventUseCase

	closers []func()
}

// New wires the whole pipeline. Pipeline and breaker collectors go to
// registerer; a nil registerer keeps them out of any /metrics endpoint.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, registerer prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	db, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.onClose(func() { _ = db.Close() })
	app.Grades = postgres.NewGradeRepository(db)
	app.Feedback = postgres.NewFeedbackRepository(db)

	sessions, closeSessions, err := openSessionStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.onClose(closeSessions)
	app.Sessions = sessions

	policies, err := yamlfile.Load(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load grade policies: %w", err)
	}
	app.Policies = policies

	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	observer := metrics.NewPipelineMetrics("pipeline", registerer)

	breakerCfg := resilience.OracleConfig()
	breakerCfg.OnStateChange = func(operation, from, to string) {
		observer.ObserveBreakerState(operation, from, to)
		logger.Warn("circuit_breaker_state_changed", "operation", operation, "from", from, "to", to)
	}
	executor := resilience.NewExecutor(breakerCfg, logger)

	oracle, recognizer, closeOracle, err := newOracle(ctx, cfg, executor)
	if err != nil {
		return nil, err
	}
	app.onClose(closeOracle)

	queueCfg := resilience.DefaultConfig()
	queueCfg.OnStateChange = breakerCfg.OnStateChange
	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSGradesSubject, nats.Options{
		ResilienceExecutor: resilience.NewExecutor(queueCfg, logger),
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init message queue: %w", err)
	}
	app.onClose(queue.Close)
	app.Queue = queue

	normalizer := usecase.NewGradeNormalizer()
	app.Recovery = usecase.NewSessionRecoveryManager(sessions, cfg.SessionMaxAge, observer, logger)
	app.ProcessUC = usecase.NewProcessGradeEventUseCase(app.Grades)
	app.Pipeline = usecase.NewScanPipeline(usecase.PipelineDeps{
		Identifier:  usecase.NewIdentificationResolver(qrcode.NewScanner(), cfg.IdentificationTimeout, logger),
		Extractor:   usecase.NewExtractionUseCase(extractor.NewRouter(recognizer, pdftext.NewExtractor()), cfg.ExtractionConcurrency, logger),
		Executor:    usecase.NewGradingExecutor(oracle, normalizer, cfg.GradingTimeout, observer, logger),
		Adjudicator: usecase.NewAdjudicator(),
		Normalizer:  normalizer,
		Recovery:    app.Recovery,
		Ledger:      usecase.NewFeedbackLedger(app.Feedback, logger),
		Grades:      app.Grades,
		Queue:       queue,
		Policies:    policies,
		Observer:    observer,
		Logger:      logger,
	})

	ok = true
	return app, nil
}

func openPostgres(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

func openSessionStore(ctx context.Context, cfg config.Config) (ports.SessionRepository, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.SessionStore)) {
	case "", "sqlite":
		store, err := sqlite.Open(ctx, cfg.SessionSQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite session store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "localfs", "file":
		store, err := localfs.New(cfg.SessionDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file session store: %w", err)
		}
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}
}

// newOracle builds the grading oracle and the page recognizer from one
// provider so both share its rate limit and breaker.
func newOracle(ctx context.Context, cfg config.Config, executor *resilience.Executor) (ports.GradingOracle, ports.TextRecognizer, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.OracleProvider)) {
	case "", "ollama":
		client := ollama.New(ollama.Config{
			BaseURL:           cfg.OllamaURL,
			GradingModel:      cfg.OllamaGradingModel,
			OCRModel:          cfg.OllamaOCRModel,
			RequestsPerSecond: cfg.OracleRPS,
			Timeout:           cfg.OllamaTimeout,
		})
		return ollama.NewGrader(client, executor), ollama.NewRecognizer(client, executor), func() {}, nil
	case "gemini":
		client, err := gemini.New(ctx, gemini.Config{
			APIKey:            cfg.GeminiAPIKey,
			Model:             cfg.GeminiModel,
			RequestsPerSecond: cfg.OracleRPS,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init gemini oracle: %w", err)
		}
		return gemini.NewGrader(client, executor), gemini.NewRecognizer(client, executor), func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown oracle provider %q", cfg.OracleProvider)
	}
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
