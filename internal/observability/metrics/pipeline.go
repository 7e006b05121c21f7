package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

// PipelineMetrics implements ports.PipelineObserver.
type PipelineMetrics struct {
	service string

	stageTotal      *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	gradingFailures *prometheus.CounterVec
	adjudications   *prometheus.CounterVec
	checkpoints     *prometheus.CounterVec
	gradesTotal     *prometheus.CounterVec
	finalGrade      *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
}

func NewPipelineMetrics(service string, registerer prometheus.Registerer) *PipelineMetrics {
	stageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_total",
			Help:      "Pipeline stage executions by status.",
		},
		[]string{"service", "stage", "status"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 3, 5, 10, 20, 30, 60},
		},
		[]string{"service", "stage"},
	)
	gradingFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "failures_total",
			Help:      "Grading strategy failures by reason.",
		},
		[]string{"service", "strategy", "reason"},
	)
	adjudications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "adjudications_total",
			Help:      "Adjudication decisions by selection method and difference class.",
		},
		[]string{"service", "method", "major_difference"},
	)
	checkpoints := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "checkpoints_total",
			Help:      "Session checkpoint attempts by result.",
		},
		[]string{"service", "result"},
	)
	gradesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "grades_saved_total",
			Help:      "Saved grades by source.",
		},
		[]string{"service", "source"},
	)
	finalGrade := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "final_grade",
			Help:      "Distribution of saved final grades.",
			Buckets:   []float64{55, 65, 75, 85, 95, 100},
		},
		[]string{"service"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per operation: 0 closed, 0.5 half-open, 1 open.",
		},
		[]string{"service", "operation"},
	)

	registerer.MustRegister(stageTotal, stageDuration, gradingFailures, adjudications, checkpoints, gradesTotal, finalGrade, breakerState)

	return &PipelineMetrics{
		service:         service,
		stageTotal:      stageTotal,
		stageDuration:   stageDuration,
		gradingFailures: gradingFailures,
		adjudications:   adjudications,
		checkpoints:     checkpoints,
		gradesTotal:     gradesTotal,
		finalGrade:      finalGrade,
		breakerState:    breakerState,
	}
}

func (m *PipelineMetrics) ObserveStage(stage string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.stageTotal.WithLabelValues(m.service, stage, status).Inc()
	m.stageDuration.WithLabelValues(m.service, stage).Observe(duration.Seconds())
}

func (m *PipelineMetrics) ObserveGradingFailure(strategy domain.Strategy, reason domain.FailureReason) {
	m.gradingFailures.WithLabelValues(m.service, string(strategy), string(reason)).Inc()
}

func (m *PipelineMetrics) ObserveAdjudication(method domain.SelectionMethod, majorDifference bool) {
	major := "false"
	if majorDifference {
		major = "true"
	}
	m.adjudications.WithLabelValues(m.service, string(method), major).Inc()
}

func (m *PipelineMetrics) ObserveCheckpoint(result string) {
	m.checkpoints.WithLabelValues(m.service, result).Inc()
}

func (m *PipelineMetrics) ObserveGrade(source domain.GradeSource, finalGrade int) {
	m.gradesTotal.WithLabelValues(m.service, string(source)).Inc()
	m.finalGrade.WithLabelValues(m.service).Observe(float64(finalGrade))
}

// ObserveBreakerState matches resilience.Config.OnStateChange.
func (m *PipelineMetrics) ObserveBreakerState(operation, _, to string) {
	value := 0.0
	switch to {
	case "open":
		value = 1
	case "half-open":
		value = 0.5
	}
	m.breakerState.WithLabelValues(m.service, operation).Set(value)
}
