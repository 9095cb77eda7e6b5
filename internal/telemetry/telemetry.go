// Package telemetry provides request and stage level monitoring for the
// response engine: in-memory aggregates plus OpenTelemetry counters.
package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/hourglass-hq/hourglass/internal/config"
)

// Telemetry aggregates engine events.
type Telemetry struct {
	config  config.TelemetryConfig
	logger  *log.Logger
	metrics *Metrics
}

// Metrics holds the in-memory aggregates exposed over the ops API.
type Metrics struct {
	mu sync.RWMutex

	TotalRequests       int64
	SuccessfulRequests  int64
	GracefulFailures    int64
	RefinementsAttempted int64
	RefinementsSucceeded int64
	InvalidInputs       int64

	StageInvocations map[string]int64
	StageFailures    map[string]int64
	StageTotalTime   map[string]time.Duration
}

// RequestEvent describes one completed request.
type RequestEvent struct {
	RequestID           string
	Channel             string
	StartTime           time.Time
	EndTime             time.Time
	Duration            time.Duration
	ValidationPassed    bool
	RefinementAttempted bool
	RefinementSucceeded bool
	GracefulFailure     bool
	Error               string
}

// StageEvent describes one stage invocation within a request.
type StageEvent struct {
	RequestID string
	Stage     string
	Duration  time.Duration
	Success   bool
	Error     string
}

var (
	metricsOnce      sync.Once
	requestCounter   otelmetric.Int64Counter
	failureCounter   otelmetric.Int64Counter
	refineCounter    otelmetric.Int64Counter
	stageDurationHst otelmetric.Float64Histogram
)

func initMetrics() {
	meter := otel.Meter("hourglass/engine")
	var err error
	requestCounter, err = meter.Int64Counter(
		"engine_requests_total",
		otelmetric.WithDescription("Requests processed by the response engine"),
	)
	if err != nil {
		log.Printf("telemetry init: engine_requests_total: %v", err)
	}
	failureCounter, err = meter.Int64Counter(
		"engine_graceful_failures_total",
		otelmetric.WithDescription("Requests resolved through the failure composer"),
	)
	if err != nil {
		log.Printf("telemetry init: engine_graceful_failures_total: %v", err)
	}
	refineCounter, err = meter.Int64Counter(
		"engine_refinements_total",
		otelmetric.WithDescription("Refinement attempts"),
	)
	if err != nil {
		log.Printf("telemetry init: engine_refinements_total: %v", err)
	}
	stageDurationHst, err = meter.Float64Histogram(
		"engine_stage_duration_seconds",
		otelmetric.WithDescription("Per-stage processing time"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("telemetry init: engine_stage_duration_seconds: %v", err)
	}
}

// NewTelemetry creates a telemetry recorder.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	metricsOnce.Do(initMetrics)
	return &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			StageInvocations: make(map[string]int64),
			StageFailures:    make(map[string]int64),
			StageTotalTime:   make(map[string]time.Duration),
		},
	}
}

// RecordRequestEvent records a completed request.
func (t *Telemetry) RecordRequestEvent(ctx context.Context, ev RequestEvent) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.TotalRequests++
	if ev.ValidationPassed {
		t.metrics.SuccessfulRequests++
	}
	if ev.GracefulFailure {
		t.metrics.GracefulFailures++
	}
	if ev.RefinementAttempted {
		t.metrics.RefinementsAttempted++
		if ev.RefinementSucceeded {
			t.metrics.RefinementsSucceeded++
		}
	}
	t.metrics.mu.Unlock()

	attrs := otelmetric.WithAttributes(
		attribute.String("channel", ev.Channel),
		attribute.Bool("validation_passed", ev.ValidationPassed),
	)
	if requestCounter != nil {
		requestCounter.Add(ctx, 1, attrs)
	}
	if ev.GracefulFailure && failureCounter != nil {
		failureCounter.Add(ctx, 1, attrs)
	}
	if ev.RefinementAttempted && refineCounter != nil {
		refineCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.Bool("succeeded", ev.RefinementSucceeded),
		))
	}
	if t.config.Enabled {
		t.logger.Printf("request %s on %s: passed=%v refined=%v graceful_failure=%v in %v",
			ev.RequestID, ev.Channel, ev.ValidationPassed, ev.RefinementAttempted, ev.GracefulFailure, ev.Duration)
	}
}

// RecordInvalidInput counts a request rejected before a workflow started.
func (t *Telemetry) RecordInvalidInput() {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.InvalidInputs++
	t.metrics.mu.Unlock()
}

// RecordStageEvent records one stage invocation.
func (t *Telemetry) RecordStageEvent(ctx context.Context, ev StageEvent) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	t.metrics.StageInvocations[ev.Stage]++
	t.metrics.StageTotalTime[ev.Stage] += ev.Duration
	if !ev.Success {
		t.metrics.StageFailures[ev.Stage]++
	}
	t.metrics.mu.Unlock()

	if stageDurationHst != nil {
		stageDurationHst.Record(ctx, ev.Duration.Seconds(), otelmetric.WithAttributes(
			attribute.String("stage", ev.Stage),
			attribute.Bool("success", ev.Success),
		))
	}
}

// Snapshot returns a copy of the current aggregates.
func (t *Telemetry) Snapshot() Metrics {
	t.metrics.mu.RLock()
	defer t.metrics.mu.RUnlock()

	out := Metrics{
		TotalRequests:        t.metrics.TotalRequests,
		SuccessfulRequests:   t.metrics.SuccessfulRequests,
		GracefulFailures:     t.metrics.GracefulFailures,
		RefinementsAttempted: t.metrics.RefinementsAttempted,
		RefinementsSucceeded: t.metrics.RefinementsSucceeded,
		InvalidInputs:        t.metrics.InvalidInputs,
		StageInvocations:     make(map[string]int64, len(t.metrics.StageInvocations)),
		StageFailures:        make(map[string]int64, len(t.metrics.StageFailures)),
		StageTotalTime:       make(map[string]time.Duration, len(t.metrics.StageTotalTime)),
	}
	for k, v := range t.metrics.StageInvocations {
		out.StageInvocations[k] = v
	}
	for k, v := range t.metrics.StageFailures {
		out.StageFailures[k] = v
	}
	for k, v := range t.metrics.StageTotalTime {
		out.StageTotalTime[k] = v
	}
	return out
}
