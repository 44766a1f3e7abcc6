package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

// Metrics is the sink the request path reports into. Implementations
// must be safe for concurrent use and never block the caller.
type Metrics interface {
	// RequestStarted marks a request entering the pipeline and returns a
	// completion func recording the terminal outcome and total duration.
	RequestStarted(ctx context.Context, tenantID, provider, model string) func(error)
	// StageDuration records how long one pipeline stage took.
	StageDuration(ctx context.Context, stage string, d time.Duration)
	// CacheLookup records a semantic cache lookup outcome.
	CacheLookup(ctx context.Context, hit bool)
	// Rejection records an admission rejection by taxonomy code.
	Rejection(ctx context.Context, code faults.Code)
}

// OTelMetrics reports into the Provider's instruments.
type OTelMetrics struct {
	provider *Provider
}

// NewOTelMetrics wraps a Provider as a Metrics sink.
func NewOTelMetrics(p *Provider) *OTelMetrics {
	return &OTelMetrics{provider: p}
}

func (m *OTelMetrics) RequestStarted(ctx context.Context, tenantID, provider, model string) func(error) {
	attrs := []attribute.KeyValue{
		attribute.String("tenant.id", tenantID),
		attribute.String("ai.provider", provider),
		attribute.String("ai.model", model),
	}
	_, done := m.provider.TrackRequest(ctx, attrs...)
	return done
}

func (m *OTelMetrics) StageDuration(ctx context.Context, stage string, d time.Duration) {
	if m.provider.durationHist == nil {
		return
	}
	m.provider.durationHist.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("pipeline.stage", stage),
	))
}

func (m *OTelMetrics) CacheLookup(ctx context.Context, hit bool) {
	if m.provider.cacheCounter == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.provider.cacheCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache.outcome", outcome),
	))
}

func (m *OTelMetrics) Rejection(ctx context.Context, code faults.Code) {
	if m.provider.errorCounter == nil {
		return
	}
	m.provider.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.code", string(code)),
	))
}

// NopMetrics discards everything. Useful in tests and when telemetry is
// disabled.
type NopMetrics struct{}

func (NopMetrics) RequestStarted(context.Context, string, string, string) func(error) {
	return func(error) {}
}
func (NopMetrics) StageDuration(context.Context, string, time.Duration) {}
func (NopMetrics) CacheLookup(context.Context, bool)                    {}
func (NopMetrics) Rejection(context.Context, faults.Code)               {}
