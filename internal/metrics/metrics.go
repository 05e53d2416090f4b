// Package metrics holds the OpenTelemetry instrument set for the relay.
// A no-op global meter provider is the default, so the process runs with
// no collector configured; wiring a real exporter is an operational
// concern outside this package.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "relay"

// Metrics holds every instrument the core emits through.
type Metrics struct {
	ActiveSessions     metric.Int64UpDownCounter
	ActiveConnections  metric.Int64UpDownCounter
	InFlightJobs       metric.Int64UpDownCounter

	SessionsCreated metric.Int64Counter
	SessionsExpired metric.Int64Counter
	CodesReusable   metric.Int64Counter

	TranslationDuration metric.Float64Histogram
	TTSDuration         metric.Float64Histogram

	ProviderErrors metric.Int64Counter
	CapacityRejections metric.Int64Counter
}

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// New constructs a Metrics instance against mp. Returns an error if any
// instrument creation fails.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.ActiveSessions, err = m.Int64UpDownCounter("relay.active_sessions",
		metric.WithDescription("Number of live sessions.")); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("relay.active_connections",
		metric.WithDescription("Number of open client connections.")); err != nil {
		return nil, err
	}
	if met.InFlightJobs, err = m.Int64UpDownCounter("relay.inflight_translation_jobs",
		metric.WithDescription("Number of outstanding translation jobs.")); err != nil {
		return nil, err
	}
	if met.SessionsCreated, err = m.Int64Counter("relay.sessions_created",
		metric.WithDescription("Total sessions created.")); err != nil {
		return nil, err
	}
	if met.SessionsExpired, err = m.Int64Counter("relay.sessions_expired",
		metric.WithDescription("Total sessions expired, by reason.")); err != nil {
		return nil, err
	}
	if met.CodesReusable, err = m.Int64Counter("relay.codes_reusable",
		metric.WithDescription("Total classroom codes released back for reuse.")); err != nil {
		return nil, err
	}
	if met.TranslationDuration, err = m.Float64Histogram("relay.translation.duration",
		metric.WithDescription("Latency of translation provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("relay.tts.duration",
		metric.WithDescription("Latency of TTS provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("relay.provider_errors",
		metric.WithDescription("Total provider errors by provider kind.")); err != nil {
		return nil, err
	}
	if met.CapacityRejections, err = m.Int64Counter("relay.capacity_rejections",
		metric.WithDescription("Total connects/sessions rejected due to capacity ceilings.")); err != nil {
		return nil, err
	}

	return met, nil
}

// Default builds a Metrics instance against the process-global (no-op by
// default) meter provider.
func Default() *Metrics {
	met, err := New(otel.GetMeterProvider())
	if err != nil {
		panic("metrics: failed to create default instruments: " + err.Error())
	}
	return met
}

// RecordSweepTick emits the cleanup sweeper's structured metric (§4.4
// step 4): expiredThisTick (broken down by reason) and reusableCodes. The
// activeSessions argument is not recorded: ActiveSessions only receives a
// zero Add here, and no other code in the module moves it.
func (m *Metrics) RecordSweepTick(ctx context.Context, activeSessions int, expiredByReason map[string]int, reusableCodes int) {
	m.ActiveSessions.Add(ctx, 0)
	for reason, n := range expiredByReason {
		if n > 0 {
			m.SessionsExpired.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
		}
	}
	if reusableCodes > 0 {
		m.CodesReusable.Add(ctx, int64(reusableCodes))
	}
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
