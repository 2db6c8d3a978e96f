package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// AdmissionMetrics holds the admission queue instruments. They are
// observational only; nothing reads them back to make decisions.
type AdmissionMetrics struct {
	Queued       metric.Int64UpDownCounter
	Active       metric.Int64UpDownCounter
	ItemDuration metric.Float64Histogram
	Failed       metric.Int64Counter
	TimedOut     metric.Int64Counter
	Rejected     metric.Int64Counter
}

// NewAdmissionMetrics creates all admission instruments from the given meter.
func NewAdmissionMetrics(meter metric.Meter) (*AdmissionMetrics, error) {
	m := &AdmissionMetrics{}
	var err error

	m.Queued, err = meter.Int64UpDownCounter("relay.admission.queued",
		metric.WithDescription("Items waiting for a free slot"),
	)
	if err != nil {
		return nil, err
	}

	m.Active, err = meter.Int64UpDownCounter("relay.admission.active",
		metric.WithDescription("Items currently holding a slot"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemDuration, err = meter.Float64Histogram("relay.admission.duration",
		metric.WithDescription("Time an admitted item held its slot"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Failed, err = meter.Int64Counter("relay.admission.failed",
		metric.WithDescription("Items whose work returned an error"),
	)
	if err != nil {
		return nil, err
	}

	m.TimedOut, err = meter.Int64Counter("relay.admission.timeouts",
		metric.WithDescription("Items that exceeded the per-item deadline"),
	)
	if err != nil {
		return nil, err
	}

	m.Rejected, err = meter.Int64Counter("relay.admission.rejected",
		metric.WithDescription("Submissions refused before running"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopAdmissionMetrics returns instruments that record nothing.
func NoopAdmissionMetrics() *AdmissionMetrics {
	m, _ := NewAdmissionMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
