package bosh

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// Metrics wraps the OTel instruments the coordinator reports through
// (SPEC_FULL.md §9 domain stack), grounded on
// sa6mwa-lockd/internal/qrf/metrics.go's newQRFMetrics shape: defensive
// nil-meter handling and an observable gauge fed by a registered callback
// rather than set directly.
type Metrics struct {
	outstanding metric.Int64ObservableGauge
	ridIssued   metric.Int64Counter
	emptySent   metric.Int64Counter
	reconnects  metric.Int64Counter
}

// newMetrics builds a Metrics bound to the "jbosh" meter. A logger is used
// only to report instrument-creation failures, exactly as
// logMetricInitError does in sa6mwa-lockd.
func newMetrics(logger pslog.Logger, session *Session) *Metrics {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	meter := otel.Meter("github.com/codediving/jbosh")
	m := &Metrics{}
	var err error

	m.outstanding, err = meter.Int64ObservableGauge(
		"bosh.session.outstanding",
		metric.WithDescription("Number of exchanges currently in flight"),
	)
	logMetricInitError(logger, "bosh.session.outstanding", err)

	m.ridIssued, err = meter.Int64Counter(
		"bosh.session.rid_issued",
		metric.WithDescription("Total RIDs issued by this session"),
	)
	logMetricInitError(logger, "bosh.session.rid_issued", err)

	m.emptySent, err = meter.Int64Counter(
		"bosh.session.empty_requests_sent",
		metric.WithDescription("Total empty keepalive requests sent"),
	)
	logMetricInitError(logger, "bosh.session.empty_requests_sent", err)

	m.reconnects, err = meter.Int64Counter(
		"bosh.session.reconnects",
		metric.WithDescription("Total AttemptReconnect invocations"),
	)
	logMetricInitError(logger, "bosh.session.reconnects", err)

	if m.outstanding != nil && session != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.outstanding, int64(session.outstandingLen()))
			return nil
		}, m.outstanding); err != nil {
			logger.Warn("bosh.metric.callback_failed", "name", "bosh.session.outstanding", "error", err)
		}
	}

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("bosh.metric.init_failed", "name", name, "error", err)
	}
}

func (m *Metrics) recordRIDIssued(ctx context.Context) {
	if m == nil || m.ridIssued == nil {
		return
	}
	m.ridIssued.Add(ctx, 1)
}

func (m *Metrics) recordEmptySent(ctx context.Context) {
	if m == nil || m.emptySent == nil {
		return
	}
	m.emptySent.Add(ctx, 1)
}

func (m *Metrics) recordReconnect(ctx context.Context) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}
