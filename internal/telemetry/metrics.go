package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments for the real-time layer. A nil *Metrics records nothing.
type Metrics struct {
	active   metric.Int64UpDownCounter
	rejected metric.Int64Counter
	swept    metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	active, err := meter.Int64UpDownCounter("citycab.connections.active",
		metric.WithDescription("Authenticated real-time connections currently registered"))
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("citycab.frames.rejected",
		metric.WithDescription("Protocol frames rejected by authentication or authorization"))
	if err != nil {
		return nil, err
	}
	swept, err := meter.Int64Counter("citycab.sessions.swept",
		metric.WithDescription("Sessions removed by the idle sweeper"))
	if err != nil {
		return nil, err
	}
	return &Metrics{active: active, rejected: rejected, swept: swept}, nil
}

func (m *Metrics) ConnectionOpened(ctx context.Context, connectionType string) {
	if m == nil {
		return
	}
	m.active.Add(ctx, 1, metric.WithAttributes(attribute.String("connection_type", connectionType)))
}

func (m *Metrics) ConnectionClosed(ctx context.Context, connectionType string) {
	if m == nil {
		return
	}
	m.active.Add(ctx, -1, metric.WithAttributes(attribute.String("connection_type", connectionType)))
}

// FrameRejected counts one rejected frame; reason is the error class (invalid_token, access_denied, ...).
func (m *Metrics) FrameRejected(ctx context.Context, command, reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) SessionsSwept(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(ctx, int64(n))
}
