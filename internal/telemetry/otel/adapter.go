package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/devtizi/city-cab/internal/telemetry"
	"github.com/devtizi/city-cab/internal/telemetry/domain"
)

// recordEmitter is the subset of otellog.Logger the adapter needs.
type recordEmitter interface {
	Emit(ctx context.Context, record otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends presence events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("citycab.presence")}
}

// NewEventEmitterWithLogger wraps any record emitter; used in tests to capture records.
func NewEventEmitterWithLogger(logger recordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.PresenceEvent) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the event to a log record with the event JSON as body and its fields as attributes.
func (e *otelEmitter) Emit(ctx context.Context, event *domain.PresenceEvent) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	if !event.At.IsZero() {
		rec.SetTimestamp(event.At)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetSeverity(otellog.SeverityInfo)
	if body, err := json.Marshal(event); err == nil {
		rec.SetBody(otellog.StringValue(string(body)))
	}
	rec.AddAttributes(otellog.String("event_type", string(event.Type)))
	if event.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", event.SessionID))
	}
	if event.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", event.UserID))
	}
	if event.CityID != "" {
		rec.AddAttributes(otellog.String("city_id", event.CityID))
	}
	if event.ConnectionType != "" {
		rec.AddAttributes(otellog.String("connection_type", event.ConnectionType))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
