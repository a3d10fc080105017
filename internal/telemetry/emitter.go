// Package telemetry carries presence events out of the process (Kafka, OTel logs) and records metrics.
package telemetry

import (
	"context"
	"errors"

	"github.com/devtizi/city-cab/internal/telemetry/domain"
)

// EventEmitter emits presence events. Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.PresenceEvent) error
}

// Multi fans one event out to every non-nil emitter. Errors are joined.
func Multi(emitters ...EventEmitter) EventEmitter {
	out := make(multiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

type multiEmitter []EventEmitter

func (m multiEmitter) Emit(ctx context.Context, event *domain.PresenceEvent) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
