package pipeline

import (
	"context"
	"log/slog"
	"time"

	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/metrics"
)

type StateMirror interface {
	PipelineTransition(ctx context.Context, evt domain.StateChangeEvent, state domain.VehicleState) error
}

// StateWriter mirrors transitions into Redis for the serving side.
type StateWriter struct {
	ch     <-chan Transition
	redis  StateMirror
	logger *slog.Logger
}

func NewStateWriter(ch <-chan Transition, redis StateMirror, logger *slog.Logger) *StateWriter {
	return &StateWriter{ch: ch, redis: redis, logger: logger}
}

func (w *StateWriter) Run(ctx context.Context) {
	batch := make([]Transition, 0, 100)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case tr, ok := <-w.ch:
			if !ok {
				w.flushBatch(context.WithoutCancel(ctx), batch)
				return
			}
			batch = append(batch, tr)
			if len(batch) >= 100 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			w.flushBatch(context.WithoutCancel(ctx), batch)
			return
		}
	}
}

func (w *StateWriter) flushBatch(ctx context.Context, batch []Transition) {
	for _, tr := range batch {
		if err := w.redis.PipelineTransition(ctx, tr.Event, tr.State); err != nil {
			metrics.StateWriteFailures.Inc()
			w.logger.Warn("redis state mirror failed",
				"vehicle_id", tr.Event.VehicleID,
				"event_id", tr.Event.ID,
				"error", err,
			)
		}
	}
}
