package pipeline

import (
	"context"
	"log/slog"

	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/metrics"
)

type DecisionAudit interface {
	InsertDecision(ctx context.Context, rec domain.DecisionRecord) error
}

type DecisionQueue interface {
	PushDecision(ctx context.Context, rec domain.DecisionRecord) error
}

// DecisionWriter persists decided incidents and queues them for actuator
// consumers. Either target may be nil.
type DecisionWriter struct {
	ch     <-chan domain.DecisionRecord
	db     DecisionAudit
	queue  DecisionQueue
	logger *slog.Logger
}

func NewDecisionWriter(
	ch <-chan domain.DecisionRecord,
	db DecisionAudit,
	queue DecisionQueue,
	logger *slog.Logger,
) *DecisionWriter {
	return &DecisionWriter{
		ch:     ch,
		db:     db,
		queue:  queue,
		logger: logger,
	}
}

func (w *DecisionWriter) Run(ctx context.Context) {
	for {
		select {
		case rec, ok := <-w.ch:
			if !ok {
				return
			}
			w.write(ctx, rec)

		case <-ctx.Done():
			return
		}
	}
}

func (w *DecisionWriter) write(ctx context.Context, rec domain.DecisionRecord) {
	if w.db != nil {
		if err := w.db.InsertDecision(ctx, rec); err != nil {
			metrics.DecisionWriteFailures.WithLabelValues("db").Inc()
			w.logger.Error("decision audit insert failed",
				"event_id", rec.EventID,
				"vehicle_id", rec.VehicleID,
				"error", err,
			)
		}
	}

	if w.queue != nil {
		if err := w.queue.PushDecision(ctx, rec); err != nil {
			metrics.DecisionWriteFailures.WithLabelValues("queue").Inc()
			w.logger.Error("decision queue push failed",
				"event_id", rec.EventID,
				"vehicle_id", rec.VehicleID,
				"error", err,
			)
		}
	}
}
