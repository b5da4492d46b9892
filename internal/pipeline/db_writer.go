package pipeline

import (
	"context"
	"log/slog"
	"time"

	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/metrics"
)

type EventStore interface {
	BatchInsertEvents(ctx context.Context, events []domain.StateChangeEvent) error
}

// DBWriter batches transitions into the incident history table.
type DBWriter struct {
	ch         <-chan domain.StateChangeEvent
	db         EventStore
	batchSize  int
	flushMS    int
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewDBWriter(
	ch <-chan domain.StateChangeEvent,
	db EventStore,
	batchSize int,
	flushMS int,
	logger *slog.Logger,
) *DBWriter {
	return &DBWriter{
		ch:         ch,
		db:         db,
		batchSize:  batchSize,
		flushMS:    flushMS,
		retryDelay: 500 * time.Millisecond,
		logger:     logger,
	}
}

// Run consumes until the channel closes or ctx ends, flushing what it holds.
func (w *DBWriter) Run(ctx context.Context) {
	batch := make([]domain.StateChangeEvent, 0, w.batchSize)
	ticker := time.NewTicker(time.Duration(w.flushMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-w.ch:
			if !ok {
				if len(batch) > 0 {
					w.flush(context.WithoutCancel(ctx), batch)
				}
				return
			}
			batch = append(batch, evt)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			if len(batch) > 0 {
				w.flush(context.WithoutCancel(ctx), batch)
			}
			return
		}
	}
}

func (w *DBWriter) flush(ctx context.Context, batch []domain.StateChangeEvent) {
	err := w.db.BatchInsertEvents(ctx, batch)
	if err != nil {
		w.logger.Warn("incident history write failed, retrying", "batch", len(batch), "error", err)
		time.Sleep(w.retryDelay)
		err = w.db.BatchInsertEvents(ctx, batch)
		if err != nil {
			w.logger.Error("incident history write permanently failed", "batch", len(batch), "error", err)
			metrics.DBWriteFailures.Add(float64(len(batch)))
			return
		}
	}
	metrics.DBWriteSuccess.Add(float64(len(batch)))
}
