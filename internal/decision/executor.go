package decision

import (
	"context"
	"log/slog"

	"fleet-monitor/safety/internal/domain"
)

// Executor carries out a recorded decision. Executors see each event id at
// most once per process.
type Executor interface {
	Execute(ctx context.Context, rec domain.DecisionRecord) error
}

type ExecutorFunc func(ctx context.Context, rec domain.DecisionRecord) error

func (f ExecutorFunc) Execute(ctx context.Context, rec domain.DecisionRecord) error {
	return f(ctx, rec)
}

type LogExecutor struct {
	logger *slog.Logger
}

func NewLogExecutor(logger *slog.Logger) *LogExecutor {
	return &LogExecutor{logger: logger}
}

func (e *LogExecutor) Execute(ctx context.Context, rec domain.DecisionRecord) error {
	level := slog.LevelInfo
	if rec.Degraded {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "incident actions",
		"event_id", rec.EventID,
		"vehicle_id", rec.VehicleID,
		"category", rec.Category,
		"actions", rec.Actions,
		"provider", rec.Provider,
		"degraded", rec.Degraded,
		"fallback_reason", rec.FallbackReason,
	)
	return nil
}
