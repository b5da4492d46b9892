package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-monitor/safety/internal/config"
	"fleet-monitor/safety/internal/domain"
)

type TimescaleStore struct {
	pool *pgxpool.Pool
}

func NewTimescaleStore(ctx context.Context, cfg *config.Config) (*TimescaleStore, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &TimescaleStore{pool: pool}, nil
}

func (s *TimescaleStore) Close() {
	s.pool.Close()
}

func (s *TimescaleStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var incidentColumns = []string{
	"timestamp",
	"event_id",
	"vehicle_id",
	"category",
	"old_status",
	"new_status",
	"sequence",
	"confidence",
	"sample",
}

func (s *TimescaleStore) BatchInsertEvents(ctx context.Context, events []domain.StateChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(events))
	for i, e := range events {
		sample, err := json.Marshal(e.Sample)
		if err != nil {
			return fmt.Errorf("failed to marshal sample for event %s: %w", e.ID, err)
		}
		rows[i] = []interface{}{
			e.Timestamp,
			e.ID,
			e.VehicleID,
			string(e.Category),
			string(e.OldStatus),
			string(e.NewStatus),
			int64(e.Sequence),
			e.Confidence,
			string(sample),
		}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"incident_events"},
		incidentColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(events), err)
	}

	return nil
}

// IncidentHistory returns a vehicle's most recent transitions, newest first.
func (s *TimescaleStore) IncidentHistory(ctx context.Context, vehicleID string, limit int) ([]domain.StateChangeEvent, error) {
	query := `
		SELECT timestamp, event_id, vehicle_id, category, old_status, new_status,
		       sequence, confidence, sample
		FROM incident_events
		WHERE vehicle_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("incident history query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.StateChangeEvent
	for rows.Next() {
		var (
			e                 domain.StateChangeEvent
			category          string
			oldStatus, status string
			seq               int64
			sample            []byte
		)
		if err := rows.Scan(&e.Timestamp, &e.ID, &e.VehicleID, &category, &oldStatus, &status, &seq, &e.Confidence, &sample); err != nil {
			return nil, fmt.Errorf("incident history scan failed: %w", err)
		}
		e.Category = domain.Category(category)
		e.OldStatus = domain.Status(oldStatus)
		e.NewStatus = domain.Status(status)
		e.Sequence = uint64(seq)
		if len(sample) > 0 {
			if err := json.Unmarshal(sample, &e.Sample); err != nil {
				return nil, fmt.Errorf("incident history sample for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *TimescaleStore) InsertDecision(ctx context.Context, rec domain.DecisionRecord) error {
	query := `
		INSERT INTO decision_audit
			(event_id, vehicle_id, category, prior_status, sequence, actions,
			 rationale, provider, degraded, fallback_reason, latency_ms, decided_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		rec.EventID,
		rec.VehicleID,
		string(rec.Category),
		string(rec.PriorStatus),
		int64(rec.Sequence),
		rec.Actions,
		rec.Rationale,
		rec.Provider,
		rec.Degraded,
		rec.FallbackReason,
		rec.LatencyMS,
		rec.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("insert decision %s failed: %w", rec.EventID, err)
	}
	return nil
}

// SchemaReport describes what the migrations left in the database.
type SchemaReport struct {
	Tables     []string
	Hypertable bool
	Indexes    int
}

var schemaTables = []string{"incident_events", "decision_audit"}

// VerifySchema checks that the service tables, the incident hypertable and
// their indexes exist.
func (s *TimescaleStore) VerifySchema(ctx context.Context) (SchemaReport, error) {
	var report SchemaReport

	for _, table := range schemaTables {
		var exists bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil {
			return report, fmt.Errorf("table check for %s failed: %w", table, err)
		}
		if !exists {
			return report, fmt.Errorf("table %s is missing", table)
		}
		report.Tables = append(report.Tables, table)
	}

	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM timescaledb_information.hypertables
			WHERE hypertable_name = 'incident_events'
		)
	`).Scan(&report.Hypertable)
	if err != nil {
		return report, fmt.Errorf("hypertable check failed: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename = ANY($1)
		AND indexname LIKE 'idx_%'
	`, schemaTables).Scan(&report.Indexes)
	if err != nil {
		return report, fmt.Errorf("index check failed: %w", err)
	}
	return report, nil
}
