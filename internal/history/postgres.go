package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/gpufleet/lifecycle-controller/internal/models"
)

// PostgresStore implements Store using a PostgreSQL database. The table is
// append-only: Append inserts and never updates, matching the immutability
// of finalized events.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgresStore. It expects a connected
// pgxpool.Pool.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// Initialize creates the 'failover_events' table if it doesn't already exist.
func (ps *PostgresStore) Initialize(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS failover_events (
		event_id UUID PRIMARY KEY,
		instance_id UUID NOT NULL,
		trigger_reason TEXT NOT NULL,
		outcome VARCHAR(20) NOT NULL,
		failed_phase VARCHAR(50),
		failure_reason TEXT,
		replacement_instance_id UUID,
		restore_source VARCHAR(20),
		phases JSONB NOT NULL,
		data_loss_window_ms BIGINT NOT NULL DEFAULT 0,
		total_duration_ms BIGINT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_failover_events_instance_id ON failover_events (instance_id);
	CREATE INDEX IF NOT EXISTS idx_failover_events_outcome ON failover_events (outcome);
	CREATE INDEX IF NOT EXISTS idx_failover_events_started_at ON failover_events (started_at DESC);
	`

	_, err := ps.db.Exec(ctx, createTableSQL)
	if err != nil {
		ps.logger.Error("Failed to create 'failover_events' table", zap.Error(err))
		return fmt.Errorf("initializing failover_events table: %w", err)
	}
	ps.logger.Info("'failover_events' table checked/created successfully")
	return nil
}

// Append inserts a finalized event. A duplicate event ID is a no-op: the
// record is immutable, so re-appending the same event is harmless.
func (ps *PostgresStore) Append(ctx context.Context, event *models.FailoverEvent) error {
	phasesJSON, err := json.Marshal(event.Phases)
	if err != nil {
		return fmt.Errorf("marshalling phases for event %s: %w", event.ID, err)
	}

	sqlQuery := `
	INSERT INTO failover_events (
		event_id, instance_id, trigger_reason, outcome, failed_phase,
		failure_reason, replacement_instance_id, restore_source, phases,
		data_loss_window_ms, total_duration_ms, started_at, ended_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (event_id) DO NOTHING
	`

	var replacementID any
	if event.ReplacementInstanceID != uuid.Nil {
		replacementID = event.ReplacementInstanceID
	}

	_, err = ps.db.Exec(ctx, sqlQuery,
		event.ID,
		event.InstanceID,
		event.TriggerReason,
		event.Outcome,
		sql.NullString{String: string(event.FailedPhase), Valid: event.FailedPhase != ""},
		sql.NullString{String: event.FailureReason, Valid: event.FailureReason != ""},
		replacementID,
		sql.NullString{String: string(event.RestoreSource), Valid: event.RestoreSource != ""},
		phasesJSON,
		event.DataLossWindow.Milliseconds(),
		event.TotalDuration().Milliseconds(),
		event.StartedAt,
		event.EndedAt,
	)

	if err != nil {
		ps.logger.Error("Failed to append failover event", zap.String("event_id", event.ID.String()), zap.Error(err))
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("appending event %s (SQL state %s): %w", event.ID, pgErr.Code, err)
		}
		return fmt.Errorf("appending event %s: %w", event.ID, err)
	}
	ps.logger.Debug("Appended failover event to history", zap.String("event_id", event.ID.String()))
	return nil
}

// List returns up to limit events, newest first.
func (ps *PostgresStore) List(ctx context.Context, limit int) ([]*models.FailoverEvent, error) {
	sqlQuery := `
	SELECT
		event_id, instance_id, trigger_reason, outcome, failed_phase,
		failure_reason, replacement_instance_id, restore_source, phases,
		data_loss_window_ms, started_at, ended_at
	FROM failover_events
	ORDER BY started_at DESC
	`
	args := []any{}
	if limit > 0 {
		sqlQuery += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := ps.db.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("listing failover events: %w", err)
	}
	defer rows.Close()

	var events []*models.FailoverEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failover events: %w", err)
	}
	return events, nil
}

// Get retrieves one event by ID; nil when not found.
func (ps *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.FailoverEvent, error) {
	sqlQuery := `
	SELECT
		event_id, instance_id, trigger_reason, outcome, failed_phase,
		failure_reason, replacement_instance_id, restore_source, phases,
		data_loss_window_ms, started_at, ended_at
	FROM failover_events WHERE event_id = $1
	`
	rows, err := ps.db.Query(ctx, sqlQuery, id)
	if err != nil {
		return nil, fmt.Errorf("getting event %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("getting event %s: %w", id, err)
		}
		return nil, nil
	}
	return scanEvent(rows)
}

func scanEvent(row pgx.Row) (*models.FailoverEvent, error) {
	event := &models.FailoverEvent{}
	var (
		failedPhase    sql.NullString
		failureReason  sql.NullString
		replacementID  *uuid.UUID
		restoreSource  sql.NullString
		phasesBytes    []byte
		dataLossMillis int64
	)

	err := row.Scan(
		&event.ID,
		&event.InstanceID,
		&event.TriggerReason,
		&event.Outcome,
		&failedPhase,
		&failureReason,
		&replacementID,
		&restoreSource,
		&phasesBytes,
		&dataLossMillis,
		&event.StartedAt,
		&event.EndedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning failover event: %w", err)
	}

	if err := json.Unmarshal(phasesBytes, &event.Phases); err != nil {
		return nil, fmt.Errorf("unmarshalling phases for event %s: %w", event.ID, err)
	}

	if failedPhase.Valid {
		event.FailedPhase = models.FailoverPhase(failedPhase.String)
	}
	if failureReason.Valid {
		event.FailureReason = failureReason.String
	}
	if replacementID != nil {
		event.ReplacementInstanceID = *replacementID
	}
	if restoreSource.Valid {
		event.RestoreSource = models.SnapshotSource(restoreSource.String)
	}
	event.DataLossWindow = time.Duration(dataLossMillis) * time.Millisecond

	if event.Outcome == models.OutcomeSuccess {
		event.CurrentPhase = models.PhaseComplete
	} else {
		event.CurrentPhase = models.PhaseAborted
	}
	return event, nil
}

// Close releases the underlying connection pool.
func (ps *PostgresStore) Close() error {
	ps.db.Close()
	return nil
}
