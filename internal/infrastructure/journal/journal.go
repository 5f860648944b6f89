// Package journal persists supervisor session events.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"proctornet/internal/core/domain"
	"proctornet/internal/core/ports"
	"proctornet/pkg/batch"
	"proctornet/pkg/circuitbreaker"
	"proctornet/pkg/config"
	"proctornet/pkg/tracing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const table = "session_events"

var columns = []string{
	"event_type", "exam_id", "local_id", "remote_id", "state", "generation",
	"attempt", "track_role", "error", "diagnostics", "occurred_at",
}

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id          BIGSERIAL PRIMARY KEY,
	event_type  TEXT        NOT NULL,
	exam_id     TEXT        NOT NULL,
	local_id    TEXT        NOT NULL,
	remote_id   TEXT        NOT NULL,
	state       TEXT        NOT NULL,
	generation  TEXT        NOT NULL,
	attempt     INTEGER     NOT NULL,
	track_role  TEXT        NOT NULL DEFAULT '',
	error       TEXT        NOT NULL DEFAULT '',
	diagnostics JSONB       NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS session_events_exam_time ON session_events (exam_id, occurred_at DESC);
`

// DB is the part of *pgxpool.Pool the journal uses.
type DB interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Metrics interface {
	JournalWritten(n int)
	JournalDropped(n int)
}

// Postgres batches events and copies them into session_events. While the
// database is failing the breaker opens and batches are dropped and logged.
type Postgres struct {
	db      DB
	batcher *batch.Batcher[domain.SessionEvent]
	breaker *circuitbreaker.CircuitBreaker
	metrics Metrics
	logger  *zap.SugaredLogger
}

var _ ports.SessionJournal = (*Postgres)(nil)

// Open connects to cfg.Journal.DSN and creates the schema.
func Open(ctx context.Context, cfg *config.Config, metrics Metrics, logger *zap.SugaredLogger) (*Postgres, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.Journal.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect journal database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping journal database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("create journal schema: %w", err)
	}
	logger.Infow("session journal ready", "batch_size", cfg.Journal.BatchSize, "flush_interval", cfg.Journal.FlushInterval)
	return New(pool, cfg.Journal.BatchSize, cfg.Journal.FlushInterval, metrics, logger), pool, nil
}

func New(db DB, batchSize int, flushInterval time.Duration, metrics Metrics, logger *zap.SugaredLogger) *Postgres {
	j := &Postgres{
		db:      db,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		metrics: metrics,
		logger:  logger,
	}
	j.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("journal circuit breaker changed state", "from", from.String(), "to", to.String())
	})
	j.batcher = batch.NewBatcher(batchSize, flushInterval, j.flush, j.dropped)
	return j
}

// Record never blocks on the database.
func (j *Postgres) Record(_ context.Context, event domain.SessionEvent) error {
	j.batcher.Add(event)
	return nil
}

func (j *Postgres) flush(ctx context.Context, events []domain.SessionEvent) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "copy", table)
	defer span.End()

	rows := make([][]any, 0, len(events))
	for _, event := range events {
		row, err := eventRow(event)
		if err != nil {
			j.logger.Warnw("skipping unencodable session event", "type", event.Type, "error", err)
			continue
		}
		rows = append(rows, row)
	}

	err := j.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := j.db.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if j.metrics != nil {
		j.metrics.JournalWritten(len(rows))
	}
	return nil
}

func (j *Postgres) dropped(err error, events []domain.SessionEvent) {
	j.logger.Errorw("dropping session events", "count", len(events), "error", err)
	if j.metrics != nil {
		j.metrics.JournalDropped(len(events))
	}
}

func eventRow(event domain.SessionEvent) ([]any, error) {
	diagnostics, err := json.Marshal(event.Diagnostics)
	if err != nil {
		return nil, err
	}
	trackRole := ""
	if event.Track != nil {
		trackRole = string(event.Track.Role)
	}
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}
	return []any{
		string(event.Type),
		string(event.ExamID),
		string(event.LocalID),
		event.Diagnostics.RemoteID,
		string(event.Diagnostics.State),
		event.Diagnostics.Generation,
		event.Diagnostics.Attempt,
		trackRole,
		event.Error,
		diagnostics,
		at,
	}, nil
}

// Recent returns the newest events of an exam, newest first.
func (j *Postgres) Recent(ctx context.Context, exam domain.ExamID, limit int) ([]domain.SessionEvent, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "select", table)
	defer span.End()

	rows, err := j.db.Query(ctx,
		`SELECT event_type, exam_id, local_id, error, diagnostics, occurred_at
		 FROM session_events WHERE exam_id = $1 ORDER BY occurred_at DESC LIMIT $2`,
		string(exam), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.SessionEvent
	for rows.Next() {
		var (
			event       domain.SessionEvent
			diagnostics []byte
		)
		if err := rows.Scan(&event.Type, &event.ExamID, &event.LocalID, &event.Error, &diagnostics, &event.At); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(diagnostics, &event.Diagnostics); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Close flushes pending events.
func (j *Postgres) Close() error {
	j.batcher.Stop()
	return nil
}

// Log is the journal used when no database is configured.
type Log struct {
	logger *zap.SugaredLogger
}

var _ ports.SessionJournal = (*Log)(nil)

func NewLog(logger *zap.SugaredLogger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Record(_ context.Context, event domain.SessionEvent) error {
	l.logger.Infow("session event",
		"type", event.Type,
		"exam_id", event.ExamID,
		"local_id", event.LocalID,
		"remote_id", event.Diagnostics.RemoteID,
		"state", event.Diagnostics.State,
		"attempt", event.Diagnostics.Attempt,
		"error", event.Error,
	)
	return nil
}

func (l *Log) Close() error { return nil }
