package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/core/keylock"
	"github.com/vietddude/remediator/internal/infra/storage"
)

// Fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const lastQueryTimeKey = "last_query_time"

const (
	upsertRunSQL = `
INSERT INTO pipeline_runs (run_id, pipeline_id, retry_count, status, last_updated)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (run_id) DO UPDATE SET
    pipeline_id = excluded.pipeline_id,
    retry_count = excluded.retry_count,
    status = excluded.status,
    last_updated = excluded.last_updated`

	saveRunSQL = `
INSERT INTO pipeline_runs (run_id, pipeline_id, retry_count, status, last_updated, parent_run_id)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id) DO UPDATE SET
    pipeline_id = excluded.pipeline_id,
    retry_count = excluded.retry_count,
    status = excluded.status,
    last_updated = excluded.last_updated,
    parent_run_id = excluded.parent_run_id`

	setRetryCountSQL = `
INSERT INTO pipeline_runs (run_id, retry_count, status, last_updated)
VALUES (?, ?, 'unknown', ?)
ON CONFLICT (run_id) DO UPDATE SET
    retry_count = excluded.retry_count,
    last_updated = excluded.last_updated`

	updateStatusSQL = `
INSERT INTO pipeline_runs (run_id, retry_count, status, last_updated)
VALUES (?, ?, ?, ?)
ON CONFLICT (run_id) DO UPDATE SET
    status = excluded.status,
    last_updated = excluded.last_updated`

	seedRunSQL = `
INSERT INTO pipeline_runs (run_id, pipeline_id, retry_count, status, last_updated, parent_run_id)
VALUES (?, ?, ?, 'unknown', ?, ?)
ON CONFLICT (run_id) DO UPDATE SET
    parent_run_id = excluded.parent_run_id,
    last_updated = excluded.last_updated,
    retry_count = CASE WHEN pipeline_runs.status = 'unknown'
        THEN excluded.retry_count ELSE pipeline_runs.retry_count END,
    pipeline_id = CASE WHEN pipeline_runs.pipeline_id = ''
        THEN excluded.pipeline_id ELSE pipeline_runs.pipeline_id END`

	selectRunSQL = `
SELECT run_id, pipeline_id, retry_count, status, last_updated, parent_run_id
FROM pipeline_runs WHERE run_id = ?`

	setMetadataSQL = `
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`
)

type runRow struct {
	RunID       string         `db:"run_id"`
	PipelineID  string         `db:"pipeline_id"`
	RetryCount  int            `db:"retry_count"`
	Status      string         `db:"status"`
	LastUpdated string         `db:"last_updated"`
	ParentRunID sql.NullString `db:"parent_run_id"`
}

func (r runRow) toDomain() (*domain.RunRecord, error) {
	ts, err := time.Parse(timeLayout, r.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("parse last_updated %q: %w", r.LastUpdated, err)
	}
	return &domain.RunRecord{
		RunID:       r.RunID,
		PipelineID:  r.PipelineID,
		RetryCount:  r.RetryCount,
		Status:      domain.RunStatus(r.Status),
		LastUpdated: ts,
		ParentRunID: r.ParentRunID.String,
	}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Store implements storage.StateStore on PostgreSQL or SQLite.
type Store struct {
	db        *DB
	threshold int
	locks     *keylock.Map
	now       func() time.Time
}

var _ storage.StateStore = (*Store)(nil)

// New creates a store on an already migrated database.
func New(db *DB, threshold int) *Store {
	return &Store{
		db:        db,
		threshold: threshold,
		locks:     keylock.New(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Open connects, migrates, and returns a ready store.
func Open(ctx context.Context, cfg Config, threshold int) (*Store, error) {
	db, err := NewDB(ctx, cfg)
	if err != nil {
		return nil, storage.Wrap("open", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, storage.Wrap("migrate", err)
	}
	return New(db, threshold), nil
}

// DB exposes the connection pool for health checks and metrics.
func (s *Store) DB() *DB { return s.db }

func (s *Store) stamp() string { return s.now().Format(timeLayout) }

func (s *Store) UpsertRun(
	ctx context.Context,
	runID, pipelineID string,
	status domain.RunStatus,
	retryCount int,
) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(upsertRunSQL),
		runID, pipelineID, retryCount, string(status), s.stamp())
	return storage.Wrap("upsert run", err)
}

func (s *Store) GetRetryCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.db.Rebind(`SELECT retry_count FROM pipeline_runs WHERE run_id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.threshold, nil
	}
	if err != nil {
		return 0, storage.Wrap("get retry count", err)
	}
	return n, nil
}

func (s *Store) SetRetryCount(ctx context.Context, runID string, n int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(setRetryCountSQL), runID, n, s.stamp())
	return storage.Wrap("set retry count", err)
}

func (s *Store) UpdateStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(updateStatusSQL),
		runID, s.threshold, string(status), s.stamp())
	return storage.Wrap("update status", err)
}

func (s *Store) GetStatus(ctx context.Context, runID string) (domain.RunStatus, bool, error) {
	var status string
	err := s.db.GetContext(ctx, &status,
		s.db.Rebind(`SELECT status FROM pipeline_runs WHERE run_id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storage.Wrap("get status", err)
	}
	return domain.RunStatus(status), true, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(selectRunSQL), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRunNotFound
	}
	if err != nil {
		return nil, storage.Wrap("get run", err)
	}
	rec, err := row.toDomain()
	return rec, storage.Wrap("get run", err)
}

func (s *Store) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*domain.RunRecord, error) {
	query := `SELECT run_id, pipeline_id, retry_count, status, last_updated, parent_run_id FROM pipeline_runs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY last_updated DESC, run_id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, storage.Wrap("list runs", err)
	}
	out := make([]*domain.RunRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, storage.Wrap("list runs", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) SeedRun(
	ctx context.Context,
	runID, pipelineID, parentRunID string,
	retryCount int,
) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(seedRunSQL),
		runID, pipelineID, retryCount, s.stamp(), nullString(parentRunID))
	return storage.Wrap("seed run", err)
}

// Apply reads, mutates and writes one record inside a transaction. On
// PostgreSQL the row is locked with FOR UPDATE; SQLite serializes on its
// single connection. fn must not call back into the store.
func (s *Store) Apply(ctx context.Context, runID string, fn storage.ApplyFunc) error {
	unlock := s.locks.Lock(runID)
	defer unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storage.Wrap("apply: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := s.selectForUpdate(ctx, tx, runID)
	if err != nil {
		return storage.Wrap("apply: select", err)
	}
	if err := fn(rec); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(saveRunSQL),
		runID, rec.PipelineID, rec.RetryCount, string(rec.Status), s.stamp(), nullString(rec.ParentRunID))
	if err != nil {
		return storage.Wrap("apply: save", err)
	}
	return storage.Wrap("apply: commit", tx.Commit())
}

func (s *Store) selectForUpdate(ctx context.Context, tx *sqlx.Tx, runID string) (*domain.RunRecord, error) {
	query := selectRunSQL
	if s.db.dialect == DriverPostgres {
		query += ` FOR UPDATE`
	}
	var row runRow
	err := tx.GetContext(ctx, &row, tx.Rebind(query), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.RunRecord{
			RunID:      runID,
			RetryCount: s.threshold,
			Status:     domain.RunStatusUnknown,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	statuses := make([]string, len(domain.FinalStatuses))
	for i, st := range domain.FinalStatuses {
		statuses[i] = string(st)
	}
	query, args, err := sqlx.In(
		`DELETE FROM pipeline_runs WHERE status IN (?) AND last_updated < ?`,
		statuses, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, storage.Wrap("prune runs", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, storage.Wrap("prune runs", err)
	}
	n, err := res.RowsAffected()
	return n, storage.Wrap("prune runs", err)
}

func (s *Store) GetLastQueryTime(ctx context.Context) (time.Time, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		s.db.Rebind(`SELECT value FROM metadata WHERE key = ?`), lastQueryTimeKey)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storage.Wrap("get last query time", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, storage.Wrap("get last query time", err)
	}
	return t, true, nil
}

func (s *Store) SetLastQueryTime(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(setMetadataSQL),
		lastQueryTimeKey, t.UTC().Format(time.RFC3339Nano))
	return storage.Wrap("set last query time", err)
}

func (s *Store) Close() error {
	return s.db.Close()
}
