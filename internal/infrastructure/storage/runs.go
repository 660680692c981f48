package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"CanvasPilot/internal/domain"
	"CanvasPilot/internal/ports"
)

const abandonedRunResults = `{"error":"abandoned: run lock expired"}`

// startRunSQL inserts the run only while no other run holds the lock.
const startRunSQL = `INSERT INTO completion_runs (id, status, trigger_kind, user_id, started_at)
SELECT ?, ?, ?, ?, CAST(? AS BIGINT)
WHERE NOT EXISTS (SELECT 1 FROM completion_runs WHERE status = ?)`

// RunStore persists completion runs. A running row doubles as the run lock.
type RunStore struct {
	db *DB
}

var _ ports.RunRepository = (*RunStore)(nil)

func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// Start expires running rows that started at or before staleBefore, then inserts
// run as running. It returns domain.ErrRunInProgress when a live run exists.
func (s *RunStore) Start(ctx context.Context, run domain.CompletionRun, staleBefore time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.PersistenceError{Op: "begin run start", Err: err}
	}
	defer tx.Rollback()

	expire, args, err := s.db.sb.Update("completion_runs").
		Set("status", string(domain.RunFailed)).
		Set("ended_at", micros(run.StartTime)).
		Set("results", abandonedRunResults).
		Where(sq.Eq{"status": string(domain.RunRunning)}).
		Where(sq.LtOrEq{"started_at": micros(staleBefore)}).
		ToSql()
	if err != nil {
		return &domain.PersistenceError{Op: "build run expiry", Err: err}
	}
	if _, err := tx.ExecContext(ctx, expire, args...); err != nil {
		return &domain.PersistenceError{Op: "expire stale runs", Err: err}
	}

	insert, err := s.db.rebind(startRunSQL)
	if err != nil {
		return &domain.PersistenceError{Op: "build run insert", Err: err}
	}
	res, err := tx.ExecContext(ctx, insert,
		run.ID,
		string(domain.RunRunning),
		string(run.Trigger),
		nullable(run.UserID),
		micros(run.StartTime),
		string(domain.RunRunning),
	)
	if isUniqueViolation(err) {
		// a concurrent start won the partial unique index
		return domain.ErrRunInProgress
	}
	if err != nil {
		return &domain.PersistenceError{Op: "insert run", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &domain.PersistenceError{Op: "insert run", Err: err}
	}
	if affected == 0 {
		return domain.ErrRunInProgress
	}

	if err := tx.Commit(); err != nil {
		return &domain.PersistenceError{Op: "commit run start", Err: err}
	}
	return nil
}

// Finish moves a running run to its terminal status. It applies once; later calls
// report domain.ErrNotFound.
func (s *RunStore) Finish(ctx context.Context, runID string, status domain.RunStatus, results []byte, endTime time.Time) error {
	query, args, err := s.db.sb.Update("completion_runs").
		Set("status", string(status)).
		Set("ended_at", micros(endTime)).
		Set("results", nullable(string(results))).
		Where(sq.Eq{"id": runID, "status": string(domain.RunRunning)}).
		ToSql()
	if err != nil {
		return &domain.PersistenceError{Op: "build run finish", Err: err}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &domain.PersistenceError{Op: "finish run", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &domain.PersistenceError{Op: "finish run", Err: err}
	}
	if affected == 0 {
		return fmt.Errorf("finish run %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// List returns the most recent runs first.
func (s *RunStore) List(ctx context.Context, limit int) ([]domain.CompletionRun, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = 20
	}
	query, args, err := s.db.sb.
		Select("id", "status", "trigger_kind", "user_id", "started_at", "ended_at", "results").
		From("completion_runs").
		OrderBy("started_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, &domain.PersistenceError{Op: "build run select", Err: err}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "query runs", Err: err}
	}
	defer rows.Close()

	var runs []domain.CompletionRun
	for rows.Next() {
		var (
			run       domain.CompletionRun
			status    string
			trigger   string
			userID    sql.NullString
			startedAt int64
			endedAt   sql.NullInt64
			results   sql.NullString
		)
		if err := rows.Scan(&run.ID, &status, &trigger, &userID, &startedAt, &endedAt, &results); err != nil {
			return nil, &domain.PersistenceError{Op: "scan run", Err: err}
		}
		run.Status = domain.RunStatus(status)
		run.Trigger = domain.RunTrigger(trigger)
		run.UserID = userID.String
		run.StartTime = fromMicros(startedAt)
		if endedAt.Valid {
			end := fromMicros(endedAt.Int64)
			run.EndTime = &end
		}
		if results.Valid && results.String != "" {
			run.Results = json.RawMessage(results.String)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "iterate runs", Err: err}
	}
	return runs, nil
}
