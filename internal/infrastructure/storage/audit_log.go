package storage

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"

	"CanvasPilot/internal/domain"
	"CanvasPilot/internal/ids"
	"CanvasPilot/internal/ports"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	// MaxPage keeps (page-1)*size well inside int range on every platform.
	MaxPage = 1_000_000
)

// AuditLog is the append-only event table. Entries are never updated or deleted.
type AuditLog struct {
	db  *DB
	now func() time.Time
}

var _ ports.AuditLog = (*AuditLog)(nil)

func NewAuditLog(db *DB) *AuditLog {
	return &AuditLog{db: db, now: time.Now}
}

// WithClock replaces the write-time clock.
func (l *AuditLog) WithClock(now func() time.Time) *AuditLog {
	l.now = now
	return l
}

// Append stamps the entry with a fresh id and the current time, then inserts it.
func (l *AuditLog) Append(ctx context.Context, entry domain.AuditLogEntry) (domain.AuditLogEntry, error) {
	now := l.now().UTC()
	entry.ID = ids.NewAt(now)
	entry.Timestamp = now

	query, args, err := l.db.sb.Insert("audit_logs").
		Columns("id", "type", "message", "assignment_id", "user_id", "run_id", "created_at").
		Values(entry.ID, entry.Type, entry.Message, nullable(entry.AssignmentID), nullable(entry.UserID), nullable(entry.RunID), micros(now)).
		ToSql()
	if err != nil {
		return domain.AuditLogEntry{}, &domain.PersistenceError{Op: "build audit insert", Err: err}
	}
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return domain.AuditLogEntry{}, &domain.PersistenceError{Op: "append audit log", Err: err}
	}
	return entry, nil
}

// List returns one page of entries, newest first, plus the filtered total.
func (l *AuditLog) List(ctx context.Context, q domain.LogQuery) (domain.LogPage, error) {
	page, size := normalizePage(q.Page, q.PageSize)

	where := sq.And{}
	if q.UserID != "" {
		where = append(where, sq.Eq{"user_id": q.UserID})
	}
	if q.AssignmentID != "" {
		where = append(where, sq.Eq{"assignment_id": q.AssignmentID})
	}
	if q.Type != "" {
		where = append(where, sq.Eq{"type": q.Type})
	}

	countQuery, countArgs, err := l.db.sb.Select("COUNT(*)").From("audit_logs").Where(where).ToSql()
	if err != nil {
		return domain.LogPage{}, &domain.PersistenceError{Op: "build audit count", Err: err}
	}
	var total int
	if err := l.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return domain.LogPage{}, &domain.PersistenceError{Op: "count audit log", Err: err}
	}

	query, args, err := l.db.sb.
		Select("id", "type", "message", "assignment_id", "user_id", "run_id", "created_at").
		From("audit_logs").
		Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(size)).
		Offset(uint64((page - 1) * size)).
		ToSql()
	if err != nil {
		return domain.LogPage{}, &domain.PersistenceError{Op: "build audit select", Err: err}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.LogPage{}, &domain.PersistenceError{Op: "query audit log", Err: err}
	}
	defer rows.Close()

	entries := make([]domain.AuditLogEntry, 0, size)
	for rows.Next() {
		var (
			e                           domain.AuditLogEntry
			assignmentID, userID, runID sql.NullString
			createdAt                   int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Message, &assignmentID, &userID, &runID, &createdAt); err != nil {
			return domain.LogPage{}, &domain.PersistenceError{Op: "scan audit entry", Err: err}
		}
		e.AssignmentID = assignmentID.String
		e.UserID = userID.String
		e.RunID = runID.String
		e.Timestamp = fromMicros(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return domain.LogPage{}, &domain.PersistenceError{Op: "iterate audit log", Err: err}
	}

	return domain.LogPage{Entries: entries, TotalCount: total, Page: page, PageSize: size}, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if page > MaxPage {
		page = MaxPage
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}
