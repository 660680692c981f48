package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"CanvasPilot/internal/domain"
	"CanvasPilot/internal/ports"
)

// ResponseStore holds the latest draft per (user, assignment).
type ResponseStore struct {
	db  *DB
	now func() time.Time
}

var _ ports.ResponseRepository = (*ResponseStore)(nil)

func NewResponseStore(db *DB) *ResponseStore {
	return &ResponseStore{db: db, now: time.Now}
}

func (s *ResponseStore) Save(ctx context.Context, resp domain.SavedResponse) error {
	now := micros(s.now())
	query, args, err := s.db.sb.Insert("saved_responses").
		Columns("user_id", "assignment_id", "course_id", "content", "created_at", "updated_at").
		Values(resp.UserID, resp.AssignmentID, nullable(resp.CourseID), resp.Content, now, now).
		Suffix("ON CONFLICT (user_id, assignment_id) DO UPDATE SET course_id = excluded.course_id, content = excluded.content, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return &domain.PersistenceError{Op: "build response upsert", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &domain.PersistenceError{Op: "save response", Err: err}
	}
	return nil
}

func (s *ResponseStore) Get(ctx context.Context, userID, assignmentID string) (domain.SavedResponse, error) {
	query, args, err := s.db.sb.
		Select("user_id", "assignment_id", "course_id", "content", "created_at", "updated_at").
		From("saved_responses").
		Where(sq.Eq{"user_id": userID, "assignment_id": assignmentID}).
		ToSql()
	if err != nil {
		return domain.SavedResponse{}, &domain.PersistenceError{Op: "build response select", Err: err}
	}

	var (
		resp                 domain.SavedResponse
		courseID             sql.NullString
		createdAt, updatedAt int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&resp.UserID, &resp.AssignmentID, &courseID, &resp.Content, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SavedResponse{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SavedResponse{}, &domain.PersistenceError{Op: "get response", Err: err}
	}
	resp.CourseID = courseID.String
	resp.CreatedAt = fromMicros(createdAt)
	resp.UpdatedAt = fromMicros(updatedAt)
	return resp, nil
}
