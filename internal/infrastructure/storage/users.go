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

// UserStore keeps the profile of everyone who logged in. API keys are never stored.
type UserStore struct {
	db  *DB
	now func() time.Time
}

var _ ports.UserRepository = (*UserStore)(nil)

func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db, now: time.Now}
}

func (s *UserStore) Upsert(ctx context.Context, user domain.User) error {
	now := micros(s.now())
	query, args, err := s.db.sb.Insert("users").
		Columns("id", "name", "email", "avatar_url", "created_at", "updated_at").
		Values(user.ID, user.Name, user.Email, nullable(user.AvatarURL), now, now).
		Suffix("ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email, avatar_url = excluded.avatar_url, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return &domain.PersistenceError{Op: "build user upsert", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &domain.PersistenceError{Op: "upsert user", Err: err}
	}
	return nil
}

func (s *UserStore) Get(ctx context.Context, id string) (domain.User, error) {
	query, args, err := s.db.sb.
		Select("id", "name", "email", "avatar_url", "created_at", "updated_at").
		From("users").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return domain.User{}, &domain.PersistenceError{Op: "build user select", Err: err}
	}

	var (
		user                 domain.User
		avatar               sql.NullString
		createdAt, updatedAt int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&user.ID, &user.Name, &user.Email, &avatar, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, &domain.PersistenceError{Op: "get user", Err: err}
	}
	user.AvatarURL = avatar.String
	user.CreatedAt = fromMicros(createdAt)
	user.UpdatedAt = fromMicros(updatedAt)
	return user, nil
}
