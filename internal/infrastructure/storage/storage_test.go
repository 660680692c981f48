package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"CanvasPilot/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "pilot.db") + "?_pragma=busy_timeout(5000)"
	db, err := Open(context.Background(), DialectSQLite, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

type tickingClock struct {
	t time.Time
}

func (c *tickingClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	version, err := Migrate(context.Background(), db)
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema version 2, got %d", version)
	}
}

func TestAuditLogPagination(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &tickingClock{t: time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)}
	log := NewAuditLog(openTestDB(t)).WithClock(clock.Now)

	for i := 1; i <= 25; i++ {
		entry, err := log.Append(ctx, domain.AuditLogEntry{
			Type:    domain.EventAssignmentProcessing,
			Message: fmt.Sprintf("entry %d", i),
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if entry.ID == "" || entry.Timestamp.IsZero() {
			t.Fatalf("Append did not stamp entry: %+v", entry)
		}
	}

	page, err := log.List(ctx, domain.LogQuery{Page: 2, PageSize: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.TotalCount != 25 || page.Pages() != 3 || page.Page != 2 || page.PageSize != 10 {
		t.Fatalf("unexpected page metadata: total=%d pages=%d page=%d size=%d", page.TotalCount, page.Pages(), page.Page, page.PageSize)
	}
	if len(page.Entries) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(page.Entries))
	}
	// newest first: rank 11 is entry 15, rank 20 is entry 6
	if page.Entries[0].Message != "entry 15" || page.Entries[9].Message != "entry 6" {
		t.Fatalf("unexpected page bounds: %s .. %s", page.Entries[0].Message, page.Entries[9].Message)
	}
	for i := 1; i < len(page.Entries); i++ {
		if page.Entries[i].Timestamp.After(page.Entries[i-1].Timestamp) {
			t.Fatalf("entries not in descending order at %d", i)
		}
	}
}

func TestAuditLogOrderWithinSameInstant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fixed := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	log := NewAuditLog(openTestDB(t)).WithClock(func() time.Time { return fixed })

	for _, msg := range []string{"first", "second", "third"} {
		if _, err := log.Append(ctx, domain.AuditLogEntry{Type: "t", Message: msg}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	page, err := log.List(ctx, domain.LogQuery{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Entries) != 3 || page.Entries[0].Message != "third" || page.Entries[2].Message != "first" {
		t.Fatalf("unexpected order: %+v", page.Entries)
	}
}

func TestAuditLogFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := NewAuditLog(openTestDB(t))

	entries := []domain.AuditLogEntry{
		{Type: domain.EventProcessStart, Message: "start", UserID: "u1"},
		{Type: domain.EventAssignmentError, Message: "boom", UserID: "u1", AssignmentID: "a1"},
		{Type: domain.EventAssignmentError, Message: "boom", UserID: "u2", AssignmentID: "a2"},
	}
	for _, e := range entries {
		if _, err := log.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	cases := []struct {
		name  string
		query domain.LogQuery
		want  int
	}{
		{"all", domain.LogQuery{}, 3},
		{"by user", domain.LogQuery{UserID: "u1"}, 2},
		{"by assignment", domain.LogQuery{AssignmentID: "a2"}, 1},
		{"by type", domain.LogQuery{Type: domain.EventAssignmentError}, 2},
		{"user and type", domain.LogQuery{UserID: "u1", Type: domain.EventAssignmentError}, 1},
	}
	for _, tc := range cases {
		page, err := log.List(ctx, tc.query)
		if err != nil {
			t.Fatalf("%s: List: %v", tc.name, err)
		}
		if page.TotalCount != tc.want || len(page.Entries) != tc.want {
			t.Fatalf("%s: expected %d entries, got total=%d len=%d", tc.name, tc.want, page.TotalCount, len(page.Entries))
		}
	}
}

func TestAuditLogAppendFailureIsPersistenceError(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errors.New("disk full"))

	_, err = NewAuditLog(New(sqlDB, DialectPostgres)).Append(context.Background(), domain.AuditLogEntry{Type: "t", Message: "m"})
	var perr *domain.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNormalizePage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{0, 0, 1, DefaultPageSize},
		{3, 10, 3, 10},
		{-1, 5000, 1, MaxPageSize},
		{math.MaxInt, MaxPageSize, MaxPage, MaxPageSize},
	}
	for _, tc := range cases {
		page, size := normalizePage(tc.page, tc.size)
		if page != tc.wantPage || size != tc.wantSize {
			t.Fatalf("normalizePage(%d,%d) = %d,%d", tc.page, tc.size, page, size)
		}
	}
}

func TestRunStoreLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runs := NewRunStore(openTestDB(t))
	start := time.Date(2025, time.March, 10, 20, 0, 0, 0, time.UTC)

	first := domain.CompletionRun{ID: "run-1", Trigger: domain.TriggerScheduled, StartTime: start}
	if err := runs.Start(ctx, first, start.Add(-time.Hour)); err != nil {
		t.Fatalf("Start first: %v", err)
	}

	second := domain.CompletionRun{ID: "run-2", Trigger: domain.TriggerManual, UserID: "u1", StartTime: start.Add(time.Minute)}
	if err := runs.Start(ctx, second, start.Add(time.Minute-time.Hour)); !errors.Is(err, domain.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	if err := runs.Finish(ctx, "run-1", domain.RunCompleted, []byte(`{"processedCount":3}`), start.Add(2*time.Minute)); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := runs.Finish(ctx, "run-1", domain.RunFailed, nil, start.Add(3*time.Minute)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected second Finish to be refused, got %v", err)
	}

	if err := runs.Start(ctx, second, start.Add(time.Minute-time.Hour)); err != nil {
		t.Fatalf("Start after finish: %v", err)
	}

	list, err := runs.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "run-2" || list[1].ID != "run-1" {
		t.Fatalf("unexpected runs: %+v", list)
	}
	if list[1].Status != domain.RunCompleted || list[1].EndTime == nil || string(list[1].Results) != `{"processedCount":3}` {
		t.Fatalf("unexpected finished run: %+v", list[1])
	}
	if list[0].Status != domain.RunRunning || list[0].UserID != "u1" || list[0].Trigger != domain.TriggerManual {
		t.Fatalf("unexpected running run: %+v", list[0])
	}
}

func TestRunStoreUniqueViolationIsRunInProgress(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE completion_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO completion_runs").WillReturnError(&pgconn.PgError{
		Code:           "23505",
		ConstraintName: "idx_completion_runs_single_running",
	})
	mock.ExpectRollback()

	start := time.Date(2025, time.March, 10, 20, 0, 0, 0, time.UTC)
	err = NewRunStore(New(sqlDB, DialectPostgres)).Start(context.Background(),
		domain.CompletionRun{ID: "run-1", Trigger: domain.TriggerManual, StartTime: start}, start.Add(-time.Hour))
	if !errors.Is(err, domain.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunStoreOtherInsertFailureIsPersistenceError(t *testing.T) {
	t.Parallel()

	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE completion_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO completion_runs").WillReturnError(&pgconn.PgError{Code: "53100"})
	mock.ExpectRollback()

	start := time.Date(2025, time.March, 10, 20, 0, 0, 0, time.UTC)
	err = NewRunStore(New(sqlDB, DialectPostgres)).Start(context.Background(),
		domain.CompletionRun{ID: "run-1", Trigger: domain.TriggerManual, StartTime: start}, start.Add(-time.Hour))
	var perr *domain.PersistenceError
	if !errors.As(err, &perr) || errors.Is(err, domain.ErrRunInProgress) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestRunStoreExpiresAbandonedRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runs := NewRunStore(openTestDB(t))
	start := time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)

	if err := runs.Start(ctx, domain.CompletionRun{ID: "old", Trigger: domain.TriggerManual, StartTime: start}, start.Add(-time.Hour)); err != nil {
		t.Fatalf("Start old: %v", err)
	}

	later := start.Add(2 * time.Hour)
	if err := runs.Start(ctx, domain.CompletionRun{ID: "new", Trigger: domain.TriggerManual, StartTime: later}, later.Add(-time.Hour)); err != nil {
		t.Fatalf("expected stale lock to be taken over, got %v", err)
	}

	list, err := runs.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, run := range list {
		if run.ID == "old" && run.Status != domain.RunFailed {
			t.Fatalf("expected abandoned run to be failed, got %s", run.Status)
		}
	}
}

func TestUserStoreUpsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	users := NewUserStore(openTestDB(t))

	if _, err := users.Get(ctx, "canvas_1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := users.Upsert(ctx, domain.User{ID: "canvas_1", Name: "Ada", Email: "ada@example.edu"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := users.Upsert(ctx, domain.User{ID: "canvas_1", Name: "Ada L.", Email: "ada@example.edu", AvatarURL: "https://img/a.png"}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err := users.Get(ctx, "canvas_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Ada L." || got.AvatarURL != "https://img/a.png" {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestResponseStoreSaveOverwrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	responses := NewResponseStore(openTestDB(t))

	for _, content := range []string{"v1", "v2"} {
		err := responses.Save(ctx, domain.SavedResponse{UserID: "u1", AssignmentID: "a1", CourseID: "c1", Content: content})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := responses.Get(ctx, "u1", "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "v2" || got.CourseID != "c1" {
		t.Fatalf("unexpected response: %+v", got)
	}
	if _, err := responses.Get(ctx, "u2", "a1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other user, got %v", err)
	}
}
