package lock

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/sorintlab/pgcoord/util"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

func newMockSession(t *testing.T) (*sql.Conn, sqlmock.Sqlmock) {
	sqldb, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, err := sqldb.Conn(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		sqldb.Close()
	})
	return c, mock
}

func boolRows(v bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"r"}).AddRow(v)
}

func TestPGTryAcquireTwoSessions(t *testing.T) {
	c1, mock1 := newMockSession(t)
	c2, mock2 := newMockSession(t)
	s1 := NewPGCoordinator(c1, PGCoordinatorConfig{})
	s2 := NewPGCoordinator(c2, PGCoordinatorConfig{})
	ctx := context.Background()

	tryLock := regexp.QuoteMeta("select pg_try_advisory_lock($1)")
	unlock := regexp.QuoteMeta("select pg_advisory_unlock($1)")

	mock1.ExpectQuery(tryLock).WithArgs(int64(42)).WillReturnRows(boolRows(true))
	mock2.ExpectQuery(tryLock).WithArgs(int64(42)).WillReturnRows(boolRows(false))
	mock1.ExpectQuery(unlock).WithArgs(int64(42)).WillReturnRows(boolRows(true))
	mock2.ExpectQuery(tryLock).WithArgs(int64(42)).WillReturnRows(boolRows(true))

	if ok, err := s1.TryAcquire(ctx, 42, Exclusive); err != nil || !ok {
		t.Fatalf("expected first session to acquire the lock, got %t, %v", ok, err)
	}
	if ok, err := s2.TryAcquire(ctx, 42, Exclusive); err != nil || ok {
		t.Fatalf("expected second session to not acquire the lock, got %t, %v", ok, err)
	}
	if ok, err := s1.Release(ctx, 42, Exclusive); err != nil || !ok {
		t.Fatalf("expected release to succeed, got %t, %v", ok, err)
	}
	if ok, err := s2.TryAcquire(ctx, 42, Exclusive); err != nil || !ok {
		t.Fatalf("expected second session to acquire the lock, got %t, %v", ok, err)
	}

	if err := mock1.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	if err := mock2.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGSharedMode(t *testing.T) {
	c, mock := newMockSession(t)
	s := NewPGCoordinator(c, PGCoordinatorConfig{})
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("select pg_try_advisory_lock_shared($1)")).WithArgs(int64(3)).WillReturnRows(boolRows(true))
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_lock_shared($1)")).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("select pg_advisory_unlock_shared($1)")).WithArgs(int64(3)).WillReturnRows(boolRows(true))

	if ok, err := s.TryAcquire(ctx, 3, Shared); err != nil || !ok {
		t.Fatalf("expected lock acquired, got %t, %v", ok, err)
	}
	if ok, err := s.Acquire(ctx, 3, Shared); err != nil || !ok {
		t.Fatalf("expected lock acquired, got %t, %v", ok, err)
	}
	if ok, err := s.Release(ctx, 3, Shared); err != nil || !ok {
		t.Fatalf("expected release to succeed, got %t, %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGReleaseNotHeld(t *testing.T) {
	c, mock := newMockSession(t)
	s := NewPGCoordinator(c, PGCoordinatorConfig{})

	mock.ExpectQuery(regexp.QuoteMeta("select pg_advisory_unlock($1)")).WithArgs(int64(42)).WillReturnRows(boolRows(false))

	ok, err := s.Release(context.Background(), 42, Exclusive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected release of a not held lock to return false")
	}
}

func TestPGAcquireLockTimeout(t *testing.T) {
	c, mock := newMockSession(t)
	s := NewPGCoordinator(c, PGCoordinatorConfig{LockTimeout: 500 * time.Millisecond})

	mock.ExpectExec(regexp.QuoteMeta("select set_config('lock_timeout', $1, false)")).WithArgs("500ms").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_lock($1)")).WithArgs(int64(42)).
		WillReturnError(&pq.Error{Code: pqLockNotAvailable, Message: "canceling statement due to lock timeout"})

	ok, err := s.Acquire(context.Background(), 42, Exclusive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected lock timeout to report not acquired")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGAcquireContextDeadline(t *testing.T) {
	c, _ := newMockSession(t)
	s := NewPGCoordinator(c, PGCoordinatorConfig{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	ok, err := s.Acquire(ctx, 42, Exclusive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected expired deadline to report not acquired")
	}
}

func TestPGConnectionFailure(t *testing.T) {
	c, mock := newMockSession(t)
	s := NewPGCoordinator(c, PGCoordinatorConfig{})

	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_lock($1)")).WithArgs(int64(42)).
		WillReturnError(errors.New("read tcp: connection reset by peer"))
	mock.ExpectQuery(regexp.QuoteMeta("select pg_try_advisory_lock($1)")).WithArgs(int64(42)).
		WillReturnError(errors.New("read tcp: connection reset by peer"))

	if _, err := s.Acquire(context.Background(), 42, Exclusive); !util.IsConnectionError(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if _, err := s.TryAcquire(context.Background(), 42, Exclusive); !util.IsConnectionError(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
}
