package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/sorintlab/pgcoord/db"
	"github.com/sorintlab/pgcoord/util"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const (
	pqLockNotAvailable = "55P03"
	pqQueryCanceled    = "57014"
)

// Session is a single database session. Advisory locks are session scoped so
// it must not be a connection pool.
type Session interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type PGCoordinatorConfig struct {
	// LockTimeout bounds blocking acquisitions on the engine side. Zero
	// keeps the session setting.
	LockTimeout time.Duration
}

type PGCoordinator struct {
	s      Session
	config PGCoordinatorConfig
}

func NewPGCoordinator(s Session, config PGCoordinatorConfig) *PGCoordinator {
	return &PGCoordinator{s: s, config: config}
}

func (c *PGCoordinator) Acquire(ctx context.Context, key int64, mode Mode) (ok bool, err error) {
	defer func() { observe("acquire", mode, ok, err) }()

	if c.config.LockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", c.config.LockTimeout.Milliseconds())
		if _, err := c.s.ExecContext(ctx, "select set_config('lock_timeout', $1, false)", timeout); err != nil {
			return false, classify(ctx, err)
		}
	}

	q := "select pg_advisory_lock($1)"
	if mode == Shared {
		q = "select pg_advisory_lock_shared($1)"
	}
	if _, err := c.s.ExecContext(ctx, q, key); err != nil {
		return false, classify(ctx, err)
	}
	return true, nil
}

func (c *PGCoordinator) TryAcquire(ctx context.Context, key int64, mode Mode) (ok bool, err error) {
	defer func() { observe("try", mode, ok, err) }()

	q := "select pg_try_advisory_lock($1)"
	if mode == Shared {
		q = "select pg_try_advisory_lock_shared($1)"
	}
	if err := c.s.QueryRowContext(ctx, q, key).Scan(&ok); err != nil {
		return false, classify(ctx, err)
	}
	return ok, nil
}

func (c *PGCoordinator) Release(ctx context.Context, key int64, mode Mode) (ok bool, err error) {
	defer func() { observe("release", mode, ok, err) }()

	q := "select pg_advisory_unlock($1)"
	if mode == Shared {
		q = "select pg_advisory_unlock_shared($1)"
	}
	if err := c.s.QueryRowContext(ctx, q, key).Scan(&ok); err != nil {
		if isTimeout(ctx, err) {
			return false, errors.Wrap(err, "release interrupted")
		}
		return false, classify(ctx, err)
	}
	return ok, nil
}

// classify maps a lock wait interrupted by a timeout to (false, nil) and
// everything else to a connection error. A canceled context is returned as
// is.
func classify(ctx context.Context, err error) error {
	if isTimeout(ctx, err) {
		return nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return context.Canceled
	}
	return util.NewConnectionError(err)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqLockNotAvailable:
			return true
		case pqQueryCanceled:
			// a user requested cancel is reported by ctx
			return ctx.Err() != context.Canceled
		}
	}
	return false
}

type PGLockFactory struct {
	lockspace string
	db        *db.DB
}

func NewPGLockFactory(lockspace string, db *db.DB) *PGLockFactory {
	return &PGLockFactory{lockspace: lockspace, db: db}
}

func (l *PGLockFactory) NewLock(key string) Lock {
	return NewPGLock(l.db, l.lockspace, key)
}

// PGLock holds a dedicated connection for as long as the lock is held.
type PGLock struct {
	db   *db.DB
	name string
	key  int64
	c    *db.Conn
}

func NewPGLock(db *db.DB, lockspace, key string) *PGLock {
	return &PGLock{db: db, name: lockspace + "/" + key, key: Key(lockspace, key)}
}

func (l *PGLock) Lock(ctx context.Context) error {
	return l.lock(ctx, false)
}

func (l *PGLock) TryLock(ctx context.Context) (bool, error) {
	err := l.lock(ctx, true)
	if err == errNotAcquired {
		return false, nil
	}
	return err == nil, err
}

var errNotAcquired = errors.New("lock not acquired")

func (l *PGLock) lock(ctx context.Context, try bool) error {
	if l.c != nil {
		return errors.Errorf("lock %s already held", l.name)
	}
	c, err := l.db.Conn(ctx)
	if err != nil {
		return err
	}
	coord := NewPGCoordinator(c, PGCoordinatorConfig{})

	var ok bool
	if try {
		ok, err = coord.TryAcquire(ctx, l.key, Exclusive)
	} else {
		ok, err = coord.Acquire(ctx, l.key, Exclusive)
	}
	if err != nil || !ok {
		c.Close()
		if err == nil {
			if try {
				return errNotAcquired
			}
			err = errors.Errorf("timeout acquiring lock %s", l.name)
		}
		return err
	}
	l.c = c
	log.Debugf("acquired lock %s", l.name)
	return nil
}

func (l *PGLock) Unlock(ctx context.Context) error {
	if l.c == nil {
		return errors.Errorf("lock %s not held", l.name)
	}
	coord := NewPGCoordinator(l.c, PGCoordinatorConfig{})
	if _, err := coord.Release(ctx, l.key, Exclusive); err != nil {
		log.Warnf("failed to release lock %s: %v", l.name, err)
	}
	// closing the session releases the lock anyway
	err := l.c.Close()
	if errors.Is(err, driver.ErrBadConn) {
		err = nil
	}
	l.c = nil
	return err
}
