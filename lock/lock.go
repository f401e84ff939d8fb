package lock

import (
	"context"
	"hash/fnv"

	slog "github.com/sorintlab/pgcoord/log"
	"github.com/sorintlab/pgcoord/metrics"
)

var log = slog.S()

type Mode int

const (
	Exclusive Mode = iota
	Shared
)

func (m Mode) String() string {
	switch m {
	case Exclusive:
		return "exclusive"
	case Shared:
		return "shared"
	}
	return "unknown"
}

// Coordinator acquires and releases advisory locks on behalf of a single
// session. Locks are reentrant within the session and must be released as
// many times as acquired, with the same mode. The coordinator doesn't keep
// track of the held locks: ending the session releases them all.
type Coordinator interface {
	// Acquire blocks until the lock is held. It returns false, without
	// error, if the wait times out (context deadline or engine lock timeout).
	Acquire(ctx context.Context, key int64, mode Mode) (bool, error)
	// TryAcquire doesn't wait: it returns false if the lock is held by
	// another session.
	TryAcquire(ctx context.Context, key int64, mode Mode) (bool, error)
	// Release returns false if the lock wasn't held in the given mode.
	Release(ctx context.Context, key int64, mode Mode) (bool, error)
}

type LockFactory interface {
	NewLock(key string) Lock
}

// Lock is a named exclusive lock.
type Lock interface {
	Lock(ctx context.Context) error
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Key maps a lockspace and a key name to an advisory lock key.
func Key(lockspace, key string) int64 {
	return int64(uint64(hash(lockspace))<<32 | uint64(hash(key)))
}

func hash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func observe(op string, mode Mode, ok bool, err error) {
	var result string
	switch {
	case err != nil:
		result = "error"
	case op == "release" && ok:
		result = "released"
	case op == "release":
		result = "not_held"
	default:
		result = metrics.Result(ok)
	}
	metrics.LockRequests.WithLabelValues(op, mode.String(), result).Inc()
}
