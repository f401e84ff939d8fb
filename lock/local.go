package lock

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

type lockState struct {
	exclusiveOwner string
	exclusiveCount int
	shared         map[string]int
	// closed and replaced on every release to wake up waiters
	changed chan struct{}
}

func (s *lockState) idle() bool {
	return s.exclusiveCount == 0 && len(s.shared) == 0
}

// LocalLocks is an in process advisory lock table with the same semantics as
// the postgres one. Every LocalSession is the equivalent of a database
// session.
type LocalLocks struct {
	locks map[int64]*lockState
	m     sync.Mutex
}

func NewLocalLocks() *LocalLocks {
	return &LocalLocks{locks: make(map[int64]*lockState)}
}

func (ll *LocalLocks) state(key int64) *lockState {
	s, ok := ll.locks[key]
	if !ok {
		s = &lockState{shared: make(map[string]int), changed: make(chan struct{})}
		ll.locks[key] = s
	}
	return s
}

// tryLock returns the channel to wait on if the lock isn't available.
func (ll *LocalLocks) tryLock(session string, key int64, mode Mode) (bool, <-chan struct{}) {
	ll.m.Lock()
	defer ll.m.Unlock()

	s := ll.state(key)
	switch mode {
	case Exclusive:
		if s.exclusiveOwner != "" && s.exclusiveOwner != session {
			return false, s.changed
		}
		for holder := range s.shared {
			if holder != session {
				return false, s.changed
			}
		}
		s.exclusiveOwner = session
		s.exclusiveCount++
	case Shared:
		if s.exclusiveOwner != "" && s.exclusiveOwner != session {
			return false, s.changed
		}
		s.shared[session]++
	}
	return true, nil
}

func (ll *LocalLocks) unlock(session string, key int64, mode Mode) bool {
	ll.m.Lock()
	defer ll.m.Unlock()

	s, ok := ll.locks[key]
	if !ok {
		return false
	}
	switch mode {
	case Exclusive:
		if s.exclusiveOwner != session {
			return false
		}
		s.exclusiveCount--
		if s.exclusiveCount == 0 {
			s.exclusiveOwner = ""
		}
	case Shared:
		n, ok := s.shared[session]
		if !ok {
			return false
		}
		if n == 1 {
			delete(s.shared, session)
		} else {
			s.shared[session] = n - 1
		}
	}
	ll.wakeLocked(key, s)
	return true
}

func (ll *LocalLocks) unlockAll(session string) {
	ll.m.Lock()
	defer ll.m.Unlock()

	for key, s := range ll.locks {
		changed := false
		if s.exclusiveOwner == session {
			s.exclusiveOwner = ""
			s.exclusiveCount = 0
			changed = true
		}
		if _, ok := s.shared[session]; ok {
			delete(s.shared, session)
			changed = true
		}
		if changed {
			ll.wakeLocked(key, s)
		}
	}
}

func (ll *LocalLocks) wakeLocked(key int64, s *lockState) {
	close(s.changed)
	s.changed = make(chan struct{})
	if s.idle() {
		delete(ll.locks, key)
	}
}

// NewSession returns a Coordinator bound to a new session.
func (ll *LocalLocks) NewSession() *LocalSession {
	return &LocalSession{ll: ll, id: uuid.NewV4().String()}
}

type LocalSession struct {
	ll *LocalLocks
	id string
}

func (s *LocalSession) Acquire(ctx context.Context, key int64, mode Mode) (ok bool, err error) {
	defer func() { observe("acquire", mode, ok, err) }()

	for {
		ok, changed := s.ll.tryLock(s.id, key, mode)
		if ok {
			return true, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return false, nil
			}
			return false, ctx.Err()
		}
	}
}

func (s *LocalSession) TryAcquire(ctx context.Context, key int64, mode Mode) (ok bool, err error) {
	defer func() { observe("try", mode, ok, err) }()

	ok, _ = s.ll.tryLock(s.id, key, mode)
	return ok, nil
}

func (s *LocalSession) Release(ctx context.Context, key int64, mode Mode) (ok bool, err error) {
	defer func() { observe("release", mode, ok, err) }()

	return s.ll.unlock(s.id, key, mode), nil
}

// Close ends the session releasing all its locks.
func (s *LocalSession) Close() error {
	s.ll.unlockAll(s.id)
	return nil
}

type LocalLockFactory struct {
	ll        *LocalLocks
	lockspace string
}

func NewLocalLockFactory(lockspace string, ll *LocalLocks) *LocalLockFactory {
	return &LocalLockFactory{ll: ll, lockspace: lockspace}
}

func (l *LocalLockFactory) NewLock(key string) Lock {
	return &LocalLock{ll: l.ll, name: l.lockspace + "/" + key, key: Key(l.lockspace, key)}
}

type LocalLock struct {
	ll   *LocalLocks
	name string
	key  int64
	s    *LocalSession
}

func (l *LocalLock) Lock(ctx context.Context) error {
	if l.s != nil {
		return errors.Errorf("lock %s already held", l.name)
	}
	s := l.ll.NewSession()
	ok, err := s.Acquire(ctx, l.key, Exclusive)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("timeout acquiring lock %s", l.name)
	}
	l.s = s
	return nil
}

func (l *LocalLock) TryLock(ctx context.Context) (bool, error) {
	if l.s != nil {
		return false, errors.Errorf("lock %s already held", l.name)
	}
	s := l.ll.NewSession()
	ok, err := s.TryAcquire(ctx, l.key, Exclusive)
	if err != nil || !ok {
		return false, err
	}
	l.s = s
	return true, nil
}

func (l *LocalLock) Unlock(ctx context.Context) error {
	if l.s == nil {
		return errors.Errorf("lock %s not held", l.name)
	}
	err := l.s.Close()
	l.s = nil
	return err
}
