package listennotify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sorintlab/pgcoord/metrics"
	"github.com/sorintlab/pgcoord/util"

	"github.com/pkg/errors"
)

// ErrStopTimeout is returned by Stop when the receive loop didn't exit in
// time and the connection was forcibly closed.
var ErrStopTimeout = errors.New("timeout waiting for listener loop to exit, connection forcibly closed")

type State int32

const (
	StateStarting State = iota
	StateListening
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Callback is called once per notification. The next notification isn't
// read until it returns.
type Callback func(channel, payload string) error

// ErrorSink receives errors from background loops.
type ErrorSink func(err error)

func defaultErrorSink(err error) {
	log.Errorf("%+v", err)
}

// Subscription is a set of channels listened on a dedicated connection.
type Subscription struct {
	id       string
	channels []string
	listener Listener
	callback Callback
	errSink  ErrorSink

	pingInterval time.Duration

	state  int32
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error

	onExit func(s *Subscription)
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Channels() []string {
	return append([]string(nil), s.channels...)
}

func (s *Subscription) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// Done is closed when the receive loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that terminated the receive loop, if any.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscription) setState(st State) {
	atomic.StoreInt32(&s.state, int32(st))
}

func (s *Subscription) run() {
	defer s.exit()

	nCh := s.listener.NotificationChannel()
	eCh := s.listener.ErrorChannel()

	var pingCh <-chan time.Time
	if s.pingInterval > 0 {
		t := time.NewTicker(s.pingInterval)
		defer t.Stop()
		pingCh = t.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case err := <-eCh:
			if s.ctx.Err() != nil {
				return
			}
			cerr := util.NewConnectionError(err)
			s.errMu.Lock()
			s.err = cerr
			s.errMu.Unlock()
			metrics.ConnectionErrors.WithLabelValues("listener").Inc()
			s.errSink(errors.Wrapf(cerr, "subscription %s", s.id))
			return

		case n := <-nCh:
			if n == nil {
				continue
			}
			// a stop requested while waiting must win over a ready notification
			if s.ctx.Err() != nil {
				return
			}
			s.dispatch(n)

		case <-pingCh:
			go func() {
				if err := s.listener.Ping(); err != nil {
					log.Warnf("subscription %s ping failed: %v", s.id, err)
				}
			}()
		}
	}
}

func (s *Subscription) dispatch(n *Notification) {
	err := util.RecoverCallback(func() error {
		return s.callback(n.Channel, n.Payload)
	})
	metrics.NotificationsDelivered.WithLabelValues(n.Channel).Inc()
	if err != nil {
		metrics.CallbackErrors.WithLabelValues("listener").Inc()
		s.errSink(errors.Wrapf(err, "subscription %s channel %q", s.id, n.Channel))
	}
}

func (s *Subscription) exit() {
	if err := s.listener.Close(); err != nil {
		log.Debugf("subscription %s close error: %v", s.id, err)
	}
	s.setState(StateStopped)
	if s.onExit != nil {
		s.onExit(s)
	}
	close(s.done)
}

// stop cancels the receive loop and waits up to timeout for it to exit. On
// timeout the connection is closed to unblock it and ErrStopTimeout is
// returned; the loop exits as soon as a running callback returns.
func (s *Subscription) stop(timeout time.Duration) error {
	atomic.CompareAndSwapInt32(&s.state, int32(StateListening), int32(StateStopping))
	s.cancel()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-s.done:
		return nil
	case <-t.C:
	}

	log.Warnf("subscription %s didn't stop in %s, closing its connection", s.id, timeout)
	if err := s.listener.Close(); err != nil {
		log.Debugf("subscription %s close error: %v", s.id, err)
	}
	return ErrStopTimeout
}
