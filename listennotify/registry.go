package listennotify

import (
	"context"
	"sync"
	"time"

	"github.com/sorintlab/pgcoord/metrics"
	"github.com/sorintlab/pgcoord/util"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyListening = errors.New("a subscription on the same connection and channels is already active")

var ErrRegistryClosed = errors.New("registry closed")

type RegistryConfig struct {
	// ErrorSink receives callback and connection errors raised by the receive
	// loops. Defaults to logging them.
	ErrorSink ErrorSink
	// PingInterval, if set, pings every listening connection at this interval
	// to detect dead connections sooner.
	PingInterval time.Duration
}

// Registry owns the active subscriptions. A process usually creates one and
// calls CloseAll at teardown.
type Registry struct {
	factory ListenerFactory
	config  RegistryConfig
	subs    *xsync.MapOf[string, *Subscription]

	// mu orders the activation of new subscriptions with CloseAll
	mu     sync.Mutex
	closed bool
}

func NewRegistry(factory ListenerFactory, config RegistryConfig) *Registry {
	if config.ErrorSink == nil {
		config.ErrorSink = defaultErrorSink
	}
	return &Registry{
		factory: factory,
		config:  config,
		subs:    xsync.NewMapOf[string, *Subscription](),
	}
}

// Start opens a new listening connection, subscribes it to channels and
// starts dispatching notifications to callback. It returns as soon as the
// subscriptions are active.
//
// If the connection isn't established within connectTimeout a
// ConnectionError is returned. If a LISTEN fails the channels already
// subscribed are unlistened, the connection is closed and a
// SubscriptionError is returned. After CloseAll ErrRegistryClosed is
// returned.
func (r *Registry) Start(ctx context.Context, channels []string, callback Callback, connectTimeout time.Duration) (*Subscription, error) {
	channels = normalizeChannels(channels)
	if len(channels) == 0 {
		return nil, errors.New("no channels provided")
	}
	if callback == nil {
		return nil, errors.New("nil callback")
	}

	if r.isClosed() {
		return nil, ErrRegistryClosed
	}

	l := r.factory.NewListener()
	sctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:           subscriptionID(l.ID(), channels),
		channels:     channels,
		listener:     l,
		callback:     callback,
		errSink:      r.config.ErrorSink,
		pingInterval: r.config.PingInterval,
		state:        int32(StateStarting),
		ctx:          sctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	// reserve the id so concurrent starts of the same subscription can't both succeed
	if _, loaded := r.subs.LoadOrStore(s.id, s); loaded {
		cancel()
		l.Close()
		return nil, ErrAlreadyListening
	}

	abort := func() {
		cancel()
		l.Close()
		r.subs.Delete(s.id)
	}

	cctx := ctx
	if connectTimeout > 0 {
		var ccancel context.CancelFunc
		cctx, ccancel = context.WithTimeout(ctx, connectTimeout)
		defer ccancel()
	}
	if err := l.Connect(cctx); err != nil {
		abort()
		metrics.ConnectionErrors.WithLabelValues("listener").Inc()
		if !util.IsConnectionError(err) {
			err = util.NewConnectionError(err)
		}
		return nil, err
	}

	for i, channel := range channels {
		if err := l.Listen(channel); err != nil {
			for _, c := range channels[:i] {
				if uerr := l.Unlisten(c); uerr != nil {
					log.Warnf("failed to unlisten channel %q: %v", c, uerr)
				}
			}
			abort()
			return nil, util.NewSubscriptionError(channel, err)
		}
	}

	s.onExit = func(s *Subscription) {
		r.subs.Compute(s.id, func(cur *Subscription, loaded bool) (*Subscription, bool) {
			// delete only if the entry is still ours
			return cur, !loaded || cur == s
		})
		metrics.ActiveSubscriptions.Dec()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		for _, c := range channels {
			if uerr := l.Unlisten(c); uerr != nil {
				log.Warnf("failed to unlisten channel %q: %v", c, uerr)
			}
		}
		abort()
		return nil, ErrRegistryClosed
	}
	s.setState(StateListening)
	r.mu.Unlock()
	metrics.ActiveSubscriptions.Inc()
	log.Infof("subscription %s listening on channels %v", s.id, channels)

	go s.run()

	return s, nil
}

// Stop stops the subscription waiting at most timeout for its receive loop
// to exit. See Subscription.stop for the forced path.
func (r *Registry) Stop(s *Subscription, timeout time.Duration) error {
	return s.stop(timeout)
}

// Get returns the active subscription with the given id.
func (r *Registry) Get(id string) (*Subscription, bool) {
	return r.subs.Load(id)
}

func (r *Registry) Len() int {
	return r.subs.Size()
}

// Subscriptions returns a snapshot of the registered subscriptions.
func (r *Registry) Subscriptions() []*Subscription {
	subs := make([]*Subscription, 0, r.subs.Size())
	r.subs.Range(func(_ string, s *Subscription) bool {
		subs = append(subs, s)
		return true
	})
	return subs
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// CloseAll stops all the subscriptions concurrently, so a slow one doesn't
// delay the others. It returns the first stop error. Subscriptions still
// starting fail with ErrRegistryClosed and new ones are refused.
func (r *Registry) CloseAll(timeout time.Duration) error {
	r.mu.Lock()
	r.closed = true
	subs := r.Subscriptions()
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range subs {
		s := s
		if s.State() == StateStarting {
			// Start will see the registry closed
			continue
		}
		g.Go(func() error {
			if err := s.stop(timeout); err != nil {
				return errors.Wrapf(err, "subscription %s", s.id)
			}
			return nil
		})
	}
	return g.Wait()
}
