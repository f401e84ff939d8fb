package listennotify

import (
	"context"
	"sync"
	"time"

	"github.com/sorintlab/pgcoord/db"
	"github.com/sorintlab/pgcoord/util"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const (
	DefaultMinReconnectInterval = 10 * time.Second
	DefaultMaxReconnectInterval = time.Minute
)

type PGNotifier struct {
	db *db.DB
	tx *db.Tx
}

// NewPGNotifier returns a notifier sending notifications outside of any
// transaction, unless one is bound with BindTx.
func NewPGNotifier(d *db.DB) *PGNotifier {
	return &PGNotifier{db: d}
}

func (l *PGNotifier) BindTx(tx *db.Tx) {
	l.tx = tx
}

func (l *PGNotifier) Notify(ctx context.Context, channel string, payload string) error {
	if l.tx != nil {
		return l.tx.Do(func(tx *db.WrappedTx) error {
			_, err := tx.Exec("select pg_notify($1, $2)", channel, payload)
			return err
		})
	}
	if l.db == nil {
		return errors.New("nil db")
	}
	_, err := l.db.ExecContext(ctx, "select pg_notify($1, $2)", channel, payload)
	return err
}

type PGNotifierFactory struct {
	db *db.DB
}

func NewPGNotifierFactory(d *db.DB) *PGNotifierFactory {
	return &PGNotifierFactory{db: d}
}

func (lnf *PGNotifierFactory) NewNotifier() Notifier {
	return NewPGNotifier(lnf.db)
}

// PGListener is a Listener backed by a pq.Listener. pq reconnects a lost
// connection by itself, but a lost connection also loses the notifications
// sent while disconnected, so the first disconnection is reported on the
// ErrorChannel and the owner is expected to close the listener.
type PGListener struct {
	id       string
	listener *pq.Listener
	notify   chan *Notification
	errCh    chan error
	stop     chan struct{}

	connected chan struct{}

	m           sync.Mutex
	isConnected bool
	lastErr     error
	closeOnce   sync.Once
	closeErr    error
}

func NewPGListener(connString string, minReconn, maxReconn time.Duration) *PGListener {
	if minReconn <= 0 {
		minReconn = DefaultMinReconnectInterval
	}
	if maxReconn < minReconn {
		maxReconn = DefaultMaxReconnectInterval
	}
	l := &PGListener{
		id:        db.Identity(connString),
		notify:    make(chan *Notification),
		errCh:     make(chan error, 1),
		stop:      make(chan struct{}),
		connected: make(chan struct{}),
	}
	l.listener = pq.NewListener(connString, minReconn, maxReconn, l.handleEvent)

	go l.forward()

	return l
}

func (l *PGListener) handleEvent(ev pq.ListenerEventType, err error) {
	l.m.Lock()
	defer l.m.Unlock()

	switch ev {
	case pq.ListenerEventConnected:
		if !l.isConnected {
			l.isConnected = true
			close(l.connected)
		}
	case pq.ListenerEventConnectionAttemptFailed:
		l.lastErr = err
		log.Debugf("listener %s connection attempt failed: %v", l.id, err)
	case pq.ListenerEventDisconnected:
		if err == nil {
			err = errors.New("listener connection lost")
		}
		l.lastErr = err
		select {
		case l.errCh <- err:
		default:
		}
	case pq.ListenerEventReconnected:
		log.Debugf("listener %s reconnected", l.id)
	}
}

func (l *PGListener) forward() {
	for {
		select {
		case pn, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			// pq sends a nil notification after a reconnection
			if pn == nil {
				continue
			}
			n := &Notification{
				Channel: pn.Channel,
				Payload: pn.Extra,
			}
			select {
			case l.notify <- n:
			case <-l.stop:
				return
			}

		case <-l.stop:
			return
		}
	}
}

func (l *PGListener) ID() string {
	return l.id
}

// Connect waits for the first successful connection.
func (l *PGListener) Connect(ctx context.Context) error {
	select {
	case <-l.connected:
		return nil
	case <-l.stop:
		return util.NewConnectionError(errors.New("listener closed"))
	case <-ctx.Done():
		l.m.Lock()
		err := l.lastErr
		l.m.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return util.NewConnectionError(err)
	}
}

func (l *PGListener) NotificationChannel() <-chan *Notification {
	return l.notify
}

func (l *PGListener) ErrorChannel() <-chan error {
	return l.errCh
}

func (l *PGListener) Listen(channel string) error {
	return l.listener.Listen(channel)
}

func (l *PGListener) Unlisten(channel string) error {
	return l.listener.Unlisten(channel)
}

func (l *PGListener) Ping() error {
	return l.listener.Ping()
}

func (l *PGListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.stop)
		l.closeErr = l.listener.Close()
	})
	return l.closeErr
}

type PGListenerFactory struct {
	connString string
	minReconn  time.Duration
	maxReconn  time.Duration
}

func NewPGListenerFactory(connString string, minReconn, maxReconn time.Duration) *PGListenerFactory {
	return &PGListenerFactory{connString: connString, minReconn: minReconn, maxReconn: maxReconn}
}

func (lnf *PGListenerFactory) NewListener() Listener {
	return NewPGListener(lnf.connString, lnf.minReconn, lnf.maxReconn)
}
