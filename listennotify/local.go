package listennotify

import (
	"context"
	"sync"

	"github.com/sorintlab/pgcoord/util"

	"github.com/pkg/errors"
)

// LocalListenNotify is an in process notification bus with the same delivery
// semantics as the postgres one. It's used when running a single instance and
// in tests.
type LocalListenNotify struct {
	name      string
	listeners map[string][]*LocalListener

	connectErr  error
	unavailable bool
	listenErrs  map[string]error

	rwMutex sync.RWMutex
}

func NewLocalListenNotify(name string) *LocalListenNotify {
	return &LocalListenNotify{
		name:       name,
		listeners:  make(map[string][]*LocalListener),
		listenErrs: make(map[string]error),
	}
}

// SetConnectError makes new connections fail with err (nil restores them).
func (ln *LocalListenNotify) SetConnectError(err error) {
	ln.rwMutex.Lock()
	defer ln.rwMutex.Unlock()
	ln.connectErr = err
}

// SetUnavailable makes new connections hang until their context expires.
func (ln *LocalListenNotify) SetUnavailable(unavailable bool) {
	ln.rwMutex.Lock()
	defer ln.rwMutex.Unlock()
	ln.unavailable = unavailable
}

// SetListenError makes LISTEN on channel fail with err (nil restores it).
func (ln *LocalListenNotify) SetListenError(channel string, err error) {
	ln.rwMutex.Lock()
	defer ln.rwMutex.Unlock()
	if err == nil {
		delete(ln.listenErrs, channel)
		return
	}
	ln.listenErrs[channel] = err
}

// Listeners returns the number of listeners on channel.
func (ln *LocalListenNotify) Listeners(channel string) int {
	ln.rwMutex.RLock()
	defer ln.rwMutex.RUnlock()
	return len(ln.listeners[channel])
}

// Disconnect simulates a connection loss on every open listener.
func (ln *LocalListenNotify) Disconnect(err error) {
	ln.rwMutex.Lock()
	all := map[*LocalListener]struct{}{}
	for channel, ls := range ln.listeners {
		for _, l := range ls {
			all[l] = struct{}{}
		}
		delete(ln.listeners, channel)
	}
	ln.rwMutex.Unlock()

	for l := range all {
		l.fail(err)
	}
}

func (ln *LocalListenNotify) connect(ctx context.Context) error {
	ln.rwMutex.RLock()
	err := ln.connectErr
	unavailable := ln.unavailable
	ln.rwMutex.RUnlock()

	if err != nil {
		return util.NewConnectionError(err)
	}
	if unavailable {
		<-ctx.Done()
		return util.NewConnectionError(ctx.Err())
	}
	return nil
}

func (ln *LocalListenNotify) start(channel string, l *LocalListener) error {
	ln.rwMutex.Lock()
	defer ln.rwMutex.Unlock()

	if err, ok := ln.listenErrs[channel]; ok {
		return err
	}
	for _, cl := range ln.listeners[channel] {
		if cl == l {
			return nil
		}
	}
	ln.listeners[channel] = append(ln.listeners[channel], l)
	return nil
}

func (ln *LocalListenNotify) stop(channel string, l *LocalListener) {
	ln.rwMutex.Lock()
	defer ln.rwMutex.Unlock()

	ln.removeLocked(channel, l)
}

func (ln *LocalListenNotify) stopAll(l *LocalListener) {
	ln.rwMutex.Lock()
	defer ln.rwMutex.Unlock()

	for channel := range ln.listeners {
		ln.removeLocked(channel, l)
	}
}

func (ln *LocalListenNotify) removeLocked(channel string, l *LocalListener) {
	ls, ok := ln.listeners[channel]
	if !ok {
		return
	}
	newArray := make([]*LocalListener, 0, len(ls))
	for _, cl := range ls {
		if cl != l {
			newArray = append(newArray, cl)
		}
	}
	if len(newArray) == 0 {
		delete(ln.listeners, channel)
		return
	}
	ln.listeners[channel] = newArray
}

func (ln *LocalListenNotify) notify(channel string, payload string) {
	ln.rwMutex.RLock()
	ls := append([]*LocalListener(nil), ln.listeners[channel]...)
	ln.rwMutex.RUnlock()

	for _, l := range ls {
		l.deliver(&Notification{
			Channel: channel,
			Payload: payload,
		})
	}
}

type LocalNotifier struct {
	ln *LocalListenNotify
}

func (l *LocalNotifier) Notify(ctx context.Context, channel string, payload string) error {
	l.ln.notify(channel, payload)
	return nil
}

type LocalNotifierFactory struct {
	ln *LocalListenNotify
}

func NewLocalNotifierFactory(ln *LocalListenNotify) *LocalNotifierFactory {
	return &LocalNotifierFactory{ln: ln}
}

func (lnf *LocalNotifierFactory) NewNotifier() Notifier {
	return &LocalNotifier{
		ln: lnf.ln,
	}
}

// LocalListener queues notifications without bounds, like a postgres
// connection does, so a slow consumer never makes notifiers block or lose
// notifications.
type LocalListener struct {
	ln     *LocalListenNotify
	notify chan *Notification
	errCh  chan error
	stop   chan struct{}

	m        sync.Mutex
	cond     *sync.Cond
	queue    []*Notification
	closed   bool
	failOnce sync.Once
}

func newLocalListener(ln *LocalListenNotify) *LocalListener {
	l := &LocalListener{
		ln:     ln,
		notify: make(chan *Notification),
		errCh:  make(chan error, 1),
		stop:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.m)
	go l.pump()
	return l
}

func (l *LocalListener) deliver(n *Notification) {
	l.m.Lock()
	defer l.m.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, n)
	l.cond.Signal()
}

func (l *LocalListener) pump() {
	for {
		l.m.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.m.Unlock()
			return
		}
		n := l.queue[0]
		l.queue = l.queue[1:]
		l.m.Unlock()

		select {
		case l.notify <- n:
		case <-l.stop:
			return
		}
	}
}

func (l *LocalListener) fail(err error) {
	if err == nil {
		err = errors.New("connection lost")
	}
	l.failOnce.Do(func() {
		l.errCh <- err
	})
}

func (l *LocalListener) ID() string {
	return "local-" + l.ln.name
}

func (l *LocalListener) Connect(ctx context.Context) error {
	return l.ln.connect(ctx)
}

func (l *LocalListener) NotificationChannel() <-chan *Notification {
	return l.notify
}

func (l *LocalListener) ErrorChannel() <-chan error {
	return l.errCh
}

func (l *LocalListener) Listen(channel string) error {
	l.m.Lock()
	closed := l.closed
	l.m.Unlock()
	if closed {
		return errors.New("listener closed")
	}
	return l.ln.start(channel, l)
}

func (l *LocalListener) Unlisten(channel string) error {
	l.ln.stop(channel, l)
	return nil
}

func (l *LocalListener) Ping() error {
	return nil
}

func (l *LocalListener) Close() error {
	l.ln.stopAll(l)

	l.m.Lock()
	defer l.m.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.queue = nil
	close(l.stop)
	l.cond.Broadcast()
	return nil
}

type LocalListenerFactory struct {
	ln *LocalListenNotify
}

func NewLocalListenerFactory(ln *LocalListenNotify) *LocalListenerFactory {
	return &LocalListenerFactory{ln: ln}
}

func (lnf *LocalListenerFactory) NewListener() Listener {
	return newLocalListener(lnf.ln)
}
