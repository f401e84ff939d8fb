package changefeed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sorintlab/pgcoord/metrics"
	"github.com/sorintlab/pgcoord/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultIdleInterval = 1 * time.Second
	DefaultRetryInitial = 1 * time.Second
	DefaultRetryMax     = 30 * time.Second
	DefaultMaxChanges   = 1000
)

type StreamerState int32

const (
	StreamerIdle StreamerState = iota
	StreamerPolling
	StreamerFailed
)

func (s StreamerState) String() string {
	switch s {
	case StreamerIdle:
		return "idle"
	case StreamerPolling:
		return "polling"
	case StreamerFailed:
		return "failed"
	}
	return "unknown"
}

// EventCallback is called once per change event, in commit order.
type EventCallback func(ev *ChangeEvent) error

type StreamerConfig struct {
	Decoder Decoder
	// Filter drops the events of non matching tables. Optional.
	Filter *TableFilter
	// PollInterval is the pause between poll cycles returning records.
	PollInterval time.Duration
	// IdleInterval is the pause after a poll cycle without records.
	IdleInterval time.Duration
	// Failed poll cycles are retried with an exponential backoff from
	// RetryInitial up to RetryMax, without a time limit.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// MaxChanges bounds the records fetched by a poll cycle.
	MaxChanges int
	// Wake, when not nil, ends the idle pause early. It's usually fed by a
	// notification sent by the producer of the changes.
	Wake      <-chan struct{}
	ErrorSink func(err error)
}

// Streamer polls a replication slot and delivers its changes to a callback.
type Streamer struct {
	feed   Feed
	config StreamerConfig

	state int32

	mu   sync.Mutex
	done chan struct{}
	err  error
}

func NewStreamer(feed Feed, config StreamerConfig) (*Streamer, error) {
	if feed == nil {
		return nil, errors.New("nil feed")
	}
	if config.Decoder == nil {
		return nil, errors.New("nil decoder")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = DefaultIdleInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax < config.RetryInitial {
		config.RetryMax = DefaultRetryMax
		if config.RetryMax < config.RetryInitial {
			config.RetryMax = config.RetryInitial
		}
	}
	if config.MaxChanges <= 0 {
		config.MaxChanges = DefaultMaxChanges
	}
	if config.ErrorSink == nil {
		config.ErrorSink = func(err error) {
			log.Errorf("%+v", err)
		}
	}
	return &Streamer{feed: feed, config: config}, nil
}

func (s *Streamer) State() StreamerState {
	return StreamerState(atomic.LoadInt32(&s.state))
}

func (s *Streamer) setState(st StreamerState) {
	atomic.StoreInt32(&s.state, int32(st))
}

// Start runs the streamer in background. Use Wait to get its result.
func (s *Streamer) Start(ctx context.Context, slot string, cb EventCallback) error {
	if err := s.begin(slot, cb); err != nil {
		return err
	}
	s.mu.Lock()
	s.done = make(chan struct{})
	s.err = nil
	done := s.done
	s.mu.Unlock()

	go func() {
		err := s.loop(ctx, slot, cb)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(done)
	}()
	return nil
}

// Wait waits for a streamer started with Start to exit.
func (s *Streamer) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run polls the slot until ctx is canceled, returning nil and leaving the
// streamer Idle, or until the slot disappears, returning ErrSlotNotFound and
// leaving the streamer Failed.
func (s *Streamer) Run(ctx context.Context, slot string, cb EventCallback) error {
	if err := s.begin(slot, cb); err != nil {
		return err
	}
	return s.loop(ctx, slot, cb)
}

func (s *Streamer) begin(slot string, cb EventCallback) error {
	if slot == "" {
		return errors.New("empty slot name")
	}
	if cb == nil {
		return errors.New("nil callback")
	}
	if !atomic.CompareAndSwapInt32(&s.state, int32(StreamerIdle), int32(StreamerPolling)) &&
		!atomic.CompareAndSwapInt32(&s.state, int32(StreamerFailed), int32(StreamerPolling)) {
		return errors.New("streamer already running")
	}
	return nil
}

func (s *Streamer) loop(ctx context.Context, slot string, cb EventCallback) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryInitial
	b.MaxInterval = s.config.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()

	asm := NewAssembler(s.config.Decoder)

	log.Infof("streaming changes from slot %q", slot)
	for {
		if ctx.Err() != nil {
			s.setState(StreamerIdle)
			return nil
		}

		n, err := s.poll(ctx, slot, asm, cb)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StreamerIdle)
				return nil
			}
			s.config.ErrorSink(err)
			if errors.Is(err, ErrSlotNotFound) {
				s.setState(StreamerFailed)
				return err
			}
			metrics.PollErrors.Inc()
			if util.IsConnectionError(err) {
				metrics.ConnectionErrors.WithLabelValues("stream").Inc()
			}
			wait := b.NextBackOff()
			log.Warnf("poll of slot %q failed, retrying in %s", slot, wait)
			sleep(ctx, wait)
			continue
		}
		b.Reset()

		if n == 0 {
			s.idle(ctx)
		} else {
			sleep(ctx, s.config.PollInterval)
		}
	}
}

// poll runs a poll cycle returning the number of fetched records.
func (s *Streamer) poll(ctx context.Context, slot string, asm *Assembler, cb EventCallback) (int, error) {
	recs, err := s.feed.Peek(ctx, slot, s.config.MaxChanges)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	var advanceTo LSN
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		txn, err := asm.Add(rec)
		if err == ErrIncomplete {
			continue
		}
		if err == ErrReplayed {
			// a previous advance failed, move past it again
			if txn.CommitLSN > advanceTo {
				advanceTo = txn.CommitLSN
			}
			continue
		}
		if err != nil {
			s.reportParseError(err)
			continue
		}
		if !s.dispatch(ctx, txn, cb) {
			break
		}
		advanceTo = txn.CommitLSN
	}

	if advanceTo != 0 {
		// keep the progress made before a cancellation
		actx := context.WithoutCancel(ctx)
		if err := s.feed.Advance(actx, slot, advanceTo); err != nil {
			return len(recs), err
		}
	}
	return len(recs), nil
}

// dispatch delivers the events of a transaction. It returns false if ctx was
// canceled before all of them were delivered.
func (s *Streamer) dispatch(ctx context.Context, txn *Transaction, cb EventCallback) bool {
	for _, rec := range txn.Records {
		if ctx.Err() != nil {
			return false
		}
		ev, err := s.config.Decoder.Parse(rec)
		if err != nil {
			s.reportParseError(err)
			continue
		}
		if !s.config.Filter.Match(ev.Table) {
			continue
		}
		ev.Timestamp = txn.CommitTime
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		if ev.Metadata == nil {
			ev.Metadata = map[string]interface{}{}
		}
		ev.Metadata[MetadataLSN] = rec.LSN.String()
		ev.Metadata[MetadataXID] = rec.XID

		if err := util.RecoverCallback(func() error { return cb(ev) }); err != nil {
			metrics.CallbackErrors.WithLabelValues("stream").Inc()
			s.config.ErrorSink(err)
			continue
		}
		metrics.ChangeEventsDispatched.WithLabelValues(ev.Operation.String()).Inc()
	}
	return true
}

func (s *Streamer) reportParseError(err error) {
	metrics.ParseErrors.Inc()
	s.config.ErrorSink(err)
}

func (s *Streamer) idle(ctx context.Context) {
	t := time.NewTimer(s.config.IdleInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-s.config.Wake:
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
