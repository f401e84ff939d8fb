package changefeed

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sorintlab/pgcoord/util"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeFeed returns the configured errors, then the configured batches, then
// nothing.
type fakeFeed struct {
	mu       sync.Mutex
	errs     []error
	batches  [][]RawRecord
	advanced []LSN
}

func (f *fakeFeed) Peek(ctx context.Context, slot string, max int) ([]RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeFeed) Advance(ctx context.Context, slot string, lsn LSN) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced = append(f.advanced, lsn)
	return nil
}

func (f *fakeFeed) Advanced() []LSN {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LSN{}, f.advanced...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*ChangeEvent
	errs   []error
}

func (r *eventRecorder) callback(ev *ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) sink(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *eventRecorder) Events() []*ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ChangeEvent{}, r.events...)
}

func (r *eventRecorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error{}, r.errs...)
}

func newTestStreamer(t *testing.T, feed Feed, r *eventRecorder) *Streamer {
	s, err := NewStreamer(feed, StreamerConfig{
		Decoder:      &TestDecodingDecoder{},
		PollInterval: time.Millisecond,
		IdleInterval: 5 * time.Millisecond,
		RetryInitial: 5 * time.Millisecond,
		RetryMax:     20 * time.Millisecond,
		ErrorSink:    r.sink,
	})
	require.NoError(t, err)
	return s
}

// insertTxn returns a transaction with n inserts into public.orders starting
// at lsn.
func insertTxn(lsn uint64, xid uint32, n int) []RawRecord {
	recs := []RawRecord{rec(lsn, xid, fmt.Sprintf("BEGIN %d", xid))}
	for i := 0; i < n; i++ {
		recs = append(recs, rec(lsn+uint64(i)+1, xid, fmt.Sprintf("table public.orders: INSERT: id[integer]:%d", i)))
	}
	recs = append(recs, rec(lsn+uint64(n)+1, xid, fmt.Sprintf("COMMIT %d (at 2024-01-02 03:04:05+00)", xid)))
	return recs
}

func TestStreamerParseResilience(t *testing.T) {
	batch := insertTxn(0x100, 7, 10)
	// replace the sixth insert with a malformed record
	batch[6].Data = "table public.orders: INSERT: id[integer"

	feed := &fakeFeed{batches: [][]RawRecord{batch}}
	r := &eventRecorder{}
	s := newTestStreamer(t, feed, r)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "orders_slot", r.callback))

	require.Eventually(t, func() bool { return len(r.Events()) == 9 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(feed.Advanced()) == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, s.Wait())
	require.Equal(t, StreamerIdle, s.State())

	require.Len(t, r.Events(), 9)
	errs := r.Errors()
	require.Len(t, errs, 1)
	require.True(t, util.IsParseError(errs[0]))
	require.Equal(t, []LSN{batch[len(batch)-1].LSN}, feed.Advanced())

	ev := r.Events()[0]
	require.Equal(t, "public.orders", ev.Table)
	require.Equal(t, OperationInsert, ev.Operation)
	require.True(t, ev.Timestamp.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.Equal(t, uint32(7), ev.Metadata[MetadataXID])
	require.Equal(t, batch[1].LSN.String(), ev.Metadata[MetadataLSN])
}

func TestStreamerOrderingAndReplay(t *testing.T) {
	first := insertTxn(0x100, 1, 2)
	second := insertTxn(0x200, 2, 2)
	// the second poll replays the first transaction since the feed wasn't
	// advanced yet
	feed := &fakeFeed{batches: [][]RawRecord{first, append(append([]RawRecord{}, first...), second...)}}
	r := &eventRecorder{}
	s := newTestStreamer(t, feed, r)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "orders_slot", r.callback))
	require.Eventually(t, func() bool { return len(feed.Advanced()) == 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, s.Wait())

	events := r.Events()
	require.Len(t, events, 4)
	for i, ev := range events {
		require.Equal(t, int64(i%2), ev.NewValues["id"])
	}
	require.Equal(t, uint32(1), events[1].Metadata[MetadataXID])
	require.Equal(t, uint32(2), events[2].Metadata[MetadataXID])
	require.Empty(t, r.Errors())
}

func TestStreamerIncompleteTransactionNotDelivered(t *testing.T) {
	txn := insertTxn(0x100, 1, 3)
	// commit not yet available
	feed := &fakeFeed{batches: [][]RawRecord{txn[:3], txn}}
	r := &eventRecorder{}
	s := newTestStreamer(t, feed, r)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "orders_slot", r.callback))
	require.Eventually(t, func() bool { return len(r.Events()) == 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, s.Wait())

	require.Len(t, r.Events(), 3)
	require.Equal(t, []LSN{txn[len(txn)-1].LSN}, feed.Advanced())
}

func TestStreamerRetriesTransientErrors(t *testing.T) {
	feed := &fakeFeed{
		errs: []error{
			util.NewConnectionError(errors.New("connection reset by peer")),
			errors.New("some server error"),
		},
		batches: [][]RawRecord{insertTxn(0x100, 1, 1)},
	}
	r := &eventRecorder{}
	s := newTestStreamer(t, feed, r)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "orders_slot", r.callback))
	require.Eventually(t, func() bool { return len(r.Events()) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, StreamerPolling, s.State())
	cancel()
	require.NoError(t, s.Wait())

	errs := r.Errors()
	require.Len(t, errs, 2)
	require.True(t, util.IsConnectionError(errs[0]))
}

func TestStreamerSlotNotFound(t *testing.T) {
	feed := &fakeFeed{errs: []error{errors.Wrap(ErrSlotNotFound, `replication slot "orders_slot" does not exist`)}}
	r := &eventRecorder{}
	s := newTestStreamer(t, feed, r)

	err := s.Run(context.Background(), "orders_slot", r.callback)
	require.True(t, errors.Is(err, ErrSlotNotFound))
	require.Equal(t, StreamerFailed, s.State())
	require.Len(t, r.Errors(), 1)
}

func TestStreamerCallbackErrors(t *testing.T) {
	feed := &fakeFeed{batches: [][]RawRecord{insertTxn(0x100, 1, 3)}}
	r := &eventRecorder{}
	s := newTestStreamer(t, feed, r)

	calls := 0
	var mu sync.Mutex
	cb := func(ev *ChangeEvent) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			return errors.New("callback failed")
		case 2:
			panic("callback panicked")
		}
		return r.callback(ev)
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "orders_slot", cb))
	require.Eventually(t, func() bool { return len(r.Events()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, s.Wait())

	errs := r.Errors()
	require.Len(t, errs, 2)
	for _, err := range errs {
		require.True(t, util.IsCallbackError(err))
	}
}

func TestStreamerFilter(t *testing.T) {
	batch := []RawRecord{
		rec(0x10, 1, "BEGIN 1"),
		rec(0x11, 1, "table public.orders: INSERT: id[integer]:1"),
		rec(0x12, 1, "table public.customers: INSERT: id[integer]:1"),
		rec(0x13, 1, "COMMIT 1"),
	}
	feed := &fakeFeed{batches: [][]RawRecord{batch}}
	r := &eventRecorder{}

	filter, err := NewTableFilter([]string{"public.orders"})
	require.NoError(t, err)
	s, err := NewStreamer(feed, StreamerConfig{
		Decoder:      &TestDecodingDecoder{},
		Filter:       filter,
		PollInterval: time.Millisecond,
		IdleInterval: time.Millisecond,
		ErrorSink:    r.sink,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "orders_slot", r.callback))
	require.Eventually(t, func() bool { return len(feed.Advanced()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, s.Wait())

	events := r.Events()
	require.Len(t, events, 1)
	require.Equal(t, "public.orders", events[0].Table)
}

func TestStreamerCancellation(t *testing.T) {
	feed := &fakeFeed{}
	r := &eventRecorder{}
	s, err := NewStreamer(feed, StreamerConfig{
		Decoder:      &TestDecodingDecoder{},
		IdleInterval: time.Hour,
		ErrorSink:    r.sink,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "orders_slot", r.callback))
	require.Equal(t, StreamerPolling, s.State())
	require.Error(t, s.Start(ctx, "orders_slot", r.callback))

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	cancel()
	require.NoError(t, s.Wait())
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, StreamerIdle, s.State())
}

func TestStreamerWake(t *testing.T) {
	feed := &fakeFeed{}
	r := &eventRecorder{}
	wake := make(chan struct{}, 1)
	s, err := NewStreamer(feed, StreamerConfig{
		Decoder:      &TestDecodingDecoder{},
		IdleInterval: time.Hour,
		Wake:         wake,
		ErrorSink:    r.sink,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "orders_slot", r.callback))

	// give the streamer time to go idle on the empty feed
	time.Sleep(20 * time.Millisecond)
	feed.mu.Lock()
	feed.batches = append(feed.batches, insertTxn(0x100, 1, 1))
	feed.mu.Unlock()
	wake <- struct{}{}

	require.Eventually(t, func() bool { return len(r.Events()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, s.Wait())
}

func TestStreamerPreconditions(t *testing.T) {
	_, err := NewStreamer(nil, StreamerConfig{Decoder: &TestDecodingDecoder{}})
	require.Error(t, err)
	_, err = NewStreamer(&fakeFeed{}, StreamerConfig{})
	require.Error(t, err)

	s, err := NewStreamer(&fakeFeed{}, StreamerConfig{Decoder: &TestDecodingDecoder{}})
	require.NoError(t, err)
	require.Error(t, s.Run(context.Background(), "", func(*ChangeEvent) error { return nil }))
	require.Error(t, s.Run(context.Background(), "orders_slot", nil))
	require.Equal(t, StreamerIdle, s.State())
}

// windowFeed serves the records after the advanced position, at most max per
// peek, like a replication slot peeked without consuming.
type windowFeed struct {
	mu          sync.Mutex
	records     []RawRecord
	pos         LSN
	advanceErrs []error
}

func (f *windowFeed) Peek(ctx context.Context, slot string, max int) ([]RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var recs []RawRecord
	for _, r := range f.records {
		if r.LSN <= f.pos {
			continue
		}
		if len(recs) == max {
			break
		}
		recs = append(recs, r)
	}
	return recs, nil
}

func (f *windowFeed) Advance(ctx context.Context, slot string, lsn LSN) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.advanceErrs) > 0 {
		err := f.advanceErrs[0]
		f.advanceErrs = f.advanceErrs[1:]
		return err
	}
	f.pos = lsn
	return nil
}

func (f *windowFeed) add(recs []RawRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recs...)
}

func (f *windowFeed) Pos() LSN {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func TestStreamerAdvanceFailure(t *testing.T) {
	// a full window: begin, 3 inserts, commit
	first := insertTxn(0x100, 1, 3)
	feed := &windowFeed{records: first, advanceErrs: []error{util.NewConnectionError(errors.New("connection reset"))}}
	r := &eventRecorder{}
	s, err := NewStreamer(feed, StreamerConfig{
		Decoder:      &TestDecodingDecoder{},
		PollInterval: time.Millisecond,
		IdleInterval: 5 * time.Millisecond,
		RetryInitial: 5 * time.Millisecond,
		RetryMax:     20 * time.Millisecond,
		MaxChanges:   len(first),
		ErrorSink:    r.sink,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "orders_slot", r.callback))

	// the replayed transaction isn't delivered again but the slot is moved
	// past it
	require.Eventually(t, func() bool { return feed.Pos() == first[len(first)-1].LSN }, 5*time.Second, 5*time.Millisecond)
	feed.add(insertTxn(0x200, 2, 2))
	require.Eventually(t, func() bool { return len(r.Events()) == 5 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, s.Wait())

	events := r.Events()
	require.Len(t, events, 5)
	require.Equal(t, uint32(1), events[2].Metadata[MetadataXID])
	require.Equal(t, uint32(2), events[3].Metadata[MetadataXID])
	require.Len(t, r.Errors(), 1)
	require.True(t, util.IsConnectionError(r.Errors()[0]))
}

// bareDecoder returns events without metadata.
type bareDecoder struct {
	TestDecodingDecoder
}

func (d *bareDecoder) Parse(rec RawRecord) (*ChangeEvent, error) {
	return &ChangeEvent{Table: "public.t", Operation: OperationInsert, NewValues: map[string]interface{}{}}, nil
}

func TestStreamerEventWithoutMetadata(t *testing.T) {
	feed := &fakeFeed{batches: [][]RawRecord{insertTxn(0x100, 1, 1)}}
	r := &eventRecorder{}
	s, err := NewStreamer(feed, StreamerConfig{
		Decoder:      &bareDecoder{},
		PollInterval: time.Millisecond,
		IdleInterval: 5 * time.Millisecond,
		ErrorSink:    r.sink,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, "orders_slot", r.callback))
	require.Eventually(t, func() bool { return len(r.Events()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, s.Wait())

	ev := r.Events()[0]
	require.Equal(t, "0/101", ev.Metadata[MetadataLSN])
	require.Equal(t, uint32(1), ev.Metadata[MetadataXID])
}
