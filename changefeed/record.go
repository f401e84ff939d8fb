package changefeed

import (
	"time"

	"github.com/sorintlab/pgcoord/util"

	"github.com/pkg/errors"
)

// ErrIncomplete is returned by the Assembler when a record belongs to a
// transaction whose commit hasn't been received yet.
var ErrIncomplete = errors.New("incomplete transaction, need more data")

// ErrReplayed is returned by the Assembler, together with the transaction,
// when a transaction committed at or before the last returned one is received
// again. Its commit LSN is still a valid position to advance the feed to.
var ErrReplayed = errors.New("transaction already dispatched")

// RawRecord is a row returned by the change feed.
type RawRecord struct {
	LSN  LSN
	XID  uint32
	Data string
}

type RecordKind int

const (
	KindOther RecordKind = iota
	KindBegin
	KindCommit
	KindChange
)

// Decoder understands the records produced by a logical decoding output
// plugin.
type Decoder interface {
	// Plugin is the output plugin name.
	Plugin() string
	// Options are the plugin options to pass to the feed.
	Options() []string
	// Kind classifies a record without fully parsing it.
	Kind(rec RawRecord) RecordKind
	// CommitTime returns the commit timestamp of a commit record, when the
	// plugin includes it.
	CommitTime(rec RawRecord) (time.Time, bool)
	// Parse decodes a change record.
	Parse(rec RawRecord) (*ChangeEvent, error)
}

func NewDecoder(plugin string) (Decoder, error) {
	switch plugin {
	case "", PluginTestDecoding:
		return &TestDecodingDecoder{}, nil
	case PluginWal2JSON:
		return &Wal2JSONDecoder{}, nil
	}
	return nil, errors.Errorf("unsupported output plugin %q", plugin)
}

// Transaction is a group of change records committed together.
type Transaction struct {
	XID        uint32
	CommitLSN  LSN
	CommitTime time.Time
	Records    []RawRecord
}

// Assembler buffers the records of a transaction until its commit record is
// received.
type Assembler struct {
	dec        Decoder
	cur        *Transaction
	lastCommit LSN
}

func NewAssembler(dec Decoder) *Assembler {
	return &Assembler{dec: dec}
}

// Add adds a record returning the transaction it completes, or ErrIncomplete.
// Transactions committed at or before the last returned one are returned with
// ErrReplayed since the feed is replaying them.
func (a *Assembler) Add(rec RawRecord) (*Transaction, error) {
	switch a.dec.Kind(rec) {
	case KindBegin:
		if a.cur != nil && a.cur.XID != rec.XID {
			log.Warnf("transaction %d not committed before the begin of transaction %d, dropping it", a.cur.XID, rec.XID)
		}
		// a begin of the buffered transaction means the feed restarted from it
		a.cur = &Transaction{XID: rec.XID}
		return nil, ErrIncomplete

	case KindCommit:
		if a.cur == nil {
			return nil, util.NewParseError(rec.LSN.String(), rec.Data, errors.New("commit without begin"))
		}
		txn := a.cur
		a.cur = nil
		txn.CommitLSN = rec.LSN
		if ts, ok := a.dec.CommitTime(rec); ok {
			txn.CommitTime = ts
		}
		if a.lastCommit != 0 && txn.CommitLSN <= a.lastCommit {
			log.Debugf("skipping already dispatched transaction %d at %s", txn.XID, txn.CommitLSN)
			return txn, ErrReplayed
		}
		a.lastCommit = txn.CommitLSN
		return txn, nil

	case KindChange:
		if a.cur == nil {
			// plugins configured without transaction boundaries
			txn := &Transaction{XID: rec.XID, CommitLSN: rec.LSN, Records: []RawRecord{rec}}
			if a.lastCommit != 0 && rec.LSN <= a.lastCommit {
				return txn, ErrReplayed
			}
			a.lastCommit = rec.LSN
			return txn, nil
		}
		a.cur.Records = append(a.cur.Records, rec)
		return nil, ErrIncomplete
	}

	return nil, ErrIncomplete
}

// Pending returns the number of buffered records.
func (a *Assembler) Pending() int {
	if a.cur == nil {
		return 0
	}
	return len(a.cur.Records)
}
