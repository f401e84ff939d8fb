package changefeed

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sorintlab/pgcoord/db"
	"github.com/sorintlab/pgcoord/util"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// ErrSlotNotFound is returned when the replication slot doesn't exist. It
// cannot be recovered without recreating the slot.
var ErrSlotNotFound = errors.New("replication slot does not exist")

const pqUndefinedObject = "42704"

var slotNameRegexp = regexp.MustCompile(`^[a-z0-9_]{1,63}$`)

// ValidateSlotName checks that name is a valid replication slot name
func ValidateSlotName(name string) error {
	if !slotNameRegexp.MatchString(name) {
		return errors.Errorf("invalid slot name %q: only lower case letters, numbers and underscores are allowed", name)
	}
	return nil
}

// Feed is a replication slot that can be polled for changes.
type Feed interface {
	// Peek returns up to max pending records (all of them if max <= 0)
	// without consuming them.
	Peek(ctx context.Context, slot string, max int) ([]RawRecord, error)
	// Advance consumes the records up to lsn.
	Advance(ctx context.Context, slot string, lsn LSN) error
}

type PGFeedConfig struct {
	// Consume makes Peek consume the returned records
	// (pg_logical_slot_get_changes). Records not yet delivered when the
	// process dies are lost.
	Consume bool
	// ConnectTimeout bounds the establishment of the feed connection. Zero
	// means only the poll context bounds it.
	ConnectTimeout time.Duration
}

// PGFeed polls a logical replication slot with the SQL slot functions on a
// dedicated connection.
type PGFeed struct {
	db      *db.DB
	dec     Decoder
	consume bool
	timeout time.Duration

	mu   sync.Mutex
	conn *db.Conn
}

func NewPGFeed(d *db.DB, dec Decoder, config PGFeedConfig) *PGFeed {
	return &PGFeed{db: d, dec: dec, consume: config.Consume, timeout: config.ConnectTimeout}
}

func (f *PGFeed) getConn(ctx context.Context) (*db.Conn, error) {
	if f.conn != nil && f.conn.IsOpen() {
		return f.conn, nil
	}
	c, err := f.db.ConnTimeout(ctx, f.timeout)
	if err != nil {
		return nil, err
	}
	f.conn = c
	return c, nil
}

func (f *PGFeed) resetConn() {
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

func (f *PGFeed) changesQuery() string {
	fn := "pg_logical_slot_peek_changes"
	if f.consume {
		fn = "pg_logical_slot_get_changes"
	}
	params := []string{"$1", "NULL", "$2"}
	for i := range f.dec.Options() {
		params = append(params, fmt.Sprintf("$%d", i+3))
	}
	return fmt.Sprintf("select lsn::text, xid::text, data from %s(%s)", fn, strings.Join(params, ", "))
}

func (f *PGFeed) Peek(ctx context.Context, slot string, max int) ([]RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.getConn(ctx)
	if err != nil {
		return nil, err
	}

	var upto interface{}
	if max > 0 {
		upto = max
	}
	args := []interface{}{slot, upto}
	for _, o := range f.dec.Options() {
		args = append(args, o)
	}

	rows, err := c.QueryContext(ctx, f.changesQuery(), args...)
	if err != nil {
		return nil, f.classify(err)
	}
	defer rows.Close()

	recs := []RawRecord{}
	for rows.Next() {
		var lsn, xid, data string
		if err := rows.Scan(&lsn, &xid, &data); err != nil {
			return nil, f.classify(err)
		}
		rec := RawRecord{Data: data}
		if rec.LSN, err = ParseLSN(lsn); err != nil {
			return nil, err
		}
		x, err := strconv.ParseUint(xid, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid xid %q", xid)
		}
		rec.XID = uint32(x)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, f.classify(err)
	}
	return recs, nil
}

func (f *PGFeed) Advance(ctx context.Context, slot string, lsn LSN) error {
	if f.consume {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.getConn(ctx)
	if err != nil {
		return err
	}
	if _, err := c.ExecContext(ctx, "select pg_replication_slot_advance($1, $2::pg_lsn)", slot, lsn.String()); err != nil {
		return f.classify(err)
	}
	return nil
}

// classify maps a missing slot to ErrSlotNotFound. Other server errors leave
// the session usable, everything else drops it.
func (f *PGFeed) classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == pqUndefinedObject {
			return errors.Wrap(ErrSlotNotFound, pqErr.Message)
		}
		return errors.WithStack(err)
	}
	f.resetConn()
	return util.NewConnectionError(err)
}

func (f *PGFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetConn()
	return nil
}

// CreateSlot creates a logical replication slot using the decoder plugin and
// returns its consistent point.
func (f *PGFeed) CreateSlot(ctx context.Context, slot string) (LSN, error) {
	if err := ValidateSlotName(slot); err != nil {
		return 0, err
	}
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	q, args, err := sb.Select().Column(sq.Expr("(pg_create_logical_replication_slot(?, ?)).lsn::text", slot, f.dec.Plugin())).ToSql()
	if err != nil {
		return 0, err
	}
	var lsn string
	if err := f.db.QueryRowContext(ctx, q, args...).Scan(&lsn); err != nil {
		return 0, errors.Wrapf(err, "failed to create slot %q", slot)
	}
	log.Infof("created replication slot %q with plugin %s at %s", slot, f.dec.Plugin(), lsn)
	return ParseLSN(lsn)
}

func (f *PGFeed) DropSlot(ctx context.Context, slot string) error {
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	q, args, err := sb.Select().Column(sq.Expr("pg_drop_replication_slot(?)", slot)).ToSql()
	if err != nil {
		return err
	}
	if _, err := f.db.ExecContext(ctx, q, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUndefinedObject {
			return ErrSlotNotFound
		}
		return errors.Wrapf(err, "failed to drop slot %q", slot)
	}
	log.Infof("dropped replication slot %q", slot)
	return nil
}

func (f *PGFeed) SlotExists(ctx context.Context, slot string) (bool, error) {
	sb := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	q, args, err := sb.Select("count(*)").From("pg_replication_slots").Where(sq.Eq{"slot_name": slot}).ToSql()
	if err != nil {
		return false, err
	}
	var n int
	if err := f.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, errors.WithStack(err)
	}
	return n > 0, nil
}
