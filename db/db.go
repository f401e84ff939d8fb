package db

import (
	"context"
	"database/sql"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	slog "github.com/sorintlab/pgcoord/log"
	"github.com/sorintlab/pgcoord/util"

	"github.com/pkg/errors"

	_ "github.com/lib/pq"
)

var log = slog.S()

const driverName = "postgres"

// DB wraps a sql.DB and keeps the connection string used to open it, since
// listening connections are opened outside of the pool
type DB struct {
	db         *sql.DB
	connString string
}

func NewDB(connString string) (*DB, error) {
	sqldb, err := sql.Open(driverName, connString)
	if err != nil {
		return nil, err
	}
	return &DB{db: sqldb, connString: connString}, nil
}

// NewDBFromSQL wraps an already opened sql.DB.
func NewDBFromSQL(sqldb *sql.DB, connString string) *DB {
	return &DB{db: sqldb, connString: connString}
}

func (db *DB) ConnString() string {
	return db.connString
}

// Identity returns a stable identifier of the database endpoint that doesn't
// expose the connection string (and its credentials).
func (db *DB) Identity() string {
	return Identity(db.connString)
}

func Identity(connString string) string {
	h := fnv.New64a()
	h.Write([]byte(connString))
	return strconv.FormatUint(h.Sum64(), 16)
}

func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	log.Debugf("query: %s, args: %v", query, args)
	return db.db.ExecContext(ctx, query, args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	log.Debugf("query: %s, args: %v", query, args)
	return db.db.QueryContext(ctx, query, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	log.Debugf("query: %s, args: %v", query, args)
	return db.db.QueryRowContext(ctx, query, args...)
}

// Conn is a single session on the database. Session scoped state like
// advisory locks and lock_timeout lives as long as the Conn is open.
type Conn struct {
	c      *sql.Conn
	closed int32
}

// Conn returns a dedicated session. If the connection cannot be established
// before ctx expires a ConnectionError is returned.
func (db *DB) Conn(ctx context.Context) (*Conn, error) {
	c, err := db.db.Conn(ctx)
	if err != nil {
		return nil, util.NewConnectionError(err)
	}
	if err := c.PingContext(ctx); err != nil {
		c.Close()
		return nil, util.NewConnectionError(err)
	}
	return &Conn{c: c}, nil
}

// ConnTimeout is like Conn but bounds the connection establishment.
func (db *DB) ConnTimeout(ctx context.Context, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		return db.Conn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return db.Conn(cctx)
}

func (c *Conn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	log.Debugf("query: %s, args: %v", query, args)
	return c.c.ExecContext(ctx, query, args...)
}

func (c *Conn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	log.Debugf("query: %s, args: %v", query, args)
	return c.c.QueryContext(ctx, query, args...)
}

func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	log.Debugf("query: %s, args: %v", query, args)
	return c.c.QueryRowContext(ctx, query, args...)
}

func (c *Conn) IsOpen() bool {
	return atomic.LoadInt32(&c.closed) == 0
}

func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.c.Close()
}

// Tx is wraps a wrappedTx to offer locking around exections of statements
// (since the underlying sql driver doesn't support concurrent statements on the
// same connection)
type Tx struct {
	wrappedTx *WrappedTx
	l         sync.Mutex
}

type WrappedTx struct {
	tx *sql.Tx
}

func (db *DB) NewTx() (*Tx, error) {
	tx, err := db.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return &Tx{
		wrappedTx: &WrappedTx{tx: tx},
	}, nil
}

func (tx *Tx) Commit() error {
	return tx.wrappedTx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.wrappedTx.tx.Rollback()
}

func (tx *WrappedTx) Exec(query string, args ...interface{}) (sql.Result, error) {
	log.Debugf("query: %s, args: %v", query, args)
	return tx.tx.Exec(query, args...)
}

func (tx *WrappedTx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	log.Debugf("query: %s, args: %v", query, args)
	return tx.tx.Query(query, args...)
}

func (tx *WrappedTx) QueryRow(query string, args ...interface{}) *sql.Row {
	log.Debugf("query: %s, args: %v", query, args)
	return tx.tx.QueryRow(query, args...)
}

// Do runs f in a new transaction, committed if f doesn't return an error.
func (db *DB) Do(f func(tx *WrappedTx) error) error {
	tx, err := db.NewTx()
	if err != nil {
		return err
	}
	if err := tx.Do(f); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (tx *Tx) Do(f func(tx *WrappedTx) error) error {
	tx.l.Lock()
	defer tx.l.Unlock()
	return f(tx.wrappedTx)
}
