// Package localdb is the local consistency database: a relational mirror of
// what should exist in the remote store. It records the remote volumes and
// their states, every block and which volume holds it, the blocksets built
// from those blocks, the paths and filesets referring to them, volume locks,
// and an audit trail of operations.
//
// All access goes through transactions. The engines open one with Update
// (commit on success) or Run (commit or roll back as asked) and make every
// change inside it, so a failure leaves the database as it was.
package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// DB is an open local database.
type DB struct {
	db   *sql.DB
	Path string
}

var (
	// ErrNotFound is returned when a looked up row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition is returned for a volume state change that would
	// move a volume backwards.
	ErrIllegalTransition = errors.New("illegal volume state transition")

	// ErrConfigMismatch is returned when a persisted option differs from
	// the one in use.
	ErrConfigMismatch = errors.New("option differs from the one the database was created with")
)

// Special blockset ids used in FileLookup rows without content.
const (
	FolderBlocksetID  = -100
	SymlinkBlocksetID = -200
)

// MissingVolumeID is the volume id of a block whose only copy was lost.
// Such a block needs to be rebuilt.
const MissingVolumeID = -1

// Open opens, creating and migrating as necessary, the database at path.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", path)
	db, err := migration.OpenWith(
		"sqlite3",
		dsn,
		sqliteMigrations,
		sqliteVersioning.Get,
		sqliteVersioning.Set)
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", path)
	}
	// temporary tables live in one connection, so only ever use one.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "open database %s", path)
	}
	return &DB{db: db, Path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Update runs fn inside a transaction which is committed if fn returns nil.
func (d *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	return d.Run(ctx, true, fn)
}

// View runs fn inside a transaction which is always rolled back.
func (d *DB) View(ctx context.Context, fn func(*Tx) error) error {
	return d.Run(ctx, false, fn)
}

// Run runs fn inside a transaction. If fn returns nil and commit is true the
// transaction is committed; in every other case it is rolled back. A dry run
// is Run with commit false.
func (d *DB) Run(ctx context.Context, commit bool, fn func(*Tx) error) (err error) {
	sqltx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	tx := &Tx{tx: sqltx, ctx: ctx}
	done := false
	defer func() {
		if !done {
			sqltx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	done = true
	if !commit {
		return sqltx.Rollback()
	}
	return errors.Wrap(sqltx.Commit(), "commit")
}

// Tx is one transaction.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
	tmp int // counter for temporary table names
}

// Context returns the context the transaction was started with.
func (t *Tx) Context() context.Context { return t.ctx }

func (t *Tx) exec(query string, args ...interface{}) (sql.Result, error) {
	r, err := t.tx.ExecContext(t.ctx, query, args...)
	return r, errors.Wrap(err, firstLine(query))
}

func (t *Tx) query(query string, args ...interface{}) (*sql.Rows, error) {
	r, err := t.tx.QueryContext(t.ctx, query, args...)
	return r, errors.Wrap(err, firstLine(query))
}

func (t *Tx) queryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// insert runs an INSERT and returns the new row id.
func (t *Tx) insert(query string, args ...interface{}) (int64, error) {
	r, err := t.exec(query, args...)
	if err != nil {
		return 0, err
	}
	return r.LastInsertId()
}

// affected runs a statement and returns the number of rows it changed.
func (t *Tx) affected(query string, args ...interface{}) (int64, error) {
	r, err := t.exec(query, args...)
	if err != nil {
		return 0, err
	}
	return r.RowsAffected()
}

func (t *Tx) int64s(query string, args ...interface{}) ([]int64, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (t *Tx) strings(query string, args ...interface{}) ([]string, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (t *Tx) count(query string, args ...interface{}) (int64, error) {
	var n int64
	err := t.queryRow(query, args...).Scan(&n)
	return n, errors.Wrap(err, firstLine(query))
}

// IsConstraint reports whether err is a uniqueness or primary key violation.
func IsConstraint(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
