// Package strata is a deduplicating, versioned backup engine. File content
// is cut into content addressed blocks which are packed into immutable
// remote volumes, and a local database keeps track of everything so later
// backups only upload new data.
//
// An Engine ties together the local database, the remote store, and the
// ambient clock, logger, and stats client, and exposes the operations:
// Backup, Repair, Compact, Delete, Purge, Lock, Test, and Restore. Each
// operation returns a report carrying the warnings and errors it ran into.
// A single bad volume never aborts an operation; the caller decides whether
// warnings mean failure.
package strata

import (
	"context"
	"os"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ndlib/strata/backup"
	"github.com/ndlib/strata/blobcache"
	"github.com/ndlib/strata/compact"
	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/repair"
	"github.com/ndlib/strata/restore"
	"github.com/ndlib/strata/retention"
	"github.com/ndlib/strata/store"
	"github.com/ndlib/strata/verify"
	"github.com/ndlib/strata/volume"
)

// Version of the engine, recorded in every volume manifest.
var Version = volume.AppVersion

// Options describe how to open an Engine. Only Target and Database are
// required.
type Options struct {
	// Target is the URL of the remote store, e.g. "file:///backups/home"
	// or "s3://bucket/prefix?region=us-east-2". A plain path is a local
	// directory.
	Target string

	// Database is the path to the local database file.
	Database string

	Volume     volume.Options
	Passphrase string // encrypts volumes with AES if not empty

	SoftDelete store.RemoveOptions

	// CacheDir keeps downloaded volumes between operations. No caching is
	// done if it or CacheSize is zero.
	CacheDir  string
	CacheSize int64

	Concurrency int

	// Registry resolves the Target. Defaults to store.DefaultRegistry().
	Registry *store.Registry

	Clock clock.Clock
	Log   log.FieldLogger
	Stats stats.Client
}

// Engine runs operations against one local database and remote target.
// Operations on one Engine must not run concurrently.
type Engine struct {
	env *job.Env
}

// Open opens the database and the remote target described by opts.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Registry == nil {
		opts.Registry = store.DefaultRegistry()
	}
	s, err := opts.Registry.Open(ctx, opts.Target)
	if err != nil {
		return nil, err
	}
	db, err := localdb.Open(opts.Database)
	if err != nil {
		return nil, errors.Wrap(err, opts.Database)
	}
	vo := opts.Volume
	if opts.Passphrase != "" {
		vo.Encryption = volume.NewAES(opts.Passphrase)
	}
	env := &job.Env{
		DB:          db,
		Store:       s,
		Volume:      vo,
		Clock:       opts.Clock,
		Log:         opts.Log,
		Stats:       opts.Stats,
		Remover:     store.NewRemover(s, opts.SoftDelete),
		Concurrency: opts.Concurrency,
	}
	if opts.CacheDir != "" && opts.CacheSize > 0 {
		if err := os.MkdirAll(opts.CacheDir, 0755); err != nil {
			db.Close()
			return nil, err
		}
		c := blobcache.New(store.NewFileSystem(opts.CacheDir), opts.CacheSize)
		if err := c.Scan(ctx); err != nil {
			db.Close()
			return nil, err
		}
		env.Cache = c
	}
	return New(env), nil
}

// New makes an Engine from an already assembled environment.
func New(env *job.Env) *Engine {
	return &Engine{env: env.WithDefaults()}
}

// Env returns the environment the engine runs its operations in.
func (e *Engine) Env() *job.Env { return e.env }

// Close closes the local database.
func (e *Engine) Close() error {
	return e.env.DB.Close()
}

// Backup makes a new fileset from the given source paths.
func (e *Engine) Backup(ctx context.Context, sources []string, opts backup.Options) (*backup.Report, error) {
	return backup.Run(ctx, e.env, sources, opts)
}

// Repair brings the local database in line with the remote store. With an
// empty database it is recreated from the store alone.
func (e *Engine) Repair(ctx context.Context, opts repair.Options) (*repair.Report, error) {
	return repair.Run(ctx, e.env, opts)
}

// Compact rewrites sparse and small block volumes into denser ones.
func (e *Engine) Compact(ctx context.Context, p compact.Params) (*compact.Report, error) {
	return compact.Run(ctx, e.env, p)
}

// DeleteOptions control a Delete.
type DeleteOptions struct {
	DryRun bool

	// Compact runs a compaction after the delete pass finishes.
	Compact bool
	Params  compact.Params
}

// DeleteReport describes a Delete and the compaction following it, if any.
type DeleteReport struct {
	*retention.Report
	Compact *compact.Report
}

// Delete removes the filesets the policy does not keep, and the remote
// volumes nothing else needs.
func (e *Engine) Delete(ctx context.Context, p retention.Policy, opts DeleteOptions) (*DeleteReport, error) {
	r, err := retention.Run(ctx, e.env, p, opts.DryRun)
	if err != nil {
		return nil, err
	}
	result := &DeleteReport{Report: r}
	if !opts.Compact || len(r.Removed) == 0 {
		return result, nil
	}
	params := opts.Params
	params.DryRun = opts.DryRun
	result.Compact, err = compact.Run(ctx, e.env, params)
	if err != nil {
		return result, errors.Wrap(err, "compact after delete")
	}
	return result, nil
}

// Purge removes paths from every fileset holding them.
func (e *Engine) Purge(ctx context.Context, paths []string, dryRun bool) (*retention.PurgeReport, error) {
	return retention.Purge(ctx, e.env, paths, dryRun)
}

// Test checks the remote volumes against the database.
func (e *Engine) Test(ctx context.Context, opts verify.Options) (*verify.Report, error) {
	return verify.Run(ctx, e.env, opts)
}

// Restore writes out the files of one fileset.
func (e *Engine) Restore(ctx context.Context, opts restore.Options) (*restore.Report, error) {
	return restore.Run(ctx, e.env, opts)
}

// Lock keeps the named volume from being deleted or rewritten until
// expires. A lock replaces any earlier one on the same volume, so a lock is
// renewed by locking again.
func (e *Engine) Lock(ctx context.Context, name string, expires time.Time) (*job.Report, error) {
	if _, err := volume.ParseName(name); err != nil {
		return nil, err
	}
	r := e.env.NewReport("Lock", false)
	err := e.env.DB.Update(ctx, func(tx *localdb.Tx) error {
		now := e.env.Now()
		if err := r.Begin(tx, now); err != nil {
			return err
		}
		if !expires.After(now) {
			r.Warnf("lock on %s expires at %s, which is not in the future", name, expires.UTC().Format(time.RFC3339))
		}
		if err := tx.AcquireLock(name, expires); err != nil {
			return err
		}
		r.Infof("locked %s until %s", name, expires.UTC().Format(time.RFC3339))
		return r.Save(tx)
	})
	if err != nil {
		return nil, err
	}
	e.env.Bump("locks.acquired", 1)
	return r, nil
}

// Unlock removes the lock on the named volume, if any.
func (e *Engine) Unlock(ctx context.Context, name string) error {
	return e.env.DB.Update(ctx, func(tx *localdb.Tx) error {
		return tx.ReleaseLock(name)
	})
}

// ListLocks returns every lock, expired or not.
func (e *Engine) ListLocks(ctx context.Context) ([]localdb.Lock, error) {
	var result []localdb.Lock
	err := e.env.DB.View(ctx, func(tx *localdb.Tx) error {
		var err error
		result, err = tx.Locks()
		return err
	})
	return result, err
}

// ReleaseExpired removes the locks which have expired and returns how many
// there were.
func (e *Engine) ReleaseExpired(ctx context.Context) (int64, error) {
	var n int64
	err := e.env.DB.Update(ctx, func(tx *localdb.Tx) error {
		var err error
		n, err = tx.PurgeExpiredLocks(e.env.Now())
		return err
	})
	if n > 0 {
		e.env.Log.Infoln("released", n, "expired locks")
	}
	return n, err
}

// Filesets returns the filesets, newest first.
func (e *Engine) Filesets(ctx context.Context) ([]localdb.Fileset, error) {
	var result []localdb.Fileset
	err := e.env.DB.View(ctx, func(tx *localdb.Tx) error {
		var err error
		result, err = tx.Filesets()
		return err
	})
	return result, err
}

// Volumes returns the volume registry.
func (e *Engine) Volumes(ctx context.Context) ([]localdb.RemoteVolume, error) {
	var result []localdb.RemoteVolume
	err := e.env.DB.View(ctx, func(tx *localdb.Tx) error {
		var err error
		result, err = tx.Volumes()
		return err
	})
	return result, err
}
