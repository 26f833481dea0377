// Package job holds what every engine needs to run: the local database, the
// remote store, volume options, and the ambient clock, logger, and stats
// client. It also has the helpers the engines share for talking to the
// store and for regenerating index and filelist volumes from the database.
package job

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ndlib/strata/blobcache"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/store"
	"github.com/ndlib/strata/util"
	"github.com/ndlib/strata/volume"
)

// ErrBackendUnreachable means the remote store could not be listed. It is
// always fatal.
var ErrBackendUnreachable = errors.New("backend unreachable")

// Env is the environment an engine runs in. Only DB and Store are required.
type Env struct {
	DB     *localdb.DB
	Store  store.Store
	Volume volume.Options

	Clock   clock.Clock
	Log     log.FieldLogger
	Stats   stats.Client
	Remover *store.Remover
	Cache   blobcache.Cache

	// Concurrency bounds the number of simultaneous uploads and
	// downloads. Defaults to 4.
	Concurrency int

	downloads util.Gate
}

// WithDefaults returns a copy of e with the optional fields filled in.
func (e Env) WithDefaults() *Env {
	e.Volume = e.Volume.WithDefaults()
	if e.Clock == nil {
		e.Clock = clock.New()
	}
	if e.Log == nil {
		e.Log = log.StandardLogger()
	}
	if e.Remover == nil {
		e.Remover = store.NewRemover(e.Store, store.RemoveOptions{})
	}
	if e.Cache == nil {
		e.Cache = blobcache.EmptyCache{}
	}
	if e.Concurrency <= 0 {
		e.Concurrency = 4
	}
	e.downloads = util.NewGate(e.Concurrency)
	return &e
}

// Now returns the current time, truncated to the second.
func (e *Env) Now() time.Time {
	return e.Clock.Now().UTC().Truncate(time.Second)
}

// Bump adds n to the named counter.
func (e *Env) Bump(key string, n float64) {
	if e.Stats != nil {
		e.Stats.BumpSum(key, n)
	}
}

// CheckOptions makes sure the block size and hash agree with the ones the
// database was first used with.
func (e *Env) CheckOptions(tx *localdb.Tx) error {
	if err := tx.CheckConfig("blocksize", strconv.Itoa(e.Volume.BlockSize)); err != nil {
		return err
	}
	return tx.CheckConfig("blockhash", util.HashName)
}

// Remote is one volume found in the remote listing.
type Remote struct {
	Name volume.Name
	Key  string
	Size int64
}

// List returns the volumes in the store belonging to this backup, sorted by
// key. Folders and objects whose names do not parse or carry another
// prefix are left out.
func (e *Env) List(ctx context.Context) ([]Remote, error) {
	entries, err := e.Store.List(ctx)
	if err != nil {
		return nil, errors.Wrapf(ErrBackendUnreachable, "list: %s", err)
	}
	var result []Remote
	for _, entry := range entries {
		if entry.IsFolder {
			continue
		}
		n, err := volume.ParseName(entry.Name)
		if err != nil || n.Prefix != e.Volume.Prefix {
			continue
		}
		result = append(result, Remote{Name: n, Key: entry.Name, Size: entry.Size})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Download fetches a volume and checks it against size and hash. A negative
// size or empty hash is not checked. Downloads go through the cache.
func (e *Env) Download(ctx context.Context, key string, size int64, hash string) ([]byte, error) {
	var data []byte
	rac, n, err := e.Cache.Get(ctx, key)
	if err == nil && rac != nil {
		data = make([]byte, n)
		_, err = rac.ReadAt(data, 0)
		rac.Close()
		if err != nil {
			data = nil
			e.Cache.Delete(ctx, key)
		}
	}
	if data == nil {
		data, err = e.get(ctx, key)
		if err != nil {
			return nil, err
		}
		e.Bump("download.bytes", float64(len(data)))
		e.cache(ctx, key, data)
	}
	if err := volume.Verify(data, hash, size); err != nil {
		e.Cache.Delete(ctx, key)
		return nil, errors.Wrap(err, key)
	}
	return data, nil
}

// get reads a volume from the store, waiting for a free download slot if
// the env was set up by WithDefaults.
func (e *Env) get(ctx context.Context, key string) ([]byte, error) {
	if e.downloads != nil {
		if err := e.downloads.Enter(ctx); err != nil {
			return nil, err
		}
		defer e.downloads.Leave()
	}
	return store.Get(ctx, e.Store, key)
}

func (e *Env) cache(ctx context.Context, key string, data []byte) {
	w, err := e.Cache.Put(ctx, key)
	if err != nil {
		return
	}
	if _, err := w.Write(data); err != nil {
		// the writer discards a partial item on close
		e.Log.WithField("volume", key).Debugln("not cached:", err)
	}
	w.Close()
}

// Upload stores a finished volume.
func (e *Env) Upload(ctx context.Context, f *volume.Finished) error {
	key := f.Name.String()
	if err := store.Put(ctx, e.Store, key, f.Data); err != nil {
		return err
	}
	e.Bump("upload.bytes", float64(f.Size))
	e.Log.WithField("volume", key).Debugln("uploaded", humanize.Bytes(uint64(f.Size)))
	return nil
}

// UploadAll stores the volumes using up to Concurrency workers. The first
// error cancels the rest.
func (e *Env) UploadAll(ctx context.Context, vols []*volume.Finished) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Concurrency)
	for _, f := range vols {
		f := f
		g.Go(func() error { return e.Upload(ctx, f) })
	}
	return g.Wait()
}

// Remove deletes a volume from the store, or moves it aside if soft delete
// is configured.
func (e *Env) Remove(ctx context.Context, key string) error {
	moved, err := e.Remover.Remove(ctx, key)
	if err != nil {
		return err
	}
	e.Cache.Delete(ctx, key)
	l := e.Log.WithField("volume", key)
	if moved != "" {
		l = l.WithField("moved", moved)
	}
	l.Debugln("removed")
	return nil
}
