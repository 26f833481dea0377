// Package backup takes a new fileset of a set of source trees.
//
// Files are cut into fixed size blocks. Blocks the database already knows
// are not stored again; new ones are packed into dblock volumes, each with
// a dindex, and the fileset itself is described by a dlist. The whole run
// is one database transaction committed only after every volume has been
// uploaded.
package backup

import (
	"context"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/ndlib/strata/blockset"
	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/source"
	"github.com/ndlib/strata/volume"
)

// Options for a backup run.
type Options struct {
	// StopOnError aborts the run at the first unreadable path instead of
	// recording a warning and marking the fileset partial.
	StopOnError bool
}

// Report describes a backup run.
type Report struct {
	*job.Report
	FilesetID    int64
	Timestamp    time.Time
	IsFullBackup bool
	Files        int
	Folders      int
	Symlinks     int
	NewBlocks    int
	NewBytes     int64
	Volumes      int // number of volumes uploaded
}

// Run backs up the given sources.
func Run(ctx context.Context, env *job.Env, sources []string, opts Options) (*Report, error) {
	r := &Report{Report: env.NewReport("Backup", false), IsFullBackup: true}
	err := env.DB.Update(ctx, func(tx *localdb.Tx) error {
		now := env.Now()
		if err := r.Begin(tx, now); err != nil {
			return err
		}
		if err := env.CheckOptions(tx); err != nil {
			return err
		}
		last, err := tx.LastFilesetTime()
		if err != nil {
			return err
		}
		if !now.After(last) {
			now = last.Add(time.Second)
		}
		r.Timestamp = now
		b := &run{
			env:    env,
			tx:     tx,
			r:      r,
			packer: env.NewPacker(ctx, tx, r.OperationID, now, true),
			seen:   make(map[string]bool),
		}
		if err := b.walk(ctx, sources, opts); err != nil {
			b.packer.Abort()
			return err
		}
		return b.finish(ctx)
	})
	if err != nil {
		return nil, err
	}
	env.Bump("backup.bytes", float64(r.NewBytes))
	env.Log.WithField("fileset", r.Timestamp).Infoln("backup done:", r.Files, "files,",
		humanize.Bytes(uint64(r.NewBytes)), "new")
	return r, nil
}

type entry struct {
	fileID  int64
	modtime time.Time
}

// run is the state of one backup.
type run struct {
	env     *job.Env
	tx      *localdb.Tx
	r       *Report
	packer  *job.Packer
	entries []entry
	seen    map[string]bool
}

func (b *run) walk(ctx context.Context, sources []string, opts Options) error {
	skip := func(path string, err error) error {
		if opts.StopOnError {
			return err
		}
		b.r.Warnf("skipping %s: %s", path, err)
		b.r.IsFullBackup = false
		return nil
	}
	return source.Walk(sources, func(item source.Item) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.seen[item.Path] {
			return nil
		}
		b.seen[item.Path] = true
		err := b.add(item)
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return skip(item.OSPath, err)
		}
		return err
	}, skip)
}

// add records one path.
func (b *run) add(item source.Item) error {
	meta, err := b.storeBytes(item.Meta)
	if err != nil {
		return err
	}
	metaID, err := b.tx.FindOrInsertMetadataset(meta)
	if err != nil {
		return err
	}
	var setID int64
	switch item.Type {
	case volume.Folder:
		setID = localdb.FolderBlocksetID
		b.r.Folders++
	case volume.Symlink:
		setID = localdb.SymlinkBlocksetID
		b.r.Symlinks++
	default:
		f, err := os.Open(item.OSPath)
		if err != nil {
			return err
		}
		setID, err = b.store(func(fn func(blockset.Block) error) (*blockset.Blockset, error) {
			return blockset.Split(f, b.env.Volume.BlockSize, fn)
		})
		f.Close()
		if err != nil {
			return errors.Wrap(err, item.OSPath)
		}
		b.r.Files++
	}
	fileID, err := b.tx.FindOrInsertFile(item.Path, setID, metaID)
	if err != nil {
		return err
	}
	b.entries = append(b.entries, entry{fileID: fileID, modtime: item.ModTime})
	return nil
}

func (b *run) storeBytes(p []byte) (int64, error) {
	return b.store(func(fn func(blockset.Block) error) (*blockset.Blockset, error) {
		return blockset.FromBytes(p, b.env.Volume.BlockSize, fn)
	})
}

// store splits content with split, saves the blocks not yet known, and
// returns the id of the blockset.
func (b *run) store(split func(func(blockset.Block) error) (*blockset.Blockset, error)) (int64, error) {
	var ids []int64
	bs, err := split(func(blk blockset.Block) error {
		id, err := b.block(blk.Hash, blk.Data)
		ids = append(ids, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	var lists []string
	for _, bl := range bs.Blocklists {
		if _, err := b.block(bl.Hash, bl.Data); err != nil {
			return 0, err
		}
		lists = append(lists, bl.Hash)
	}
	id, ok, err := b.tx.FindBlockset(bs.Length, bs.FullHash)
	if err != nil || ok {
		return id, err
	}
	return b.tx.InsertBlockset(bs.Length, bs.FullHash, ids, lists)
}

// block returns the id of the block with the given content, storing it if
// it is new or if its only copy was lost.
func (b *run) block(hash string, data []byte) (int64, error) {
	size := int64(len(data))
	row, ok, err := b.tx.FindBlock(hash, size)
	if err != nil {
		return 0, err
	}
	if ok && row.VolumeID != localdb.MissingVolumeID {
		return row.ID, nil
	}
	vol, err := b.packer.Add(hash, data)
	if err != nil {
		return 0, err
	}
	b.r.NewBlocks++
	b.r.NewBytes += size
	if ok {
		b.r.Infof("block %s restored from source", hash)
		return row.ID, b.tx.SetBlockVolume(row.ID, vol)
	}
	return b.tx.InsertBlock(hash, size, vol)
}

// finish writes the fileset and its dlist and uploads everything.
func (b *run) finish(ctx context.Context) error {
	dblocks, err := b.packer.Finish()
	if err != nil {
		return err
	}
	b.r.Volumes = 2 * len(dblocks)
	id, err := b.tx.InsertFileset(b.r.OperationID, 0, b.r.IsFullBackup, b.r.Timestamp)
	if err != nil {
		return err
	}
	b.r.FilesetID = id
	for _, e := range b.entries {
		if err := b.tx.AddFilesetEntry(id, e.fileID, e.modtime); err != nil {
			return err
		}
	}
	fs, err := b.tx.FilesetByID(id)
	if err != nil {
		return err
	}
	f, err := job.BuildFilelist(b.tx, b.env.Volume, fs)
	if err != nil {
		return err
	}
	vol, err := b.tx.RegisterVolume(b.r.OperationID, f.Name.String(), volume.Files, localdb.Uploading, f.Size, f.Hash)
	if err != nil {
		return err
	}
	if err := b.tx.SetFilesetVolume(id, vol); err != nil {
		return err
	}
	if err := b.env.Upload(ctx, f); err != nil {
		return err
	}
	b.r.Volumes++
	if err := b.tx.SetVolumeState(vol, localdb.Uploaded); err != nil {
		return err
	}
	return b.r.Save(b.tx)
}
