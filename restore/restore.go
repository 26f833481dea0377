// Package restore writes the files of a fileset back to disk.
package restore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/pkg/errors"

	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/source"
	"github.com/ndlib/strata/util"
	"github.com/ndlib/strata/volume"
)

// Options for a restore.
type Options struct {
	// Version picks the fileset, 0 being the newest. Time, if set, picks
	// the fileset taken at that time instead.
	Version int
	Time    time.Time

	// Target is the folder to restore into. Paths keep their full
	// structure below it. Empty means restore in place.
	Target string

	// Paths limits the restore to these recorded paths.
	Paths []string
}

// Report describes a restore.
type Report struct {
	*job.Report
	Fileset  localdb.Fileset
	Files    int
	Folders  int
	Symlinks int
	Bytes    int64
}

// ErrNoFileset is returned when the requested version does not exist.
var ErrNoFileset = errors.New("no such fileset")

// Run restores files from the store.
func Run(ctx context.Context, env *job.Env, opts Options) (*Report, error) {
	r := &Report{Report: env.NewReport("Restore", false)}
	err := env.DB.View(ctx, func(tx *localdb.Tx) error {
		fs, err := pick(tx, opts)
		if err != nil {
			return err
		}
		r.Fileset = fs
		var files []localdb.FileRow
		if len(opts.Paths) > 0 {
			files, err = tx.FilesetFilesMatching(fs.ID, opts.Paths)
		} else {
			files, err = tx.FilesetFiles(fs.ID)
		}
		if err != nil {
			return err
		}
		rs := &restorer{env: env, tx: tx, r: r, target: opts.Target, volumes: make(map[int64]*volume.BlockReader)}
		return rs.run(ctx, files)
	})
	if err != nil {
		return nil, err
	}
	env.Bump("restore.bytes", float64(r.Bytes))
	return r, nil
}

func pick(tx *localdb.Tx, opts Options) (localdb.Fileset, error) {
	if !opts.Time.IsZero() {
		fs, err := tx.FilesetAt(opts.Time)
		if errors.Is(err, localdb.ErrNotFound) {
			err = errors.Wrapf(ErrNoFileset, "at %s", opts.Time)
		}
		return fs, err
	}
	filesets, err := tx.Filesets()
	if err != nil {
		return localdb.Fileset{}, err
	}
	if opts.Version < 0 || opts.Version >= len(filesets) {
		return localdb.Fileset{}, errors.Wrapf(ErrNoFileset, "version %d", opts.Version)
	}
	return filesets[opts.Version], nil
}

type restorer struct {
	env     *job.Env
	tx      *localdb.Tx
	r       *Report
	target  string
	volumes map[int64]*volume.BlockReader
}

type folder struct {
	path  string
	mode  os.FileMode
	mtime time.Time
}

func (rs *restorer) run(ctx context.Context, files []localdb.FileRow) error {
	// folder times are set last, since writing into a folder changes them
	var folders []folder
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest := rs.destination(f.Path)
		meta, err := rs.metadata(ctx, f)
		if err != nil {
			rs.r.Warnf("%s: cannot read metadata: %s", f.Path, err)
		}
		switch f.BlocksetID {
		case localdb.FolderBlocksetID:
			if err := os.MkdirAll(dest, 0755); err != nil {
				rs.r.Errorf("%s: %s", dest, err)
				continue
			}
			folders = append(folders, folder{dest, os.FileMode(meta.Mode).Perm(), time.Unix(meta.ModTime, 0)})
			rs.r.Folders++
		case localdb.SymlinkBlocksetID:
			if meta.Target == "" {
				rs.r.Errorf("%s: symlink target unknown", f.Path)
				continue
			}
			os.Remove(dest)
			if err := os.Symlink(meta.Target, dest); err != nil {
				rs.r.Errorf("%s: %s", dest, err)
				continue
			}
			rs.r.Symlinks++
		default:
			if err := rs.file(ctx, f, dest, meta); err != nil {
				rs.r.Errorf("%s: %s", f.Path, err)
				continue
			}
			rs.r.Files++
		}
	}
	for i := len(folders) - 1; i >= 0; i-- {
		d := folders[i]
		if d.mode != 0 {
			os.Chmod(d.path, d.mode)
		}
		os.Chtimes(d.path, d.mtime, d.mtime)
	}
	return nil
}

// destination maps a recorded path to where it is written.
func (rs *restorer) destination(p string) string {
	if rs.target == "" {
		return source.OSPath(p)
	}
	p = strings.TrimSuffix(p, "/")
	if i := strings.Index(p, ":"); i >= 0 {
		p = p[i+1:]
	}
	return filepath.Join(rs.target, filepath.FromSlash(p))
}

func (rs *restorer) metadata(ctx context.Context, f localdb.FileRow) (source.Metadata, error) {
	if f.MetaBlocksetID == 0 {
		return source.Metadata{ModTime: f.Lastmodified.Unix()}, nil
	}
	data, err := rs.content(ctx, f.MetaBlocksetID)
	if err != nil {
		return source.Metadata{ModTime: f.Lastmodified.Unix()}, err
	}
	return source.DecodeMetadata(data)
}

// content reads a small blockset, such as metadata, into memory.
func (rs *restorer) content(ctx context.Context, blocksetID int64) ([]byte, error) {
	var result []byte
	err := rs.blocks(ctx, blocksetID, func(b []byte) error {
		result = append(result, b...)
		return nil
	})
	return result, err
}

// blocks calls fn with each block of a blockset in order, checking the
// full hash at the end.
func (rs *restorer) blocks(ctx context.Context, blocksetID int64, fn func([]byte) error) error {
	info, err := rs.tx.BlocksetInfo(blocksetID)
	if err != nil {
		return err
	}
	entries, err := rs.tx.BlocksetEntries(blocksetID)
	if err != nil {
		return err
	}
	full := util.NewHashWriterPlain()
	for _, e := range entries {
		data, err := rs.block(ctx, e)
		if err != nil {
			return err
		}
		full.Write(data)
		if err := fn(data); err != nil {
			return err
		}
	}
	if full.Sum() != info.FullHash {
		return errors.Wrap(volume.ErrHashMismatch, "restored content")
	}
	return nil
}

func (rs *restorer) block(ctx context.Context, e localdb.EntryRow) ([]byte, error) {
	if e.VolumeID == localdb.MissingVolumeID {
		return nil, errors.Errorf("block %s is missing", e.Hash)
	}
	br, ok := rs.volumes[e.VolumeID]
	if !ok {
		v, err := rs.tx.VolumeByID(e.VolumeID)
		if err != nil {
			return nil, err
		}
		data, err := rs.env.Download(ctx, v.Name, v.Size, v.Hash)
		if err != nil {
			return nil, err
		}
		br, err = volume.OpenBlocks(v.Name, data, rs.env.Volume.Encryption)
		if err != nil {
			return nil, err
		}
		rs.volumes[e.VolumeID] = br
	}
	data, err := br.Get(e.Hash)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != e.Size || util.HashBytes(data) != e.Hash {
		return nil, errors.Wrapf(volume.ErrHashMismatch, "block %s", e.Hash)
	}
	return data, nil
}

// file writes one file atomically and sets its attributes.
func (rs *restorer) file(ctx context.Context, f localdb.FileRow, dest string, meta source.Metadata) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	err = rs.blocks(ctx, f.BlocksetID, func(b []byte) error {
		_, err := t.Write(b)
		return err
	})
	if err != nil {
		return err
	}
	if meta.Mode != 0 {
		if err := t.Chmod(os.FileMode(meta.Mode).Perm()); err != nil {
			return err
		}
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}
	rs.r.Bytes += f.Length
	mtime := time.Unix(meta.ModTime, 0)
	return os.Chtimes(dest, mtime, mtime)
}
