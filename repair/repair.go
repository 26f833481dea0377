// Package repair brings the local database in line with what the remote
// store actually holds.
//
// With an empty database the database is recreated from the remote
// volumes alone: every dindex is read first, dblocks are only downloaded
// when no index describes them or a blocklist cannot be found elsewhere,
// and every dlist becomes a fileset. Otherwise the existing database is
// checked against the listing: unfinished uploads and deletes are settled,
// unknown volumes are imported, lost dblocks are rebuilt or their blocks
// flagged, duplicate indexes are retired, missing indexes and filelists are
// regenerated, and duplicate fileset entries are collapsed.
//
// The remote listing is sorted before use, so the result does not depend
// on the order the store lists things in.
package repair

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/volume"
)

// Options for a repair run.
type Options struct {
	// DryRun reports what would be done without changing the database or
	// the store.
	DryRun bool

	// RebuildMissingDblocks recreates lost blocks from the source files
	// and the database instead of only flagging them.
	RebuildMissingDblocks bool
}

// Report describes a repair run.
type Report struct {
	*job.Report
	Recreated         bool
	VolumesImported   int
	VolumesRetired    int
	IndexesRebuilt    int
	FilelistsRebuilt  int
	BlocksRebuilt     int
	BlocksMissing     int
	EntriesCollapsed  int
	DuplicatesCleared int64
}

// Run repairs the database against the store.
func Run(ctx context.Context, env *job.Env, opts Options) (*Report, error) {
	r := &Report{Report: env.NewReport("Repair", opts.DryRun)}
	remotes, err := env.List(ctx)
	if err != nil {
		return nil, err
	}
	err = env.DB.Run(ctx, !opts.DryRun, func(tx *localdb.Tx) error {
		rp := &repairer{
			env:     env,
			tx:      tx,
			r:       r,
			opts:    opts,
			listing: make(map[string]job.Remote),
			lists:   make(map[string][]byte),
		}
		for _, rem := range remotes {
			rp.listing[rem.Key] = rem
		}
		if err := r.Begin(tx, env.Now()); err != nil {
			return err
		}
		if err := env.CheckOptions(tx); err != nil {
			return err
		}
		known, err := tx.Volumes()
		if err != nil {
			return err
		}
		r.Recreated = len(known) == 0
		if err := rp.run(ctx, remotes, known); err != nil {
			return err
		}
		return r.Save(tx)
	})
	if err != nil {
		return nil, err
	}
	env.Bump("repair.warnings", float64(len(r.Warnings)))
	return r, nil
}

type repairer struct {
	env     *job.Env
	tx      *localdb.Tx
	r       *Report
	opts    Options
	listing map[string]job.Remote
	lists   map[string][]byte // blocklists read from indexes
}

func (rp *repairer) run(ctx context.Context, remotes []job.Remote, known []localdb.RemoteVolume) error {
	steps := []func(context.Context) error{
		func(ctx context.Context) error { return rp.reconcile(ctx, known) },
		func(ctx context.Context) error { return rp.importUnknown(ctx, remotes) },
		rp.missingVolumes,
		rp.missingBlocks,
		rp.duplicateIndexes,
		rp.regenerateIndexes,
		rp.duplicateEntries,
		rp.regenerateFilelists,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx); err != nil {
			return err
		}
	}
	n, err := rp.tx.ClearStaleDuplicates()
	rp.r.DuplicatesCleared = n
	return err
}

// reconcile settles volumes whose state says an upload or delete did not
// finish.
func (rp *repairer) reconcile(ctx context.Context, known []localdb.RemoteVolume) error {
	for _, v := range known {
		rem, present := rp.listing[v.Name]
		var err error
		switch v.State {
		case localdb.Temporary, localdb.Uploading:
			if !present {
				rp.r.Warnf("volume %s was never uploaded", v.Name)
				err = rp.drop(v)
				break
			}
			if v.Size >= 0 && rem.Size != v.Size {
				rp.r.Warnf("volume %s has size %d, expected %d", v.Name, rem.Size, v.Size)
				err = rp.tx.SetVolumeState(v.ID, localdb.Error)
				break
			}
			if v.Size < 0 {
				err = rp.tx.SetVolumeInfo(v.ID, rem.Size, v.Hash)
			}
			if err == nil {
				rp.r.Infof("volume %s finished uploading", v.Name)
				err = rp.tx.SetVolumeState(v.ID, localdb.Uploaded)
			}
		case localdb.Uploaded, localdb.Verified:
			if present && rem.Size != v.Size {
				rp.r.Warnf("volume %s has size %d, expected %d", v.Name, rem.Size, v.Size)
				err = rp.tx.SetVolumeState(v.ID, localdb.Error)
			}
		case localdb.Deleting:
			if present {
				err = rp.remove(ctx, v.Name)
			}
			if err == nil {
				err = rp.tx.SetVolumeState(v.ID, localdb.Deleted)
			}
		case localdb.Deleted:
			if present {
				rp.r.Warnf("deleted volume %s is still in the store", v.Name)
				err = rp.remove(ctx, v.Name)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// drop forgets a volume that never made it to the store.
func (rp *repairer) drop(v localdb.RemoteVolume) error {
	if v.Type == volume.Blocks {
		if err := rp.lose(v); err != nil {
			return err
		}
	}
	if err := rp.tx.UnlinkVolume(v.ID); err != nil {
		return err
	}
	return rp.tx.SetVolumeState(v.ID, localdb.Deleted)
}

// lose handles the blocks of a dblock which is gone: those with a copy in
// another volume move there, the rest are flagged missing.
func (rp *repairer) lose(v localdb.RemoteVolume) error {
	moved, err := rp.tx.RepointToDuplicates(v.ID)
	if err != nil {
		return err
	}
	if moved > 0 {
		rp.r.Infof("%d blocks of %s found in other volumes", moved, v.Name)
	}
	if _, err := rp.tx.MarkVolumeBlocksMissing(v.ID); err != nil {
		return err
	}
	return rp.tx.DeleteDuplicatesInVolume(v.ID)
}

// remove deletes a volume from the store unless this is a dry run.
func (rp *repairer) remove(ctx context.Context, key string) error {
	if rp.opts.DryRun {
		return nil
	}
	if err := rp.env.Remove(ctx, key); err != nil {
		rp.r.Warnf("could not remove %s: %s", key, err)
	}
	return nil
}

// retire removes a volume which should not exist and marks it Deleted.
func (rp *repairer) retire(ctx context.Context, v localdb.RemoteVolume) error {
	if err := rp.tx.SetVolumeState(v.ID, localdb.Deleting); err != nil {
		return err
	}
	if err := rp.tx.UnlinkVolume(v.ID); err != nil {
		return err
	}
	if _, present := rp.listing[v.Name]; present {
		if err := rp.remove(ctx, v.Name); err != nil {
			return err
		}
	}
	rp.r.VolumesRetired++
	return rp.tx.SetVolumeState(v.ID, localdb.Deleted)
}

// upload sends a regenerated volume unless this is a dry run.
func (rp *repairer) upload(ctx context.Context, f *volume.Finished) error {
	if rp.opts.DryRun {
		return nil
	}
	return errors.Wrap(rp.env.Upload(ctx, f), "upload")
}

// missingVolumes handles live volumes the store no longer has, and volumes
// found to be damaged.
func (rp *repairer) missingVolumes(ctx context.Context) error {
	vols, err := rp.tx.VolumesInState(localdb.Uploaded, localdb.Verified, localdb.Error)
	if err != nil {
		return err
	}
	for _, v := range vols {
		_, present := rp.listing[v.Name]
		if present && v.State != localdb.Error {
			continue
		}
		// an earlier iteration may have retired it
		v, err = rp.tx.VolumeByID(v.ID)
		if err != nil {
			return err
		}
		if v.State == localdb.Deleted {
			continue
		}
		if !present {
			rp.r.Warnf("%s volume %s is missing", v.Type, v.Name)
		}
		switch v.Type {
		case volume.Blocks:
			if err := rp.lose(v); err != nil {
				return err
			}
			indexes, err := rp.tx.IndexesOf(v.ID)
			if err != nil {
				return err
			}
			for _, idx := range indexes {
				if idx.State.Live() {
					rp.r.Warnf("index %s describes missing volume %s", idx.Name, v.Name)
					if err := rp.retire(ctx, idx); err != nil {
						return err
					}
				}
			}
			if err := rp.retire(ctx, v); err != nil {
				return err
			}
		default:
			// dlists are regenerated and indexes rebuilt later
			if err := rp.retire(ctx, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// missingBlocks rebuilds lost blocks if asked, forgets those no fileset
// needs, and reports the rest.
func (rp *repairer) missingBlocks(ctx context.Context) error {
	if rp.opts.RebuildMissingDblocks {
		if err := rp.rebuild(ctx); err != nil {
			return err
		}
	}
	if err := rp.tx.DeleteOrphans(); err != nil {
		return err
	}
	if _, err := rp.tx.DeleteUnusedBlocks(localdb.MissingVolumeID); err != nil {
		return err
	}
	missing, err := rp.tx.LiveMissingBlocks()
	if err != nil {
		return err
	}
	rp.r.BlocksMissing = len(missing)
	if len(missing) > 0 {
		rp.r.Warnf("%d blocks are missing and need to be rebuilt", len(missing))
	}
	return nil
}

// duplicateIndexes keeps one index per dblock, the one whose name sorts
// first, and retires the rest. Indexes describing no live dblock are
// retired too.
func (rp *repairer) duplicateIndexes(ctx context.Context) error {
	dblocks, err := rp.tx.VolumesOf(volume.Blocks, localdb.Uploaded, localdb.Verified)
	if err != nil {
		return err
	}
	canonical := make(map[int64]bool)
	for _, d := range dblocks {
		indexes, err := rp.tx.IndexesOf(d.ID)
		if err != nil {
			return err
		}
		// IndexesOf is sorted by name
		for _, idx := range indexes {
			if idx.State.Live() {
				canonical[idx.ID] = true
				break
			}
		}
	}
	indexes, err := rp.tx.VolumesOf(volume.Index, localdb.Uploaded, localdb.Verified)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if canonical[idx.ID] {
			continue
		}
		rp.r.Warnf("removing orphaned index %s", idx.Name)
		if err := rp.retire(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

// regenerateIndexes writes an index for each live dblock without one.
func (rp *repairer) regenerateIndexes(ctx context.Context) error {
	dblocks, err := rp.tx.VolumesOf(volume.Blocks, localdb.Uploaded, localdb.Verified)
	if err != nil {
		return err
	}
	for _, d := range dblocks {
		indexes, err := rp.tx.IndexesOf(d.ID)
		if err != nil {
			return err
		}
		live := false
		for _, idx := range indexes {
			live = live || idx.State.Live()
		}
		if live {
			continue
		}
		f, err := job.BuildIndex(rp.tx, rp.env.Volume, d, rp.env.Now())
		if err != nil {
			return err
		}
		rp.r.Warnf("regenerating index for %s as %s", d.Name, f.Name)
		id, err := rp.tx.RegisterVolume(rp.r.OperationID, f.Name.String(), volume.Index, localdb.Uploading, f.Size, f.Hash)
		if err != nil {
			return err
		}
		if err := rp.tx.LinkIndex(id, d.ID); err != nil {
			return err
		}
		if err := rp.upload(ctx, f); err != nil {
			return err
		}
		if err := rp.tx.SetVolumeState(id, localdb.Uploaded); err != nil {
			return err
		}
		rp.r.IndexesRebuilt++
	}
	return nil
}

// regenerateFilelists writes a dlist for each fileset whose dlist is gone.
func (rp *repairer) regenerateFilelists(ctx context.Context) error {
	filesets, err := rp.tx.Filesets()
	if err != nil {
		return err
	}
	for _, fs := range filesets {
		if fs.VolumeName != "" {
			v, err := rp.tx.VolumeByID(fs.VolumeID)
			if err != nil {
				return err
			}
			if v.State.Live() {
				continue
			}
		}
		f, err := job.BuildFilelist(rp.tx, rp.env.Volume, fs)
		if err != nil {
			return err
		}
		rp.r.Warnf("regenerating filelist for fileset %s as %s", fs.Timestamp, f.Name)
		id, err := rp.tx.RegisterVolume(rp.r.OperationID, f.Name.String(), volume.Files, localdb.Uploading, f.Size, f.Hash)
		if err != nil {
			return err
		}
		if err := rp.tx.SetFilesetVolume(fs.ID, id); err != nil {
			return err
		}
		if err := rp.upload(ctx, f); err != nil {
			return err
		}
		if err := rp.tx.SetVolumeState(id, localdb.Uploaded); err != nil {
			return err
		}
		rp.r.FilelistsRebuilt++
	}
	return nil
}
