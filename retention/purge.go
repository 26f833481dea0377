package retention

import (
	"context"
	"time"

	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/volume"
)

// PurgeReport describes a purge run.
type PurgeReport struct {
	*job.Report
	Rewritten      int // filesets given a new dlist
	EntriesRemoved int
	Deleted        int // old dlists removed from the store
}

// Purge removes the given paths from every fileset holding them. Only
// those filesets get a new dlist; the blocks the paths used are left for
// compact to reclaim.
func Purge(ctx context.Context, env *job.Env, paths []string, dryRun bool) (*PurgeReport, error) {
	r := &PurgeReport{Report: env.NewReport("PurgeFiles", dryRun)}
	var retired []localdb.RemoteVolume
	err := env.DB.Run(ctx, !dryRun, func(tx *localdb.Tx) error {
		now := env.Now()
		if err := r.Begin(tx, now); err != nil {
			return err
		}
		if err := env.CheckOptions(tx); err != nil {
			return err
		}
		filesets, err := tx.Filesets()
		if err != nil {
			return err
		}
		for _, fs := range filesets {
			if err := ctx.Err(); err != nil {
				return err
			}
			old, err := purgeFileset(ctx, env, tx, r, fs, paths, now, dryRun)
			if err != nil {
				return err
			}
			if old != nil {
				retired = append(retired, *old)
			}
		}
		if err := tx.DeleteOrphans(); err != nil {
			return err
		}
		return r.Save(tx)
	})
	if err != nil {
		return nil, err
	}
	if !dryRun {
		r.Deleted, err = env.FinishDeletes(ctx, r.Report, retired)
		if err != nil {
			return r, err
		}
	}
	env.Bump("purge.entries", float64(r.EntriesRemoved))
	return r, nil
}

// purgeFileset removes the paths from one fileset and replaces its dlist.
// It returns the old dlist, now Deleting, or nil if the fileset was left
// alone.
func purgeFileset(ctx context.Context, env *job.Env, tx *localdb.Tx, r *PurgeReport, fs localdb.Fileset, paths []string, now time.Time, dryRun bool) (*localdb.RemoteVolume, error) {
	matches, err := tx.FilesetFilesMatching(fs.ID, paths)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	var old *localdb.RemoteVolume
	if fs.VolumeName != "" {
		locked, err := tx.IsLocked(fs.VolumeName, now)
		if err != nil {
			return nil, err
		}
		if locked {
			r.Warnf("fileset volume has an active lock: %s, not purging fileset %s", fs.VolumeName, fs.Timestamp)
			return nil, nil
		}
		v, err := tx.VolumeByID(fs.VolumeID)
		if err != nil {
			return nil, err
		}
		old = &v
	}
	for _, f := range matches {
		if err := tx.DeleteFilesetEntry(fs.ID, f.FileID); err != nil {
			return nil, err
		}
		r.EntriesRemoved++
	}
	files, err := tx.FilesetFiles(fs.ID)
	if err != nil {
		return nil, err
	}
	var replaces string
	if old != nil {
		replaces = old.Name
	}
	f, err := job.WriteFilelist(tx, env.Volume, fs.Timestamp, fs.IsFullBackup, files, replaces)
	if err != nil {
		return nil, err
	}
	r.Infof("purged %d paths from fileset %s, new filelist %s", len(matches), fs.Timestamp, f.Name)
	id, err := tx.RegisterVolume(r.OperationID, f.Name.String(), volume.Files, localdb.Uploading, f.Size, f.Hash)
	if err != nil {
		return nil, err
	}
	if err := tx.SetFilesetVolume(fs.ID, id); err != nil {
		return nil, err
	}
	if !dryRun {
		if err := env.Upload(ctx, f); err != nil {
			return nil, err
		}
	}
	if err := tx.SetVolumeState(id, localdb.Uploaded); err != nil {
		return nil, err
	}
	r.Rewritten++
	if old == nil || old.State == localdb.Deleting || old.State == localdb.Deleted {
		return nil, nil
	}
	if err := job.Retire(tx, *old); err != nil {
		return nil, err
	}
	return old, nil
}
