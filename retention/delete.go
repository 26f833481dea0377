// Package retention deletes old filesets and purges paths from filesets.
//
// Deleting a fileset removes exactly the remote volumes nothing else needs:
// its dlist, and the dblocks and dindexes no remaining fileset depends on.
// A fileset depending on a locked volume is left in place, rows and
// volumes, until a later run finds the lock gone.
package retention

import (
	"context"
	"sort"
	"time"

	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/volume"
)

// Report describes a delete run.
type Report struct {
	*job.Report
	Removed        []localdb.Fileset // filesets deleted
	Skipped        int               // filesets kept because of a lock
	VolumesRetired int               // volumes marked for deletion
	Deleted        int               // volumes removed from the store
}

// Run deletes the filesets selected by the policy. Volumes left half
// deleted by an earlier run are removed as well.
func Run(ctx context.Context, env *job.Env, p Policy, dryRun bool) (*Report, error) {
	r := &Report{Report: env.NewReport("Delete", dryRun)}
	var retired []localdb.RemoteVolume
	err := env.DB.Run(ctx, !dryRun, func(tx *localdb.Tx) error {
		if err := r.Begin(tx, env.Now()); err != nil {
			return err
		}
		d := &deleter{env: env, tx: tx, r: r, now: env.Now()}
		var err error
		retired, err = d.run(ctx, p)
		if err != nil {
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
	env.Bump("delete.filesets", float64(len(r.Removed)))
	return r, nil
}

type deleter struct {
	env *job.Env
	tx  *localdb.Tx
	r   *Report
	now time.Time
}

func (d *deleter) run(ctx context.Context, p Policy) ([]localdb.RemoteVolume, error) {
	// an earlier run may have stopped between commit and remote delete
	retired, err := d.tx.VolumesInState(localdb.Deleting)
	if err != nil {
		return nil, err
	}
	filesets, err := d.tx.Filesets()
	if err != nil {
		return nil, err
	}
	selected := p.Select(filesets, d.now)
	if len(selected) == 0 {
		d.r.Infof("no fileset to delete")
		return retired, nil
	}

	closures := make(map[int64][]string)
	for _, fs := range filesets {
		closures[fs.ID], err = d.tx.FilesetVolumes(fs.ID)
		if err != nil {
			return nil, err
		}
	}

	// decide what goes before changing anything; oldest first
	var doomed []localdb.Fileset
	for i := len(filesets) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fs := filesets[i]
		if !selected[fs.ID] {
			continue
		}
		ok, err := d.unlocked(fs, closures[fs.ID])
		if err != nil {
			return nil, err
		}
		if !ok {
			d.r.Skipped++
			continue
		}
		doomed = append(doomed, fs)
	}

	kept := make(map[string]bool)
	gone := make(map[int64]bool)
	for _, fs := range doomed {
		gone[fs.ID] = true
	}
	for _, fs := range filesets {
		if !gone[fs.ID] {
			for _, name := range closures[fs.ID] {
				kept[name] = true
			}
		}
	}
	candidates := make(map[string]bool)
	for _, fs := range doomed {
		for _, name := range closures[fs.ID] {
			if !kept[name] {
				candidates[name] = true
			}
		}
	}

	for _, fs := range doomed {
		d.r.Infof("deleting fileset %s", fs.Timestamp)
		if err := d.tx.DeleteFileset(fs.ID); err != nil {
			return nil, err
		}
		d.r.Removed = append(d.r.Removed, fs)
	}
	if err := d.tx.DeleteOrphans(); err != nil {
		return nil, err
	}

	var names []string
	for name := range candidates {
		names = append(names, name)
	}
	sort.Strings(names)
	// locks are checked again right before acting on them
	locked, err := d.tx.LockedNames(names, d.now)
	if err != nil {
		return nil, err
	}
	vols, err := d.tx.VolumesByName(names)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		v, ok := vols[name]
		if !ok || locked[name] || v.State == localdb.Deleting || v.State == localdb.Deleted {
			continue
		}
		if v.Type == volume.Blocks {
			if err := d.tx.DeleteVolumeBlocks(v.ID); err != nil {
				return nil, err
			}
		}
		if err := job.Retire(d.tx, v); err != nil {
			return nil, err
		}
		d.r.VolumesRetired++
		retired = append(retired, v)
	}
	return retired, nil
}

// unlocked reports whether a fileset may be deleted: neither its dlist nor
// any volume it depends on may be locked.
func (d *deleter) unlocked(fs localdb.Fileset, closure []string) (bool, error) {
	if fs.VolumeName != "" {
		locked, err := d.tx.IsLocked(fs.VolumeName, d.now)
		if err != nil {
			return false, err
		}
		if locked {
			d.r.Warnf("fileset volume has an active lock: %s, keeping fileset %s", fs.VolumeName, fs.Timestamp)
			return false, nil
		}
	}
	locked, err := d.tx.LockedNames(closure, d.now)
	if err != nil {
		return false, err
	}
	if len(locked) > 0 {
		var names []string
		for name := range locked {
			names = append(names, name)
		}
		sort.Strings(names)
		d.r.Warnf("skipping deletion of fileset version %s: %v have an active lock", fs.Timestamp, names)
		return false, nil
	}
	return true, nil
}
