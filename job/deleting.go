package job

import (
	"context"

	"github.com/ndlib/strata/localdb"
)

// Retire marks a volume Deleting and drops its index links. The volume is
// removed from the store by FinishDeletes once the transaction commits.
func Retire(tx *localdb.Tx, v localdb.RemoteVolume) error {
	if err := tx.SetVolumeState(v.ID, localdb.Deleting); err != nil {
		return err
	}
	return tx.UnlinkVolume(v.ID)
}

// FinishDeletes removes volumes left in the Deleting state from the store
// and marks each one Deleted in its own transaction. A volume which cannot
// be removed stays Deleting, with a warning, so a later run picks it up
// again. It returns the number of volumes deleted.
func (e *Env) FinishDeletes(ctx context.Context, r *Report, vols []localdb.RemoteVolume) (int, error) {
	var n int
	for _, v := range vols {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := e.Remove(ctx, v.Name); err != nil {
			r.Warnf("could not delete %s: %s", v.Name, err)
			continue
		}
		err := e.DB.Update(ctx, func(tx *localdb.Tx) error {
			if err := tx.SetVolumeState(v.ID, localdb.Deleted); err != nil {
				return err
			}
			return r.Save(tx)
		})
		if err != nil {
			return n, err
		}
		n++
	}
	e.Bump("volumes.deleted", float64(n))
	return n, nil
}
