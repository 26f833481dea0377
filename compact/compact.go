// Package compact repacks sparse dblock volumes.
//
// A dblock qualifies when the live share of its payload falls below
// Params.Threshold, or when it is smaller than SmallFileSize and there are
// more than SmallFileMaxCount such volumes. Volumes with no live block are
// deleted without being downloaded. The live blocks of the others are
// copied into new dblocks, after which the old dblocks and their indexes
// are deleted. Volumes under an active lock are never touched.
package compact

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/util"
	"github.com/ndlib/strata/volume"
)

// Params control which volumes are compacted.
type Params struct {
	// VolumeSize is the size of the new dblocks. Defaults to the
	// environment's volume size.
	VolumeSize int64

	// Threshold is the live fraction below which a dblock is compacted.
	// Defaults to 0.75.
	Threshold float64

	// SmallFileSize and SmallFileMaxCount: dblocks smaller than
	// SmallFileSize are all compacted once there are more than
	// SmallFileMaxCount of them. Default to a fifth of the volume size and
	// 20.
	SmallFileSize     int64
	SmallFileMaxCount int

	DryRun bool
}

// WithDefaults fills in unset fields.
func (p Params) WithDefaults(env *job.Env) Params {
	if p.VolumeSize <= 0 {
		p.VolumeSize = env.Volume.VolumeSize
	}
	if p.Threshold <= 0 {
		p.Threshold = 0.75
	}
	if p.SmallFileSize <= 0 {
		p.SmallFileSize = p.VolumeSize / 5
	}
	if p.SmallFileMaxCount <= 0 {
		p.SmallFileMaxCount = 20
	}
	return p
}

// Report describes a compact run.
type Report struct {
	*job.Report
	Wasted         int   // dblocks with no live block
	Compacted      int   // dblocks whose live blocks were copied
	Created        int   // new dblocks
	Deleted        int   // volumes removed from the store
	Locked         int   // candidates skipped because of a lock
	BytesCopied    int64 // live bytes moved into new volumes
	BytesReclaimed int64 // size of the volumes removed
}

// Run compacts the dblocks of env according to p.
func Run(ctx context.Context, env *job.Env, p Params) (*Report, error) {
	p = p.WithDefaults(env)
	r := &Report{Report: env.NewReport("Compact", p.DryRun)}
	var retired []localdb.RemoteVolume
	err := env.DB.Run(ctx, !p.DryRun, func(tx *localdb.Tx) error {
		if err := r.Begin(tx, env.Now()); err != nil {
			return err
		}
		if err := env.CheckOptions(tx); err != nil {
			return err
		}
		c := &compactor{env: env, tx: tx, r: r, p: p, retired: make(map[int64]bool)}
		var err error
		retired, err = c.run(ctx)
		if err != nil {
			return err
		}
		return r.Save(tx)
	})
	if err != nil {
		return nil, err
	}
	if !p.DryRun {
		r.Deleted, err = env.FinishDeletes(ctx, r.Report, retired)
		if err != nil {
			return r, err
		}
	}
	env.Bump("compact.reclaimed", float64(r.BytesReclaimed))
	env.Log.WithField("operation", "Compact").Infoln("compacted", r.Compacted, "volumes, removed", r.Wasted,
		"empty ones, reclaimed", humanize.Bytes(uint64(r.BytesReclaimed)))
	return r, nil
}

type compactor struct {
	env *job.Env
	tx  *localdb.Tx
	r   *Report
	p   Params

	retired map[int64]bool
}

// candidate is a dblock selected for compaction together with its indexes.
type candidate struct {
	usage   localdb.VolumeUsage
	indexes []localdb.RemoteVolume
	blocks  []localdb.BlockRow
	data    map[string][]byte
}

func (c *compactor) run(ctx context.Context) ([]localdb.RemoteVolume, error) {
	if err := c.tx.DeleteOrphans(); err != nil {
		return nil, err
	}
	usage, err := c.tx.DblockUsage()
	if err != nil {
		return nil, err
	}
	var wasted, sparse, small []localdb.VolumeUsage
	for _, u := range usage {
		switch {
		case u.Live == 0:
			wasted = append(wasted, u)
		case u.Fraction() < c.p.Threshold:
			sparse = append(sparse, u)
		case u.Volume.Size < c.p.SmallFileSize:
			small = append(small, u)
		}
	}
	if len(small) > c.p.SmallFileMaxCount {
		sparse = append(sparse, small...)
	}
	if len(wasted) == 0 && len(sparse) == 0 {
		c.r.Infof("nothing to compact")
		return nil, nil
	}
	now := c.env.Now()

	selected := make(map[int64]bool)
	var empty, rewrite []*candidate
	for _, group := range []struct {
		list []localdb.VolumeUsage
		to   *[]*candidate
	}{{wasted, &empty}, {sparse, &rewrite}} {
		for _, u := range group.list {
			cand, err := c.candidate(u, now)
			if err != nil {
				return nil, err
			}
			if cand != nil {
				selected[u.Volume.ID] = true
				*group.to = append(*group.to, cand)
			}
		}
	}

	// download before changing anything, dropping volumes which cannot be read
	var ready []*candidate
	for _, cand := range rewrite {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.load(ctx, cand); err != nil {
			c.r.Warnf("not compacting %s: %s", cand.usage.Volume.Name, err)
			delete(selected, cand.usage.Volume.ID)
			continue
		}
		ready = append(ready, cand)
	}

	var retired []localdb.RemoteVolume
	for _, cand := range empty {
		c.r.Infof("deleting %s, it has no live blocks", cand.usage.Volume.Name)
		vols, err := c.retire(cand, selected)
		if err != nil {
			return nil, err
		}
		retired = append(retired, vols...)
		c.r.Wasted++
	}
	if len(ready) == 0 {
		return retired, nil
	}

	env := *c.env
	env.Volume.VolumeSize = c.p.VolumeSize
	packer := env.NewPacker(ctx, c.tx, c.r.OperationID, now, !c.p.DryRun)
	for _, cand := range ready {
		if err := c.copy(packer, cand, selected); err != nil {
			packer.Abort()
			return nil, err
		}
	}
	created, err := packer.Finish()
	if err != nil {
		return nil, errors.Wrap(err, "compact")
	}
	c.r.Created = len(created)
	for _, cand := range ready {
		vols, err := c.retire(cand, selected)
		if err != nil {
			return nil, err
		}
		retired = append(retired, vols...)
		c.r.Compacted++
	}
	return retired, nil
}

// candidate looks up the indexes of a dblock and checks that neither it nor
// they are locked. It returns nil if the volume must be left alone.
func (c *compactor) candidate(u localdb.VolumeUsage, now time.Time) (*candidate, error) {
	indexes, err := c.tx.IndexesOf(u.Volume.ID)
	if err != nil {
		return nil, err
	}
	names := []string{u.Volume.Name}
	for _, idx := range indexes {
		names = append(names, idx.Name)
	}
	locked, err := c.tx.LockedNames(names, now)
	if err != nil {
		return nil, err
	}
	if len(locked) > 0 {
		c.r.Warnf("volume %s selected for compaction but has an active lock", u.Volume.Name)
		c.r.Locked++
		return nil, nil
	}
	return &candidate{usage: u, indexes: indexes}, nil
}

// load downloads a dblock and reads its live blocks.
func (c *compactor) load(ctx context.Context, cand *candidate) error {
	v := cand.usage.Volume
	blocks, err := c.tx.LiveBlocksInVolume(v.ID)
	if err != nil {
		return err
	}
	data, err := c.env.Download(ctx, v.Name, v.Size, v.Hash)
	if err != nil {
		return err
	}
	br, err := volume.OpenBlocks(v.Name, data, c.env.Volume.Encryption)
	if err != nil {
		return err
	}
	cand.blocks = blocks
	cand.data = make(map[string][]byte, len(blocks))
	for _, b := range blocks {
		block, err := br.Get(b.Hash)
		if err != nil {
			return err
		}
		if int64(len(block)) != b.Size || util.HashBytes(block) != b.Hash {
			return errors.Wrapf(volume.ErrHashMismatch, "block %s", b.Hash)
		}
		cand.data[b.Hash] = block
	}
	return nil
}

// copy moves the live blocks of a candidate. A block with a duplicate copy
// in a volume which is staying is handed to that volume; the rest are
// packed into new dblocks.
func (c *compactor) copy(packer *job.Packer, cand *candidate, selected map[int64]bool) error {
	for _, b := range cand.blocks {
		dups, err := c.tx.DuplicateVolumes(b.ID)
		if err != nil {
			return err
		}
		moved := false
		for _, d := range dups {
			if selected[d] {
				continue
			}
			v, err := c.tx.VolumeByID(d)
			if err != nil {
				return err
			}
			if v.State.Live() {
				if err := c.tx.MoveBlock(b.ID, d); err != nil {
					return err
				}
				moved = true
				break
			}
		}
		if moved {
			continue
		}
		id, err := packer.Add(b.Hash, cand.data[b.Hash])
		if err != nil {
			return err
		}
		if err := c.tx.SetBlockVolume(b.ID, id); err != nil {
			return err
		}
		c.r.BytesCopied += b.Size
	}
	cand.data = nil
	return nil
}

// retire drops the remaining blocks of a candidate and marks it and its
// indexes Deleting. An index also describing a dblock which is staying is
// kept.
func (c *compactor) retire(cand *candidate, selected map[int64]bool) ([]localdb.RemoteVolume, error) {
	v := cand.usage.Volume
	if err := c.tx.DeleteVolumeBlocks(v.ID); err != nil {
		return nil, err
	}
	vols := []localdb.RemoteVolume{v}
	for _, idx := range cand.indexes {
		described, err := c.tx.BlockVolumesOf(idx.ID)
		if err != nil {
			return nil, err
		}
		keep := false
		for _, d := range described {
			keep = keep || !selected[d.ID]
		}
		if !keep && idx.State.Live() {
			vols = append(vols, idx)
		}
	}
	var result []localdb.RemoteVolume
	for _, rv := range vols {
		if c.retired[rv.ID] {
			continue
		}
		c.retired[rv.ID] = true
		result = append(result, rv)
		if err := job.Retire(c.tx, rv); err != nil {
			return nil, err
		}
		c.r.BytesReclaimed += rv.Size
	}
	return result, nil
}
