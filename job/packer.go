package job

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/volume"
)

// A Packer writes blocks into new dblock volumes, rolling over to a fresh
// volume at the volume size. Each dblock is registered in the database as
// soon as it is started, so block rows can point at it, and is uploaded in
// the background once it is full. Finish writes a dindex for each dblock
// and waits for all uploads.
//
// With upload false nothing is sent to the store; the database rows are
// still made so a dry run can report what would happen.
type Packer struct {
	env    *Env
	tx     *localdb.Tx
	opID   int64
	when   time.Time
	upload bool

	g   *errgroup.Group
	ctx context.Context

	cur    *volume.BlockWriter
	curID  int64
	blocks []int64 // finished dblock ids
	Bytes  int64   // payload bytes packed
}

// NewPacker starts a packer writing volumes named with the time when.
func (e *Env) NewPacker(ctx context.Context, tx *localdb.Tx, opID int64, when time.Time, upload bool) *Packer {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Concurrency)
	return &Packer{env: e, tx: tx, opID: opID, when: when, upload: upload, g: g, ctx: gctx}
}

// Add puts a block into the current dblock and returns the id of that
// volume. Adding a block already in the current dblock does nothing.
func (p *Packer) Add(hash string, data []byte) (int64, error) {
	if p.cur != nil && p.cur.Has(hash) {
		return p.curID, nil
	}
	if p.cur != nil && p.cur.Full(int64(len(data))) {
		if err := p.flush(); err != nil {
			return 0, err
		}
	}
	if p.cur == nil {
		w, err := volume.NewBlockWriter(p.env.Volume, p.when)
		if err != nil {
			return 0, err
		}
		id, err := p.tx.RegisterVolume(p.opID, w.Name().String(), volume.Blocks, localdb.Temporary, -1, "")
		if err != nil {
			return 0, err
		}
		p.cur, p.curID = w, id
	}
	p.Bytes += int64(len(data))
	return p.curID, p.cur.AddBlock(hash, data)
}

// flush finishes the current dblock and starts its upload.
func (p *Packer) flush() error {
	w, id := p.cur, p.curID
	p.cur, p.curID = nil, 0
	f, err := w.Finish()
	if err != nil {
		return err
	}
	if err := p.tx.SetVolumeInfo(id, f.Size, f.Hash); err != nil {
		return err
	}
	if err := p.tx.SetVolumeState(id, localdb.Uploading); err != nil {
		return err
	}
	p.blocks = append(p.blocks, id)
	p.send(f)
	return nil
}

func (p *Packer) send(f *volume.Finished) {
	if !p.upload {
		return
	}
	p.g.Go(func() error { return p.env.Upload(p.ctx, f) })
}

// Finish closes the last dblock, writes the dindex volumes, waits for the
// uploads, and marks every new volume Uploaded. It returns the ids of the
// dblocks written.
func (p *Packer) Finish() ([]int64, error) {
	if p.cur != nil {
		if err := p.flush(); err != nil {
			p.g.Wait()
			return nil, err
		}
	}
	var all []int64
	for _, id := range p.blocks {
		v, err := p.tx.VolumeByID(id)
		if err != nil {
			p.g.Wait()
			return nil, err
		}
		f, err := BuildIndex(p.tx, p.env.Volume, v, p.when)
		if err != nil {
			p.g.Wait()
			return nil, err
		}
		idx, err := p.tx.RegisterVolume(p.opID, f.Name.String(), volume.Index, localdb.Uploading, f.Size, f.Hash)
		if err != nil {
			p.g.Wait()
			return nil, err
		}
		if err := p.tx.LinkIndex(idx, id); err != nil {
			p.g.Wait()
			return nil, err
		}
		p.send(f)
		all = append(all, id, idx)
	}
	if err := p.g.Wait(); err != nil {
		return nil, err
	}
	for _, id := range all {
		if err := p.tx.SetVolumeState(id, localdb.Uploaded); err != nil {
			return nil, err
		}
	}
	return p.blocks, nil
}

// Abort waits for any uploads in flight. The volumes they made are left
// for repair to find.
func (p *Packer) Abort() {
	p.g.Wait()
}
