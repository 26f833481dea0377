package repair

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/blockset"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/source"
	"github.com/ndlib/strata/util"
)

// rebuild recreates blocks flagged missing which some fileset still needs.
// Blocklists are rebuilt from the database; other blocks are read back from
// the source files that hold them, provided those files have not changed.
// The recovered blocks are written into new dblocks.
func (rp *repairer) rebuild(ctx context.Context) error {
	missing, err := rp.tx.LiveMissingBlocks()
	if err != nil || len(missing) == 0 {
		return err
	}
	rp.r.Infof("trying to rebuild %d missing blocks", len(missing))
	p := rp.env.NewPacker(ctx, rp.tx, rp.r.OperationID, rp.env.Now(), !rp.opts.DryRun)
	for _, b := range missing {
		if err := ctx.Err(); err != nil {
			p.Abort()
			return err
		}
		data, err := rp.recover(b)
		if err != nil {
			p.Abort()
			return err
		}
		if data == nil {
			rp.r.Warnf("cannot rebuild block %s", b.Hash)
			continue
		}
		volID, err := p.Add(b.Hash, data)
		if err != nil {
			p.Abort()
			return err
		}
		if err := rp.tx.SetBlockVolume(b.ID, volID); err != nil {
			p.Abort()
			return err
		}
		rp.r.BlocksRebuilt++
	}
	_, err = p.Finish()
	return errors.Wrap(err, "rebuild")
}

// recover returns the contents of a missing block, or nil if they cannot
// be found.
func (rp *repairer) recover(b localdb.BlockRow) ([]byte, error) {
	isList, err := rp.tx.IsBlocklistHash(b.Hash)
	if err != nil {
		return nil, err
	}
	if isList {
		data, ok, err := rp.tx.BlocklistData(b.Hash, rp.env.Volume.BlockSize)
		if err != nil || !ok {
			return nil, nil
		}
		return data, nil
	}
	uses, err := rp.tx.BlockUses(b.ID)
	if err != nil {
		return nil, err
	}
	for _, u := range uses {
		var data []byte
		if u.Metadata {
			data = rp.metadataBlock(u)
		} else {
			data = rp.contentBlock(u, b.Size)
		}
		if data != nil && int64(len(data)) == b.Size && util.HashBytes(data) == b.Hash {
			return data, nil
		}
	}
	return nil, nil
}

// contentBlock reads block u.Index of a source file.
func (rp *repairer) contentBlock(u localdb.BlockUse, size int64) []byte {
	f, err := os.Open(source.OSPath(u.Path))
	if err != nil {
		return nil
	}
	defer f.Close()
	data := make([]byte, size)
	_, err = f.ReadAt(data, u.Index*int64(rp.env.Volume.BlockSize))
	if err != nil && err != io.EOF {
		return nil
	}
	return data
}

// metadataBlock describes a source path again and returns block u.Index
// of its metadata.
func (rp *repairer) metadataBlock(u localdb.BlockUse) []byte {
	item, err := source.Stat(source.OSPath(u.Path))
	if err != nil {
		return nil
	}
	var result []byte
	var i int64
	blockset.FromBytes(item.Meta, rp.env.Volume.BlockSize, func(b blockset.Block) error {
		if i == u.Index {
			result = append([]byte(nil), b.Data...)
		}
		i++
		return nil
	})
	return result
}
