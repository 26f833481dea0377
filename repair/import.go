package repair

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/util"
	"github.com/ndlib/strata/volume"
)

// importUnknown registers the remote volumes the database does not know.
// Indexes are read first since they describe dblocks without having to
// download them. Dblocks no index describes are downloaded and read.
// Filelists become filesets last, once every block is known.
func (rp *repairer) importUnknown(ctx context.Context, remotes []job.Remote) error {
	names := make([]string, len(remotes))
	for i, rem := range remotes {
		names[i] = rem.Key
	}
	known, err := rp.tx.VolumesByName(names)
	if err != nil {
		return err
	}
	var indexes, dblocks, dlists []job.Remote
	for _, rem := range remotes {
		if _, ok := known[rem.Key]; ok {
			continue
		}
		switch rem.Name.Type {
		case volume.Index:
			indexes = append(indexes, rem)
		case volume.Blocks:
			dblocks = append(dblocks, rem)
		case volume.Files:
			dlists = append(dlists, rem)
		}
	}
	for _, rem := range indexes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rp.importIndex(ctx, rem); err != nil {
			return err
		}
	}
	for _, rem := range dblocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := rp.tx.Volume(rem.Key)
		if err == nil {
			// registered by an index
			continue
		} else if !errors.Is(err, localdb.ErrNotFound) {
			return err
		}
		if err := rp.importBlocks(ctx, rem); err != nil {
			return err
		}
	}
	for _, rem := range rp.orderFilelists(ctx, dlists) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rp.importFilelist(ctx, rem); err != nil {
			return err
		}
	}
	return nil
}

// importIndex reads one dindex and registers the dblocks it describes.
func (rp *repairer) importIndex(ctx context.Context, rem job.Remote) error {
	data, err := rp.env.Download(ctx, rem.Key, rem.Size, "")
	if err != nil {
		rp.r.Warnf("cannot read index %s: %s", rem.Key, err)
		return nil
	}
	ir, err := volume.OpenIndex(rem.Key, data, rp.env.Volume.Encryption)
	if err != nil {
		rp.r.Warnf("cannot read index %s: %s", rem.Key, err)
		return nil
	}
	vols, err := ir.Volumes()
	if err != nil {
		rp.r.Warnf("cannot read index %s: %s", rem.Key, err)
		return nil
	}
	id, err := rp.tx.RegisterVolume(rp.r.OperationID, rem.Key, volume.Index, localdb.Verified, rem.Size, util.HashBytes(data))
	if err != nil {
		return err
	}
	rp.r.VolumesImported++
	for _, iv := range vols {
		dblock, present := rp.listing[iv.Name]
		if !present {
			rp.r.Warnf("index %s describes missing volume %s", rem.Key, iv.Name)
			continue
		}
		if dblock.Size != iv.VolumeSize {
			rp.r.Warnf("volume %s has size %d, index %s says %d", iv.Name, dblock.Size, rem.Key, iv.VolumeSize)
			continue
		}
		v, err := rp.tx.Volume(iv.Name)
		switch {
		case errors.Is(err, localdb.ErrNotFound):
			v.ID, err = rp.tx.RegisterVolume(rp.r.OperationID, iv.Name, volume.Blocks, localdb.Verified, iv.VolumeSize, iv.VolumeHash)
			if err != nil {
				return err
			}
			v.State = localdb.Verified
			rp.r.VolumesImported++
		case err != nil:
			return err
		}
		if !v.State.Live() {
			continue
		}
		for _, b := range iv.Blocks {
			if err := rp.recordBlock(b.Hash, b.Size, v.ID); err != nil {
				return err
			}
		}
		if err := rp.tx.LinkIndex(id, v.ID); err != nil {
			return err
		}
	}
	for _, h := range ir.BlocklistHashes() {
		list, _, err := ir.Blocklist(h)
		if err != nil {
			rp.r.Warnf("index %s: %s", rem.Key, err)
			continue
		}
		rp.lists[h] = list
	}
	return nil
}

// recordBlock notes that a block is stored in a volume. A block already
// owned by another volume gets a duplicate row; a block flagged missing is
// given to this volume.
func (rp *repairer) recordBlock(hash string, size int64, volumeID int64) error {
	b, ok, err := rp.tx.FindBlock(hash, size)
	switch {
	case err != nil:
		return err
	case !ok:
		_, err = rp.tx.InsertBlock(hash, size, volumeID)
	case b.VolumeID == localdb.MissingVolumeID:
		err = rp.tx.SetBlockVolume(b.ID, volumeID)
	case b.VolumeID != volumeID:
		err = rp.tx.AddDuplicateBlock(b.ID, volumeID)
	}
	return err
}

// importBlocks reads a dblock no index describes.
func (rp *repairer) importBlocks(ctx context.Context, rem job.Remote) error {
	rp.r.Warnf("volume %s has no index, reading it", rem.Key)
	data, err := rp.env.Download(ctx, rem.Key, rem.Size, "")
	if err != nil {
		rp.r.Warnf("cannot read %s: %s", rem.Key, err)
		return nil
	}
	br, err := volume.OpenBlocks(rem.Key, data, rp.env.Volume.Encryption)
	if err != nil {
		rp.r.Warnf("cannot read %s: %s", rem.Key, err)
		return nil
	}
	type found struct {
		hash string
		size int64
	}
	var blocks []found
	err = br.Each(func(hash string, block []byte) error {
		blocks = append(blocks, found{hash, int64(len(block))})
		return nil
	})
	if err != nil {
		rp.r.Warnf("cannot read %s: %s", rem.Key, err)
		return nil
	}
	id, err := rp.tx.RegisterVolume(rp.r.OperationID, rem.Key, volume.Blocks, localdb.Verified, rem.Size, util.HashBytes(data))
	if err != nil {
		return err
	}
	rp.r.VolumesImported++
	for _, b := range blocks {
		if err := rp.recordBlock(b.hash, b.size, id); err != nil {
			return err
		}
	}
	return nil
}

// orderFilelists moves dlists which another dlist of the same version
// replaces to the end, so the later one becomes the fileset and the earlier
// one is retired as a duplicate. Only versions with more than one dlist are
// read here; read errors are reported by importFilelist.
func (rp *repairer) orderFilelists(ctx context.Context, dlists []job.Remote) []job.Remote {
	byTime := make(map[int64][]job.Remote)
	for _, rem := range dlists {
		t := rem.Name.Time.Unix()
		byTime[t] = append(byTime[t], rem)
	}
	replaced := make(map[string]bool)
	for _, group := range byTime {
		if len(group) < 2 {
			continue
		}
		for _, rem := range group {
			if name := rp.replaces(ctx, rem); name != "" {
				replaced[name] = true
			}
		}
	}
	if len(replaced) == 0 {
		return dlists
	}
	result := append([]job.Remote(nil), dlists...)
	sort.SliceStable(result, func(i, j int) bool {
		return !replaced[result[i].Key] && replaced[result[j].Key]
	})
	return result
}

func (rp *repairer) replaces(ctx context.Context, rem job.Remote) string {
	data, err := rp.env.Download(ctx, rem.Key, rem.Size, "")
	if err != nil {
		return ""
	}
	fr, err := volume.OpenFilelist(rem.Key, data, rp.env.Volume.Encryption)
	if err != nil {
		return ""
	}
	defer fr.Close()
	name, _ := fr.Replaces()
	return name
}

// importFilelist turns a dlist into a fileset.
func (rp *repairer) importFilelist(ctx context.Context, rem job.Remote) error {
	data, err := rp.env.Download(ctx, rem.Key, rem.Size, "")
	if err != nil {
		rp.r.Warnf("cannot read filelist %s: %s", rem.Key, err)
		return nil
	}
	fr, err := volume.OpenFilelist(rem.Key, data, rp.env.Volume.Encryption)
	if err != nil {
		rp.r.Warnf("cannot read filelist %s: %s", rem.Key, err)
		return nil
	}
	defer fr.Close()
	full, err := fr.IsFullBackup()
	if err != nil {
		rp.r.Warnf("cannot read filelist %s: %s", rem.Key, err)
		return nil
	}
	volID, err := rp.tx.RegisterVolume(rp.r.OperationID, rem.Key, volume.Files, localdb.Verified, rem.Size, util.HashBytes(data))
	if err != nil {
		return err
	}
	rp.r.VolumesImported++
	when := fr.Name.Time
	if _, err := rp.tx.FilesetAt(when); err == nil {
		// another filelist already holds this version
		rp.r.Warnf("filelist %s duplicates fileset %s", rem.Key, when)
		v, err := rp.tx.VolumeByID(volID)
		if err != nil {
			return err
		}
		return rp.retire(ctx, v)
	} else if !errors.Is(err, localdb.ErrNotFound) {
		return err
	}
	fsID, err := rp.tx.InsertFileset(rp.r.OperationID, volID, full, when)
	if err != nil {
		return err
	}
	for fr.Next() {
		e := fr.Entry()
		fileID, err := rp.fileFor(ctx, e)
		if err != nil {
			return err
		}
		if fileID == 0 {
			continue
		}
		err = rp.tx.AddFilesetEntry(fsID, fileID, time.Unix(e.Time, 0))
		if err != nil && !localdb.IsConstraint(err) {
			return err
		}
	}
	if err := fr.Err(); err != nil {
		rp.r.Warnf("filelist %s is damaged: %s", rem.Key, err)
	}
	return nil
}

// fileFor returns the FileLookup row for a dlist entry, making whatever
// rows it needs. It returns 0 if the entry cannot be resolved.
func (rp *repairer) fileFor(ctx context.Context, e volume.FileEntry) (int64, error) {
	var metaID int64
	if e.MetaHash != "" {
		set, ok, err := rp.blocksetFor(ctx, e.MetaSize, e.MetaHash, e.MetaBlockHash, e.MetaBlocklists)
		if err != nil || !ok {
			return 0, err
		}
		metaID, err = rp.tx.FindOrInsertMetadataset(set)
		if err != nil {
			return 0, err
		}
	}
	var setID int64
	switch e.Type {
	case volume.Folder:
		setID = localdb.FolderBlocksetID
	case volume.Symlink:
		setID = localdb.SymlinkBlocksetID
	default:
		var ok bool
		var err error
		setID, ok, err = rp.blocksetFor(ctx, e.Size, e.Hash, e.BlockHash, e.Blocklists)
		if err != nil || !ok {
			return 0, err
		}
	}
	return rp.tx.FindOrInsertFile(e.Path, setID, metaID)
}

// blocksetFor finds or makes the blockset with the given description.
// Blocks the database does not know are added flagged missing. The
// boolean is false if a blocklist could not be found anywhere.
func (rp *repairer) blocksetFor(ctx context.Context, length int64, hash, blockHash string, lists []string) (int64, bool, error) {
	id, ok, err := rp.tx.FindBlockset(length, hash)
	if err != nil || ok {
		return id, ok, err
	}
	listData := make(map[string][]byte)
	entries, err := job.EntryBlocks(length, blockHash, lists, rp.env.Volume.BlockSize, func(h string) ([]byte, error) {
		data, err := rp.blocklist(ctx, h)
		listData[h] = data
		return data, err
	})
	if err != nil {
		rp.r.Warnf("cannot resolve blockset %s: %s", hash, err)
		return 0, false, nil
	}
	var ids []int64
	for _, e := range entries {
		bid, err := rp.blockID(e.Hash, e.Size)
		if err != nil {
			return 0, false, err
		}
		ids = append(ids, bid)
	}
	for _, h := range lists {
		if _, err := rp.blockID(h, int64(len(listData[h]))); err != nil {
			return 0, false, err
		}
	}
	id, err = rp.tx.InsertBlockset(length, hash, ids, lists)
	return id, err == nil, err
}

// blockID returns the id of a block, adding it flagged missing if the
// database does not know it.
func (rp *repairer) blockID(hash string, size int64) (int64, error) {
	b, ok, err := rp.tx.FindBlock(hash, size)
	if err != nil || ok {
		return b.ID, err
	}
	rp.r.Warnf("block %s is not in any volume", hash)
	return rp.tx.InsertBlock(hash, size, localdb.MissingVolumeID)
}

// blocklist finds the contents of a blocklist: in an index read earlier,
// in the database, or, as a last resort, in the dblock holding it.
func (rp *repairer) blocklist(ctx context.Context, hash string) ([]byte, error) {
	if data, ok := rp.lists[hash]; ok {
		return data, nil
	}
	data, ok, err := rp.tx.BlocklistData(hash, rp.env.Volume.BlockSize)
	if err == nil && ok {
		return data, nil
	}
	b, ok, err := rp.tx.FindBlockByHash(hash)
	if err != nil {
		return nil, err
	}
	if !ok || b.VolumeID == localdb.MissingVolumeID {
		return nil, errors.Errorf("blocklist %s not found", hash)
	}
	v, err := rp.tx.VolumeByID(b.VolumeID)
	if err != nil {
		return nil, err
	}
	rp.r.Infof("reading %s for blocklist %s", v.Name, hash)
	vdata, err := rp.env.Download(ctx, v.Name, v.Size, v.Hash)
	if err != nil {
		return nil, err
	}
	br, err := volume.OpenBlocks(v.Name, vdata, rp.env.Volume.Encryption)
	if err != nil {
		return nil, err
	}
	data, err = br.Get(hash)
	if err == nil {
		rp.lists[hash] = data
	}
	return data, err
}
