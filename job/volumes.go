package job

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/blockset"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/volume"
)

// BuildIndex makes a fresh dindex for a dblock from what the database
// knows about it: every block it holds, duplicates included, and the
// blocklists stored among those blocks.
func BuildIndex(tx *localdb.Tx, opts volume.Options, dblock localdb.RemoteVolume, when time.Time) (*volume.Finished, error) {
	opts = opts.WithDefaults()
	w, err := volume.NewIndexWriter(opts, when)
	if err != nil {
		return nil, err
	}
	iv := volume.IndexVolume{
		Name:       dblock.Name,
		VolumeHash: dblock.Hash,
		VolumeSize: dblock.Size,
	}
	owned, err := tx.BlocksInVolume(dblock.ID)
	if err != nil {
		return nil, err
	}
	dups, err := tx.DuplicatesInVolume(dblock.ID)
	if err != nil {
		return nil, err
	}
	for _, b := range append(owned, dups...) {
		iv.Blocks = append(iv.Blocks, volume.BlockRef{Hash: b.Hash, Size: b.Size})
	}
	if err := w.AddVolume(iv); err != nil {
		return nil, err
	}
	lists, err := tx.BlocklistHashesInVolume(dblock.ID)
	if err != nil {
		return nil, err
	}
	for _, h := range lists {
		data, ok, err := tx.BlocklistData(h, opts.BlockSize)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := w.AddBlocklist(h, data); err != nil {
				return nil, err
			}
		}
	}
	return w.Finish()
}

// DescribeBlockset returns how a blockset is referenced from a dlist: the
// hash of its only block, or the hashes of its blocklists.
func DescribeBlockset(tx *localdb.Tx, blocksetID int64) (string, []string, error) {
	entries, err := tx.BlocksetEntries(blocksetID)
	if err != nil {
		return "", nil, err
	}
	switch len(entries) {
	case 0:
		return "", nil, nil
	case 1:
		return entries[0].Hash, nil, nil
	}
	lists, err := tx.BlocksetBlocklists(blocksetID)
	return "", lists, err
}

// FileEntryFor converts a database row into a dlist entry.
func FileEntryFor(tx *localdb.Tx, f localdb.FileRow) (volume.FileEntry, error) {
	e := volume.FileEntry{
		Path:     f.Path,
		MetaHash: f.MetaHash,
		MetaSize: f.MetaLength,
	}
	if !f.Lastmodified.IsZero() {
		e.Time = f.Lastmodified.Unix()
	}
	var err error
	switch f.BlocksetID {
	case localdb.FolderBlocksetID:
		e.Type = volume.Folder
	case localdb.SymlinkBlocksetID:
		e.Type = volume.Symlink
	default:
		e.Type = volume.File
		e.Hash = f.FullHash
		e.Size = f.Length
		e.BlockHash, e.Blocklists, err = DescribeBlockset(tx, f.BlocksetID)
		if err != nil {
			return e, err
		}
	}
	if f.MetadataID > 0 {
		e.MetaBlockHash, e.MetaBlocklists, err = DescribeBlockset(tx, f.MetaBlocksetID)
	}
	return e, err
}

// BuildFilelist makes a dlist for a fileset from the database. The volume
// is named with the fileset's timestamp.
func BuildFilelist(tx *localdb.Tx, opts volume.Options, fs localdb.Fileset) (*volume.Finished, error) {
	files, err := tx.FilesetFiles(fs.ID)
	if err != nil {
		return nil, err
	}
	return WriteFilelist(tx, opts, fs.Timestamp, fs.IsFullBackup, files, "")
}

// WriteFilelist makes a dlist holding the given rows. A non-empty replaces
// names the dlist of the same version this one supersedes.
func WriteFilelist(tx *localdb.Tx, opts volume.Options, when time.Time, full bool, files []localdb.FileRow, replaces string) (*volume.Finished, error) {
	w, err := volume.NewFilelistWriter(opts, when)
	if err != nil {
		return nil, err
	}
	w.SetFull(full)
	w.SetReplaces(replaces)
	for _, f := range files {
		e, err := FileEntryFor(tx, f)
		if err != nil {
			return nil, errors.Wrap(err, f.Path)
		}
		if err := w.Add(e); err != nil {
			return nil, err
		}
	}
	return w.Finish()
}

// EntryBlocks lists the blocks of a blockset described in a dlist entry by
// either its only block or its blocklists. getList fetches the contents of
// a blocklist.
func EntryBlocks(length int64, blockHash string, lists []string, blockSize int, getList func(hash string) ([]byte, error)) ([]blockset.Entry, error) {
	if length == 0 {
		return nil, nil
	}
	if blockHash != "" {
		return []blockset.Entry{{Hash: blockHash, Size: length}}, nil
	}
	var data [][]byte
	for _, h := range lists {
		d, err := getList(h)
		if err != nil {
			return nil, err
		}
		data = append(data, d)
	}
	return blockset.Expand(length, blockSize, data)
}
