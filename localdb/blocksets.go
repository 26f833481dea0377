package localdb

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/blockset"
	"github.com/ndlib/strata/util"
)

// BlocksetRow describes one Blockset row.
type BlocksetRow struct {
	ID       int64
	Length   int64
	FullHash string
}

// EntryRow is one block of a blockset, in order.
type EntryRow struct {
	Index    int64
	BlockID  int64
	Hash     string
	Size     int64
	VolumeID int64
}

// FindBlockset looks up a blockset by length and full hash.
func (t *Tx) FindBlockset(length int64, fullhash string) (int64, bool, error) {
	var id int64
	err := t.queryRow(`SELECT ID FROM Blockset WHERE Length = ? AND FullHash = ?`, length, fullhash).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return id, err == nil, errors.Wrap(err, "find blockset")
}

// InsertBlockset adds a blockset made of the given blocks, in order, and
// the hashes of its blocklists.
func (t *Tx) InsertBlockset(length int64, fullhash string, blockIDs []int64, blocklists []string) (int64, error) {
	id, err := t.insert(`INSERT INTO Blockset (Length, FullHash) VALUES (?, ?)`, length, fullhash)
	if err != nil {
		return 0, err
	}
	for i, b := range blockIDs {
		_, err = t.exec(`INSERT INTO BlocksetEntry (BlocksetID, "Index", BlockID) VALUES (?, ?, ?)`, id, i, b)
		if err != nil {
			return 0, err
		}
	}
	for i, h := range blocklists {
		_, err = t.exec(`INSERT INTO Blocklist (BlocksetID, "Index", Hash) VALUES (?, ?, ?)`, id, i, h)
		if err != nil {
			return 0, err
		}
	}
	return id, nil
}

// BlocksetInfo returns the length and hash of a blockset.
func (t *Tx) BlocksetInfo(id int64) (BlocksetRow, error) {
	b := BlocksetRow{ID: id}
	err := t.queryRow(`SELECT Length, FullHash FROM Blockset WHERE ID = ?`, id).Scan(&b.Length, &b.FullHash)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, errors.Wrap(err, "blockset")
}

// BlocksetEntries returns the blocks of a blockset in order.
func (t *Tx) BlocksetEntries(id int64) ([]EntryRow, error) {
	const query = `SELECT e."Index", b.ID, b.Hash, b.Size, b.VolumeID
		FROM BlocksetEntry e JOIN Block b ON b.ID = e.BlockID
		WHERE e.BlocksetID = ? ORDER BY e."Index"`
	rows, err := t.query(query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []EntryRow
	for rows.Next() {
		var e EntryRow
		if err := rows.Scan(&e.Index, &e.BlockID, &e.Hash, &e.Size, &e.VolumeID); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// BlocksetBlocklists returns the blocklist hashes of a blockset in order.
func (t *Tx) BlocksetBlocklists(id int64) ([]string, error) {
	return t.strings(`SELECT Hash FROM Blocklist WHERE BlocksetID = ? ORDER BY "Index"`, id)
}

// BlocklistData reassembles the contents of the blocklist with the given
// hash from the blockset entries it describes. The result is checked
// against the hash. The boolean is false if no blockset uses the blocklist.
func (t *Tx) BlocklistData(hash string, blockSize int) ([]byte, bool, error) {
	var setID, idx int64
	err := t.queryRow(`SELECT BlocksetID, "Index" FROM Blocklist WHERE Hash = ? LIMIT 1`, hash).Scan(&setID, &idx)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrap(err, "blocklist")
	}
	per := int64(blockset.HashesPerBlocklist(blockSize))
	hashes, err := t.strings(`SELECT b.Hash FROM BlocksetEntry e JOIN Block b ON b.ID = e.BlockID
		WHERE e.BlocksetID = ? AND e."Index" >= ? AND e."Index" < ? ORDER BY e."Index"`,
		setID, idx*per, (idx+1)*per)
	if err != nil {
		return nil, false, err
	}
	data, err := joinHashes(hashes)
	if err != nil {
		return nil, false, err
	}
	if util.HashBytes(data) != hash {
		return nil, false, errors.Wrapf(util.ErrBadHash, "blocklist %s", hash)
	}
	return data, true, nil
}

func joinHashes(hashes []string) ([]byte, error) {
	data := make([]byte, 0, len(hashes)*util.HashSize)
	for _, h := range hashes {
		raw, err := util.DecodeHash(h)
		if err != nil {
			return nil, err
		}
		data = append(data, raw...)
	}
	return data, nil
}

// BlocklistHashesInVolume returns the hashes of blocklist blocks held by
// the given volume.
func (t *Tx) BlocklistHashesInVolume(volumeID int64) ([]string, error) {
	return t.strings(`SELECT DISTINCT b.Hash FROM Block b JOIN Blocklist bl ON bl.Hash = b.Hash
		WHERE b.VolumeID = ? ORDER BY b.Hash`, volumeID)
}

// IsBlocklistHash reports whether some blockset uses hash as a blocklist.
func (t *Tx) IsBlocklistHash(hash string) (bool, error) {
	n, err := t.count(`SELECT count(*) FROM Blocklist WHERE Hash = ?`, hash)
	return n > 0, err
}

// FindOrInsertMetadataset returns the metadataset wrapping a blockset.
func (t *Tx) FindOrInsertMetadataset(blocksetID int64) (int64, error) {
	var id int64
	err := t.queryRow(`SELECT ID FROM Metadataset WHERE BlocksetID = ?`, blocksetID).Scan(&id)
	if err == nil {
		return id, nil
	} else if err != sql.ErrNoRows {
		return 0, errors.Wrap(err, "metadataset")
	}
	return t.insert(`INSERT INTO Metadataset (BlocksetID) VALUES (?)`, blocksetID)
}

// MetadataBlockset returns the blockset of a metadataset.
func (t *Tx) MetadataBlockset(metaID int64) (int64, error) {
	var id int64
	err := t.queryRow(`SELECT BlocksetID FROM Metadataset WHERE ID = ?`, metaID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, errors.Wrap(err, "metadataset")
}

// BlockUse is a place a block appears: position Index of the content, or
// of the metadata, of the file at Path.
type BlockUse struct {
	Path     string
	Index    int64
	Metadata bool
}

// BlockUses returns every file position holding the given block, content
// uses first.
func (t *Tx) BlockUses(blockID int64) ([]BlockUse, error) {
	const query = `
		SELECT p.Prefix || f.Path, be."Index", 0
		FROM BlocksetEntry be
			JOIN FileLookup f ON f.BlocksetID = be.BlocksetID
			JOIN PathPrefix p ON p.ID = f.PrefixID
		WHERE be.BlockID = ?1
		UNION
		SELECT p.Prefix || f.Path, be."Index", 1
		FROM BlocksetEntry be
			JOIN Metadataset m ON m.BlocksetID = be.BlocksetID
			JOIN FileLookup f ON f.MetadataID = m.ID
			JOIN PathPrefix p ON p.ID = f.PrefixID
		WHERE be.BlockID = ?1
		ORDER BY 3, 1, 2`
	rows, err := t.query(query, blockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []BlockUse
	for rows.Next() {
		var u BlockUse
		if err := rows.Scan(&u.Path, &u.Index, &u.Metadata); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}
