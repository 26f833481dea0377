package localdb

import (
	"database/sql"
	"sort"

	"github.com/pkg/errors"
)

// BlockRow is one row of the Block table.
type BlockRow struct {
	ID       int64
	Hash     string
	Size     int64
	VolumeID int64
}

func (t *Tx) blocks(query string, args ...interface{}) ([]BlockRow, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []BlockRow
	for rows.Next() {
		var b BlockRow
		if err := rows.Scan(&b.ID, &b.Hash, &b.Size, &b.VolumeID); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// FindBlock looks up a block by hash and size.
func (t *Tx) FindBlock(hash string, size int64) (BlockRow, bool, error) {
	var b BlockRow
	err := t.queryRow(`SELECT ID, Hash, Size, VolumeID FROM Block WHERE Hash = ? AND Size = ?`, hash, size).
		Scan(&b.ID, &b.Hash, &b.Size, &b.VolumeID)
	if err == sql.ErrNoRows {
		return b, false, nil
	}
	return b, err == nil, errors.Wrap(err, "find block")
}

// FindBlockByHash looks up a block by hash alone.
func (t *Tx) FindBlockByHash(hash string) (BlockRow, bool, error) {
	var b BlockRow
	err := t.queryRow(`SELECT ID, Hash, Size, VolumeID FROM Block WHERE Hash = ? LIMIT 1`, hash).
		Scan(&b.ID, &b.Hash, &b.Size, &b.VolumeID)
	if err == sql.ErrNoRows {
		return b, false, nil
	}
	return b, err == nil, errors.Wrap(err, "find block")
}

// InsertBlock adds a new block held by the given volume.
func (t *Tx) InsertBlock(hash string, size int64, volumeID int64) (int64, error) {
	return t.insert(`INSERT INTO Block (Hash, Size, VolumeID) VALUES (?, ?, ?)`, hash, size, volumeID)
}

// SetBlockVolume moves a block to another volume.
func (t *Tx) SetBlockVolume(blockID, volumeID int64) error {
	_, err := t.exec(`UPDATE Block SET VolumeID = ? WHERE ID = ?`, volumeID, blockID)
	return err
}

// MoveBlock makes a volume holding a duplicate copy of a block its owner.
func (t *Tx) MoveBlock(blockID, volumeID int64) error {
	if err := t.SetBlockVolume(blockID, volumeID); err != nil {
		return err
	}
	_, err := t.exec(`DELETE FROM DuplicateBlock WHERE BlockID = ? AND VolumeID = ?`, blockID, volumeID)
	return err
}

// AddDuplicateBlock records an extra copy of a block inside a volume.
func (t *Tx) AddDuplicateBlock(blockID, volumeID int64) error {
	_, err := t.exec(`INSERT OR IGNORE INTO DuplicateBlock (BlockID, VolumeID) VALUES (?, ?)`, blockID, volumeID)
	return err
}

// DuplicateVolumes returns the volumes holding an extra copy of a block.
func (t *Tx) DuplicateVolumes(blockID int64) ([]int64, error) {
	return t.int64s(`SELECT VolumeID FROM DuplicateBlock WHERE BlockID = ? ORDER BY VolumeID`, blockID)
}

// BlocksInVolume returns the blocks a volume is the owner of.
func (t *Tx) BlocksInVolume(volumeID int64) ([]BlockRow, error) {
	return t.blocks(`SELECT ID, Hash, Size, VolumeID FROM Block WHERE VolumeID = ? ORDER BY ID`, volumeID)
}

// DuplicatesInVolume returns the blocks a volume holds extra copies of.
func (t *Tx) DuplicatesInVolume(volumeID int64) ([]BlockRow, error) {
	const query = `SELECT b.ID, b.Hash, b.Size, b.VolumeID
		FROM Block b JOIN DuplicateBlock d ON d.BlockID = b.ID
		WHERE d.VolumeID = ? ORDER BY b.ID`
	return t.blocks(query, volumeID)
}

// LiveBlocksInVolume returns the blocks of a volume still referenced by
// some fileset.
func (t *Tx) LiveBlocksInVolume(volumeID int64) ([]BlockRow, error) {
	const query = `SELECT ID, Hash, Size, VolumeID FROM Block
		WHERE VolumeID = ? AND ID IN (SELECT ID FROM LiveBlock) ORDER BY ID`
	return t.blocks(query, volumeID)
}

// MissingBlocks returns blocks whose only copy was lost.
func (t *Tx) MissingBlocks() ([]BlockRow, error) {
	return t.blocks(`SELECT ID, Hash, Size, VolumeID FROM Block WHERE VolumeID = ? ORDER BY ID`, MissingVolumeID)
}

// LiveMissingBlocks returns lost blocks still needed by some fileset.
func (t *Tx) LiveMissingBlocks() ([]BlockRow, error) {
	const query = `SELECT ID, Hash, Size, VolumeID FROM Block
		WHERE VolumeID = ? AND ID IN (SELECT ID FROM LiveBlock) ORDER BY ID`
	return t.blocks(query, MissingVolumeID)
}

// MarkVolumeBlocksMissing marks every block owned by a volume as lost.
func (t *Tx) MarkVolumeBlocksMissing(volumeID int64) (int64, error) {
	return t.affected(`UPDATE Block SET VolumeID = ? WHERE VolumeID = ?`, MissingVolumeID, volumeID)
}

// RepointToDuplicates moves each block owned by the volume to a live
// volume holding a duplicate copy of it, if there is one, and returns the
// number of blocks moved. Duplicate rows made redundant are removed, as are
// the duplicate rows naming the volume itself.
func (t *Tx) RepointToDuplicates(volumeID int64) (int64, error) {
	const copyFor = `SELECT d.VolumeID FROM DuplicateBlock d JOIN RemoteVolume v ON v.ID = d.VolumeID
		WHERE d.BlockID = Block.ID AND v.State IN ('Uploaded', 'Verified')
		ORDER BY d.VolumeID LIMIT 1`
	n, err := t.affected(`UPDATE Block SET VolumeID = (`+copyFor+`)
		WHERE VolumeID = ? AND EXISTS (`+copyFor+`)`, volumeID)
	if err != nil {
		return 0, err
	}
	_, err = t.exec(`DELETE FROM DuplicateBlock
		WHERE VolumeID = ?
		OR EXISTS (SELECT 1 FROM Block b WHERE b.ID = DuplicateBlock.BlockID AND b.VolumeID = DuplicateBlock.VolumeID)`, volumeID)
	return n, err
}

// DeleteBlocks removes blocks and any duplicate rows for them.
func (t *Tx) DeleteBlocks(ids []int64) error {
	return t.withIn(int64Args(ids), func(in string, args []interface{}) error {
		if _, err := t.exec(`DELETE FROM DuplicateBlock WHERE BlockID IN `+in, args...); err != nil {
			return err
		}
		_, err := t.exec(`DELETE FROM Block WHERE ID IN `+in, args...)
		return err
	})
}

// DeleteVolumeBlocks removes every block owned by a volume and every
// duplicate row naming it.
func (t *Tx) DeleteVolumeBlocks(volumeID int64) error {
	if _, err := t.exec(`DELETE FROM DuplicateBlock WHERE VolumeID = ?
		OR BlockID IN (SELECT ID FROM Block WHERE VolumeID = ?)`, volumeID, volumeID); err != nil {
		return err
	}
	_, err := t.exec(`DELETE FROM Block WHERE VolumeID = ?`, volumeID)
	return err
}

// ClearStaleDuplicates removes duplicate rows pointing at volumes that are
// not live, or at the volume already owning the block. It returns the
// number of rows removed.
func (t *Tx) ClearStaleDuplicates() (int64, error) {
	return t.affected(`DELETE FROM DuplicateBlock
		WHERE VolumeID NOT IN (SELECT ID FROM RemoteVolume WHERE State IN ('Uploaded', 'Verified'))
		OR EXISTS (SELECT 1 FROM Block b WHERE b.ID = DuplicateBlock.BlockID AND b.VolumeID = DuplicateBlock.VolumeID)`)
}

// LiveBlockHashes returns the sorted hashes of every block still referenced
// by some fileset.
func (t *Tx) LiveBlockHashes() ([]string, error) {
	result, err := t.strings(`SELECT Hash FROM Block WHERE ID IN (SELECT ID FROM LiveBlock)`)
	sort.Strings(result)
	return result, err
}

// DeleteUnusedBlocks removes blocks in the given volume which no fileset
// references.
func (t *Tx) DeleteUnusedBlocks(volumeID int64) (int64, error) {
	ids, err := t.int64s(`SELECT ID FROM Block WHERE VolumeID = ? AND ID NOT IN (SELECT ID FROM LiveBlock)`, volumeID)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), t.DeleteBlocks(ids)
}

// DeleteDuplicatesInVolume removes the duplicate rows naming a volume.
func (t *Tx) DeleteDuplicatesInVolume(volumeID int64) error {
	_, err := t.exec(`DELETE FROM DuplicateBlock WHERE VolumeID = ?`, volumeID)
	return err
}
