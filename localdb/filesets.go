package localdb

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Fileset is one backup version.
type Fileset struct {
	ID           int64
	OperationID  int64
	VolumeID     int64
	IsFullBackup bool
	Timestamp    time.Time
	VolumeName   string // name of the dlist volume, if registered
}

const filesetColumns = `f.ID, f.OperationID, f.VolumeID, f.IsFullBackup, f.Timestamp, COALESCE(v.Name, '')
	FROM Fileset f LEFT JOIN RemoteVolume v ON v.ID = f.VolumeID`

func (t *Tx) filesets(query string, args ...interface{}) ([]Fileset, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Fileset
	for rows.Next() {
		var f Fileset
		var ts int64
		if err := rows.Scan(&f.ID, &f.OperationID, &f.VolumeID, &f.IsFullBackup, &ts, &f.VolumeName); err != nil {
			return nil, err
		}
		f.Timestamp = time.Unix(ts, 0).UTC()
		result = append(result, f)
	}
	return result, rows.Err()
}

// InsertFileset adds a fileset. The timestamp is stored to the second and
// must not collide with an existing fileset.
func (t *Tx) InsertFileset(opID, volumeID int64, full bool, when time.Time) (int64, error) {
	return t.insert(`INSERT INTO Fileset (OperationID, VolumeID, IsFullBackup, Timestamp) VALUES (?, ?, ?, ?)`,
		opID, volumeID, full, when.Unix())
}

// Filesets returns every fileset, newest first.
func (t *Tx) Filesets() ([]Fileset, error) {
	return t.filesets(`SELECT ` + filesetColumns + ` ORDER BY f.Timestamp DESC`)
}

// FilesetByID returns one fileset.
func (t *Tx) FilesetByID(id int64) (Fileset, error) {
	result, err := t.filesets(`SELECT `+filesetColumns+` WHERE f.ID = ?`, id)
	if err == nil && len(result) == 0 {
		err = ErrNotFound
	}
	if err != nil {
		return Fileset{}, err
	}
	return result[0], nil
}

// FilesetByVolume returns the fileset described by a dlist volume.
func (t *Tx) FilesetByVolume(volumeID int64) (Fileset, error) {
	result, err := t.filesets(`SELECT `+filesetColumns+` WHERE f.VolumeID = ?`, volumeID)
	if err == nil && len(result) == 0 {
		err = ErrNotFound
	}
	if err != nil {
		return Fileset{}, err
	}
	return result[0], nil
}

// FilesetAt returns the fileset with the given timestamp.
func (t *Tx) FilesetAt(when time.Time) (Fileset, error) {
	result, err := t.filesets(`SELECT `+filesetColumns+` WHERE f.Timestamp = ?`, when.Unix())
	if err == nil && len(result) == 0 {
		err = ErrNotFound
	}
	if err != nil {
		return Fileset{}, err
	}
	return result[0], nil
}

// SetFilesetVolume changes the dlist volume describing a fileset.
func (t *Tx) SetFilesetVolume(filesetID, volumeID int64) error {
	_, err := t.exec(`UPDATE Fileset SET VolumeID = ? WHERE ID = ?`, volumeID, filesetID)
	return err
}

// DeleteFileset removes a fileset and its entries. Rows which become
// unreachable are left for DeleteOrphans.
func (t *Tx) DeleteFileset(id int64) error {
	if _, err := t.exec(`DELETE FROM FilesetEntry WHERE FilesetID = ?`, id); err != nil {
		return err
	}
	_, err := t.exec(`DELETE FROM Fileset WHERE ID = ?`, id)
	return err
}

// LastFilesetTime returns the timestamp of the newest fileset, or the zero
// time if there are none.
func (t *Tx) LastFilesetTime() (time.Time, error) {
	var ts sql.NullInt64
	err := t.queryRow(`SELECT max(Timestamp) FROM Fileset`).Scan(&ts)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "last fileset")
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// FilesetVolumes returns the names of every volume a fileset depends on:
// its dlist, the dblocks holding its content, metadata, and blocklist
// blocks, and the dindexes describing those dblocks. The list is sorted.
func (t *Tx) FilesetVolumes(filesetID int64) ([]string, error) {
	const query = `
		WITH sets AS (
			SELECT f.BlocksetID AS ID FROM FilesetEntry e JOIN FileLookup f ON f.ID = e.FileID
				WHERE e.FilesetID = ?1 AND f.BlocksetID >= 0
			UNION
			SELECT m.BlocksetID FROM FilesetEntry e
				JOIN FileLookup f ON f.ID = e.FileID
				JOIN Metadataset m ON m.ID = f.MetadataID
				WHERE e.FilesetID = ?1
		),
		blocks AS (
			SELECT be.BlockID AS ID FROM BlocksetEntry be WHERE be.BlocksetID IN (SELECT ID FROM sets)
			UNION
			SELECT b.ID FROM Block b JOIN Blocklist bl ON bl.Hash = b.Hash
				WHERE bl.BlocksetID IN (SELECT ID FROM sets)
		),
		dblocks AS (
			SELECT DISTINCT VolumeID AS ID FROM Block WHERE ID IN (SELECT ID FROM blocks)
		)
		SELECT Name FROM RemoteVolume WHERE ID IN (SELECT ID FROM dblocks)
		UNION
		SELECT v.Name FROM RemoteVolume v JOIN IndexBlockLink l ON l.IndexVolumeID = v.ID
			WHERE l.BlockVolumeID IN (SELECT ID FROM dblocks)
		UNION
		SELECT v.Name FROM RemoteVolume v JOIN Fileset f ON f.VolumeID = v.ID WHERE f.ID = ?1
		ORDER BY 1`
	return t.strings(query, filesetID)
}
