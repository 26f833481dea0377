package localdb

import (
	"fmt"
	"io"

	"github.com/ndlib/strata/util"
)

// Signature summarizes the logical contents of the database. Two databases
// describing the same backups have the same Hash even when their row ids
// differ.
type Signature struct {
	Volumes         int64
	Blocks          int64
	DuplicateBlocks int64
	IndexLinks      int64
	Filesets        int64
	Entries         int64
	Locks           int64
	Hash            string
}

// Signature computes the signature of the database as seen by this
// transaction.
func (t *Tx) Signature() (Signature, error) {
	var sig Signature
	hw := util.NewHashWriterPlain()
	parts := []struct {
		n     *int64
		query string
	}{
		{&sig.Volumes, `SELECT Name, Type, State FROM RemoteVolume ORDER BY Name`},
		{&sig.Blocks, `SELECT b.Hash, b.Size, COALESCE(v.Name, '')
			FROM Block b LEFT JOIN RemoteVolume v ON v.ID = b.VolumeID
			ORDER BY b.Hash, b.Size`},
		{&sig.DuplicateBlocks, `SELECT b.Hash, v.Name
			FROM DuplicateBlock d
				JOIN Block b ON b.ID = d.BlockID
				JOIN RemoteVolume v ON v.ID = d.VolumeID
			ORDER BY b.Hash, v.Name`},
		{&sig.IndexLinks, `SELECT i.Name, b.Name
			FROM IndexBlockLink l
				JOIN RemoteVolume i ON i.ID = l.IndexVolumeID
				JOIN RemoteVolume b ON b.ID = l.BlockVolumeID
			ORDER BY i.Name, b.Name`},
		{&sig.Filesets, `SELECT f.Timestamp, f.IsFullBackup, COALESCE(v.Name, '')
			FROM Fileset f LEFT JOIN RemoteVolume v ON v.ID = f.VolumeID
			ORDER BY f.Timestamp`},
		{&sig.Entries, `SELECT fs.Timestamp, p.Prefix || f.Path, COALESCE(b.FullHash, ''), COALESCE(mb.FullHash, '')
			FROM FilesetEntry e
				JOIN Fileset fs ON fs.ID = e.FilesetID
				JOIN FileLookup f ON f.ID = e.FileID
				JOIN PathPrefix p ON p.ID = f.PrefixID
				LEFT JOIN Blockset b ON b.ID = f.BlocksetID
				LEFT JOIN Metadataset m ON m.ID = f.MetadataID
				LEFT JOIN Blockset mb ON mb.ID = m.BlocksetID
			ORDER BY 1, 2, 3, 4`},
		{&sig.Locks, `SELECT VolumeName, Expiration FROM VolumeLock ORDER BY VolumeName`},
	}
	for i, part := range parts {
		fmt.Fprintf(hw, "#%d\n", i)
		n, err := t.hashRows(hw, part.query)
		if err != nil {
			return sig, err
		}
		*part.n = n
	}
	sig.Hash = hw.Sum()
	return sig, nil
}

// hashRows writes each row of query to w as a tab separated line and
// returns the number of rows.
func (t *Tx) hashRows(w io.Writer, query string) (int64, error) {
	rows, err := t.query(query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	var n int64
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return n, err
		}
		for i, v := range vals {
			if i > 0 {
				io.WriteString(w, "\t")
			}
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			fmt.Fprint(w, v)
		}
		io.WriteString(w, "\n")
		n++
	}
	return n, rows.Err()
}
