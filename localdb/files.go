package localdb

import (
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SplitPath divides a path into the directory prefix, which keeps its
// trailing separator, and the final name. Folder paths end in "/" and keep
// it in the name.
func SplitPath(p string) (prefix, name string) {
	trimmed := strings.TrimSuffix(p, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return "", p
	}
	return p[:i+1], p[i+1:]
}

// PrefixID returns the id of a path prefix, adding it if needed.
func (t *Tx) PrefixID(prefix string) (int64, error) {
	var id int64
	err := t.queryRow(`SELECT ID FROM PathPrefix WHERE Prefix = ?`, prefix).Scan(&id)
	if err == nil {
		return id, nil
	} else if err != sql.ErrNoRows {
		return 0, errors.Wrap(err, "path prefix")
	}
	return t.insert(`INSERT INTO PathPrefix (Prefix) VALUES (?)`, prefix)
}

// FindOrInsertFile returns the FileLookup id for the combination of path,
// content and metadata, adding a row if there is none.
func (t *Tx) FindOrInsertFile(path string, blocksetID, metadataID int64) (int64, error) {
	prefix, name := SplitPath(path)
	pid, err := t.PrefixID(prefix)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.queryRow(`SELECT ID FROM FileLookup WHERE PrefixID = ? AND Path = ? AND BlocksetID = ? AND MetadataID = ?`,
		pid, name, blocksetID, metadataID).Scan(&id)
	if err == nil {
		return id, nil
	} else if err != sql.ErrNoRows {
		return 0, errors.Wrap(err, "file lookup")
	}
	return t.insert(`INSERT INTO FileLookup (PrefixID, Path, BlocksetID, MetadataID) VALUES (?, ?, ?, ?)`,
		pid, name, blocksetID, metadataID)
}

// AddFilesetEntry puts a file into a fileset.
func (t *Tx) AddFilesetEntry(filesetID, fileID int64, lastmod time.Time) error {
	_, err := t.exec(`INSERT INTO FilesetEntry (FilesetID, FileID, Lastmodified) VALUES (?, ?, ?)`,
		filesetID, fileID, unix(lastmod))
	return err
}

// DeleteFilesetEntry removes a file from a fileset.
func (t *Tx) DeleteFilesetEntry(filesetID, fileID int64) error {
	_, err := t.exec(`DELETE FROM FilesetEntry WHERE FilesetID = ? AND FileID = ?`, filesetID, fileID)
	return err
}

// FileRow is one entry of a fileset with its content and metadata
// descriptions. Folders and symlinks have BlocksetID set to the special ids
// and no content fields.
type FileRow struct {
	FileID         int64
	Path           string
	BlocksetID     int64
	MetadataID     int64
	Lastmodified   time.Time
	Length         int64
	FullHash       string
	MetaBlocksetID int64
	MetaLength     int64
	MetaHash       string
}

const fileColumns = `f.ID, p.Prefix || f.Path, f.BlocksetID, f.MetadataID, e.Lastmodified,
	COALESCE(b.Length, 0), COALESCE(b.FullHash, ''),
	COALESCE(m.BlocksetID, 0), COALESCE(mb.Length, 0), COALESCE(mb.FullHash, '')`

const fileJoins = `FilesetEntry e
	JOIN FileLookup f ON f.ID = e.FileID
	JOIN PathPrefix p ON p.ID = f.PrefixID
	LEFT JOIN Blockset b ON b.ID = f.BlocksetID
	LEFT JOIN Metadataset m ON m.ID = f.MetadataID
	LEFT JOIN Blockset mb ON mb.ID = m.BlocksetID`

func (t *Tx) files(query string, args ...interface{}) ([]FileRow, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []FileRow
	for rows.Next() {
		var f FileRow
		var lastmod int64
		err := rows.Scan(&f.FileID, &f.Path, &f.BlocksetID, &f.MetadataID, &lastmod,
			&f.Length, &f.FullHash, &f.MetaBlocksetID, &f.MetaLength, &f.MetaHash)
		if err != nil {
			return nil, err
		}
		f.Lastmodified = fromUnix(lastmod)
		result = append(result, f)
	}
	return result, rows.Err()
}

// FilesetFiles returns the entries of a fileset ordered by path.
func (t *Tx) FilesetFiles(filesetID int64) ([]FileRow, error) {
	return t.files(`SELECT `+fileColumns+` FROM `+fileJoins+`
		WHERE e.FilesetID = ? ORDER BY p.Prefix || f.Path, f.ID`, filesetID)
}

// FilesetFilesMatching returns the entries of a fileset whose path is one
// of paths.
func (t *Tx) FilesetFilesMatching(filesetID int64, paths []string) ([]FileRow, error) {
	var result []FileRow
	err := t.withIn(stringArgs(paths), func(in string, args []interface{}) error {
		var err error
		args = append([]interface{}{filesetID}, args...)
		result, err = t.files(`SELECT `+fileColumns+` FROM `+fileJoins+`
			WHERE e.FilesetID = ? AND p.Prefix || f.Path IN `+in+` ORDER BY p.Prefix || f.Path`, args...)
		return err
	})
	return result, err
}

// DuplicateGroup is a path listed more than once in the same fileset.
type DuplicateGroup struct {
	FilesetID int64
	Path      string
	Files     []FileRow
}

// DuplicateEntries returns every path occurring more than once inside a
// single fileset, ordered by fileset and path.
func (t *Tx) DuplicateEntries() ([]DuplicateGroup, error) {
	rows, err := t.query(`SELECT e.FilesetID, p.Prefix || f.Path
		FROM FilesetEntry e
			JOIN FileLookup f ON f.ID = e.FileID
			JOIN PathPrefix p ON p.ID = f.PrefixID
		GROUP BY e.FilesetID, p.Prefix || f.Path
		HAVING count(*) > 1
		ORDER BY e.FilesetID, p.Prefix || f.Path`)
	if err != nil {
		return nil, err
	}
	var groups []DuplicateGroup
	for rows.Next() {
		var g DuplicateGroup
		if err := rows.Scan(&g.FilesetID, &g.Path); err != nil {
			rows.Close()
			return nil, err
		}
		groups = append(groups, g)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	for i := range groups {
		groups[i].Files, err = t.files(`SELECT `+fileColumns+` FROM `+fileJoins+`
			WHERE e.FilesetID = ? AND p.Prefix || f.Path = ? ORDER BY f.ID`,
			groups[i].FilesetID, groups[i].Path)
		if err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// DeleteOrphans removes rows no longer reachable from any fileset: file
// lookups, metadatasets, blocksets with their entries and blocklists, and
// path prefixes. Blocks are left alone.
func (t *Tx) DeleteOrphans() error {
	stmts := []string{
		`DELETE FROM FileLookup WHERE ID NOT IN (SELECT FileID FROM FilesetEntry)`,
		`DELETE FROM Metadataset WHERE ID NOT IN (SELECT MetadataID FROM FileLookup)`,
		`DELETE FROM Blockset WHERE ID NOT IN (SELECT BlocksetID FROM FileLookup)
			AND ID NOT IN (SELECT BlocksetID FROM Metadataset)`,
		`DELETE FROM BlocksetEntry WHERE BlocksetID NOT IN (SELECT ID FROM Blockset)`,
		`DELETE FROM Blocklist WHERE BlocksetID NOT IN (SELECT ID FROM Blockset)`,
		`DELETE FROM PathPrefix WHERE ID NOT IN (SELECT PrefixID FROM FileLookup)`,
	}
	for _, s := range stmts {
		if _, err := t.exec(s); err != nil {
			return err
		}
	}
	return nil
}
