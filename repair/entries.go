package repair

import (
	"context"

	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/volume"
)

// duplicateEntries collapses paths listed more than once in one fileset.
// The entry kept is the one the fileset's dlist declares, or failing that
// the oldest row.
func (rp *repairer) duplicateEntries(ctx context.Context) error {
	groups, err := rp.tx.DuplicateEntries()
	if err != nil || len(groups) == 0 {
		return err
	}
	declared := make(map[int64]map[string]volume.FileEntry)
	for _, g := range groups {
		entries, ok := declared[g.FilesetID]
		if !ok {
			entries = rp.declaredEntries(ctx, g.FilesetID)
			declared[g.FilesetID] = entries
		}
		keep := pickEntry(g.Files, entries[g.Path])
		for _, f := range g.Files {
			if f.FileID == keep.FileID {
				continue
			}
			if err := rp.tx.DeleteFilesetEntry(g.FilesetID, f.FileID); err != nil {
				return err
			}
		}
		rp.r.Warnf("path %s was listed %d times in one fileset", g.Path, len(g.Files))
		rp.r.EntriesCollapsed++
	}
	return rp.tx.DeleteOrphans()
}

// declaredEntries reads the dlist of a fileset into a map by path. It
// returns nil if the dlist cannot be read.
func (rp *repairer) declaredEntries(ctx context.Context, filesetID int64) map[string]volume.FileEntry {
	fs, err := rp.tx.FilesetByID(filesetID)
	if err != nil || fs.VolumeName == "" {
		return nil
	}
	v, err := rp.tx.VolumeByID(fs.VolumeID)
	if err != nil || !v.State.Live() {
		return nil
	}
	if _, present := rp.listing[v.Name]; !present {
		return nil
	}
	data, err := rp.env.Download(ctx, v.Name, v.Size, v.Hash)
	if err != nil {
		rp.r.Warnf("cannot read filelist %s: %s", v.Name, err)
		return nil
	}
	fr, err := volume.OpenFilelist(v.Name, data, rp.env.Volume.Encryption)
	if err != nil {
		rp.r.Warnf("cannot read filelist %s: %s", v.Name, err)
		return nil
	}
	defer fr.Close()
	result := make(map[string]volume.FileEntry)
	for fr.Next() {
		e := fr.Entry()
		if _, ok := result[e.Path]; !ok {
			result[e.Path] = e
		}
	}
	return result
}

// pickEntry chooses which of several rows for one path survives. rows is
// ordered by file id.
func pickEntry(rows []localdb.FileRow, want volume.FileEntry) localdb.FileRow {
	if want.Path != "" {
		for _, f := range rows {
			if matches(f, want) {
				return f
			}
		}
	}
	return rows[0]
}

func matches(f localdb.FileRow, e volume.FileEntry) bool {
	if f.MetaHash != e.MetaHash {
		return false
	}
	switch e.Type {
	case volume.Folder:
		return f.BlocksetID == localdb.FolderBlocksetID
	case volume.Symlink:
		return f.BlocksetID == localdb.SymlinkBlocksetID
	}
	return f.FullHash == e.Hash && f.Length == e.Size
}
