package localdb

import (
	"github.com/ndlib/strata/volume"
)

// VolumeUsage describes how much of a dblock is still referenced.
type VolumeUsage struct {
	Volume     RemoteVolume
	Total      int64 // bytes of every block stored in the volume, duplicates included
	Live       int64 // bytes of blocks the volume owns which some fileset uses
	Blocks     int64
	LiveBlocks int64
}

// Fraction returns the live share of the volume's payload. An empty volume
// has fraction 0.
func (u VolumeUsage) Fraction() float64 {
	if u.Total == 0 {
		return 0
	}
	return float64(u.Live) / float64(u.Total)
}

// DblockUsage returns the usage of every Uploaded or Verified dblock,
// ordered by volume name.
func (t *Tx) DblockUsage() ([]VolumeUsage, error) {
	vols, err := t.volumes(`SELECT `+volumeColumns+` FROM RemoteVolume
		WHERE Type = ? AND State IN ('Uploaded', 'Verified') ORDER BY Name`, volume.Blocks.String())
	if err != nil {
		return nil, err
	}
	result := make([]VolumeUsage, 0, len(vols))
	for _, v := range vols {
		u := VolumeUsage{Volume: v}
		err := t.queryRow(`SELECT count(*), COALESCE(sum(Size), 0) FROM (
				SELECT Size FROM Block WHERE VolumeID = ?1
				UNION ALL
				SELECT b.Size FROM Block b JOIN DuplicateBlock d ON d.BlockID = b.ID WHERE d.VolumeID = ?1)`,
			v.ID).Scan(&u.Blocks, &u.Total)
		if err != nil {
			return nil, err
		}
		err = t.queryRow(`SELECT count(*), COALESCE(sum(Size), 0) FROM Block
			WHERE VolumeID = ? AND ID IN (SELECT ID FROM LiveBlock)`, v.ID).Scan(&u.LiveBlocks, &u.Live)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, nil
}
