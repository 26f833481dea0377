package localdb

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/volume"
)

// State is where a remote volume is in its life.
//
//	Temporary -> Uploading -> Uploaded -> Verified -> Deleting -> Deleted
//
// A volume only ever moves forward through this list, except that any
// state may move to Error. An errored volume may still be deleted.
type State int

const (
	Temporary State = iota
	Uploading
	Uploaded
	Verified
	Deleting
	Deleted
	Error
)

var stateNames = []string{"Temporary", "Uploading", "Uploaded", "Verified", "Deleting", "Deleted", "Error"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState converts the result of String back into a State.
func ParseState(s string) (State, error) {
	for i, n := range stateNames {
		if n == s {
			return State(i), nil
		}
	}
	return 0, errors.Errorf("unknown volume state %q", s)
}

// CanMoveTo reports whether a volume in state s may be put into next.
func (s State) CanMoveTo(next State) bool {
	switch {
	case next == Error || next == s:
		return true
	case s == Error:
		return next == Deleting || next == Deleted
	}
	return next > s
}

// Live reports whether a volume in this state holds data that counts.
func (s State) Live() bool {
	return s == Uploaded || s == Verified
}

// RemoteVolume is one row of the volume registry.
type RemoteVolume struct {
	ID                int64
	OperationID       int64
	Name              string
	Type              volume.Type
	Size              int64
	Hash              string
	State             State
	VerificationCount int64
	DeleteGraceTime   time.Time
}

const volumeColumns = `ID, OperationID, Name, Type, Size, Hash, State, VerificationCount, DeleteGraceTime`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanVolume(sc scanner) (RemoteVolume, error) {
	var v RemoteVolume
	var typ, state string
	var grace int64
	err := sc.Scan(&v.ID, &v.OperationID, &v.Name, &typ, &v.Size, &v.Hash, &state, &v.VerificationCount, &grace)
	if err != nil {
		return v, err
	}
	if v.Type, err = volume.ParseType(typ); err != nil {
		return v, err
	}
	if v.State, err = ParseState(state); err != nil {
		return v, err
	}
	v.DeleteGraceTime = fromUnix(grace)
	return v, nil
}

func (t *Tx) volumes(query string, args ...interface{}) ([]RemoteVolume, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []RemoteVolume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// RegisterVolume adds a volume to the registry and returns its id.
func (t *Tx) RegisterVolume(opID int64, name string, typ volume.Type, state State, size int64, hash string) (int64, error) {
	const query = `INSERT INTO RemoteVolume (OperationID, Name, Type, State, Size, Hash) VALUES (?, ?, ?, ?, ?, ?)`
	id, err := t.insert(query, opID, name, typ.String(), state.String(), size, hash)
	return id, errors.Wrapf(err, "register %s", name)
}

// Volume returns the volume with the given name.
func (t *Tx) Volume(name string) (RemoteVolume, error) {
	v, err := scanVolume(t.queryRow(`SELECT `+volumeColumns+` FROM RemoteVolume WHERE Name = ?`, name))
	if err == sql.ErrNoRows {
		return v, errors.Wrap(ErrNotFound, name)
	}
	return v, err
}

// VolumeByID returns the volume with the given id.
func (t *Tx) VolumeByID(id int64) (RemoteVolume, error) {
	v, err := scanVolume(t.queryRow(`SELECT `+volumeColumns+` FROM RemoteVolume WHERE ID = ?`, id))
	if err == sql.ErrNoRows {
		return v, errors.Wrapf(ErrNotFound, "volume id %d", id)
	}
	return v, err
}

// Volumes returns every volume ordered by name.
func (t *Tx) Volumes() ([]RemoteVolume, error) {
	return t.volumes(`SELECT ` + volumeColumns + ` FROM RemoteVolume ORDER BY Name`)
}

// VolumesOf returns the volumes of one type in any of the given states,
// ordered by name. No states means every state.
func (t *Tx) VolumesOf(typ volume.Type, states ...State) ([]RemoteVolume, error) {
	query := `SELECT ` + volumeColumns + ` FROM RemoteVolume WHERE Type = ?`
	args := []interface{}{typ.String()}
	if len(states) > 0 {
		query += ` AND State IN (?` + strings.Repeat(`, ?`, len(states)-1) + `)`
		for _, s := range states {
			args = append(args, s.String())
		}
	}
	return t.volumes(query+` ORDER BY Name`, args...)
}

// VolumesInState returns every volume in any of the given states.
func (t *Tx) VolumesInState(states ...State) ([]RemoteVolume, error) {
	var args []interface{}
	for _, s := range states {
		args = append(args, s.String())
	}
	var result []RemoteVolume
	err := t.withIn(args, func(in string, inargs []interface{}) error {
		var err error
		result, err = t.volumes(`SELECT `+volumeColumns+` FROM RemoteVolume WHERE State IN `+in+` ORDER BY Name`, inargs...)
		return err
	})
	return result, err
}

// VolumesByName looks up many volumes at once. Names not in the registry
// are absent from the result.
func (t *Tx) VolumesByName(names []string) (map[string]RemoteVolume, error) {
	result := make(map[string]RemoteVolume)
	err := t.withIn(stringArgs(names), func(in string, args []interface{}) error {
		vols, err := t.volumes(`SELECT `+volumeColumns+` FROM RemoteVolume WHERE Name IN `+in, args...)
		for _, v := range vols {
			result[v.Name] = v
		}
		return err
	})
	return result, err
}

// SetVolumeState moves a volume to a new state.
func (t *Tx) SetVolumeState(id int64, next State) error {
	v, err := t.VolumeByID(id)
	if err != nil {
		return err
	}
	if !v.State.CanMoveTo(next) {
		return errors.Wrapf(ErrIllegalTransition, "%s: %s to %s", v.Name, v.State, next)
	}
	_, err = t.exec(`UPDATE RemoteVolume SET State = ? WHERE ID = ?`, next.String(), id)
	return err
}

// SetVolumeInfo records the size and hash of a volume.
func (t *Tx) SetVolumeInfo(id int64, size int64, hash string) error {
	_, err := t.exec(`UPDATE RemoteVolume SET Size = ?, Hash = ? WHERE ID = ?`, size, hash, id)
	return err
}

// SetDeleteGraceTime records when a volume may be removed.
func (t *Tx) SetDeleteGraceTime(id int64, when time.Time) error {
	_, err := t.exec(`UPDATE RemoteVolume SET DeleteGraceTime = ? WHERE ID = ?`, unix(when), id)
	return err
}

// MarkVerified moves a volume to Verified and counts one more verification.
func (t *Tx) MarkVerified(id int64) error {
	if err := t.SetVolumeState(id, Verified); err != nil {
		return err
	}
	_, err := t.exec(`UPDATE RemoteVolume SET VerificationCount = VerificationCount + 1 WHERE ID = ?`, id)
	return err
}

// LinkIndex records that the index volume describes the block volume.
func (t *Tx) LinkIndex(indexID, blockID int64) error {
	_, err := t.exec(`INSERT OR IGNORE INTO IndexBlockLink (IndexVolumeID, BlockVolumeID) VALUES (?, ?)`, indexID, blockID)
	return err
}

// IndexesOf returns the index volumes linked to a block volume.
func (t *Tx) IndexesOf(blockID int64) ([]RemoteVolume, error) {
	const query = `SELECT ` + volumeColumns + ` FROM RemoteVolume
		WHERE ID IN (SELECT IndexVolumeID FROM IndexBlockLink WHERE BlockVolumeID = ?)
		ORDER BY Name`
	return t.volumes(query, blockID)
}

// BlockVolumesOf returns the block volumes an index volume describes.
func (t *Tx) BlockVolumesOf(indexID int64) ([]RemoteVolume, error) {
	const query = `SELECT ` + volumeColumns + ` FROM RemoteVolume
		WHERE ID IN (SELECT BlockVolumeID FROM IndexBlockLink WHERE IndexVolumeID = ?)
		ORDER BY Name`
	return t.volumes(query, indexID)
}

// UnlinkVolume removes every index link involving the volume.
func (t *Tx) UnlinkVolume(id int64) error {
	_, err := t.exec(`DELETE FROM IndexBlockLink WHERE IndexVolumeID = ? OR BlockVolumeID = ?`, id, id)
	return err
}

func stringArgs(values []string) []interface{} {
	result := make([]interface{}, len(values))
	for i, v := range values {
		result[i] = v
	}
	return result
}

func int64Args(values []int64) []interface{} {
	result := make([]interface{}, len(values))
	for i, v := range values {
		result[i] = v
	}
	return result
}
