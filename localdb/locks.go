package localdb

import (
	"time"
)

// Lock protects a remote volume from deletion until Expiration.
// Expirations are stored as Unix nanoseconds.
type Lock struct {
	VolumeName string
	Expiration time.Time
}

// AcquireLock sets the lock on a volume, replacing any earlier lock.
func (t *Tx) AcquireLock(name string, until time.Time) error {
	_, err := t.exec(`INSERT INTO VolumeLock (VolumeName, Expiration) VALUES (?, ?)
		ON CONFLICT (VolumeName) DO UPDATE SET Expiration = excluded.Expiration`,
		name, until.UnixNano())
	return err
}

// ReleaseLock removes the lock on a volume, if any.
func (t *Tx) ReleaseLock(name string) error {
	_, err := t.exec(`DELETE FROM VolumeLock WHERE VolumeName = ?`, name)
	return err
}

// IsLocked reports whether a volume has a lock which has not expired by now.
func (t *Tx) IsLocked(name string, now time.Time) (bool, error) {
	n, err := t.count(`SELECT count(*) FROM VolumeLock WHERE VolumeName = ? AND Expiration > ?`,
		name, now.UnixNano())
	return n > 0, err
}

// LockedNames returns the subset of names with an active lock.
func (t *Tx) LockedNames(names []string, now time.Time) (map[string]bool, error) {
	result := make(map[string]bool)
	err := t.withIn(stringArgs(names), func(in string, args []interface{}) error {
		args = append(args, now.UnixNano())
		locked, err := t.strings(`SELECT VolumeName FROM VolumeLock WHERE VolumeName IN `+in+` AND Expiration > ?`, args...)
		for _, name := range locked {
			result[name] = true
		}
		return err
	})
	return result, err
}

// Locks returns every lock, expired or not, ordered by volume name.
func (t *Tx) Locks() ([]Lock, error) {
	rows, err := t.query(`SELECT VolumeName, Expiration FROM VolumeLock ORDER BY VolumeName`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Lock
	for rows.Next() {
		var l Lock
		var exp int64
		if err := rows.Scan(&l.VolumeName, &exp); err != nil {
			return nil, err
		}
		l.Expiration = time.Unix(0, exp).UTC()
		result = append(result, l)
	}
	return result, rows.Err()
}

// PurgeExpiredLocks removes locks which expired at or before now.
func (t *Tx) PurgeExpiredLocks(now time.Time) (int64, error) {
	return t.affected(`DELETE FROM VolumeLock WHERE Expiration <= ?`, now.UnixNano())
}
