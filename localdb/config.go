package localdb

import (
	"database/sql"

	"github.com/pkg/errors"
)

// Config returns a persisted option, or "" if it was never set.
func (t *Tx) Config(key string) (string, error) {
	var v string
	err := t.queryRow(`SELECT Value FROM Configuration WHERE Key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, errors.Wrap(err, "configuration")
}

// SetConfig persists an option.
func (t *Tx) SetConfig(key, value string) error {
	_, err := t.exec(`INSERT OR REPLACE INTO Configuration (Key, Value) VALUES (?, ?)`, key, value)
	return err
}

// CheckConfig persists an option the first time it is seen and afterwards
// returns ErrConfigMismatch if it changes.
func (t *Tx) CheckConfig(key, value string) error {
	old, err := t.Config(key)
	if err != nil {
		return err
	}
	if old == "" {
		return t.SetConfig(key, value)
	}
	if old != value {
		return errors.Wrapf(ErrConfigMismatch, "%s is %q, database has %q", key, value, old)
	}
	return nil
}
