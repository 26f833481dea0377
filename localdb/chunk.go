package localdb

import (
	"fmt"
	"strings"
)

// ChunkSize is the largest list passed inline to an IN clause. Longer lists
// are staged in a temporary table.
const ChunkSize = 128

// withIn calls fn with an IN operand for values and the arguments it needs.
// Up to ChunkSize values become "(?, ?, ...)"; more are loaded into a
// temporary table and the operand is a subquery over it. The table is
// dropped when fn returns.
func (t *Tx) withIn(values []interface{}, fn func(in string, args []interface{}) error) error {
	if len(values) == 0 {
		return fn("(NULL)", nil)
	}
	if len(values) <= ChunkSize {
		return fn("(?"+strings.Repeat(", ?", len(values)-1)+")", values)
	}
	t.tmp++
	table := fmt.Sprintf("InList%d", t.tmp)
	if _, err := t.exec(`CREATE TEMP TABLE ` + table + ` (Value)`); err != nil {
		return err
	}
	defer t.exec(`DROP TABLE temp.` + table)
	stmt, err := t.tx.PrepareContext(t.ctx, `INSERT INTO temp.`+table+` (Value) VALUES (?)`)
	if err != nil {
		return err
	}
	for _, v := range values {
		if _, err := stmt.ExecContext(t.ctx, v); err != nil {
			stmt.Close()
			return err
		}
	}
	stmt.Close()
	return fn("(SELECT Value FROM temp."+table+")", nil)
}
