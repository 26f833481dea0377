package localdb

import (
	"time"
)

// Log entry types.
const (
	LogInfo    = "Information"
	LogWarning = "Warning"
	LogError   = "Error"
)

// LogEntry is one message recorded during an operation.
type LogEntry struct {
	Timestamp time.Time
	Type      string
	Message   string
	Exception string
}

// BeginOperation records the start of an operation and returns its id.
func (t *Tx) BeginOperation(description string, now time.Time) (int64, error) {
	return t.insert(`INSERT INTO Operation (Description, Timestamp) VALUES (?, ?)`,
		description, now.Unix())
}

// AppendLog adds a message to an operation's log.
func (t *Tx) AppendLog(opID int64, now time.Time, typ, message, exception string) error {
	_, err := t.exec(`INSERT INTO LogData (OperationID, Timestamp, Type, Message, Exception) VALUES (?, ?, ?, ?, ?)`,
		opID, now.Unix(), typ, message, exception)
	return err
}

// LogEntries returns the messages of an operation in the order recorded.
func (t *Tx) LogEntries(opID int64) ([]LogEntry, error) {
	rows, err := t.query(`SELECT Timestamp, Type, Message, Exception FROM LogData WHERE OperationID = ? ORDER BY ID`, opID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts int64
		if err := rows.Scan(&ts, &e.Type, &e.Message, &e.Exception); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}
