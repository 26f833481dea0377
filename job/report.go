package job

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ndlib/strata/localdb"
)

// Report accumulates what happened during an operation. Problems with one
// volume or fileset are recorded here instead of stopping the operation;
// the caller decides whether warnings mean failure.
type Report struct {
	Operation   string
	OperationID int64
	DryRun      bool
	Warnings    []string
	Errors      []string

	log     log.FieldLogger
	now     func() time.Time
	entries []reportEntry
	saved   int // number of entries already written to the database
}

type reportEntry struct {
	when time.Time
	typ  string
	msg  string
}

// NewReport starts the report for an operation.
func (e *Env) NewReport(operation string, dryRun bool) *Report {
	return &Report{
		Operation: operation,
		DryRun:    dryRun,
		log:       e.Log.WithFields(log.Fields{"operation": operation, "dryrun": dryRun}),
		now:       e.Now,
	}
}

// Begin records the operation in the database and remembers its id.
func (r *Report) Begin(tx *localdb.Tx, now time.Time) error {
	id, err := tx.BeginOperation(r.Operation, now)
	r.OperationID = id
	return err
}

// Infof records an informational message.
func (r *Report) Infof(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.log.Infoln(msg)
	r.entries = append(r.entries, reportEntry{when: r.now(), typ: localdb.LogInfo, msg: msg})
}

// Warnf records a warning.
func (r *Report) Warnf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.log.Warnln(msg)
	r.Warnings = append(r.Warnings, msg)
	r.entries = append(r.entries, reportEntry{when: r.now(), typ: localdb.LogWarning, msg: msg})
}

// Errorf records an error.
func (r *Report) Errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.log.Errorln(msg)
	r.Errors = append(r.Errors, msg)
	r.entries = append(r.entries, reportEntry{when: r.now(), typ: localdb.LogError, msg: msg})
}

// OK reports whether no errors were recorded.
func (r *Report) OK() bool { return len(r.Errors) == 0 }

// Clean reports whether neither errors nor warnings were recorded.
func (r *Report) Clean() bool { return len(r.Errors) == 0 && len(r.Warnings) == 0 }

// Save appends the messages recorded since the last Save to the
// operation's log. Begin must have been called.
func (r *Report) Save(tx *localdb.Tx) error {
	for _, e := range r.entries[r.saved:] {
		if err := tx.AppendLog(r.OperationID, e.when, e.typ, e.msg, ""); err != nil {
			return err
		}
	}
	r.saved = len(r.entries)
	return nil
}
