package job_test

import (
	"context"
	"testing"
	"time"

	"github.com/ndlib/strata/job/jobtest"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/store"
)

func TestReportUsesClock(t *testing.T) {
	env := jobtest.NewEnv(t, store.NewMemory())
	r := env.NewReport("Test", false)
	r.Infof("started")
	jobtest.Advance(env, 3*time.Hour)
	r.Warnf("later")

	var entries []localdb.LogEntry
	err := env.DB.Update(context.Background(), func(tx *localdb.Tx) error {
		if err := r.Begin(tx, env.Now()); err != nil {
			return err
		}
		if err := r.Save(tx); err != nil {
			return err
		}
		var err error
		entries, err = tx.LogEntries(r.OperationID)
		return err
	})
	if err != nil {
		t.Fatalf("Update() == %s, expected nil", err)
	}
	if len(entries) != 2 {
		t.Fatalf("LogEntries() == %v, expected 2 entries", entries)
	}
	var expected = []time.Time{jobtest.Start, jobtest.Start.Add(3 * time.Hour)}
	for i, e := range entries {
		if !e.Timestamp.Equal(expected[i]) {
			t.Errorf("entry %d at %s, expected %s", i, e.Timestamp, expected[i])
		}
	}
	if !r.OK() || r.Clean() {
		t.Errorf("OK() == %v, Clean() == %v, expected true, false", r.OK(), r.Clean())
	}
}
