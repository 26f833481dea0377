package compact

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ndlib/strata/backup"
	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/job/jobtest"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/repair"
	"github.com/ndlib/strata/store"
	"github.com/ndlib/strata/store/storetest"
)

// setup makes two backups where the second replaces half the data, then
// forgets the first one. It returns the keys written by the first backup.
func setup(t *testing.T) (*job.Env, *store.Memory, []string) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemory()
	env := jobtest.NewEnv(t, ms)
	dir := jobtest.WriteTree(t, t.TempDir(), map[string][]byte{
		"a.bin": jobtest.Pattern(1, 6*jobtest.BlockSize),
		"b.bin": jobtest.Pattern(2, 6*jobtest.BlockSize),
	})
	first, err := backup.Run(ctx, env, []string{dir}, backup.Options{})
	if err != nil {
		t.Fatalf("backup.Run() == %s, expected nil", err)
	}
	keys := jobtest.Keys(t, ms)

	jobtest.Advance(env, time.Hour)
	err = os.WriteFile(filepath.Join(dir, "a.bin"), jobtest.Pattern(3, 6*jobtest.BlockSize), 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := backup.Run(ctx, env, []string{dir}, backup.Options{}); err != nil {
		t.Fatalf("backup.Run() == %s, expected nil", err)
	}
	var dlist string
	err = env.DB.Update(ctx, func(tx *localdb.Tx) error {
		fs, err := tx.FilesetByID(first.FilesetID)
		if err != nil {
			return err
		}
		dlist = fs.VolumeName
		if err := tx.DeleteFileset(fs.ID); err != nil {
			return err
		}
		if err := tx.SetVolumeState(fs.VolumeID, localdb.Deleted); err != nil {
			return err
		}
		return tx.DeleteOrphans()
	})
	if err != nil {
		t.Fatalf("Update() == %s, expected nil", err)
	}
	if err := ms.Delete(ctx, dlist); err != nil {
		t.Fatal(err)
	}
	var result []string
	for _, key := range keys {
		if key != dlist {
			result = append(result, key)
		}
	}
	return env, ms, result
}

func liveHashes(t *testing.T, env *job.Env) []string {
	var result []string
	err := env.DB.View(context.Background(), func(tx *localdb.Tx) error {
		var err error
		result, err = tx.LiveBlockHashes()
		return err
	})
	if err != nil {
		t.Fatalf("LiveBlockHashes() == %s, expected nil", err)
	}
	return result
}

func TestCompact(t *testing.T) {
	env, ms, old := setup(t)
	before := liveHashes(t, env)

	r, err := Run(context.Background(), env, Params{})
	if err != nil {
		t.Fatalf("Run() == %s, expected nil", err)
	}
	if r.Compacted+r.Wasted == 0 {
		t.Fatalf("nothing was compacted")
	}
	if r.Deleted == 0 {
		t.Errorf("Deleted == 0, expected old volumes to be removed")
	}
	if after := liveHashes(t, env); !reflect.DeepEqual(before, after) {
		t.Errorf("live blocks changed: %d before, %d after", len(before), len(after))
	}
	remaining := make(map[string]bool)
	for _, key := range jobtest.Keys(t, ms) {
		remaining[key] = true
	}
	gone := 0
	for _, key := range old {
		if !remaining[key] {
			gone++
		}
	}
	if gone == 0 {
		t.Errorf("no volume of the first backup was removed")
	}

	// the database and the store agree afterwards
	rr, err := repair.Run(context.Background(), env, repair.Options{})
	if err != nil {
		t.Fatalf("repair.Run() == %s, expected nil", err)
	}
	if !rr.Clean() {
		t.Errorf("repair Warnings == %v, expected none", rr.Warnings)
	}

	// a second pass finds nothing new
	r, err = Run(context.Background(), env, Params{})
	if err != nil {
		t.Fatalf("Run() == %s, expected nil", err)
	}
	if r.Compacted != 0 || r.Wasted != 0 {
		t.Errorf("second Run() compacted %d and removed %d, expected nothing", r.Compacted, r.Wasted)
	}
}

func TestCompactDryRun(t *testing.T) {
	env, ms, _ := setup(t)
	sig := jobtest.Signature(t, env)
	keys := jobtest.Keys(t, ms)

	counting := storetest.NewCounting(ms)
	dry := *env
	dry.Store = counting
	dry.Remover = store.NewRemover(counting, store.RemoveOptions{})
	r, err := Run(context.Background(), &dry, Params{DryRun: true})
	if err != nil {
		t.Fatalf("Run() == %s, expected nil", err)
	}
	if r.Compacted+r.Wasted == 0 {
		t.Errorf("dry run found nothing to compact")
	}
	if n := counting.Mutations(); n != 0 {
		t.Errorf("dry run made %d changes to the store", n)
	}
	if got := jobtest.Signature(t, env); got != sig {
		t.Errorf("dry run changed signature from %+v to %+v", sig, got)
	}
	if got := jobtest.Keys(t, ms); !reflect.DeepEqual(got, keys) {
		t.Errorf("dry run changed the store")
	}
}

func TestCompactLocked(t *testing.T) {
	env, ms, old := setup(t)
	ctx := context.Background()
	until := env.Now().Add(time.Hour)
	err := env.DB.Update(ctx, func(tx *localdb.Tx) error {
		for _, key := range old {
			if err := tx.AcquireLock(key, until); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() == %s, expected nil", err)
	}

	r, err := Run(ctx, env, Params{})
	if err != nil {
		t.Fatalf("Run() == %s, expected nil", err)
	}
	if r.Locked == 0 {
		t.Errorf("Locked == 0, expected locked candidates")
	}
	found := false
	for _, w := range r.Warnings {
		found = found || strings.Contains(w, "selected for compaction but has an active lock")
	}
	if !found {
		t.Errorf("Warnings == %v, expected a lock warning", r.Warnings)
	}
	for _, key := range old {
		ok, err := store.Exists(ctx, ms, key)
		if err != nil || !ok {
			t.Errorf("Exists(%s) == %v, %v, expected true", key, ok, err)
		}
	}

	// once the locks expire the volumes are candidates again
	jobtest.Advance(env, 2*time.Hour)
	r, err = Run(ctx, env, Params{})
	if err != nil {
		t.Fatalf("Run() == %s, expected nil", err)
	}
	if r.Locked != 0 || r.Compacted+r.Wasted == 0 {
		t.Errorf("after expiry Locked, Compacted, Wasted == %d, %d, %d", r.Locked, r.Compacted, r.Wasted)
	}
}
