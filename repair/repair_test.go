package repair

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ndlib/strata/backup"
	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/job/jobtest"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/store"
	"github.com/ndlib/strata/store/storetest"
	"github.com/ndlib/strata/volume"
)

// setup backs up a small tree into a memory store.
func setup(t *testing.T) (*job.Env, *store.Memory, *backup.Report) {
	t.Helper()
	ms := store.NewMemory()
	env := jobtest.NewEnv(t, ms)
	dir := jobtest.WriteTree(t, t.TempDir(), map[string][]byte{
		"a.txt":       jobtest.Pattern(1, 2500),
		"big/b.bin":   jobtest.Pattern(2, 40*jobtest.BlockSize),
		"big/c.bin":   jobtest.Pattern(3, 5*jobtest.BlockSize+17),
		"small/d.txt": jobtest.Pattern(4, 10),
	})
	r, err := backup.Run(context.Background(), env, []string{dir}, backup.Options{})
	if err != nil {
		t.Fatalf("backup.Run() == %s, expected nil", err)
	}
	return env, ms, r
}

func run(t *testing.T, env *job.Env, opts Options) *Report {
	t.Helper()
	r, err := Run(context.Background(), env, opts)
	if err != nil {
		t.Fatalf("Run() == %s, expected nil", err)
	}
	return r
}

// keysOf returns the store keys of the given volume type, sorted.
func keysOf(t *testing.T, s store.Store, typ volume.Type) []string {
	var result []string
	for _, key := range jobtest.Keys(t, s) {
		n, err := volume.ParseName(key)
		if err == nil && n.Type == typ {
			result = append(result, key)
		}
	}
	sort.Strings(result)
	return result
}

func TestRepairClean(t *testing.T) {
	env, _, _ := setup(t)
	before := jobtest.Signature(t, env)
	r := run(t, env, Options{})
	if !r.Clean() {
		t.Errorf("Warnings == %v, expected none", r.Warnings)
	}
	if r.Recreated {
		t.Errorf("Recreated == true, expected false")
	}
	after := jobtest.Signature(t, env)
	if before != after {
		t.Errorf("Signature() == %+v, expected %+v", after, before)
	}
}

func TestUnreachable(t *testing.T) {
	env := jobtest.NewEnv(t, storetest.Unreachable{})
	_, err := Run(context.Background(), env, Options{})
	if !errors.Is(err, job.ErrBackendUnreachable) {
		t.Errorf("Run() == %v, expected ErrBackendUnreachable", err)
	}
}

func TestRecreate(t *testing.T) {
	env, ms, _ := setup(t)
	orig := jobtest.Signature(t, env)

	var sigs []localdb.Signature
	for _, s := range []store.Store{ms, storetest.NewShuffled(ms, 7), storetest.NewReversed(ms)} {
		fresh := jobtest.NewEnv(t, s)
		r := run(t, fresh, Options{})
		if !r.Recreated {
			t.Errorf("Recreated == false, expected true")
		}
		if r.VolumesImported != len(jobtest.Keys(t, ms)) {
			t.Errorf("VolumesImported == %d, expected %d", r.VolumesImported, len(jobtest.Keys(t, ms)))
		}
		sig := jobtest.Signature(t, fresh)
		if sig.Blocks != orig.Blocks || sig.Entries != orig.Entries || sig.Filesets != orig.Filesets {
			t.Errorf("recreated Signature() == %+v, expected counts of %+v", sig, orig)
		}
		if sig.IndexLinks != orig.IndexLinks {
			t.Errorf("IndexLinks == %d, expected %d", sig.IndexLinks, orig.IndexLinks)
		}
		sigs = append(sigs, sig)

		// a recreated database needs nothing more
		again := run(t, fresh, Options{})
		if !again.Clean() {
			t.Errorf("second Run() Warnings == %v, expected none", again.Warnings)
		}
		if s2 := jobtest.Signature(t, fresh); s2 != sig {
			t.Errorf("second Run() changed signature to %+v, expected %+v", s2, sig)
		}
	}
	for _, sig := range sigs[1:] {
		if sig != sigs[0] {
			t.Errorf("listing order changed the result: %+v and %+v", sig, sigs[0])
		}
	}
}

func TestDryRun(t *testing.T) {
	env, ms, _ := setup(t)
	idx := keysOf(t, ms, volume.Index)
	if err := ms.Delete(context.Background(), idx[0]); err != nil {
		t.Fatal(err)
	}
	before := jobtest.Signature(t, env)
	keys := jobtest.Keys(t, ms)

	r := run(t, env, Options{DryRun: true})
	if len(r.Warnings) == 0 {
		t.Errorf("dry run found nothing, expected a missing index")
	}
	if after := jobtest.Signature(t, env); after != before {
		t.Errorf("dry run changed signature from %+v to %+v", before, after)
	}
	if after := jobtest.Keys(t, ms); len(after) != len(keys) {
		t.Errorf("dry run changed the store: %d keys, expected %d", len(after), len(keys))
	}

	r = run(t, env, Options{})
	if r.IndexesRebuilt != 1 {
		t.Errorf("IndexesRebuilt == %d, expected 1", r.IndexesRebuilt)
	}
	if got := len(keysOf(t, ms, volume.Index)); got != len(idx) {
		t.Errorf("store has %d indexes, expected %d", got, len(idx))
	}
	sig := jobtest.Signature(t, env)
	again := run(t, env, Options{})
	if !again.Clean() {
		t.Errorf("second Run() Warnings == %v, expected none", again.Warnings)
	}
	if s2 := jobtest.Signature(t, env); s2 != sig {
		t.Errorf("second Run() changed signature to %+v, expected %+v", s2, sig)
	}
}

func TestDuplicateIndex(t *testing.T) {
	env, ms, _ := setup(t)
	ctx := context.Background()
	dblock := keysOf(t, ms, volume.Blocks)[0]
	before := make(map[string]bool)
	for _, key := range keysOf(t, ms, volume.Index) {
		before[key] = true
	}
	var existing string
	err := env.DB.View(ctx, func(tx *localdb.Tx) error {
		v, err := tx.Volume(dblock)
		if err != nil {
			return err
		}
		indexes, err := tx.IndexesOf(v.ID)
		if err != nil {
			return err
		}
		existing = indexes[0].Name
		f, err := job.BuildIndex(tx, env.Volume, v, jobtest.Start)
		if err != nil {
			return err
		}
		return env.Upload(ctx, f)
	})
	if err != nil {
		t.Fatalf("View() == %s, expected nil", err)
	}
	var extra string
	for _, key := range keysOf(t, ms, volume.Index) {
		if !before[key] {
			extra = key
		}
	}
	if extra == "" {
		t.Fatalf("extra index not found in the store")
	}
	keep := existing
	if extra < keep {
		keep = extra
	}

	run(t, env, Options{})
	err = env.DB.View(ctx, func(tx *localdb.Tx) error {
		v, err := tx.Volume(dblock)
		if err != nil {
			return err
		}
		indexes, err := tx.IndexesOf(v.ID)
		if err != nil {
			return err
		}
		if len(indexes) != 1 || indexes[0].Name != keep {
			t.Errorf("IndexesOf(%s) == %v, expected only %s", dblock, indexes, keep)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() == %s, expected nil", err)
	}
	for _, key := range []string{existing, extra} {
		ok, err := store.Exists(ctx, ms, key)
		if err != nil {
			t.Fatal(err)
		}
		if ok != (key == keep) {
			t.Errorf("Exists(%s) == %v, expected %v", key, ok, key == keep)
		}
	}
}

func TestDuplicateEntry(t *testing.T) {
	env, _, br := setup(t)
	ctx := context.Background()
	var orig []localdb.FileRow
	var target localdb.FileRow
	err := env.DB.Update(ctx, func(tx *localdb.Tx) error {
		var err error
		orig, err = tx.FilesetFiles(br.FilesetID)
		if err != nil {
			return err
		}
		// give a file a second entry pointing at another file's content
		var other localdb.FileRow
		for _, f := range orig {
			if f.BlocksetID <= 0 {
				continue
			}
			if target.FileID == 0 {
				target = f
			} else if f.BlocksetID != target.BlocksetID {
				other = f
				break
			}
		}
		id, err := tx.FindOrInsertFile(target.Path, other.BlocksetID, target.MetadataID)
		if err != nil {
			return err
		}
		return tx.AddFilesetEntry(br.FilesetID, id, target.Lastmodified.Add(time.Hour))
	})
	if err != nil {
		t.Fatalf("Update() == %s, expected nil", err)
	}

	r := run(t, env, Options{})
	if r.EntriesCollapsed != 1 {
		t.Errorf("EntriesCollapsed == %d, expected 1", r.EntriesCollapsed)
	}
	err = env.DB.View(ctx, func(tx *localdb.Tx) error {
		files, err := tx.FilesetFilesMatching(br.FilesetID, []string{target.Path})
		if err != nil {
			return err
		}
		// the newer entry loses: the dlist declares the original
		if len(files) != 1 || files[0].FileID != target.FileID {
			t.Errorf("entries for %s == %v, expected only file %d", target.Path, files, target.FileID)
		}
		all, err := tx.FilesetFiles(br.FilesetID)
		if err != nil {
			return err
		}
		if len(all) != len(orig) {
			t.Errorf("fileset has %d entries, expected %d", len(all), len(orig))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() == %s, expected nil", err)
	}
}

func TestRebuildMissingDblock(t *testing.T) {
	env, ms, _ := setup(t)
	ctx := context.Background()
	dblock := keysOf(t, ms, volume.Blocks)[0]
	var index string
	err := env.DB.View(ctx, func(tx *localdb.Tx) error {
		v, err := tx.Volume(dblock)
		if err != nil {
			return err
		}
		indexes, err := tx.IndexesOf(v.ID)
		if err == nil {
			index = indexes[0].Name
		}
		return err
	})
	if err != nil {
		t.Fatalf("View() == %s, expected nil", err)
	}
	for _, key := range []string{dblock, index} {
		if err := ms.Delete(ctx, key); err != nil {
			t.Fatal(err)
		}
	}

	r := run(t, env, Options{RebuildMissingDblocks: true})
	if r.BlocksRebuilt == 0 {
		t.Errorf("BlocksRebuilt == 0, expected some")
	}
	if r.BlocksMissing != 0 {
		t.Errorf("BlocksMissing == %d, expected 0", r.BlocksMissing)
	}
	err = env.DB.View(ctx, func(tx *localdb.Tx) error {
		missing, err := tx.MissingBlocks()
		if err != nil {
			return err
		}
		if len(missing) != 0 {
			t.Errorf("%d blocks still missing", len(missing))
		}
		v, err := tx.Volume(dblock)
		if err != nil {
			return err
		}
		if v.State != localdb.Deleted {
			t.Errorf("lost volume is %s, expected Deleted", v.State)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() == %s, expected nil", err)
	}
	again := run(t, env, Options{})
	if !again.Clean() {
		t.Errorf("second Run() Warnings == %v, expected none", again.Warnings)
	}
}

func TestMissingDblockFlagged(t *testing.T) {
	env, ms, _ := setup(t)
	ctx := context.Background()
	dblock := keysOf(t, ms, volume.Blocks)[0]
	if err := ms.Delete(ctx, dblock); err != nil {
		t.Fatal(err)
	}
	r := run(t, env, Options{})
	if r.BlocksMissing == 0 {
		t.Errorf("BlocksMissing == 0, expected the lost blocks to be reported")
	}
	if r.VolumesRetired < 2 {
		t.Errorf("VolumesRetired == %d, expected the dblock and its index", r.VolumesRetired)
	}
}

// replaceFilelist writes a second dlist for the only fileset, leaving out
// one path, the way a purge interrupted before removing the old dlist
// leaves the store. It returns the old and new dlist names.
func replaceFilelist(t *testing.T, env *job.Env, drop string) (string, string) {
	t.Helper()
	var old string
	var f *volume.Finished
	err := env.DB.View(context.Background(), func(tx *localdb.Tx) error {
		filesets, err := tx.Filesets()
		if err != nil {
			return err
		}
		fs := filesets[0]
		old = fs.VolumeName
		files, err := tx.FilesetFiles(fs.ID)
		if err != nil {
			return err
		}
		var kept []localdb.FileRow
		for _, row := range files {
			if !strings.HasSuffix(row.Path, drop) {
				kept = append(kept, row)
			}
		}
		if len(kept) != len(files)-1 {
			t.Fatalf("%d of %d rows kept, expected one dropped", len(kept), len(files))
		}
		f, err = job.WriteFilelist(tx, env.Volume, fs.Timestamp, fs.IsFullBackup, kept, old)
		return err
	})
	if err != nil {
		t.Fatalf("WriteFilelist() == %s, expected nil", err)
	}
	if err := env.Upload(context.Background(), f); err != nil {
		t.Fatalf("Upload() == %s, expected nil", err)
	}
	return old, f.Name.String()
}

func TestRecreateReplacedFilelist(t *testing.T) {
	for _, reversed := range []bool{false, true} {
		env, ms, _ := setup(t)
		orig := jobtest.Signature(t, env)
		old, replacement := replaceFilelist(t, env, "small/d.txt")

		var s store.Store = ms
		if reversed {
			s = storetest.NewReversed(ms)
		}
		fresh := jobtest.NewEnv(t, s)
		r := run(t, fresh, Options{})
		if !r.Recreated {
			t.Errorf("Recreated == false, expected true")
		}
		var filesets []localdb.Fileset
		err := fresh.DB.View(context.Background(), func(tx *localdb.Tx) error {
			var err error
			filesets, err = tx.Filesets()
			return err
		})
		if err != nil {
			t.Fatalf("Filesets() == %s, expected nil", err)
		}
		if len(filesets) != 1 || filesets[0].VolumeName != replacement {
			t.Errorf("reversed %v: Filesets() == %v, expected one using %s", reversed, filesets, replacement)
		}
		if sig := jobtest.Signature(t, fresh); sig.Entries != orig.Entries-1 {
			t.Errorf("reversed %v: Entries == %d, expected %d", reversed, sig.Entries, orig.Entries-1)
		}
		for _, key := range jobtest.Keys(t, ms) {
			if key == old {
				t.Errorf("reversed %v: replaced filelist %s left in the store", reversed, old)
			}
		}
	}
}
