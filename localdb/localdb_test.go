package localdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ndlib/strata/util"
	"github.com/ndlib/strata/volume"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("Open() == %s, expected nil", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// update runs fn in a committed transaction, failing the test on error.
func update(t *testing.T, db *DB, fn func(*Tx) error) {
	t.Helper()
	if err := db.Update(context.Background(), fn); err != nil {
		t.Fatalf("Update() == %s, expected nil", err)
	}
}

func TestStateTransitions(t *testing.T) {
	var table = []struct {
		from, to State
		ok       bool
	}{
		{Temporary, Uploading, true},
		{Uploading, Uploaded, true},
		{Uploaded, Verified, true},
		{Verified, Deleting, true},
		{Deleting, Deleted, true},
		{Temporary, Deleted, true},
		{Verified, Verified, true},
		{Verified, Uploaded, false},
		{Deleted, Uploading, false},
		{Deleting, Verified, false},
		{Uploaded, Error, true},
		{Error, Deleting, true},
		{Error, Deleted, true},
		{Error, Verified, false},
	}
	for _, tab := range table {
		if got := tab.from.CanMoveTo(tab.to); got != tab.ok {
			t.Errorf("%s.CanMoveTo(%s) == %v, expected %v", tab.from, tab.to, got, tab.ok)
		}
	}
	for s := Temporary; s <= Error; s++ {
		back, err := ParseState(s.String())
		if err != nil || back != s {
			t.Errorf("ParseState(%s) == %s, %v", s, back, err)
		}
	}
}

func TestVolumeRegistry(t *testing.T) {
	db := openTest(t)
	update(t, db, func(tx *Tx) error {
		op, err := tx.BeginOperation("test", time.Now())
		if err != nil {
			return err
		}
		id, err := tx.RegisterVolume(op, "a-b-1", volume.Blocks, Uploading, -1, "")
		if err != nil {
			return err
		}
		_, err = tx.RegisterVolume(op, "a-b-1", volume.Blocks, Uploading, -1, "")
		if !IsConstraint(err) {
			t.Errorf("duplicate RegisterVolume() == %v, expected constraint error", err)
		}
		if err := tx.SetVolumeState(id, Uploaded); err != nil {
			return err
		}
		if err := tx.SetVolumeState(id, Uploading); err == nil {
			t.Errorf("SetVolumeState(Uploading) == nil, expected error")
		}
		if err := tx.MarkVerified(id); err != nil {
			return err
		}
		v, err := tx.Volume("a-b-1")
		if err != nil {
			return err
		}
		if v.State != Verified || v.VerificationCount != 1 || v.Type != volume.Blocks {
			t.Errorf("Volume() == %+v", v)
		}
		_, err = tx.Volume("nothing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Volume(nothing) == %v, expected ErrNotFound", err)
		}
		return nil
	})
}

func TestVolumesByNameChunked(t *testing.T) {
	db := openTest(t)
	var names []string
	update(t, db, func(tx *Tx) error {
		for i := 0; i < 3*ChunkSize; i++ {
			name := fmt.Sprintf("v-%04d", i)
			names = append(names, name)
			if _, err := tx.RegisterVolume(0, name, volume.Index, Uploaded, 10, ""); err != nil {
				return err
			}
		}
		return nil
	})
	var table = []int{0, 1, ChunkSize, ChunkSize + 1, len(names)}
	for _, n := range table {
		update(t, db, func(tx *Tx) error {
			m, err := tx.VolumesByName(names[:n])
			if err != nil {
				return err
			}
			if len(m) != n {
				t.Errorf("VolumesByName(%d names) returned %d", n, len(m))
			}
			return nil
		})
	}
	// the temp table must be gone so a second large lookup works
	update(t, db, func(tx *Tx) error {
		for i := 0; i < 2; i++ {
			if _, err := tx.VolumesByName(names); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestLocks(t *testing.T) {
	db := openTest(t)
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	update(t, db, func(tx *Tx) error {
		if err := tx.AcquireLock("x", now.Add(time.Hour)); err != nil {
			return err
		}
		if err := tx.AcquireLock("y", now.Add(-time.Hour)); err != nil {
			return err
		}
		// a second acquire replaces the first
		if err := tx.AcquireLock("x", now.Add(2*time.Hour)); err != nil {
			return err
		}
		// expirations keep their fractional second
		return tx.AcquireLock("s", now.Add(900*time.Millisecond))
	})
	var table = []struct {
		name   string
		when   time.Time
		locked bool
	}{
		{"x", now, true},
		{"x", now.Add(90 * time.Minute), true},
		{"x", now.Add(2 * time.Hour), false},
		{"y", now, false},
		{"z", now, false},
		{"s", now.Add(900 * time.Millisecond), false},
		{"s", now.Add(899 * time.Millisecond), true},
		{"s", now, true},
	}
	update(t, db, func(tx *Tx) error {
		for _, tab := range table {
			got, err := tx.IsLocked(tab.name, tab.when)
			if err != nil {
				return err
			}
			if got != tab.locked {
				t.Errorf("IsLocked(%s, %s) == %v, expected %v", tab.name, tab.when, got, tab.locked)
			}
		}
		m, err := tx.LockedNames([]string{"x", "y", "z", "s"}, now.Add(500*time.Millisecond))
		if err != nil {
			return err
		}
		if len(m) != 2 || !m["x"] || !m["s"] {
			t.Errorf("LockedNames() == %v, expected x and s", m)
		}
		locks, err := tx.Locks()
		if err != nil {
			return err
		}
		if len(locks) != 3 || locks[0].VolumeName != "s" || !locks[0].Expiration.Equal(now.Add(900*time.Millisecond)) {
			t.Errorf("Locks() == %v, expected s to expire at %s", locks, now.Add(900*time.Millisecond))
		}
		n, err := tx.PurgeExpiredLocks(now)
		if n != 1 || err != nil {
			t.Errorf("PurgeExpiredLocks() == %d, %v, expected 1", n, err)
		}
		return nil
	})
}

// addFile stores a one block file in a new fileset and returns the block
// and fileset ids.
func addFile(tx *Tx, volID int64, when time.Time, path, hash string) (int64, int64, error) {
	block, ok, err := tx.FindBlock(hash, 10)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		block.ID, err = tx.InsertBlock(hash, 10, volID)
		if err != nil {
			return 0, 0, err
		}
	}
	bs, err := tx.InsertBlockset(10, hash, []int64{block.ID}, nil)
	if err != nil {
		return 0, 0, err
	}
	meta, err := tx.FindOrInsertMetadataset(bs)
	if err != nil {
		return 0, 0, err
	}
	file, err := tx.FindOrInsertFile(path, bs, meta)
	if err != nil {
		return 0, 0, err
	}
	fs, err := tx.InsertFileset(0, 0, true, when)
	if err != nil {
		return 0, 0, err
	}
	return block.ID, fs, tx.AddFilesetEntry(fs, file, when)
}

func TestLiveBlocksAndOrphans(t *testing.T) {
	db := openTest(t)
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	update(t, db, func(tx *Tx) error {
		vol, err := tx.RegisterVolume(0, "p-b-1", volume.Blocks, Verified, 100, "")
		if err != nil {
			return err
		}
		_, fs1, err := addFile(tx, vol, now, "/a/one", "hash-one")
		if err != nil {
			return err
		}
		_, _, err = addFile(tx, vol, now.Add(time.Second), "/a/two", "hash-two")
		if err != nil {
			return err
		}
		live, err := tx.LiveBlockHashes()
		if err != nil {
			return err
		}
		if len(live) != 2 {
			t.Errorf("LiveBlockHashes() == %v, expected 2", live)
		}
		usage, err := tx.DblockUsage()
		if err != nil {
			return err
		}
		if len(usage) != 1 || usage[0].Live != 20 || usage[0].Total != 20 {
			t.Errorf("DblockUsage() == %+v", usage)
		}

		if err := tx.DeleteFileset(fs1); err != nil {
			return err
		}
		if err := tx.DeleteOrphans(); err != nil {
			return err
		}
		live, _ = tx.LiveBlockHashes()
		if len(live) != 1 || live[0] != "hash-two" {
			t.Errorf("LiveBlockHashes() == %v, expected [hash-two]", live)
		}
		n, err := tx.count(`SELECT count(*) FROM FileLookup`)
		if n != 1 || err != nil {
			t.Errorf("FileLookup has %d rows, expected 1", n)
		}
		n, _ = tx.count(`SELECT count(*) FROM PathPrefix`)
		if n != 1 {
			t.Errorf("PathPrefix has %d rows, expected 1", n)
		}
		removed, err := tx.DeleteUnusedBlocks(vol)
		if removed != 1 || err != nil {
			t.Errorf("DeleteUnusedBlocks() == %d, %v, expected 1", removed, err)
		}
		return nil
	})
}

func TestRepointToDuplicates(t *testing.T) {
	db := openTest(t)
	update(t, db, func(tx *Tx) error {
		v1, _ := tx.RegisterVolume(0, "p-b-1", volume.Blocks, Verified, 100, "")
		v2, _ := tx.RegisterVolume(0, "p-b-2", volume.Blocks, Verified, 100, "")
		v3, _ := tx.RegisterVolume(0, "p-b-3", volume.Blocks, Deleted, 100, "")
		b1, _ := tx.InsertBlock("one", 1, v1)
		b2, _ := tx.InsertBlock("two", 1, v1)
		if err := tx.AddDuplicateBlock(b1, v2); err != nil {
			return err
		}
		if err := tx.AddDuplicateBlock(b2, v3); err != nil {
			return err
		}
		n, err := tx.RepointToDuplicates(v1)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("RepointToDuplicates() == %d, expected 1", n)
		}
		blocks, _ := tx.BlocksInVolume(v2)
		if len(blocks) != 1 || blocks[0].ID != b1 {
			t.Errorf("BlocksInVolume(v2) == %v", blocks)
		}
		dups, _ := tx.DuplicateVolumes(b1)
		if len(dups) != 0 {
			t.Errorf("DuplicateVolumes(b1) == %v, expected none", dups)
		}
		n, err = tx.ClearStaleDuplicates()
		if n != 1 || err != nil {
			t.Errorf("ClearStaleDuplicates() == %d, %v, expected 1", n, err)
		}
		return nil
	})
}

func TestBlocklistData(t *testing.T) {
	db := openTest(t)
	update(t, db, func(tx *Tx) error {
		hashes := []string{
			"/vFe3YKzNjNYLHI1YtGS/sLSAD3xLUrqyJ3xfCeaFlg=",
			"47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=",
		}
		var ids []int64
		for _, h := range hashes {
			id, err := tx.InsertBlock(h, 64, 1)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		data, err := joinHashes(hashes)
		if err != nil {
			return err
		}
		listHash := util.HashBytes(data)
		if _, err := tx.InsertBlockset(128, "full", ids, []string{listHash}); err != nil {
			return err
		}
		got, ok, err := tx.BlocklistData(listHash, 1024)
		if err != nil || !ok {
			t.Fatalf("BlocklistData() == %v, %s", ok, err)
		}
		if string(got) != string(data) {
			t.Errorf("BlocklistData() returned wrong bytes")
		}
		_, ok, err = tx.BlocklistData("nothing", 1024)
		if ok || err != nil {
			t.Errorf("BlocklistData(nothing) == %v, %v", ok, err)
		}
		return nil
	})
}

func TestDuplicateEntries(t *testing.T) {
	db := openTest(t)
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	update(t, db, func(tx *Tx) error {
		_, fs, err := addFile(tx, 1, now, "/x/file", "h1")
		if err != nil {
			return err
		}
		bs, _ := tx.InsertBlockset(10, "h2", nil, nil)
		file, _ := tx.FindOrInsertFile("/x/file", bs, 0)
		if err := tx.AddFilesetEntry(fs, file, now); err != nil {
			return err
		}
		groups, err := tx.DuplicateEntries()
		if err != nil {
			return err
		}
		if len(groups) != 1 || groups[0].Path != "/x/file" || len(groups[0].Files) != 2 {
			t.Errorf("DuplicateEntries() == %+v", groups)
		}
		return nil
	})
}

func TestSplitPath(t *testing.T) {
	var table = []struct {
		input, prefix, name string
	}{
		{"/a/b/c", "/a/b/", "c"},
		{"/a/b/", "/a/", "b/"},
		{"c", "", "c"},
		{"/", "", "/"},
	}
	for _, tab := range table {
		p, n := SplitPath(tab.input)
		if p != tab.prefix || n != tab.name {
			t.Errorf("SplitPath(%q) == %q, %q, expected %q, %q", tab.input, p, n, tab.prefix, tab.name)
		}
	}
}

func TestSignatureAndDryRun(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	update(t, db, func(tx *Tx) error {
		_, _, err := addFile(tx, 1, now, "/a", "h1")
		return err
	})
	var before, after Signature
	update(t, db, func(tx *Tx) (err error) {
		before, err = tx.Signature()
		return err
	})
	err := db.Run(ctx, false, func(tx *Tx) error {
		_, _, err := addFile(tx, 1, now.Add(time.Second), "/b", "h2")
		return err
	})
	if err != nil {
		t.Fatalf("Run() == %s, expected nil", err)
	}
	update(t, db, func(tx *Tx) (err error) {
		after, err = tx.Signature()
		return err
	})
	if before != after {
		t.Errorf("dry run changed signature: %+v != %+v", before, after)
	}
	if before.Filesets != 1 || before.Entries != 1 || before.Blocks != 1 {
		t.Errorf("Signature() == %+v", before)
	}
}

func TestCheckConfig(t *testing.T) {
	db := openTest(t)
	update(t, db, func(tx *Tx) error {
		if err := tx.CheckConfig("blocksize", "1024"); err != nil {
			return err
		}
		if err := tx.CheckConfig("blocksize", "1024"); err != nil {
			return err
		}
		if err := tx.CheckConfig("blocksize", "2048"); err == nil {
			t.Errorf("CheckConfig(2048) == nil, expected mismatch")
		}
		return nil
	})
}
