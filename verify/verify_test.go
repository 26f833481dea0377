package verify

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/ndlib/strata/backup"
	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/job/jobtest"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/repair"
	"github.com/ndlib/strata/store"
	"github.com/ndlib/strata/volume"
)

// threeVersions backs up three folders one after the other, growing the
// source each time.
func threeVersions(t *testing.T) (*job.Env, *store.Memory) {
	t.Helper()
	ms := store.NewMemory()
	env := jobtest.NewEnv(t, ms)
	root := t.TempDir()
	var sources []string
	for i := 0; i < 3; i++ {
		dir := filepath.Join(root, fmt.Sprintf("data%d", i))
		jobtest.WriteTree(t, dir, map[string][]byte{
			"one.bin": jobtest.Pattern(byte(3*i), 7*jobtest.BlockSize),
			"two.bin": jobtest.Pattern(byte(3*i+1), 2*jobtest.BlockSize+100),
			"x/three": jobtest.Pattern(byte(3*i+2), 300),
		})
		sources = append(sources, dir)
		if _, err := backup.Run(context.Background(), env, sources, backup.Options{}); err != nil {
			t.Fatalf("backup.Run() == %s, expected nil", err)
		}
		jobtest.Advance(env, time.Hour)
	}
	return env, ms
}

func blockKeys(t *testing.T, ms *store.Memory) []string {
	var result []string
	for _, key := range jobtest.Keys(t, ms) {
		if n, err := volume.ParseName(key); err == nil && n.Type == volume.Blocks {
			result = append(result, key)
		}
	}
	sort.Strings(result)
	return result
}

func TestVerify(t *testing.T) {
	env, ms := threeVersions(t)
	r, err := Run(context.Background(), env, Options{Full: true})
	if err != nil {
		t.Fatalf("Run() == %s, expected nil", err)
	}
	if !r.Clean() {
		t.Errorf("Warnings, Errors == %v, %v, expected none", r.Warnings, r.Errors)
	}
	if r.Checked != len(jobtest.Keys(t, ms)) {
		t.Errorf("Checked == %d, expected %d", r.Checked, len(jobtest.Keys(t, ms)))
	}
	err = env.DB.View(context.Background(), func(tx *localdb.Tx) error {
		vols, err := tx.VolumesInState(localdb.Uploaded)
		if len(vols) != 0 {
			t.Errorf("%d volumes not Verified", len(vols))
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	// samples pick the least verified volumes
	r, err = Run(context.Background(), env, Options{Samples: 1})
	if err != nil {
		t.Fatalf("Run() == %s, expected nil", err)
	}
	if r.Checked != 3 {
		t.Errorf("Checked == %d, expected one per type", r.Checked)
	}
}

func TestVerifyMissing(t *testing.T) {
	env, ms := threeVersions(t)
	ctx := context.Background()
	if err := ms.Delete(ctx, blockKeys(t, ms)[0]); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, ms, "strata-b-00000000000000000000000000000000-20200101000000.zip", []byte("x")); err != nil {
		t.Fatal(err)
	}
	r, err := Run(ctx, env, Options{})
	if err != nil {
		t.Fatalf("Run() == %s, expected nil", err)
	}
	if r.Missing != 1 || r.Extra != 1 || r.OK() {
		t.Errorf("Missing, Extra, Errors == %d, %d, %v", r.Missing, r.Extra, r.Errors)
	}
}

func TestVerifyDamaged(t *testing.T) {
	env, ms := threeVersions(t)
	ctx := context.Background()
	key := blockKeys(t, ms)[0]
	data, err := store.Get(ctx, ms, key)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0xff
	if err := ms.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, ms, key, data); err != nil {
		t.Fatal(err)
	}
	r, err := Run(ctx, env, Options{Full: true})
	if err != nil {
		t.Fatalf("Run() == %s, expected nil", err)
	}
	if r.Damaged != 1 || r.OK() {
		t.Errorf("Damaged, Errors == %d, %v, expected 1 and an error", r.Damaged, r.Errors)
	}
}

// Losing a dblock and its index is fixed by repair rebuilding the blocks
// from the source folders.
func TestRebuildThenVerify(t *testing.T) {
	env, ms := threeVersions(t)
	ctx := context.Background()
	dblock := blockKeys(t, ms)[1]
	err := env.DB.View(ctx, func(tx *localdb.Tx) error {
		v, err := tx.Volume(dblock)
		if err != nil {
			return err
		}
		indexes, err := tx.IndexesOf(v.ID)
		if err != nil {
			return err
		}
		for _, idx := range indexes {
			if err := ms.Delete(ctx, idx.Name); err != nil {
				return err
			}
		}
		return ms.Delete(ctx, dblock)
	})
	if err != nil {
		t.Fatal(err)
	}

	rr, err := repair.Run(ctx, env, repair.Options{RebuildMissingDblocks: true})
	if err != nil {
		t.Fatalf("repair.Run() == %s, expected nil", err)
	}
	if rr.BlocksRebuilt == 0 || rr.BlocksMissing != 0 {
		t.Errorf("BlocksRebuilt, BlocksMissing == %d, %d", rr.BlocksRebuilt, rr.BlocksMissing)
	}

	r, err := Run(ctx, env, Options{Full: true})
	if err != nil {
		t.Fatalf("Run() == %s, expected nil", err)
	}
	if !r.Clean() {
		t.Errorf("Warnings, Errors == %v, %v, expected none", r.Warnings, r.Errors)
	}
	if sig := jobtest.Signature(t, env); sig.Filesets != 3 {
		t.Errorf("Filesets == %d, expected 3", sig.Filesets)
	}
}

