// Package jobtest has helpers for testing the engines.
package jobtest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	log "github.com/sirupsen/logrus"

	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/localdb"
	"github.com/ndlib/strata/store"
	"github.com/ndlib/strata/volume"
)

// Small sizes so tests produce several blocks and volumes.
const (
	BlockSize  = 1024
	VolumeSize = 8 * 1024
)

// Start is the time the mock clock of a new environment shows.
var Start = time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)

// NewEnv returns an environment with a fresh database in a temporary
// directory and the given store. Its clock is a mock set to Start.
func NewEnv(t *testing.T, s store.Store) *job.Env {
	t.Helper()
	return NewEnvDB(t, s, OpenDB(t))
}

// NewEnvDB is NewEnv using an existing database.
func NewEnvDB(t *testing.T, s store.Store, db *localdb.DB) *job.Env {
	t.Helper()
	mock := clock.NewMock()
	mock.Add(Start.Sub(time.Unix(0, 0)))
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	env := job.Env{
		DB:    db,
		Store: s,
		Volume: volume.Options{
			BlockSize:  BlockSize,
			VolumeSize: VolumeSize,
		},
		Clock: mock,
		Log:   logger,
	}
	return env.WithDefaults()
}

// OpenDB opens an empty database which is closed when the test ends.
func OpenDB(t *testing.T) *localdb.DB {
	t.Helper()
	db, err := localdb.Open(filepath.Join(t.TempDir(), "strata.sqlite"))
	if err != nil {
		t.Fatalf("Open() == %s, expected nil", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Advance moves the clock of env forward by d. It panics if the clock is
// not a mock.
func Advance(env *job.Env, d time.Duration) {
	env.Clock.(*clock.Mock).Add(d)
}

// WriteTree creates the files under dir, keyed by slash separated relative
// path, and returns dir.
func WriteTree(t *testing.T, dir string, files map[string][]byte) string {
	t.Helper()
	for name, data := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("MkdirAll() == %s, expected nil", err)
		}
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatalf("WriteFile() == %s, expected nil", err)
		}
	}
	return dir
}

// Pattern returns n bytes of repeatable content which differs with seed
// and does not repeat within a block.
func Pattern(seed byte, n int) []byte {
	b := make([]byte, n)
	x := uint32(seed)*2654435761 + 1
	for i := range b {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		b[i] = byte(x)
	}
	return b
}

// Signature returns the signature of the database of env.
func Signature(t *testing.T, env *job.Env) localdb.Signature {
	t.Helper()
	var sig localdb.Signature
	err := env.DB.View(context.Background(), func(tx *localdb.Tx) error {
		var err error
		sig, err = tx.Signature()
		return err
	})
	if err != nil {
		t.Fatalf("Signature() == %s, expected nil", err)
	}
	return sig
}

// Keys lists the keys in a store in sorted order.
func Keys(t *testing.T, s store.Store) []string {
	t.Helper()
	entries, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() == %s, expected nil", err)
	}
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Name)
	}
	sort.Strings(keys)
	return keys
}
