package storetest

import (
	"bytes"
	"context"
	"sort"
	"testing"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/store"
)

// Conformance runs the basic contract every backend must satisfy against
// the empty store s.
func Conformance(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateFolder(ctx); err != nil {
		t.Fatalf("CreateFolder() == %s, expected nil", err)
	}
	if err := s.Test(ctx); err != nil {
		t.Fatalf("Test() == %s, expected nil", err)
	}

	var items = []struct{ key, value string }{
		{"vol-b-1.zip", "block data"},
		{"vol-i-1.zip", "index data"},
		{"vol-l-1.zip", ""},
	}
	for _, item := range items {
		if err := store.Put(ctx, s, item.key, []byte(item.value)); err != nil {
			t.Fatalf("Put(%s) == %s, expected nil", item.key, err)
		}
	}
	if err := store.Put(ctx, s, items[0].key, []byte("again")); !errors.Is(err, store.ErrKeyExists) {
		t.Errorf("Put() of existing key == %v, expected ErrKeyExists", err)
	}

	entries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() == %s, expected nil", err)
	}
	var got []string
	for _, e := range entries {
		if e.IsFolder {
			continue
		}
		got = append(got, e.Name)
		for _, item := range items {
			if item.key == e.Name && e.Size != int64(len(item.value)) {
				t.Errorf("List() size for %s == %d, expected %d", e.Name, e.Size, len(item.value))
			}
		}
	}
	sort.Strings(got)
	if len(got) != len(items) {
		t.Fatalf("List() == %v, expected %d entries", got, len(items))
	}

	for _, item := range items {
		data, err := store.Get(ctx, s, item.key)
		if err != nil {
			t.Fatalf("Get(%s) == %s, expected nil", item.key, err)
		}
		if !bytes.Equal(data, []byte(item.value)) {
			t.Errorf("Get(%s) == %q, expected %q", item.key, data, item.value)
		}
	}

	if _, _, err := s.Open(ctx, "missing"); !errors.Is(err, store.ErrNotExist) {
		t.Errorf("Open(missing) == %v, expected ErrNotExist", err)
	}

	if rn, ok := s.(store.Renamer); ok {
		if err := rn.Rename(ctx, items[1].key, "renamed.zip"); err != nil {
			t.Fatalf("Rename() == %s, expected nil", err)
		}
		if ok, _ := store.Exists(ctx, s, items[1].key); ok {
			t.Errorf("Rename() left %s in place", items[1].key)
		}
		items[1].key = "renamed.zip"
	}

	for _, item := range items {
		if err := s.Delete(ctx, item.key); err != nil {
			t.Errorf("Delete(%s) == %s, expected nil", item.key, err)
		}
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete(missing) == %s, expected nil", err)
	}
	entries, _ = s.List(ctx)
	for _, e := range entries {
		if !e.IsFolder {
			t.Errorf("List() after deletes contains %s", e.Name)
		}
	}
}
