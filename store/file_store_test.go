package store

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

func TestKeyValidation(t *testing.T) {
	var table = []struct {
		key string
		err error
	}{
		{"strata-b-abc.zip", nil},
		{"deleted/strata-b-abc.zip", nil},
		{"", ErrBadKeyPath},
		{"a/b/c", ErrBadKeyPath},
		{"../escape", ErrBadKeyPath},
		{"has space", ErrKeyContainsWhiteSpace},
		{"tab\there", ErrKeyContainsWhiteSpace},
		{"bell\x07", ErrKeyContainsControlChar},
		{"bad\xffutf", ErrKeyContainsNonUnicode},
	}
	s := NewFileSystem(t.TempDir())
	for _, test := range table {
		_, err := s.path(test.key)
		if err != test.err {
			t.Errorf("path(%q) == %v, expected %v", test.key, err, test.err)
		}
	}
}

func TestFileSystemSubfolder(t *testing.T) {
	ctx := context.Background()
	s := NewFileSystem(t.TempDir())
	if err := Put(ctx, s, "vol-b-1.zip", []byte("hello")); err != nil {
		t.Fatalf("Put() == %s, expected nil", err)
	}
	if err := s.Rename(ctx, "vol-b-1.zip", "deleted/vol-b-1.zip"); err == nil {
		t.Fatalf("Rename() into missing subfolder == nil, expected error")
	}
	if err := s.CreateSubfolder(ctx, "deleted"); err != nil {
		t.Fatalf("CreateSubfolder() == %s, expected nil", err)
	}
	if err := s.Rename(ctx, "vol-b-1.zip", "deleted/vol-b-1.zip"); err != nil {
		t.Fatalf("Rename() == %s, expected nil", err)
	}
	entries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() == %s, expected nil", err)
	}
	var found bool
	for _, e := range entries {
		if e.Name == "deleted" && !e.IsFolder {
			t.Errorf("List() reported folder %s as a file", e.Name)
		}
		if e.Name == "deleted/vol-b-1.zip" {
			found = e.Size == 5
		}
	}
	if !found {
		t.Errorf("List() == %v, expected deleted/vol-b-1.zip of size 5", entries)
	}
	if _, _, err := s.Open(ctx, "vol-b-1.zip"); !errors.Is(err, ErrNotExist) {
		t.Errorf("Open() of renamed key == %v, expected ErrNotExist", err)
	}
}
