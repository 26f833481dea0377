package store

import (
	"context"
	"io"
	"strings"
	"testing"
)

// noFolders is a rename capable store that cannot make subfolders.
type noFolders struct {
	*Memory
}

func (noFolders) CreateSubfolder(ctx context.Context, name string) error {
	return ErrNotSupported
}

func TestRemover(t *testing.T) {
	ctx := context.Background()
	var table = []struct {
		name   string
		s      func(m *Memory) Store
		soft   bool
		expect string
	}{
		{"hard", func(m *Memory) Store { return m }, false, ""},
		{"rename folder", func(m *Memory) Store { return m }, true, "deleted/vol"},
		{"rename flat", func(m *Memory) Store { return noFolders{m} }, true, "deleted-vol"},
		{"copy flat", func(m *Memory) Store { return WithoutRename(m) }, true, "deleted-vol"},
	}
	for _, test := range table {
		m := NewMemory()
		Put(ctx, m, "vol", []byte("contents"))
		r := NewRemover(test.s(m), RemoveOptions{Soft: test.soft})
		where, err := r.Remove(ctx, "vol")
		if err != nil {
			t.Fatalf("%s: Remove() == %s, expected nil", test.name, err)
		}
		if where != test.expect {
			t.Errorf("%s: Remove() == %q, expected %q", test.name, where, test.expect)
		}
		if ok, _ := Exists(ctx, m, "vol"); ok {
			t.Errorf("%s: original still present", test.name)
		}
		if test.expect != "" {
			data, err := Get(ctx, m, test.expect)
			if err != nil || string(data) != "contents" {
				t.Errorf("%s: Get(%s) == %q, %v", test.name, test.expect, data, err)
			}
		}
	}
}

func TestRemoverCollision(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	Put(ctx, m, "vol", []byte("new"))
	Put(ctx, m, "deleted/vol", []byte("old"))
	r := NewRemover(m, RemoveOptions{Soft: true})
	where, err := r.Remove(ctx, "vol")
	if err != nil {
		t.Fatalf("Remove() == %s, expected nil", err)
	}
	if !strings.HasPrefix(where, "deleted/vol.") {
		t.Fatalf("Remove() == %s, expected a suffixed name", where)
	}
	data, _ := Get(ctx, m, "deleted/vol")
	if string(data) != "old" {
		t.Errorf("existing soft deleted object overwritten: %q", data)
	}
	var buf strings.Builder
	m.Dump(io.Writer(&buf))
	if strings.Count(buf.String(), "\n") != 2 {
		t.Errorf("store contents:\n%s", buf.String())
	}
}
