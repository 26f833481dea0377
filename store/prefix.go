package store

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// NewWithPrefix wraps the store s by one which will prefix all its keys by
// prefix. This provides a way to namespace the keys, and to share the same
// underlying store among several backup targets. Rename and subfolder
// support are passed through when s has them.
func NewWithPrefix(s Store, prefix string) Store {
	return prefixstore{s: s, p: prefix}
}

type prefixstore struct {
	s Store  // the store being wrapped
	p string // the prefix for our keys
}

func (ps prefixstore) List(ctx context.Context) ([]FileEntry, error) {
	entries, err := ps.s.List(ctx)
	if err != nil {
		return nil, err
	}
	var result []FileEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Name, ps.p) && len(e.Name) > len(ps.p) {
			e.Name = e.Name[len(ps.p):]
			result = append(result, e)
		}
	}
	return result, nil
}

func (ps prefixstore) Open(ctx context.Context, key string) (ReadAtCloser, int64, error) {
	return ps.s.Open(ctx, ps.p+key)
}

func (ps prefixstore) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	return ps.s.Create(ctx, ps.p+key)
}

func (ps prefixstore) Delete(ctx context.Context, key string) error {
	return ps.s.Delete(ctx, ps.p+key)
}

func (ps prefixstore) CreateFolder(ctx context.Context) error {
	return ps.s.CreateFolder(ctx)
}

func (ps prefixstore) Test(ctx context.Context) error {
	return ps.s.Test(ctx)
}

func (ps prefixstore) Rename(ctx context.Context, oldkey, newkey string) error {
	r, ok := ps.s.(Renamer)
	if !ok {
		return errors.Wrap(ErrNotSupported, "rename")
	}
	return r.Rename(ctx, ps.p+oldkey, ps.p+newkey)
}

func (ps prefixstore) CreateSubfolder(ctx context.Context, name string) error {
	sf, ok := ps.s.(Subfolders)
	if !ok {
		return errors.Wrap(ErrNotSupported, "subfolder")
	}
	return sf.CreateSubfolder(ctx, ps.p+name)
}
