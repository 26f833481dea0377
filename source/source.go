// Package source enumerates the files to back up and describes their
// metadata.
//
// Paths are recorded in slash form and absolute. Folder paths end with a
// "/" so a folder and a file of the same name never collide.
package source

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/volume"
)

// Item is one path found while walking a source.
type Item struct {
	Path    string // recorded path
	OSPath  string // path to open on this machine
	Type    volume.EntryType
	Size    int64
	ModTime time.Time
	Meta    []byte // encoded Metadata
}

// Metadata is what is kept about a path besides its content. It is encoded
// as JSON with a fixed field order so identical metadata always produces
// identical bytes.
type Metadata struct {
	Mode    uint32 `json:"mode"`
	ModTime int64  `json:"mtime"`
	Target  string `json:"target,omitempty"` // symlinks only
}

// Encode returns the canonical encoding of m.
func (m Metadata) Encode() []byte {
	// marshaling a struct of plain fields never fails
	b, _ := json.Marshal(m)
	return b
}

// DecodeMetadata parses the result of Encode.
func DecodeMetadata(b []byte) (Metadata, error) {
	var m Metadata
	err := json.Unmarshal(b, &m)
	return m, errors.Wrap(err, "metadata")
}

// Stat describes the path osPath as it is now.
func Stat(osPath string) (Item, error) {
	info, err := os.Lstat(osPath)
	if err != nil {
		return Item{}, err
	}
	abs, err := filepath.Abs(osPath)
	if err != nil {
		return Item{}, err
	}
	return describe(abs, info)
}

func describe(osPath string, info fs.FileInfo) (Item, error) {
	item := Item{
		Path:    filepath.ToSlash(osPath),
		OSPath:  osPath,
		ModTime: info.ModTime().UTC().Truncate(time.Second),
	}
	m := Metadata{Mode: uint32(info.Mode()), ModTime: item.ModTime.Unix()}
	switch {
	case info.IsDir():
		item.Type = volume.Folder
		if !strings.HasSuffix(item.Path, "/") {
			item.Path += "/"
		}
	case info.Mode()&fs.ModeSymlink != 0:
		item.Type = volume.Symlink
		target, err := os.Readlink(osPath)
		if err != nil {
			return item, err
		}
		m.Target = target
	case info.Mode().IsRegular():
		item.Type = volume.File
		item.Size = info.Size()
	default:
		return item, errors.Errorf("%s: unsupported file type %s", osPath, info.Mode().Type())
	}
	item.Meta = m.Encode()
	return item, nil
}

// OSPath converts a recorded path back into one usable on this machine.
func OSPath(p string) string {
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	return filepath.FromSlash(p)
}

// Walk calls fn for every path under each source, sources in sorted order
// and each tree in lexical order. Paths which cannot be read are passed to
// skip, which decides whether to continue; a nil skip stops at the first
// problem.
func Walk(sources []string, fn func(Item) error, skip func(path string, err error) error) error {
	var abs []string
	for _, s := range sources {
		a, err := filepath.Abs(s)
		if err != nil {
			return err
		}
		abs = append(abs, a)
	}
	sort.Strings(abs)
	if skip == nil {
		skip = func(path string, err error) error { return err }
	}
	for _, root := range abs {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return skip(path, err)
			}
			info, err := d.Info()
			if err != nil {
				return skip(path, err)
			}
			item, err := describe(path, info)
			if err != nil {
				return skip(path, err)
			}
			return fn(item)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
