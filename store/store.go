// Package store provides the remote backend contract volumes are kept in.
// A store is a flat key-value namespace where values are immutable streams.
// Keys are volume file names; they may be listed, read, written once, and
// deleted.
//
// Probably the most important implementations are FileSystem and S3. The
// Memory store is useful for testing.
package store

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
)

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// FileEntry describes one object returned by List.
type FileEntry struct {
	Name         string
	Size         int64
	IsFolder     bool
	LastModified time.Time
}

// Store defines the basic stream based key-value store.
// Items are immutable once stored, but they may be deleted and then replaced
// with a new value.
//
// Open() returns a ReadAtCloser instead of a ReadCloser to make it easier to
// wrap it by a zip reader.
type Store interface {
	// List returns every object in the store. The order is unspecified.
	List(ctx context.Context) ([]FileEntry, error)
	Open(ctx context.Context, key string) (ReadAtCloser, int64, error)
	Create(ctx context.Context, key string) (io.WriteCloser, error)
	// Delete removes key. It is not an error if key does not exist.
	Delete(ctx context.Context, key string) error
	// CreateFolder makes sure the location the store points at exists.
	CreateFolder(ctx context.Context) error
	// Test checks that the store is reachable.
	Test(ctx context.Context) error
}

// Renamer is implemented by stores able to rename an object in place.
type Renamer interface {
	Rename(ctx context.Context, oldkey, newkey string) error
}

// Subfolders is implemented by stores which can hold keys inside a named
// subfolder, e.g. "deleted/name". Stores that cannot return ErrNotSupported.
type Subfolders interface {
	CreateSubfolder(ctx context.Context, name string) error
}

var (
	// ErrNotExist means the key is not in the store.
	ErrNotExist = errors.New("key does not exist")

	// ErrKeyExists indicates an attempt to create a key which already exists
	ErrKeyExists = errors.New("key already exists")

	// ErrNotSupported is returned for optional operations a store lacks.
	ErrNotSupported = errors.New("operation not supported by store")
)

// Get reads the entire content of key.
func Get(ctx context.Context, s Store, key string) ([]byte, error) {
	rac, size, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rac.Close()
	data, err := ioutil.ReadAll(io.NewSectionReader(rac, 0, size))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", key)
	}
	return data, nil
}

// Put writes data under key.
func Put(ctx context.Context, s Store, key string, data []byte) error {
	w, err := s.Create(ctx, key)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	err2 := w.Close()
	if err == nil {
		err = err2
	}
	return errors.Wrapf(err, "writing %s", key)
}

// Exists reports whether key is present in the store.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	rac, _, err := s.Open(ctx, key)
	if err == nil {
		rac.Close()
		return true, nil
	}
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	return false, err
}

// NewReader converts a ReaderAt into a io.Reader. It is here as a utility to
// help work with the ReadAtCloser returned by Open.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// reading less than a full buffer is not an error for
		// an io.Reader
		err = nil
	}
	return
}

// WithoutRename hides any optional capabilities of s, leaving only the
// Store methods. It is useful to exercise the fallback paths of callers.
func WithoutRename(s Store) Store {
	return plain{s}
}

type plain struct {
	Store
}
