package store

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	raven "github.com/getsentry/raven-go"
	"github.com/google/renameio"
	"github.com/pkg/errors"
)

// FileSystem implements the simple file system based store.
// The keys are used as file names relative to the root. A key may name a
// file inside one level of subfolder, e.g. "deleted/name", once the subfolder
// has been created with CreateSubfolder.
type FileSystem struct {
	root string
}

var (
	// make sure it implements the Store interface
	_ Store      = &FileSystem{}
	_ Renamer    = &FileSystem{}
	_ Subfolders = &FileSystem{}

	// ErrKeyContainsNonUnicode means the key provided contains a Non Unicode Rune
	ErrKeyContainsNonUnicode = errors.New("key contains non-unicode character")

	// ErrKeyContainsWhiteSpace means the key provided contains white space
	ErrKeyContainsWhiteSpace = errors.New("key contains white space")

	// ErrKeyContainsControlChar means the key provided contains control characters
	ErrKeyContainsControlChar = errors.New("key contains control characters")

	// ErrBadKeyPath means the key is empty, absolute, or escapes the root
	ErrBadKeyPath = errors.New("key is not a valid relative path")
)

// NewFileSystem creates a new FileSystem store based at the given root path.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root}
}

// List returns every file in the root and in its immediate subfolders.
// Subfolders themselves are reported with IsFolder set.
func (s *FileSystem) List(ctx context.Context) ([]FileEntry, error) {
	var result []FileEntry
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			result = append(result, FileEntry{Name: rel, IsFolder: true, LastModified: info.ModTime()})
			if strings.Contains(rel, "/") {
				return filepath.SkipDir
			}
			return nil
		}
		// skip temporary files left over by an interrupted write
		if strings.HasPrefix(filepath.Base(rel), ".") {
			return nil
		}
		result = append(result, FileEntry{Name: rel, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if os.IsNotExist(err) {
		err = nil
	}
	if err != nil && err != ctx.Err() {
		raven.CaptureError(err, map[string]string{"Root": s.root})
	}
	return result, errors.Wrap(err, "listing "+s.root)
}

// Open returns a reader for the given object along with its size.
func (s *FileSystem) Open(ctx context.Context, key string) (ReadAtCloser, int64, error) {
	fname, err := s.path(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(fname)
	if os.IsNotExist(err) {
		return nil, 0, errors.Wrap(ErrNotExist, key)
	} else if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Create creates a new item with the given key, and a writer to allow for
// saving data into the new item. The file appears atomically when the writer
// is closed.
func (s *FileSystem) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		return nil, errors.Wrap(ErrKeyExists, key)
	}
	t, err := renameio.TempFile(filepath.Dir(target), target)
	if err != nil {
		return nil, err
	}
	return &moveCloser{t: t, target: target, key: key}, nil
}

// track the pending file so when it is closed, we can move it into place
type moveCloser struct {
	t      *renameio.PendingFile
	target string
	key    string
}

func (w *moveCloser) Write(p []byte) (int, error) {
	return w.t.Write(p)
}

func (w *moveCloser) Close() error {
	defer w.t.Cleanup()
	if _, err := os.Stat(w.target); !os.IsNotExist(err) {
		return errors.Wrap(ErrKeyExists, w.key)
	}
	return w.t.CloseAtomicallyReplace()
}

// Delete the given key from the store. It is not an error if the key doesn't
// exist.
func (s *FileSystem) Delete(ctx context.Context, key string) error {
	fname, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(fname)
	// don't report a missing file as an error
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

// Rename moves oldkey to newkey, failing if newkey exists.
func (s *FileSystem) Rename(ctx context.Context, oldkey, newkey string) error {
	src, err := s.path(oldkey)
	if err != nil {
		return err
	}
	dst, err := s.path(newkey)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		return errors.Wrap(ErrKeyExists, newkey)
	}
	err = os.Rename(src, dst)
	if os.IsNotExist(err) {
		return errors.Wrap(ErrNotExist, oldkey)
	}
	return err
}

// CreateFolder makes the root directory.
func (s *FileSystem) CreateFolder(ctx context.Context) error {
	return os.MkdirAll(s.root, 0775)
}

// CreateSubfolder makes a directory directly under the root.
func (s *FileSystem) CreateSubfolder(ctx context.Context, name string) error {
	if err := isKeyValid(name); err != nil || strings.Contains(name, "/") {
		return ErrBadKeyPath
	}
	return os.MkdirAll(filepath.Join(s.root, name), 0775)
}

// Test checks that the root exists and is a directory.
func (s *FileSystem) Test(ctx context.Context) error {
	fi, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return errors.Errorf("%s is not a directory", s.root)
	}
	// make sure we can write to it
	f, err := ioutil.TempFile(s.root, ".test")
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(f.Name())
}

func (s *FileSystem) path(key string) (string, error) {
	if err := isKeyValid(key); err != nil {
		return "", err
	}
	parts := strings.Split(key, "/")
	if len(parts) > 2 {
		return "", ErrBadKeyPath
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return "", ErrBadKeyPath
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Some Simple Item Key Validations
func isKeyValid(key string) error {
	if key == "" {
		return ErrBadKeyPath
	}
	if !utf8.ValidString(key) {
		return ErrKeyContainsNonUnicode
	}
	for _, r := range key {
		if unicode.IsSpace(r) {
			return ErrKeyContainsWhiteSpace
		}
		if unicode.IsControl(r) {
			return ErrKeyContainsControlChar
		}
	}
	return nil
}
