package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RemoveOptions configures a Remover.
type RemoveOptions struct {
	// Soft keeps deleted objects by moving them aside instead of deleting.
	Soft bool

	// Folder names where soft deleted objects go. If the store supports
	// subfolders the object becomes Folder + "/" + key, otherwise it is
	// given the flat prefix Folder + "-". Defaults to "deleted".
	Folder string
}

// A Remover deletes volumes from a store, either for real or by moving them
// aside. The way objects are moved is chosen when the Remover is made: a
// native rename if the store is a Renamer, otherwise the object is
// downloaded, uploaded under the new name, and the original deleted.
type Remover struct {
	s    Store
	opts RemoveOptions
	move func(ctx context.Context, oldkey, newkey string) error

	once      sync.Once
	folderErr error
	subfolder bool // true if soft deletes go into a subfolder
}

// NewRemover returns a Remover for s.
func NewRemover(s Store, opts RemoveOptions) *Remover {
	if opts.Folder == "" {
		opts.Folder = "deleted"
	}
	r := &Remover{s: s, opts: opts}
	if rn, ok := s.(Renamer); ok {
		r.move = rn.Rename
	} else {
		r.move = r.copyDelete
	}
	return r
}

// Soft reports whether this remover keeps deleted objects.
func (r *Remover) Soft() bool { return r.opts.Soft }

// Remove deletes key, or moves it aside in soft mode. It returns the key the
// object now lives under, which is empty for a hard delete.
func (r *Remover) Remove(ctx context.Context, key string) (string, error) {
	if !r.opts.Soft {
		return "", r.s.Delete(ctx, key)
	}
	r.once.Do(func() { r.setupFolder(ctx) })
	if r.folderErr != nil {
		return "", r.folderErr
	}
	target := r.target(key)
	for i := 0; ; i++ {
		exists, err := Exists(ctx, r.s, target)
		if err != nil {
			return "", err
		}
		if !exists {
			err = r.move(ctx, key, target)
			if !errors.Is(err, ErrKeyExists) {
				if errors.Is(err, ErrNotExist) {
					// already gone. nothing to keep.
					return "", nil
				}
				return target, err
			}
		}
		if i >= 5 {
			return "", errors.Wrapf(ErrKeyExists, "no free name for %s", key)
		}
		target = r.target(key) + "." + uuid.New().String()[:8]
	}
}

// setupFolder decides between a subfolder and a flat prefix.
func (r *Remover) setupFolder(ctx context.Context) {
	sf, ok := r.s.(Subfolders)
	if !ok {
		return
	}
	err := sf.CreateSubfolder(ctx, r.opts.Folder)
	switch {
	case err == nil:
		r.subfolder = true
	case errors.Is(err, ErrNotSupported):
		// fall back to a flat prefix
	default:
		r.folderErr = errors.Wrap(err, "creating soft delete folder")
	}
}

func (r *Remover) target(key string) string {
	if r.subfolder {
		return r.opts.Folder + "/" + key
	}
	return r.opts.Folder + "-" + key
}

func (r *Remover) copyDelete(ctx context.Context, oldkey, newkey string) error {
	data, err := Get(ctx, r.s, oldkey)
	if err != nil {
		return err
	}
	if err := Put(ctx, r.s, newkey, data); err != nil {
		return err
	}
	return r.s.Delete(ctx, oldkey)
}
