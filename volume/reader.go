package volume

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"io/ioutil"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/ndlib/strata/util"
)

var (
	// ErrHashMismatch means downloaded data does not have the expected hash
	// or length.
	ErrHashMismatch = errors.New("volume hash or size mismatch")

	// ErrWrongType means a volume was opened as the wrong kind.
	ErrWrongType = errors.New("volume is not of the expected type")

	// ErrMissingEntry means an archive lacks an entry it must have.
	ErrMissingEntry = errors.New("volume entry missing")
)

func jsonMarshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Verify checks data against the hash and size recorded for it. An empty
// hash or negative size is not checked.
func Verify(data []byte, hash string, size int64) error {
	if size >= 0 && int64(len(data)) != size {
		return errors.Wrapf(ErrHashMismatch, "size %d, expected %d", len(data), size)
	}
	if hash != "" && util.HashBytes(data) != hash {
		return errors.Wrap(ErrHashMismatch, "hash")
	}
	return nil
}

// reader holds what all three readers share.
type reader struct {
	Name     Name
	Manifest Manifest
	zr       *zip.Reader
	files    map[string]*zip.File
}

func (r *reader) open(name string, data []byte, tr Transform, t Type) error {
	var err error
	r.Name, err = ParseName(name)
	if err != nil {
		return err
	}
	if r.Name.Type != t {
		return errors.Wrapf(ErrWrongType, "%s is %s, expected %s", name, r.Name.Type, t)
	}
	if r.Name.Encryption != "" {
		if tr == nil || tr.Ext() != r.Name.Encryption {
			return errors.Errorf("%s: no transform for %q", name, r.Name.Encryption)
		}
		data, err = tr.Decode(data)
		if err != nil {
			return errors.Wrap(err, name)
		}
	}
	r.zr, err = zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return errors.Wrap(err, name)
	}
	r.zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	r.files = make(map[string]*zip.File, len(r.zr.File))
	for _, f := range r.zr.File {
		r.files[f.Name] = f
	}
	m, err := r.read(manifestEntry)
	if err != nil {
		return err
	}
	r.Manifest, err = ParseManifest(m)
	return errors.Wrap(err, name)
}

func (r *reader) read(entry string) ([]byte, error) {
	f, ok := r.files[entry]
	if !ok {
		return nil, errors.Wrapf(ErrMissingEntry, "%s: %s", r.Name, entry)
	}
	return readFile(f)
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ioutil.ReadAll(rc)
}

// BlockReader reads a dblock volume.
type BlockReader struct {
	reader
}

// OpenBlocks opens the dblock named name whose content is data.
func OpenBlocks(name string, data []byte, tr Transform) (*BlockReader, error) {
	r := &BlockReader{}
	if err := r.open(name, data, tr, Blocks); err != nil {
		return nil, err
	}
	return r, nil
}

// Hashes lists the block hashes stored in the volume, in archive order.
func (r *BlockReader) Hashes() []string {
	var result []string
	for _, f := range r.zr.File {
		if f.Name != manifestEntry {
			result = append(result, util.FromURLSafe(f.Name))
		}
	}
	return result
}

// Get returns the payload of the block with the given hash, and checks it.
func (r *BlockReader) Get(hash string) ([]byte, error) {
	data, err := r.read(util.URLSafe(hash))
	if err != nil {
		return nil, err
	}
	if util.HashBytes(data) != hash {
		return nil, errors.Wrapf(ErrHashMismatch, "block %s in %s", hash, r.Name)
	}
	return data, nil
}

// Each calls fn for every block in archive order. Only one block is held
// in memory at a time. Iteration stops at the first error.
func (r *BlockReader) Each(fn func(hash string, data []byte) error) error {
	for _, f := range r.zr.File {
		if f.Name == manifestEntry {
			continue
		}
		data, err := readFile(f)
		if err != nil {
			return errors.Wrapf(err, "%s: %s", r.Name, f.Name)
		}
		hash := util.FromURLSafe(f.Name)
		if util.HashBytes(data) != hash {
			return errors.Wrapf(ErrHashMismatch, "block %s in %s", hash, r.Name)
		}
		if err := fn(hash, data); err != nil {
			return err
		}
	}
	return nil
}

// IndexReader reads a dindex volume.
type IndexReader struct {
	reader
}

// OpenIndex opens the dindex named name whose content is data.
func OpenIndex(name string, data []byte, tr Transform) (*IndexReader, error) {
	r := &IndexReader{}
	if err := r.open(name, data, tr, Index); err != nil {
		return nil, err
	}
	return r, nil
}

// Volumes returns the dblock summaries held in the index.
func (r *IndexReader) Volumes() ([]IndexVolume, error) {
	var result []IndexVolume
	for _, f := range r.zr.File {
		if !strings.HasPrefix(f.Name, indexVolPrefix) {
			continue
		}
		data, err := readFile(f)
		if err != nil {
			return nil, err
		}
		var v IndexVolume
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrapf(err, "%s: %s", r.Name, f.Name)
		}
		v.Name = strings.TrimPrefix(f.Name, indexVolPrefix)
		result = append(result, v)
	}
	return result, nil
}

// BlocklistHashes lists the blocklists stored in the index.
func (r *IndexReader) BlocklistHashes() []string {
	var result []string
	for _, f := range r.zr.File {
		if strings.HasPrefix(f.Name, indexListPrefix) {
			result = append(result, util.FromURLSafe(strings.TrimPrefix(f.Name, indexListPrefix)))
		}
	}
	return result
}

// Blocklist returns the raw data of one blocklist. The boolean is false if
// the index does not hold it.
func (r *IndexReader) Blocklist(hash string) ([]byte, bool, error) {
	f, ok := r.files[indexListPrefix+util.URLSafe(hash)]
	if !ok {
		return nil, false, nil
	}
	data, err := readFile(f)
	if err != nil {
		return nil, true, err
	}
	if util.HashBytes(data) != hash {
		return nil, true, errors.Wrapf(ErrHashMismatch, "blocklist %s in %s", hash, r.Name)
	}
	return data, true, nil
}

// FilelistReader reads a dlist volume. Entries are decoded one at a time:
//
//	for r.Next() {
//		e := r.Entry()
//	}
//	if err := r.Err(); err != nil {
//	}
type FilelistReader struct {
	reader
	rc    io.ReadCloser
	dec   *json.Decoder
	entry FileEntry
	err   error
	done  bool
}

// OpenFilelist opens the dlist named name whose content is data.
func OpenFilelist(name string, data []byte, tr Transform) (*FilelistReader, error) {
	r := &FilelistReader{}
	if err := r.open(name, data, tr, Files); err != nil {
		return nil, err
	}
	f, ok := r.files[filelistEntry]
	if !ok {
		return nil, errors.Wrapf(ErrMissingEntry, "%s: %s", name, filelistEntry)
	}
	var err error
	r.rc, err = f.Open()
	if err != nil {
		return nil, err
	}
	r.dec = json.NewDecoder(r.rc)
	tok, err := r.dec.Token()
	if err != nil {
		r.rc.Close()
		return nil, errors.Wrapf(err, "%s: %s", name, filelistEntry)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		r.rc.Close()
		return nil, errors.Errorf("%s: %s is not a JSON array", name, filelistEntry)
	}
	return r, nil
}

func (r *FilelistReader) info() (filesetInfo, error) {
	var info filesetInfo
	data, err := r.read(filesetEntry)
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, errors.Wrap(err, "fileset")
}

// IsFullBackup reads the fileset record.
func (r *FilelistReader) IsFullBackup() (bool, error) {
	info, err := r.info()
	return info.IsFullBackup, err
}

// Replaces returns the name of the dlist this one supersedes, or "".
func (r *FilelistReader) Replaces() (string, error) {
	info, err := r.info()
	return info.Replaces, err
}

// Next advances to the next entry. It returns false at the end of the list
// or on error.
func (r *FilelistReader) Next() bool {
	if r.done || r.err != nil {
		return false
	}
	if !r.dec.More() {
		r.done = true
		if _, err := r.dec.Token(); err != nil {
			r.err = errors.Wrap(err, "filelist end")
		}
		return false
	}
	r.entry = FileEntry{}
	if err := r.dec.Decode(&r.entry); err != nil {
		r.err = errors.Wrapf(err, "%s: filelist", r.Name)
		return false
	}
	return true
}

// Entry returns the current entry.
func (r *FilelistReader) Entry() FileEntry { return r.entry }

// Err returns the first error met while iterating.
func (r *FilelistReader) Err() error { return r.err }

// Close releases the reader.
func (r *FilelistReader) Close() error { return r.rc.Close() }

// ReadAll is a convenience returning every entry of a dlist.
func (r *FilelistReader) ReadAll() ([]FileEntry, error) {
	var result []FileEntry
	for r.Next() {
		result = append(result, r.Entry())
	}
	return result, r.Err()
}
