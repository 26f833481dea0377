// Package volume reads and writes the three kinds of remote volume.
//
// Every volume is a zip archive holding a "manifest" entry plus the
// entries for its kind:
//
//	dblock  one entry per block, named by the URL safe block hash
//	dindex  "vol/<dblock name>" JSON summaries and "list/<hash>" blocklists
//	dlist   "filelist.json" (a JSON array of file entries) and "fileset"
//
// A finished archive may be passed through a Transform (encryption) before
// it is uploaded. Volumes are built in memory; their size is bounded by the
// configured volume size.
package volume

import (
	"archive/zip"
	"bytes"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/ndlib/strata/util"
)

// Options control how volumes are written.
type Options struct {
	Prefix      string    // file name prefix, default "strata"
	BlockSize   int       // bytes per block, default 100 KiB
	VolumeSize  int64     // target dblock size, default 50 MiB
	Compression string    // "zip" (deflate) or "zstd", default "zip"
	Encryption  Transform // nil for no encryption
}

// Defaults.
const (
	DefaultPrefix     = "strata"
	DefaultBlockSize  = 100 * 1024
	DefaultVolumeSize = 50 * 1024 * 1024
)

// WithDefaults fills in unset fields.
func (o Options) WithDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.VolumeSize == 0 {
		o.VolumeSize = DefaultVolumeSize
	}
	if o.Compression == "" {
		o.Compression = "zip"
	}
	return o
}

func (o Options) method() (uint16, error) {
	switch o.Compression {
	case "zip":
		return zip.Deflate, nil
	case "zstd":
		return zstd.ZipMethodWinZip, nil
	}
	return 0, errors.Errorf("unknown compression %q", o.Compression)
}

func (o Options) encryptionExt() string {
	if o.Encryption == nil {
		return ""
	}
	return o.Encryption.Ext()
}

// NewName makes a fresh name for a volume of type t using these options.
func (o Options) NewName(t Type, when time.Time) Name {
	return NewName(o.Prefix, t, when, o.Compression, o.encryptionExt())
}

// BlockRef is a block hash and size as recorded in an index.
type BlockRef struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Finished is a completed volume ready for upload.
type Finished struct {
	Name Name
	Data []byte
	Hash string // hash of Data
	Size int64  // len(Data)
}

// archive holds what all three writers share.
type archive struct {
	opts     Options
	name     Name
	method   uint16
	buf      bytes.Buffer
	zw       *zip.Writer
	payload  int64 // uncompressed bytes written
	finished bool
}

func (a *archive) init(opts Options, t Type, when time.Time) error {
	a.opts = opts.WithDefaults()
	var err error
	a.method, err = a.opts.method()
	if err != nil {
		return err
	}
	a.name = a.opts.NewName(t, when)
	a.zw = zip.NewWriter(&a.buf)
	a.zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	m, err := newManifest(a.opts.BlockSize, when).marshal()
	if err != nil {
		return err
	}
	if err := a.add(manifestEntry, m); err != nil {
		return err
	}
	a.payload = 0
	return nil
}

func (a *archive) create(name string) (io.Writer, error) {
	if a.finished {
		return nil, errors.New("volume already finished")
	}
	return a.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   a.method,
		Modified: a.name.Time,
	})
}

func (a *archive) add(name string, data []byte) error {
	w, err := a.create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	a.payload += int64(len(data))
	return err
}

// Name returns the file name the volume will be uploaded under.
func (a *archive) Name() Name { return a.name }

func (a *archive) finish() (*Finished, error) {
	if a.finished {
		return nil, errors.New("volume already finished")
	}
	a.finished = true
	if err := a.zw.Close(); err != nil {
		return nil, err
	}
	data := a.buf.Bytes()
	if a.opts.Encryption != nil {
		var err error
		data, err = a.opts.Encryption.Encode(data)
		if err != nil {
			return nil, errors.Wrap(err, a.name.String())
		}
	}
	return &Finished{
		Name: a.name,
		Data: data,
		Hash: util.HashBytes(data),
		Size: int64(len(data)),
	}, nil
}

// BlockWriter accumulates blocks into one dblock volume.
type BlockWriter struct {
	archive
	blocks []BlockRef
	have   map[string]bool
}

// NewBlockWriter starts a new dblock volume.
func NewBlockWriter(opts Options, when time.Time) (*BlockWriter, error) {
	w := &BlockWriter{have: make(map[string]bool)}
	if err := w.init(opts, Blocks, when); err != nil {
		return nil, err
	}
	return w, nil
}

// AddBlock appends one block. Adding a hash already in the volume does
// nothing.
func (w *BlockWriter) AddBlock(hash string, data []byte) error {
	if w.have[hash] {
		return nil
	}
	if err := w.add(util.URLSafe(hash), data); err != nil {
		return err
	}
	w.have[hash] = true
	w.blocks = append(w.blocks, BlockRef{Hash: hash, Size: int64(len(data))})
	return nil
}

// Has reports whether hash was added to this volume.
func (w *BlockWriter) Has(hash string) bool { return w.have[hash] }

// Blocks returns the blocks added so far, in order.
func (w *BlockWriter) Blocks() []BlockRef { return w.blocks }

// Len returns the number of blocks added.
func (w *BlockWriter) Len() int { return len(w.blocks) }

// Full reports whether adding next more bytes would take the volume past
// the volume size. An empty volume is never full.
func (w *BlockWriter) Full(next int64) bool {
	return len(w.blocks) > 0 && w.payload+next > w.opts.VolumeSize
}

// Finish closes the archive.
func (w *BlockWriter) Finish() (*Finished, error) { return w.finish() }

// IndexVolume is the summary of one dblock held in an index.
type IndexVolume struct {
	Name       string     `json:"-"`
	Blocks     []BlockRef `json:"blocks"`
	VolumeHash string     `json:"volumehash"`
	VolumeSize int64      `json:"volumesize"`
}

// IndexWriter builds one dindex volume.
type IndexWriter struct {
	archive
	lists map[string]bool
	vols  []string
}

// NewIndexWriter starts a new dindex volume.
func NewIndexWriter(opts Options, when time.Time) (*IndexWriter, error) {
	w := &IndexWriter{lists: make(map[string]bool)}
	if err := w.init(opts, Index, when); err != nil {
		return nil, err
	}
	return w, nil
}

// AddVolume records the contents of one dblock.
func (w *IndexWriter) AddVolume(v IndexVolume) error {
	if v.Blocks == nil {
		v.Blocks = []BlockRef{}
	}
	data, err := jsonMarshal(v)
	if err != nil {
		return err
	}
	w.vols = append(w.vols, v.Name)
	return w.add(indexVolPrefix+v.Name, data)
}

// AddBlocklist records one blocklist. Duplicates are ignored.
func (w *IndexWriter) AddBlocklist(hash string, data []byte) error {
	if w.lists[hash] {
		return nil
	}
	w.lists[hash] = true
	return w.add(indexListPrefix+util.URLSafe(hash), data)
}

// Volumes returns the names of the dblocks recorded so far.
func (w *IndexWriter) Volumes() []string { return w.vols }

// Finish closes the archive.
func (w *IndexWriter) Finish() (*Finished, error) { return w.finish() }

const (
	indexVolPrefix  = "vol/"
	indexListPrefix = "list/"
	filelistEntry   = "filelist.json"
	filesetEntry    = "fileset"
)

// EntryType is the kind of path in a dlist.
type EntryType string

const (
	File    EntryType = "File"
	Folder  EntryType = "Folder"
	Symlink EntryType = "Symlink"
)

// FileEntry is one path in a dlist. Hash and Size describe the content
// blockset; a blockset of one block records its hash in BlockHash, larger
// ones list their blocklist hashes. Metadata is described the same way.
// Time is the last modified time in Unix seconds.
type FileEntry struct {
	Type           EntryType `json:"type"`
	Path           string    `json:"path"`
	Hash           string    `json:"hash,omitempty"`
	Size           int64     `json:"size"`
	Time           int64     `json:"time"`
	BlockHash      string    `json:"blockhash,omitempty"`
	Blocklists     []string  `json:"blocklists,omitempty"`
	MetaHash       string    `json:"metahash,omitempty"`
	MetaSize       int64     `json:"metasize"`
	MetaBlockHash  string    `json:"metablockhash,omitempty"`
	MetaBlocklists []string  `json:"metablocklists,omitempty"`
}

type filesetInfo struct {
	IsFullBackup bool
	Replaces     string `json:",omitempty"`
}

// FilelistWriter streams the entries of one fileset into a dlist.
type FilelistWriter struct {
	archive
	w     io.Writer
	count    int
	full     bool
	replaces string
}

// NewFilelistWriter starts a dlist for the fileset taken at when.
func NewFilelistWriter(opts Options, when time.Time) (*FilelistWriter, error) {
	w := &FilelistWriter{full: true}
	if err := w.init(opts, Files, when); err != nil {
		return nil, err
	}
	var err error
	w.w, err = w.create(filelistEntry)
	if err != nil {
		return nil, err
	}
	_, err = w.w.Write([]byte("["))
	return w, err
}

// SetFull marks the fileset as a full or a partial backup.
func (w *FilelistWriter) SetFull(full bool) { w.full = full }

// SetReplaces records the name of an earlier dlist for the same fileset
// which this one supersedes.
func (w *FilelistWriter) SetReplaces(name string) { w.replaces = name }

// Add appends one entry.
func (w *FilelistWriter) Add(e FileEntry) error {
	data, err := jsonMarshal(e)
	if err != nil {
		return err
	}
	if w.count > 0 {
		data = append([]byte(","), data...)
	}
	w.count++
	w.payload += int64(len(data))
	_, err = w.w.Write(data)
	return err
}

// Count returns the number of entries added.
func (w *FilelistWriter) Count() int { return w.count }

// Finish closes the entry list, writes the fileset record, and closes the
// archive.
func (w *FilelistWriter) Finish() (*Finished, error) {
	if _, err := w.w.Write([]byte("]")); err != nil {
		return nil, err
	}
	data, err := jsonMarshal(filesetInfo{IsFullBackup: w.full, Replaces: w.replaces})
	if err != nil {
		return nil, err
	}
	if err := w.add(filesetEntry, data); err != nil {
		return nil, err
	}
	return w.finish()
}
