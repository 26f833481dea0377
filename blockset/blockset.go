// Package blockset splits content into fixed size, content addressed blocks.
//
// A blockset is the ordered list of block hashes (and the total length)
// needed to rebuild one stream. When a blockset has more than one block its
// hash list is also cut into blocklists: blocks whose payload is the raw
// concatenation of up to BlockSize/HashSize block hashes. Blocklists are
// stored like any other block, so large files can be described without
// keeping their hash lists inline.
package blockset

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/util"
)

// A Block is one chunk of content.
type Block struct {
	Hash string
	Size int64
	Data []byte
}

// An Entry names one block of a blockset.
type Entry struct {
	Hash string
	Size int64
}

// A Blocklist is one out-of-line piece of a blockset's hash list.
type Blocklist struct {
	Hash string
	Data []byte
}

// Blockset describes the content of one stream.
type Blockset struct {
	Length     int64
	FullHash   string
	Entries    []Entry
	Blocklists []Blocklist
}

// ErrBadBlocklist means blocklist data is not a whole number of hashes.
var ErrBadBlocklist = errors.New("blocklist length is not a multiple of the hash size")

// HashesPerBlocklist returns how many block hashes fit in one blocklist.
func HashesPerBlocklist(blockSize int) int {
	return blockSize / util.HashSize
}

// Split reads r to the end, cutting it into blocks of blockSize bytes. The
// last block may be shorter. fn is called once for each block in order; the
// block's Data is only valid during the call.
func Split(r io.Reader, blockSize int, fn func(Block) error) (*Blockset, error) {
	if blockSize < util.HashSize*2 {
		return nil, errors.Errorf("block size %d too small", blockSize)
	}
	full := util.NewHashWriterPlain()
	buf := make([]byte, blockSize)
	bs := &Blockset{}
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			p := buf[:n]
			full.Write(p)
			b := Block{Hash: util.HashBytes(p), Size: int64(n), Data: p}
			bs.Entries = append(bs.Entries, Entry{Hash: b.Hash, Size: b.Size})
			if fn != nil {
				if err := fn(b); err != nil {
					return nil, err
				}
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	bs.Length = full.Size()
	bs.FullHash = full.Sum()
	var err error
	bs.Blocklists, err = MakeBlocklists(bs.Hashes(), blockSize)
	return bs, err
}

// FromBytes is Split over an in-memory buffer.
func FromBytes(p []byte, blockSize int, fn func(Block) error) (*Blockset, error) {
	return Split(bytes.NewReader(p), blockSize, fn)
}

// Hashes returns the block hashes of bs in order.
func (bs *Blockset) Hashes() []string {
	result := make([]string, len(bs.Entries))
	for i, e := range bs.Entries {
		result[i] = e.Hash
	}
	return result
}

// MakeBlocklists packs hashes into blocklists. Zero or one hash needs no
// blocklist and nil is returned.
func MakeBlocklists(hashes []string, blockSize int) ([]Blocklist, error) {
	if len(hashes) <= 1 {
		return nil, nil
	}
	per := HashesPerBlocklist(blockSize)
	var result []Blocklist
	for start := 0; start < len(hashes); start += per {
		end := start + per
		if end > len(hashes) {
			end = len(hashes)
		}
		data := make([]byte, 0, (end-start)*util.HashSize)
		for _, h := range hashes[start:end] {
			raw, err := util.DecodeHash(h)
			if err != nil {
				return nil, err
			}
			data = append(data, raw...)
		}
		result = append(result, Blocklist{Hash: util.HashBytes(data), Data: data})
	}
	return result, nil
}

// ParseBlocklist returns the hashes packed in data.
func ParseBlocklist(data []byte) ([]string, error) {
	if len(data)%util.HashSize != 0 {
		return nil, ErrBadBlocklist
	}
	result := make([]string, 0, len(data)/util.HashSize)
	for i := 0; i < len(data); i += util.HashSize {
		result = append(result, util.EncodeHash(data[i:i+util.HashSize]))
	}
	return result, nil
}

// BlockSizes returns the size of each of the n blocks of a stream of the
// given length: every block is blockSize long except possibly the last.
func BlockSizes(length int64, blockSize int, n int) []int64 {
	result := make([]int64, n)
	remaining := length
	for i := range result {
		sz := int64(blockSize)
		if remaining < sz {
			sz = remaining
		}
		result[i] = sz
		remaining -= sz
	}
	return result
}

// BlockCount returns the number of blocks a stream of the given length
// splits into.
func BlockCount(length int64, blockSize int) int {
	return int((length + int64(blockSize) - 1) / int64(blockSize))
}

// Expand rebuilds the entries of a blockset from its blocklists.
func Expand(length int64, blockSize int, blocklists [][]byte) ([]Entry, error) {
	var hashes []string
	for _, bl := range blocklists {
		h, err := ParseBlocklist(bl)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h...)
	}
	if len(hashes) != BlockCount(length, blockSize) {
		return nil, errors.Errorf("blocklists hold %d hashes, expected %d for length %d",
			len(hashes), BlockCount(length, blockSize), length)
	}
	sizes := BlockSizes(length, blockSize, len(hashes))
	result := make([]Entry, len(hashes))
	for i := range hashes {
		result[i] = Entry{Hash: hashes[i], Size: sizes[i]}
	}
	return result, nil
}
