package blockset

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/ndlib/strata/util"
)

func TestSplit(t *testing.T) {
	const blockSize = 128 // four hashes per blocklist
	var table = []struct {
		length     int
		blocks     int
		blocklists int
	}{
		{0, 0, 0},
		{1, 1, 0},
		{128, 1, 0},
		{129, 2, 1},
		{128 * 4, 4, 1},
		{128*4 + 1, 5, 2},
		{128 * 9, 9, 3},
	}
	for _, test := range table {
		data := make([]byte, test.length)
		rand.Read(data)
		var seen [][]byte
		bs, err := FromBytes(data, blockSize, func(b Block) error {
			if util.HashBytes(b.Data) != b.Hash {
				t.Errorf("block hash mismatch")
			}
			seen = append(seen, append([]byte(nil), b.Data...))
			return nil
		})
		if err != nil {
			t.Fatalf("Split(%d) == %s, expected nil", test.length, err)
		}
		if bs.Length != int64(test.length) || bs.FullHash != util.HashBytes(data) {
			t.Errorf("Split(%d) length %d hash %s", test.length, bs.Length, bs.FullHash)
		}
		if len(bs.Entries) != test.blocks || len(seen) != test.blocks {
			t.Errorf("Split(%d) has %d blocks, expected %d", test.length, len(bs.Entries), test.blocks)
		}
		if len(bs.Blocklists) != test.blocklists {
			t.Errorf("Split(%d) has %d blocklists, expected %d", test.length, len(bs.Blocklists), test.blocklists)
		}
		if !bytes.Equal(bytes.Join(seen, nil), data) {
			t.Errorf("Split(%d) blocks do not reassemble the input", test.length)
		}

		// the blocklists must expand back into the same entries
		var lists [][]byte
		for _, bl := range bs.Blocklists {
			if util.HashBytes(bl.Data) != bl.Hash {
				t.Errorf("blocklist hash mismatch")
			}
			lists = append(lists, bl.Data)
		}
		if test.blocks > 1 {
			entries, err := Expand(bs.Length, blockSize, lists)
			if err != nil {
				t.Fatalf("Expand() == %s, expected nil", err)
			}
			for i := range entries {
				if entries[i] != bs.Entries[i] {
					t.Errorf("Expand()[%d] == %v, expected %v", i, entries[i], bs.Entries[i])
				}
			}
		}
	}
}

func TestParseBlocklist(t *testing.T) {
	if _, err := ParseBlocklist(make([]byte, 33)); err != ErrBadBlocklist {
		t.Errorf("ParseBlocklist(33 bytes) == %v, expected ErrBadBlocklist", err)
	}
	if _, err := Expand(1000, 128, [][]byte{make([]byte, 32)}); err == nil {
		t.Errorf("Expand() with too few hashes == nil, expected error")
	}
}

func TestBlockSizes(t *testing.T) {
	sizes := BlockSizes(300, 128, BlockCount(300, 128))
	if len(sizes) != 3 || sizes[0] != 128 || sizes[1] != 128 || sizes[2] != 44 {
		t.Errorf("BlockSizes(300, 128) == %v", sizes)
	}
}
