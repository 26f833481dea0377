package volume

import (
	"bytes"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/util"
)

var testTime = time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)

func TestNames(t *testing.T) {
	var table = []struct {
		input string
		ok    bool
		typ   Type
		enc   string
	}{
		{"strata-b-0123456789abcdef0123456789abcdef-20240301123045.zip", true, Blocks, ""},
		{"strata-i-0123456789abcdef0123456789abcdef-20240301123045.zip.aes", true, Index, "aes"},
		{"my-host-l-0123456789abcdef0123456789abcdef-20240301123045.zstd", true, Files, ""},
		{"strata-x-0123456789abcdef0123456789abcdef-20240301123045.zip", false, 0, ""},
		{"strata-b-0123456789ABCDEF0123456789abcdef-20240301123045.zip", false, 0, ""},
		{"strata-b-0123456789abcdef0123456789abcdef-2024030112304.zip", false, 0, ""},
		{"strata-b-0123456789abcdef0123456789abcdef-20241301123045.zip", false, 0, ""},
		{"deleted/strata-b-0123456789abcdef0123456789abcdef-20240301123045", false, 0, ""},
	}
	for _, test := range table {
		n, err := ParseName(test.input)
		if (err == nil) != test.ok {
			t.Errorf("ParseName(%s) == %v, expected ok=%v", test.input, err, test.ok)
			continue
		}
		if !test.ok {
			continue
		}
		if n.Type != test.typ || n.Encryption != test.enc || !n.Time.Equal(testTime) {
			t.Errorf("ParseName(%s) == %+v", test.input, n)
		}
		if n.String() != test.input {
			t.Errorf("String() == %s, expected %s", n.String(), test.input)
		}
	}

	n := NewName("strata", Index, testTime.Add(300*time.Millisecond), "zip", "")
	back, err := ParseName(n.String())
	if err != nil || back.String() != n.String() || !back.Time.Equal(testTime) {
		t.Errorf("ParseName(NewName()) == %+v, %v, expected %+v", back, err, n)
	}
}

func randomBlocks(n, size int) map[string][]byte {
	result := make(map[string][]byte)
	for i := 0; i < n; i++ {
		p := make([]byte, 1+rand.Intn(size))
		rand.Read(p)
		result[util.HashBytes(p)] = p
	}
	return result
}

var optionTable = []Options{
	{BlockSize: 1024},
	{BlockSize: 1024, Compression: "zstd"},
	{BlockSize: 1024, Encryption: NewAES("correct horse")},
}

func TestBlockRoundTrip(t *testing.T) {
	blocks := randomBlocks(50, 1024)
	for _, opts := range optionTable {
		w, err := NewBlockWriter(opts, testTime)
		if err != nil {
			t.Fatalf("NewBlockWriter() == %s, expected nil", err)
		}
		for h, p := range blocks {
			if err := w.AddBlock(h, p); err != nil {
				t.Fatalf("AddBlock() == %s, expected nil", err)
			}
			// adding twice is ignored
			w.AddBlock(h, p)
		}
		if w.Len() != len(blocks) {
			t.Errorf("Len() == %d, expected %d", w.Len(), len(blocks))
		}
		f, err := w.Finish()
		if err != nil {
			t.Fatalf("Finish() == %s, expected nil", err)
		}
		if err := Verify(f.Data, f.Hash, f.Size); err != nil {
			t.Errorf("Verify() == %s, expected nil", err)
		}
		r, err := OpenBlocks(f.Name.String(), f.Data, opts.Encryption)
		if err != nil {
			t.Fatalf("OpenBlocks() == %s, expected nil", err)
		}
		if r.Manifest.Blocksize != 1024 || r.Manifest.BlockHash != util.HashName {
			t.Errorf("Manifest == %+v", r.Manifest)
		}
		var count int
		err = r.Each(func(hash string, data []byte) error {
			count++
			if !bytes.Equal(data, blocks[hash]) {
				t.Errorf("block %s differs", hash)
			}
			return nil
		})
		if err != nil || count != len(blocks) {
			t.Errorf("Each() == %v after %d blocks, expected %d", err, count, len(blocks))
		}
		for h, p := range blocks {
			data, err := r.Get(h)
			if err != nil || !bytes.Equal(data, p) {
				t.Errorf("Get(%s) == %v", h, err)
			}
			break
		}
	}
}

func TestBlockWriterFull(t *testing.T) {
	w, _ := NewBlockWriter(Options{BlockSize: 1024, VolumeSize: 3000}, testTime)
	if w.Full(5000) {
		t.Errorf("empty volume reports Full")
	}
	for i := 0; i < 3; i++ {
		p := []byte(fmt.Sprintf("%01000d", i))
		if w.Full(int64(len(p))) {
			t.Fatalf("Full() after %d blocks", i)
		}
		w.AddBlock(util.HashBytes(p), p)
	}
	if !w.Full(1000) {
		t.Errorf("Full() == false, expected true")
	}
}

func TestIndexRoundTrip(t *testing.T) {
	blocks := randomBlocks(10, 512)
	lists := randomBlocks(3, 320)
	for _, opts := range optionTable {
		w, err := NewIndexWriter(opts, testTime)
		if err != nil {
			t.Fatalf("NewIndexWriter() == %s, expected nil", err)
		}
		vol := IndexVolume{
			Name:       NewName("strata", Blocks, testTime, "zip", "").String(),
			VolumeHash: util.HashBytes([]byte("volume")),
			VolumeSize: 12345,
		}
		for h, p := range blocks {
			vol.Blocks = append(vol.Blocks, BlockRef{Hash: h, Size: int64(len(p))})
		}
		if err := w.AddVolume(vol); err != nil {
			t.Fatalf("AddVolume() == %s, expected nil", err)
		}
		for h, p := range lists {
			w.AddBlocklist(h, p)
		}
		f, err := w.Finish()
		if err != nil {
			t.Fatalf("Finish() == %s, expected nil", err)
		}
		r, err := OpenIndex(f.Name.String(), f.Data, opts.Encryption)
		if err != nil {
			t.Fatalf("OpenIndex() == %s, expected nil", err)
		}
		vols, err := r.Volumes()
		if err != nil || len(vols) != 1 {
			t.Fatalf("Volumes() == %v, %v", vols, err)
		}
		if !reflect.DeepEqual(vols[0], vol) {
			t.Errorf("Volumes()[0] == %+v, expected %+v", vols[0], vol)
		}
		if len(r.BlocklistHashes()) != len(lists) {
			t.Errorf("BlocklistHashes() == %v", r.BlocklistHashes())
		}
		for h, p := range lists {
			data, ok, err := r.Blocklist(h)
			if !ok || err != nil || !bytes.Equal(data, p) {
				t.Errorf("Blocklist(%s) == %v, %v", h, ok, err)
			}
		}
		if _, ok, _ := r.Blocklist(util.HashBytes(nil)); ok {
			t.Errorf("Blocklist(missing) found")
		}
	}
}

func TestFilelistRoundTrip(t *testing.T) {
	entries := []FileEntry{
		{Type: Folder, Path: "/data/", Time: 1700000000, MetaHash: util.HashBytes([]byte("m1")), MetaSize: 2, MetaBlockHash: util.HashBytes([]byte("m1"))},
		{Type: File, Path: "/data/a.txt", Hash: util.HashBytes([]byte("a")), Size: 1, Time: 1700000001, BlockHash: util.HashBytes([]byte("a")),
			MetaHash: util.HashBytes([]byte("m2")), MetaSize: 2, MetaBlockHash: util.HashBytes([]byte("m2"))},
		{Type: File, Path: "/data/big.bin", Hash: util.HashBytes([]byte("big")), Size: 5000, Time: 1700000002,
			Blocklists: []string{util.HashBytes([]byte("l1")), util.HashBytes([]byte("l2"))}, MetaHash: util.HashBytes([]byte("m3")), MetaSize: 2,
			MetaBlockHash: util.HashBytes([]byte("m3"))},
		{Type: Symlink, Path: "/data/link", Time: 1700000003, MetaHash: util.HashBytes([]byte("m4")), MetaSize: 2, MetaBlockHash: util.HashBytes([]byte("m4"))},
	}
	for _, opts := range optionTable {
		for _, full := range []bool{true, false} {
			w, err := NewFilelistWriter(opts, testTime)
			if err != nil {
				t.Fatalf("NewFilelistWriter() == %s, expected nil", err)
			}
			w.SetFull(full)
			for _, e := range entries {
				if err := w.Add(e); err != nil {
					t.Fatalf("Add() == %s, expected nil", err)
				}
			}
			f, err := w.Finish()
			if err != nil {
				t.Fatalf("Finish() == %s, expected nil", err)
			}
			if !f.Name.Time.Equal(testTime) {
				t.Errorf("dlist time == %v, expected %v", f.Name.Time, testTime)
			}
			r, err := OpenFilelist(f.Name.String(), f.Data, opts.Encryption)
			if err != nil {
				t.Fatalf("OpenFilelist() == %s, expected nil", err)
			}
			got, err := r.ReadAll()
			r.Close()
			if err != nil {
				t.Fatalf("ReadAll() == %s, expected nil", err)
			}
			if !reflect.DeepEqual(got, entries) {
				t.Errorf("ReadAll() == %+v, expected %+v", got, entries)
			}
			isfull, err := r.IsFullBackup()
			if err != nil || isfull != full {
				t.Errorf("IsFullBackup() == %v, %v, expected %v", isfull, err, full)
			}
		}
	}
}

func TestEmptyFilelist(t *testing.T) {
	w, _ := NewFilelistWriter(Options{}, testTime)
	f, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish() == %s, expected nil", err)
	}
	r, err := OpenFilelist(f.Name.String(), f.Data, nil)
	if err != nil {
		t.Fatalf("OpenFilelist() == %s, expected nil", err)
	}
	if r.Next() || r.Err() != nil {
		t.Errorf("Next() on empty list == true or error %v", r.Err())
	}
	if name, err := r.Replaces(); name != "" || err != nil {
		t.Errorf("Replaces() == %q, %v, expected empty", name, err)
	}
}

func TestFilelistReplaces(t *testing.T) {
	old := NewName(DefaultPrefix, Files, testTime, "zip", "").String()
	w, _ := NewFilelistWriter(Options{}, testTime)
	w.SetReplaces(old)
	f, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish() == %s, expected nil", err)
	}
	if f.Name.String() == old {
		t.Fatalf("rewritten dlist has the old name %s", old)
	}
	r, err := OpenFilelist(f.Name.String(), f.Data, nil)
	if err != nil {
		t.Fatalf("OpenFilelist() == %s, expected nil", err)
	}
	defer r.Close()
	if name, err := r.Replaces(); name != old || err != nil {
		t.Errorf("Replaces() == %q, %v, expected %q", name, err, old)
	}
	if full, err := r.IsFullBackup(); !full || err != nil {
		t.Errorf("IsFullBackup() == %v, %v, expected true", full, err)
	}
}

func TestOpenErrors(t *testing.T) {
	opts := Options{Encryption: NewAES("right")}
	w, _ := NewBlockWriter(opts, testTime)
	w.AddBlock(util.HashBytes([]byte("x")), []byte("x"))
	f, _ := w.Finish()

	if _, err := OpenBlocks(f.Name.String(), f.Data, NewAES("wrong")); !errors.Is(err, ErrDecrypt) {
		t.Errorf("OpenBlocks() with wrong passphrase == %v, expected ErrDecrypt", err)
	}
	if _, err := OpenBlocks(f.Name.String(), f.Data, nil); err == nil {
		t.Errorf("OpenBlocks() without transform == nil, expected error")
	}
	if _, err := OpenIndex(f.Name.String(), f.Data, opts.Encryption); !errors.Is(err, ErrWrongType) {
		t.Errorf("OpenIndex() on a dblock == %v, expected ErrWrongType", err)
	}
	if err := Verify(f.Data, f.Hash, f.Size+1); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("Verify() with wrong size == %v, expected ErrHashMismatch", err)
	}
	bad := append([]byte(nil), f.Data...)
	bad[len(bad)-1] ^= 0xff
	if err := Verify(bad, f.Hash, f.Size); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("Verify() of corrupt data == %v, expected ErrHashMismatch", err)
	}
}

func TestParseManifest(t *testing.T) {
	var table = []struct {
		input string
		ok    bool
	}{
		{`{"Version":2,"Blocksize":1024,"BlockHash":"SHA256","FileHash":"SHA256"}`, true},
		{`{"Version":9,"Blocksize":1024,"BlockHash":"SHA256"}`, false},
		{`{"Version":2,"BlockHash":"SHA256"}`, false},
		{`{"Version":2,"Blocksize":1024,"BlockHash":"MD5"}`, false},
		{`not json`, false},
	}
	for _, test := range table {
		_, err := ParseManifest([]byte(test.input))
		if (err == nil) != test.ok {
			t.Errorf("ParseManifest(%s) == %v, expected ok=%v", test.input, err, test.ok)
		}
	}
}
