// Package util holds the small helpers shared by the rest of strata: the
// content hash used for block and volume identity, and a concurrency gate.
package util

import (
	"crypto/sha256"
	"encoding/base64"
	"hash"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// HashSize is the length in bytes of a raw block hash.
const HashSize = sha256.Size

// HashName is recorded in volume manifests to identify the hash algorithm.
const HashName = "SHA256"

// ErrBadHash is returned when a hash string does not decode to HashSize bytes.
var ErrBadHash = errors.New("malformed hash")

// A HashWriter wraps an io.Writer and also calculates the SHA256 hash and
// the length of the bytes written.
type HashWriter struct {
	w    io.Writer // nil for a plain hash writer
	hash hash.Hash
	n    int64
}

// NewHashWriter returns a HashWriter wrapping w.
func NewHashWriter(w io.Writer) *HashWriter {
	return &HashWriter{w: w, hash: sha256.New()}
}

// NewHashWriterPlain returns a HashWriter that does not wrap an output stream.
// It will just compute the checksum and length of the data written to it.
func NewHashWriterPlain() *HashWriter {
	return &HashWriter{hash: sha256.New()}
}

func (hw *HashWriter) Write(p []byte) (int, error) {
	if hw.w != nil {
		n, err := hw.w.Write(p)
		hw.hash.Write(p[:n])
		hw.n += int64(n)
		return n, err
	}
	hw.hash.Write(p)
	hw.n += int64(len(p))
	return len(p), nil
}

// Sum returns the base64 encoded hash of everything written so far.
func (hw *HashWriter) Sum() string {
	return EncodeHash(hw.hash.Sum(nil))
}

// Size returns the number of bytes written so far.
func (hw *HashWriter) Size() int64 {
	return hw.n
}

// Check compares the hash of the data written against goal. An empty goal
// is treated as matching.
func (hw *HashWriter) Check(goal string) (string, bool) {
	computed := hw.Sum()
	return computed, goal == "" || goal == computed
}

// VerifyStreamHash reads r to the end and compares its hash and length
// against the given values. A negative size is not checked.
// The reader is not closed when finished.
func VerifyStreamHash(r io.Reader, goal string, size int64) (bool, error) {
	hw := NewHashWriterPlain()
	_, err := io.Copy(hw, r)
	if err != nil {
		return false, err
	}
	_, ok := hw.Check(goal)
	return ok && (size < 0 || size == hw.Size()), nil
}

// HashBytes returns the base64 encoded hash of p.
func HashBytes(p []byte) string {
	sum := sha256.Sum256(p)
	return EncodeHash(sum[:])
}

// EncodeHash turns a raw hash into its string form.
func EncodeHash(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeHash turns a hash string back into its raw bytes.
func DecodeHash(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(ErrBadHash, "%q", s)
	}
	if len(raw) != HashSize {
		return nil, errors.Wrapf(ErrBadHash, "%q has %d bytes", s, len(raw))
	}
	return raw, nil
}

// URLSafe converts a hash string into a form usable as an archive entry
// name. The result contains no '/' or '+'.
func URLSafe(s string) string {
	return strings.NewReplacer("+", "-", "/", "_").Replace(s)
}

// FromURLSafe is the inverse of URLSafe.
func FromURLSafe(s string) string {
	return strings.NewReplacer("-", "+", "_", "/").Replace(s)
}
