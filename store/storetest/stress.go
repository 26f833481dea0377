// Package storetest provides functions for facilitating the testing of
// anything implementing the Store interface, and store wrappers that
// simulate the misbehavior of real backends.
package storetest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/ndlib/strata/store"
)

type blob struct {
	key  string
	hash []byte
	size int64
}

// Stress will spawn a number of goroutines to simultaneously
// try reading and writing to the given store. It is a good test to run
// with the -race flag to try to find race conditions.
//
// Sizes are generated until their sum is >= totalsize. For each size a
// random blob of that size is uploaded, then downloaded and compared, and
// finally deleted.
func Stress(t *testing.T, s store.Store, totalsize int64) {
	if totalsize == 0 {
		totalsize = 100 * 1000 * 1000
	}
	ctx := context.Background()
	sizes := make(chan int64)
	dwnld := make(chan blob, 100)
	var uppool, downpool sync.WaitGroup

	for i := 0; i < 5; i++ {
		uppool.Add(1)
		go func(id int) {
			uploader(ctx, t, s, id, sizes, dwnld)
			uppool.Done()
		}(i)
	}
	for i := 0; i < 10; i++ {
		downpool.Add(1)
		go func() {
			downloader(ctx, t, s, dwnld)
			downpool.Done()
		}()
	}

	generatesizes(sizes, totalsize)
	close(sizes)
	uppool.Wait()
	close(dwnld)
	downpool.Wait()
}

// randomReader provides an interface to n bytes of random data.
// The length may be much longer than len(data).
type randomReader struct {
	n    int64
	data []byte
}

func (r *randomReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, io.EOF
	}
	total := 0
	data := r.data
	for len(p) > 0 && r.n > 0 {
		if r.n < int64(len(data)) {
			data = data[:int(r.n)]
		}
		n := copy(p, data)
		p = p[n:]
		r.n -= int64(n)
		total += n
	}
	return total, nil
}

func uploader(ctx context.Context, t *testing.T, s store.Store, id int, in <-chan int64, out chan<- blob) {
	h := sha256.New()
	buffer := make([]byte, 64*1024)
	var count int
	for size := range in {
		h.Reset()
		rand.Read(buffer)
		count++
		key := fmt.Sprintf("stress-%d-%d", id, count)
	retry:
		w, err := s.Create(ctx, key)
		if errors.Is(err, store.ErrKeyExists) {
			key += "a"
			goto retry
		} else if err != nil {
			t.Error(err)
			continue
		}
		n, err := io.Copy(io.MultiWriter(h, w), &randomReader{data: buffer, n: size})
		if n != size {
			t.Error("expected", size, "only read", n)
		}
		if err != nil {
			t.Error(err)
		}
		if err = w.Close(); err != nil {
			t.Error(key, size, err)
			continue
		}
		out <- blob{key: key, hash: h.Sum(nil), size: size}
	}
}

func downloader(ctx context.Context, t *testing.T, s store.Store, in <-chan blob) {
	h := sha256.New()
	for blob := range in {
		rac, size, err := s.Open(ctx, blob.key)
		if err != nil {
			t.Error(err)
			continue
		}
		if size != blob.size {
			t.Error("Expected", blob.size, "Open() returned", size)
		}
		h.Reset()
		n, err := io.Copy(h, store.NewReader(rac))
		if err != nil {
			t.Error(err)
		}
		if n != size {
			t.Error("Expected", size, "but read", n)
		}
		rac.Close()
		if !bytes.Equal(blob.hash, h.Sum(nil)) {
			t.Errorf("hashes unequal. %s. Received %x", blob.key, h.Sum(nil))
			continue
		}
		if err := s.Delete(ctx, blob.key); err != nil {
			t.Error(err)
		}
	}
}

func generatesizes(out chan<- int64, totalsize int64) {
	// We want a wide range of sizes, so generate the exponent of the size
	// uniformly at random.
	//  choose number x ~ uniform(0, 16)
	//  let size be exp(x)
	for totalsize > 0 {
		x := 16 * rand.Float64()
		size := int64(math.Trunc(math.Exp(x)))
		out <- size
		totalsize -= size
	}
}
