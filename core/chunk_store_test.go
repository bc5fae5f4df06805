package core

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(os.Stderr)
	lg.SetLevel(logrus.ErrorLevel)
	return lg
}

func tmpStore(t *testing.T, capacity uint64) *ChunkStore {
	t.Helper()
	cs, err := NewChunkStore(ChunkStoreConfig{
		Dir:            t.TempDir(),
		CapacityBytes:  capacity,
		ChunkSizeBytes: 4 << 20,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewChunkStore: %v", err)
	}
	t.Cleanup(cs.Close)
	return cs
}

func TestChunkStorePutGetRoundTrip(t *testing.T) {
	cs := tmpStore(t, 1<<20)
	content := bytes.Repeat([]byte("bcai chunk payload "), 512)

	c := cs.NewChunk(content)
	if c.Compression != CompressionZstd {
		t.Fatalf("repetitive payload should compress, got tag %d", c.Compression)
	}
	h, err := cs.Put(c)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if h != c.Hash {
		t.Fatalf("Put returned %s, want %s", h.Hex(), c.Hash.Hex())
	}

	got, err := cs.GetContent(h)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content mismatch after round trip")
	}
}

func TestChunkStorePutRejectsTamperedHash(t *testing.T) {
	cs := tmpStore(t, 1<<20)
	c := cs.NewChunk([]byte("honest bytes"))
	c.Hash[0] ^= 0xff

	if _, err := cs.Put(c); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("want ErrIntegrity, got %v", err)
	}
}

func TestChunkStorePutIdempotent(t *testing.T) {
	cs := tmpStore(t, 1<<20)
	c := cs.NewChunk([]byte("same bytes"))

	if _, err := cs.Put(c); err != nil {
		t.Fatalf("first put: %v", err)
	}
	used := cs.Stats().UsedBytes
	if _, err := cs.Put(c); err != nil {
		t.Fatalf("second put: %v", err)
	}
	if st := cs.Stats(); st.UsedBytes != used || st.ChunkCount != 1 {
		t.Fatalf("dedup failed: used %d→%d, count %d", used, st.UsedBytes, st.ChunkCount)
	}
}

// noiseBytes fills a buffer from a seeded PRNG stream; the output does not
// compress, so stored sizes match content sizes.
func noiseBytes(seed uint64, n int) []byte {
	out := make([]byte, n)
	state := seed
	for i := 0; i < n; i += 8 {
		v := splitmix64(&state)
		for j := 0; j < 8 && i+j < n; j++ {
			out[i+j] = byte(v >> (8 * j))
		}
	}
	return out
}

func TestChunkStoreLRUEviction(t *testing.T) {
	cs := tmpStore(t, 3000)
	var hashes []Hash
	for i := uint64(0); i < 3; i++ {
		c := cs.NewChunk(noiseBytes(i+1, 900))
		if _, err := cs.Put(c); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		hashes = append(hashes, c.Hash)
	}

	// Touch the first chunk so the second becomes least recently used.
	if _, err := cs.Get(hashes[0]); err != nil {
		t.Fatalf("touch: %v", err)
	}

	if _, err := cs.Put(cs.NewChunk(noiseBytes(99, 900))); err != nil {
		t.Fatalf("overflow put: %v", err)
	}
	if cs.Has(hashes[1]) {
		t.Fatal("LRU chunk survived eviction")
	}
	if !cs.Has(hashes[0]) {
		t.Fatal("recently used chunk was evicted")
	}
}

func TestChunkStorePinnedNeverEvicted(t *testing.T) {
	cs := tmpStore(t, 2000)
	mk := func(seed uint64) Chunk {
		return cs.NewChunk(noiseBytes(seed, 900))
	}

	a, b := mk(1), mk(2)
	if _, err := cs.Put(a); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.Put(b); err != nil {
		t.Fatal(err)
	}
	cs.Pin(a.Hash)
	cs.Pin(b.Hash)

	if _, err := cs.Put(mk(3)); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("want ErrOutOfSpace with all chunks pinned, got %v", err)
	}

	cs.Unpin(b.Hash)
	if _, err := cs.Put(mk(3)); err != nil {
		t.Fatalf("put after unpin: %v", err)
	}
	if !cs.Has(a.Hash) {
		t.Fatal("pinned chunk evicted")
	}
}

func TestChunkStoreStats(t *testing.T) {
	cs := tmpStore(t, 1<<20)
	c := cs.NewChunk([]byte("stats sample"))
	if _, err := cs.Put(c); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.Get(c.Hash); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.Get(Hash{0xde, 0xad}); err == nil {
		t.Fatal("expected miss")
	}

	st := cs.Stats()
	if st.ChunkCount != 1 || st.UsedBytes == 0 {
		t.Fatalf("stats %+v", st)
	}
	if st.HitRate != 0.5 {
		t.Fatalf("hit rate %f, want 0.5", st.HitRate)
	}
}

func TestChunkStoreEvictUntil(t *testing.T) {
	cs := tmpStore(t, 1<<20)
	for i := uint64(0); i < 4; i++ {
		if _, err := cs.Put(cs.NewChunk(noiseBytes(i+10, 512))); err != nil {
			t.Fatal(err)
		}
	}
	used := cs.EvictUntil(600)
	if used > 600 {
		t.Fatalf("EvictUntil left %d bytes", used)
	}
}
