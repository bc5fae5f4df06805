package core

// Chunk store – content-addressed local storage with an in-memory index and
// on-disk payloads. Thread-safe. Eviction is LRU over last access; chunks
// pinned by in-flight transfers are never evicted. Equal hashes collapse to
// a single reference-counted entry.

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// ChunkStoreConfig bounds the store.
type ChunkStoreConfig struct {
	Dir            string
	CapacityBytes  uint64
	ChunkSizeBytes uint32 // maximum uncompressed chunk size accepted
}

// StoreStats is the snapshot returned by Stats.
type StoreStats struct {
	UsedBytes     uint64  `json:"used_bytes"`
	CapacityBytes uint64  `json:"capacity_bytes"`
	HitRate       float64 `json:"hit_rate"`
	ChunkCount    int     `json:"chunk_count"`
}

type chunkEntry struct {
	path        string
	size        uint32 // uncompressed
	storedSize  uint32 // bytes on disk
	compression CompressionTag
	checksum    uint64
	refs        uint32
	pins        uint32
	lastAccess  uint64 // store-local logical clock
}

// ChunkStore owns a directory of content-addressed payload files.
type ChunkStore struct {
	mu       sync.Mutex
	dir      string
	capacity uint64
	maxChunk uint32
	used     uint64
	index    map[Hash]*chunkEntry
	clock    uint64
	hits     uint64
	misses   uint64
	logger   *logrus.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewChunkStore opens (or creates) the store directory. Any payload files
// already present are ignored until re-put; the index is memory-only.
func NewChunkStore(cfg ChunkStoreConfig, lg *logrus.Logger) (*ChunkStore, error) {
	if cfg.CapacityBytes == 0 {
		return nil, fmt.Errorf("chunk store capacity must be positive")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrStorage, cfg.Dir, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &ChunkStore{
		dir:      cfg.Dir,
		capacity: cfg.CapacityBytes,
		maxChunk: cfg.ChunkSizeBytes,
		index:    make(map[Hash]*chunkEntry),
		logger:   lg,
		enc:      enc,
		dec:      dec,
	}, nil
}

// NewChunk builds a chunk from raw content: compresses with zstd when that
// shrinks the payload, hashes the uncompressed bytes and records the fast
// checksum. The returned chunk is ready for Put or the wire.
func (cs *ChunkStore) NewChunk(content []byte) Chunk {
	c := Chunk{
		Hash:     HashBytes(content),
		Size:     uint32(len(content)),
		Checksum: xxhash.Sum64(content),
	}
	compressed := cs.enc.EncodeAll(content, nil)
	if len(compressed) < len(content) {
		c.Compression = CompressionZstd
		c.Payload = compressed
	} else {
		c.Compression = CompressionNone
		c.Payload = append([]byte(nil), content...)
	}
	return c
}

// decompress returns the uncompressed content of a chunk payload.
func (cs *ChunkStore) decompress(c *Chunk) ([]byte, error) {
	switch c.Compression {
	case CompressionNone:
		return c.Payload, nil
	case CompressionZstd:
		return cs.dec.DecodeAll(c.Payload, nil)
	default:
		return nil, fmt.Errorf("%w: unknown compression tag %d", ErrIntegrity, c.Compression)
	}
}

// verify recomputes the integrity pair over the uncompressed content. The
// cheap xxhash runs first; the collision-resistant hash is authoritative.
func (cs *ChunkStore) verify(c *Chunk) ([]byte, error) {
	content, err := cs.decompress(c)
	if err != nil {
		return nil, err
	}
	if uint32(len(content)) != c.Size {
		return nil, fmt.Errorf("%w: size %d, declared %d", ErrIntegrity, len(content), c.Size)
	}
	if xxhash.Sum64(content) != c.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrIntegrity, c.Hash.Short())
	}
	if HashBytes(content) != c.Hash {
		return nil, fmt.Errorf("%w: content hash mismatch for %s", ErrIntegrity, c.Hash.Short())
	}
	return content, nil
}

// Put stores a chunk, verifying integrity first. Idempotent: a chunk whose
// hash is already present only gains a reference. Exceeding capacity
// triggers LRU eviction; if eviction cannot free enough space (everything
// pinned) Put returns ErrOutOfSpace and stores nothing.
func (cs *ChunkStore) Put(c Chunk) (Hash, error) {
	if cs.maxChunk != 0 && c.Size > cs.maxChunk {
		return Hash{}, fmt.Errorf("chunk size %d exceeds configured maximum %d", c.Size, cs.maxChunk)
	}
	if _, err := cs.verify(&c); err != nil {
		return Hash{}, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.clock++
	if ent, ok := cs.index[c.Hash]; ok {
		ent.refs++
		ent.lastAccess = cs.clock
		return c.Hash, nil
	}

	need := uint64(len(c.Payload))
	if need > cs.capacity {
		return Hash{}, fmt.Errorf("%w: chunk %s needs %d bytes, capacity %d",
			ErrOutOfSpace, c.Hash.Short(), need, cs.capacity)
	}
	if cs.used+need > cs.capacity {
		if !cs.evictLocked(cs.capacity - need) {
			return Hash{}, fmt.Errorf("%w: cannot free %d bytes for %s",
				ErrOutOfSpace, need, c.Hash.Short())
		}
	}

	p := filepath.Join(cs.dir, c.Hash.Hex())
	if err := os.WriteFile(p, c.Payload, 0o644); err != nil {
		return Hash{}, fmt.Errorf("%w: write %s: %v", ErrStorage, p, err)
	}
	cs.index[c.Hash] = &chunkEntry{
		path:        p,
		size:        c.Size,
		storedSize:  uint32(len(c.Payload)),
		compression: c.Compression,
		checksum:    c.Checksum,
		refs:        1,
		lastAccess:  cs.clock,
	}
	cs.used += need
	return c.Hash, nil
}

// Get returns the stored chunk. Integrity is re-checked on every read; a
// corrupted payload is evicted and reported as ErrIntegrity.
func (cs *ChunkStore) Get(h Hash) (Chunk, error) {
	cs.mu.Lock()
	ent, ok := cs.index[h]
	if !ok {
		cs.misses++
		cs.mu.Unlock()
		return Chunk{}, fmt.Errorf("%w: chunk %s", ErrNotFound, h.Short())
	}
	cs.clock++
	ent.lastAccess = cs.clock
	cs.hits++
	path := ent.path
	c := Chunk{Hash: h, Size: ent.size, Compression: ent.compression, Checksum: ent.checksum}
	cs.mu.Unlock()

	payload, err := os.ReadFile(path)
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: read %s: %v", ErrStorage, path, err)
	}
	c.Payload = payload
	if _, err := cs.verify(&c); err != nil {
		cs.logger.WithFields(logrus.Fields{"chunk": h.Short(), "err": err}).Warn("evicting corrupt chunk")
		cs.Drop(h)
		return Chunk{}, err
	}
	return c, nil
}

// GetContent returns the uncompressed content of a stored chunk.
func (cs *ChunkStore) GetContent(h Hash) ([]byte, error) {
	c, err := cs.Get(h)
	if err != nil {
		return nil, err
	}
	return cs.decompress(&c)
}

// Has reports whether the chunk is present without touching LRU order.
func (cs *ChunkStore) Has(h Hash) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.index[h]
	return ok
}

// Pin protects a chunk from eviction while a transfer reads or serves it.
func (cs *ChunkStore) Pin(h Hash) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ent, ok := cs.index[h]
	if !ok {
		return false
	}
	ent.pins++
	return true
}

// Unpin releases one pin.
func (cs *ChunkStore) Unpin(h Hash) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if ent, ok := cs.index[h]; ok && ent.pins > 0 {
		ent.pins--
	}
}

// Drop removes a chunk outright regardless of refcount. Used when integrity
// fails or an upstream object is discarded.
func (cs *ChunkStore) Drop(h Hash) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if ent, ok := cs.index[h]; ok {
		cs.removeLocked(h, ent)
	}
}

// EvictUntil evicts least-recently-used unpinned chunks until used bytes is
// at or below target. Returns the bytes in use afterwards.
func (cs *ChunkStore) EvictUntil(targetBytes uint64) uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.evictLocked(targetBytes)
	return cs.used
}

// evictLocked is the LRU sweep. Reports whether used ≤ target on return.
func (cs *ChunkStore) evictLocked(target uint64) bool {
	for cs.used > target {
		var oldest Hash
		var oldestEnt *chunkEntry
		for h, ent := range cs.index {
			if ent.pins > 0 {
				continue
			}
			if oldestEnt == nil || ent.lastAccess < oldestEnt.lastAccess {
				oldest, oldestEnt = h, ent
			}
		}
		if oldestEnt == nil {
			return false // everything pinned
		}
		cs.removeLocked(oldest, oldestEnt)
	}
	return true
}

func (cs *ChunkStore) removeLocked(h Hash, ent *chunkEntry) {
	_ = os.Remove(ent.path)
	cs.used -= uint64(ent.storedSize)
	delete(cs.index, h)
}

// Stats returns a point-in-time snapshot.
func (cs *ChunkStore) Stats() StoreStats {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	st := StoreStats{
		UsedBytes:     cs.used,
		CapacityBytes: cs.capacity,
		ChunkCount:    len(cs.index),
	}
	if total := cs.hits + cs.misses; total > 0 {
		st.HitRate = float64(cs.hits) / float64(total)
	}
	return st
}

// Close releases the codec resources.
func (cs *ChunkStore) Close() {
	cs.enc.Close()
	cs.dec.Close()
}
