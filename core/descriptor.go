package core

// descriptor.go – building and validating content descriptors.
//
// A descriptor is the Merkle-rooted manifest of an ordered chunk list. The
// root is recomputable from the list alone, so two descriptors with equal
// roots denote the same logical blob regardless of who produced them.

import (
	"bytes"
	"fmt"
)

// DescriptorRoot computes the Merkle root over the ordered chunk hashes.
func DescriptorRoot(chunks []Hash) Hash {
	return ComputeMerkleRoot(DomainContent, chunks)
}

// Validate checks the structural invariants: a recomputable root, at least
// one chunk for non-empty content, and a sane redundancy policy.
func (d *ContentDescriptor) Validate() error {
	if d.Policy.Copies < 1 {
		return fmt.Errorf("%w: copies %d", ErrBadPolicy, d.Policy.Copies)
	}
	if d.TotalSize > 0 && len(d.Chunks) == 0 {
		return fmt.Errorf("%w: descriptor %s lists no chunks for %d bytes",
			ErrRootMismatch, d.Root.Short(), d.TotalSize)
	}
	if DescriptorRoot(d.Chunks) != d.Root {
		return fmt.Errorf("%w: descriptor %s", ErrRootMismatch, d.Root.Short())
	}
	return nil
}

// BuildDescriptor splits content into fixed-size chunks, stores each chunk
// locally and returns the descriptor. The final chunk may be short.
func BuildDescriptor(store *ChunkStore, content []byte, chunkSize uint32, policy RedundancyPolicy) (ContentDescriptor, error) {
	if chunkSize == 0 {
		return ContentDescriptor{}, fmt.Errorf("chunk size must be positive")
	}
	if policy.Copies < 1 {
		return ContentDescriptor{}, fmt.Errorf("%w: copies %d", ErrBadPolicy, policy.Copies)
	}
	var hashes []Hash
	for off := 0; off < len(content); off += int(chunkSize) {
		end := off + int(chunkSize)
		if end > len(content) {
			end = len(content)
		}
		c := store.NewChunk(content[off:end])
		if _, err := store.Put(c); err != nil {
			return ContentDescriptor{}, err
		}
		hashes = append(hashes, c.Hash)
	}
	return ContentDescriptor{
		Root:      DescriptorRoot(hashes),
		TotalSize: uint64(len(content)),
		Chunks:    hashes,
		Policy:    policy,
	}, nil
}

// AssembleContent reads every chunk of a descriptor from the local store and
// concatenates the uncompressed content, verifying the totals.
func AssembleContent(store *ChunkStore, d *ContentDescriptor) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(int(d.TotalSize))
	for _, h := range d.Chunks {
		content, err := store.GetContent(h)
		if err != nil {
			return nil, err
		}
		buf.Write(content)
	}
	if uint64(buf.Len()) != d.TotalSize {
		return nil, fmt.Errorf("%w: assembled %d bytes, descriptor says %d",
			ErrRootMismatch, buf.Len(), d.TotalSize)
	}
	return buf.Bytes(), nil
}

// MissingChunks lists the descriptor chunks not yet present locally, in
// descriptor order. A fetch resumes from exactly this set.
func MissingChunks(store *ChunkStore, d *ContentDescriptor) []Hash {
	var missing []Hash
	for _, h := range d.Chunks {
		if !store.Has(h) {
			missing = append(missing, h)
		}
	}
	return missing
}
