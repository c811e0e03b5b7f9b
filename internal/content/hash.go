package content

import (
	"github.com/zeebo/blake3"
)

// HashBytes returns the BLAKE3-256 digest of data.
func HashBytes(data []byte) Hash {
	var h Hash
	sum := blake3.Sum256(data)
	copy(h[:], sum[:])
	return h
}

// VerifyChunk reports whether bytes hashes to expected. Pure, no I/O.
func VerifyChunk(expected Hash, bytes []byte) bool {
	return HashBytes(bytes) == expected
}

// contentHashOf computes the spec-defined content hash: BLAKE3 of the
// concatenation of chunk hashes in index order. This is deliberately a
// flat hash chain, not a Merkle tree — see DESIGN.md for why this departs
// from the teacher's pairwise ComputeMerkleRoot.
func contentHashOf(chunkHashes []Hash) Hash {
	hasher := blake3.New()
	for _, h := range chunkHashes {
		hasher.Write(h[:])
	}
	var out Hash
	sum := hasher.Sum(nil)
	copy(out[:], sum)
	return out
}

// VerifyManifest recomputes content_hash from the manifest's chunk hashes
// and reports whether it matches. It does not re-read chunk bytes.
func VerifyManifest(m *Manifest) bool {
	if m == nil {
		return false
	}
	hashes := make([]Hash, len(m.Chunks))
	var size int64
	for i, c := range m.Chunks {
		if c.Index != i {
			return false
		}
		hashes[i] = c.ChunkHash
		size += int64(c.ChunkSize)
		if i < len(m.Chunks)-1 && c.ChunkSize != ChunkSize {
			return false
		}
	}
	if size != m.Size {
		return false
	}
	return contentHashOf(hashes) == m.ContentHash
}
