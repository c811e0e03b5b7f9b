// Package content implements deterministic file chunking, hash-linked
// manifests, and content-hash verification for Brisby.
package content

import "time"

// ChunkSize is the fixed chunk size used by the chunker. Only the final
// chunk of a file may be shorter than this.
const ChunkSize = 262144

// HashSize is the size in bytes of a BLAKE3-256 digest.
const HashSize = 32

// Hash is a 32-byte BLAKE3 digest, used as the identity of both chunks and
// files.
type Hash [HashSize]byte

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ChunkDescriptor is one (index, chunk_hash, chunk_size) triple of a
// manifest.
type ChunkDescriptor struct {
	Index     int  `json:"index"`
	ChunkHash Hash `json:"chunk_hash"`
	ChunkSize int  `json:"chunk_size"`
}

// Manifest is the ordered, hash-linked description of a file.
type Manifest struct {
	Filename    string            `json:"filename"`
	Size        int64             `json:"size"`
	MimeType    string            `json:"mime_type,omitempty"`
	Keywords    []string          `json:"keywords,omitempty"`
	Chunks      []ChunkDescriptor `json:"chunks"`
	ContentHash Hash              `json:"content_hash"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ChunkCount returns the number of chunks described by the manifest.
func (m *Manifest) ChunkCount() int {
	return len(m.Chunks)
}

// Store is the subset of the Chunk Store contract the chunker needs: a
// hash-verified, idempotent write. Kept as a local interface (rather than
// importing internal/store directly) so content has no dependency on the
// storage backend.
type Store interface {
	Put(hash Hash, data []byte) error
}
