package content

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// ChunkFile streams path, splitting it into ChunkSize chunks (the final
// chunk may be shorter), storing each chunk via store as it is produced,
// and returns the resulting manifest.
//
// Chunking is a pure function of the input bytes and ChunkSize: two nodes
// chunking the same file produce manifests with identical content hashes.
//
// On a read failure the operation returns an error; chunks already written
// to store remain there (idempotent, safe to retry the whole file).
func ChunkFile(path string, store Store, keywords []string) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("content: open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("content: stat %s: %w", path, err)
	}

	descriptors := make([]ChunkDescriptor, 0, info.Size()/ChunkSize+1)
	hashes := make([]Hash, 0, cap(descriptors))
	buf := make([]byte, ChunkSize)
	var total int64
	index := 0

	for {
		n, readErr := io.ReadFull(file, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("content: read chunk %d of %s: %w", index, path, readErr)
		}
		if n == 0 {
			break
		}

		chunk := buf[:n]
		h := HashBytes(chunk)
		if err := store.Put(h, chunk); err != nil {
			return nil, fmt.Errorf("content: store chunk %d of %s: %w", index, path, err)
		}

		descriptors = append(descriptors, ChunkDescriptor{
			Index:     index,
			ChunkHash: h,
			ChunkSize: n,
		})
		hashes = append(hashes, h)
		total += int64(n)
		index++

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF || n < ChunkSize {
			break
		}
	}

	if len(descriptors) == 0 {
		// Empty file: a single zero-length chunk, matching the teacher's
		// empty-file handling in internal/chunker/chunker.go.
		h := HashBytes(nil)
		if err := store.Put(h, nil); err != nil {
			return nil, fmt.Errorf("content: store empty chunk of %s: %w", path, err)
		}
		descriptors = append(descriptors, ChunkDescriptor{Index: 0, ChunkHash: h, ChunkSize: 0})
		hashes = append(hashes, h)
	}

	filename := filepath.Base(path)
	return &Manifest{
		Filename:    filename,
		Size:        total,
		MimeType:    mime.TypeByExtension(filepath.Ext(filename)),
		Keywords:    keywords,
		Chunks:      descriptors,
		ContentHash: contentHashOf(hashes),
		CreatedAt:   time.Now(),
	}, nil
}

// HashFile recomputes the content hash of path by re-chunking it exactly
// as ChunkFile does and hashing the resulting chunk-hash chain, without
// storing anything. The Leecher Engine uses this to verify a reassembled
// download independent of the per-chunk verification already performed
// on receipt (spec.md §4.F step 3).
func HashFile(path string) (Hash, error) {
	file, err := os.Open(path)
	if err != nil {
		return Hash{}, fmt.Errorf("content: open %s: %w", path, err)
	}
	defer file.Close()

	var hashes []Hash
	buf := make([]byte, ChunkSize)
	for {
		n, readErr := io.ReadFull(file, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return Hash{}, fmt.Errorf("content: read %s: %w", path, readErr)
		}
		if n == 0 {
			break
		}
		hashes = append(hashes, HashBytes(buf[:n]))
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF || n < ChunkSize {
			break
		}
	}
	if len(hashes) == 0 {
		hashes = append(hashes, HashBytes(nil))
	}
	return contentHashOf(hashes), nil
}
