// Package store implements the Chunk Store: a content-addressed blob store
// with atomic, idempotent writes and a BoltDB existence index.
//
// On-disk layout, per spec.md §6:
//
//	<root>/chunks/<first-2-hex>/<remaining-hex>
//
// Writes land in a sibling ".tmp.<random>" file first and are renamed into
// place, so a concurrent reader either sees the complete chunk or
// NotFound, never a partial one.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/brisbynet/brisby/internal/content"
)

// ErrNotFound is returned by Get when no chunk is stored under the
// requested hash.
var ErrNotFound = errors.New("store: chunk not found")

// ErrHashMismatch is returned by Put when the supplied bytes do not hash
// to the claimed hash.
var ErrHashMismatch = errors.New("store: hash mismatch")

// Store is a content-addressed blob store of chunks, keyed by their
// BLAKE3 hash.
type Store struct {
	root  string
	index *existenceIndex
}

// Open opens (creating if necessary) a Store rooted at dir. dir/chunks
// holds the blob files; dir/index.bolt holds the existence index.
func Open(dir string) (*Store, error) {
	chunkRoot := filepath.Join(dir, "chunks")
	if err := os.MkdirAll(chunkRoot, 0o700); err != nil {
		return nil, fmt.Errorf("store: create chunk root: %w", err)
	}
	idx, err := openExistenceIndex(filepath.Join(dir, "index.bolt"))
	if err != nil {
		return nil, fmt.Errorf("store: open existence index: %w", err)
	}
	return &Store{root: chunkRoot, index: idx}, nil
}

// Close releases the store's existence index.
func (s *Store) Close() error {
	return s.index.Close()
}

func (s *Store) pathFor(hash content.Hash) string {
	hexHash := hex.EncodeToString(hash[:])
	return filepath.Join(s.root, hexHash[:2], hexHash[2:])
}

// Put writes bytes under hash iff BLAKE3(bytes) == hash. A second Put of
// an already-present hash is a no-op (idempotent). The write is
// write-then-rename atomic.
func (s *Store) Put(hash content.Hash, data []byte) error {
	if content.HashBytes(data) != hash {
		return ErrHashMismatch
	}
	if s.index.Has(hash) {
		return nil
	}

	path := s.pathFor(hash)
	if _, err := os.Stat(path); err == nil {
		s.index.Mark(hash)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: create shard dir: %w", err)
	}

	tmpPath, err := writeTemp(dir, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename into place: %w", err)
	}
	s.index.Mark(hash)
	return nil
}

func writeTemp(dir string, data []byte) (string, error) {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("store: generate tmp suffix: %w", err)
	}
	tmpPath := filepath.Join(dir, ".tmp."+hex.EncodeToString(suffix[:]))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("store: create tmp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("store: write tmp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("store: sync tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("store: close tmp file: %w", err)
	}
	return tmpPath, nil
}

// Get returns the bytes stored under hash, or ErrNotFound.
func (s *Store) Get(hash content.Hash) ([]byte, error) {
	f, err := os.Open(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: open chunk: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("store: read chunk: %w", err)
	}
	return data, nil
}

// Has reports whether hash is present in the store. Consults the BoltDB
// existence index before falling back to a filesystem stat.
func (s *Store) Has(hash content.Hash) bool {
	if s.index.Has(hash) {
		return true
	}
	if _, err := os.Stat(s.pathFor(hash)); err == nil {
		s.index.Mark(hash)
		return true
	}
	return false
}
