package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/brisbynet/brisby/internal/content"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	data := []byte("hello brisby")
	h := content.HashBytes(data)

	if err := s.Put(h, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(h)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Get returned %q, want %q", got, data)
	}
	if !s.Has(h) {
		t.Fatal("Has returned false for a stored chunk")
	}
}

func TestPutHashMismatchLeavesStoreUnchanged(t *testing.T) {
	s := openTestStore(t)
	data := []byte("real bytes")
	wrongHash := content.HashBytes([]byte("different bytes"))

	if err := s.Put(wrongHash, data); err != ErrHashMismatch {
		t.Fatalf("Put returned %v, want ErrHashMismatch", err)
	}
	if s.Has(wrongHash) {
		t.Fatal("store recorded a chunk with a hash mismatch")
	}
	if _, err := s.Get(wrongHash); err != ErrNotFound {
		t.Fatalf("Get returned %v, want ErrNotFound", err)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	data := []byte("idempotent")
	h := content.HashBytes(data)

	if err := s.Put(h, data); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := s.Put(h, data); err != nil {
		t.Fatalf("second Put (should be a no-op): %v", err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	var h content.Hash
	h[0] = 1
	if _, err := s.Get(h); err != ErrNotFound {
		t.Fatalf("Get returned %v, want ErrNotFound", err)
	}
}

func TestConcurrentPutGet(t *testing.T) {
	s := openTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := []byte{byte(i), byte(i), byte(i)}
			h := content.HashBytes(data)
			if err := s.Put(h, data); err != nil {
				t.Errorf("Put: %v", err)
				return
			}
			if _, err := s.Get(h); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestOnDiskLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	data := []byte("layout check")
	h := content.HashBytes(data)
	if err := s.Put(h, data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	hexHash := fmtHash(h)
	expected := filepath.Join(dir, "chunks", hexHash[:2], hexHash[2:])
	if _, err := os.Stat(expected); err != nil {
		t.Fatalf("expected chunk file at %s: %v", expected, err)
	}
}

func fmtHash(h content.Hash) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(h)*2)
	for i, b := range h {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
