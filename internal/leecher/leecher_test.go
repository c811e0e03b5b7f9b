package leecher_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/brisbynet/brisby/internal/content"
	"github.com/brisbynet/brisby/internal/leecher"
	"github.com/brisbynet/brisby/internal/store"
	"github.com/brisbynet/brisby/internal/transport"
	"github.com/brisbynet/brisby/internal/wire"
)

// testSeeder is a minimal chunk server used only by these tests: it
// answers ChunkRequests out of a store, optionally corrupting or
// dropping specific (chunk index, attempt number) combinations, and
// counts requests it has seen per chunk index.
type testSeeder struct {
	mu       sync.Mutex
	requests map[int]int
	corrupt  map[int]bool
	dropOnce map[int]bool
	dropped  map[int]bool
}

func newTestSeeder(corrupt map[int]bool, dropOnce map[int]bool) *testSeeder {
	return &testSeeder{
		requests: make(map[int]int),
		corrupt:  corrupt,
		dropOnce: dropOnce,
		dropped:  make(map[int]bool),
	}
}

func (s *testSeeder) requestCount(idx int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[idx]
}

func (s *testSeeder) serve(t *testing.T, net *transport.MockNetwork, addr transport.Address, manifest *content.Manifest, st *store.Store) {
	t.Helper()
	tr := net.NewTransport(addr)
	t.Cleanup(func() { tr.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			in, err := tr.Recv(ctx)
			if err != nil {
				return
			}
			go s.handle(ctx, tr, in, manifest, st)
		}
	}()
}

func (s *testSeeder) handle(ctx context.Context, tr transport.Transport, in transport.Inbound, manifest *content.Manifest, st *store.Store) {
	env, err := wire.Decode(in.Payload)
	if err != nil {
		return
	}
	var req wire.ChunkRequest
	if err := wire.DecodeBody(env, &req); err != nil {
		return
	}

	idx := int(req.ChunkIndex)
	s.mu.Lock()
	s.requests[idx]++
	shouldDrop := s.dropOnce[idx] && !s.dropped[idx]
	if shouldDrop {
		s.dropped[idx] = true
	}
	s.mu.Unlock()
	if shouldDrop {
		return // simulate the first response to this chunk being lost.
	}

	desc := manifest.Chunks[idx]
	data, err := st.Get(desc.ChunkHash)
	if err != nil {
		return
	}
	chunkHash := desc.ChunkHash
	if s.corrupt[idx] {
		data = append([]byte(nil), data...)
		if len(data) == 0 {
			data = []byte{0xFF}
		} else {
			data[0] ^= 0xFF
		}
	}

	frame, err := wire.Encode(env.RequestID, wire.KindChunkResponse, wire.ChunkResponse{
		ContentHash: req.ContentHash,
		ChunkIndex:  req.ChunkIndex,
		Data:        data,
		ChunkHash:   chunkHash,
	})
	if err != nil {
		return
	}
	tr.Reply(ctx, in.ReplyToken, frame)
}

func buildManifest(t *testing.T, st *store.Store, data []byte) *content.Manifest {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, err := content.ChunkFile(path, st, nil)
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	return m
}

func threeChunkFile() []byte {
	data := make([]byte, 0, 2*content.ChunkSize+128)
	data = append(data, bytesOf(0x41, 2*content.ChunkSize)...)
	data = append(data, bytesOf(0x43, 128)...)
	return data
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestDownloadSingleSeederHappyPath(t *testing.T) {
	net := transport.NewMockNetwork(0, 0)
	srcStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open src: %v", err)
	}
	t.Cleanup(func() { srcStore.Close() })

	data := threeChunkFile()
	manifest := buildManifest(t, srcStore, data)
	if manifest.ChunkCount() != 3 {
		t.Fatalf("ChunkCount = %d, want 3", manifest.ChunkCount())
	}

	seeder := newTestSeeder(nil, nil)
	seeder.serve(t, net, "seeder-1", manifest, srcStore)

	dstStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open dst: %v", err)
	}
	t.Cleanup(func() { dstStore.Close() })

	leecherTr := net.NewTransport("leecher-1")
	t.Cleanup(func() { leecherTr.Close() })

	eng := leecher.New(leecher.Config{ChunkTimeout: 2 * time.Second}, leecherTr, dstStore, zerolog.Nop())
	outPath := filepath.Join(t.TempDir(), "out.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Download(ctx, manifest, []transport.Address{"seeder-1"}, outPath); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("downloaded file mismatch: got %d bytes, want %d", len(got), len(data))
	}
	for i := 0; i < 3; i++ {
		if seeder.requestCount(i) != 1 {
			t.Errorf("chunk %d requested %d times, want 1", i, seeder.requestCount(i))
		}
	}
}

func TestDownloadRetriesOnDroppedResponse(t *testing.T) {
	net := transport.NewMockNetwork(0, 0)
	srcStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open src: %v", err)
	}
	t.Cleanup(func() { srcStore.Close() })

	data := threeChunkFile()
	manifest := buildManifest(t, srcStore, data)

	dropEvery := map[int]bool{0: true, 1: true, 2: true}
	seeder := newTestSeeder(nil, dropEvery)
	seeder.serve(t, net, "seeder-1", manifest, srcStore)

	dstStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open dst: %v", err)
	}
	t.Cleanup(func() { dstStore.Close() })

	leecherTr := net.NewTransport("leecher-1")
	t.Cleanup(func() { leecherTr.Close() })

	eng := leecher.New(leecher.Config{ChunkTimeout: 300 * time.Millisecond}, leecherTr, dstStore, zerolog.Nop())
	outPath := filepath.Join(t.TempDir(), "out.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Download(ctx, manifest, []transport.Address{"seeder-1"}, outPath); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("downloaded file mismatch")
	}
	for i := 0; i < 3; i++ {
		if seeder.requestCount(i) != 2 {
			t.Errorf("chunk %d requested %d times, want 2 (one dropped, one served)", i, seeder.requestCount(i))
		}
	}
}

func TestDownloadBansCorruptSeeder(t *testing.T) {
	net := transport.NewMockNetwork(0, 0)
	srcStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open src: %v", err)
	}
	t.Cleanup(func() { srcStore.Close() })

	data := threeChunkFile()
	manifest := buildManifest(t, srcStore, data)

	good := newTestSeeder(nil, nil)
	good.serve(t, net, "seeder-a", manifest, srcStore)

	bad := newTestSeeder(map[int]bool{1: true}, nil)
	bad.serve(t, net, "seeder-b", manifest, srcStore)

	dstStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open dst: %v", err)
	}
	t.Cleanup(func() { dstStore.Close() })

	leecherTr := net.NewTransport("leecher-1")
	t.Cleanup(func() { leecherTr.Close() })

	eng := leecher.New(leecher.Config{ChunkTimeout: 2 * time.Second, BanThreshold: 3, MaxAttempts: 5}, leecherTr, dstStore, zerolog.Nop())
	outPath := filepath.Join(t.TempDir(), "out.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Download(ctx, manifest, []transport.Address{"seeder-a", "seeder-b"}, outPath); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("downloaded file mismatch")
	}
	if bad.requestCount(1) < 3 {
		t.Errorf("bad seeder requested for chunk 1 only %d times, want at least BanThreshold", bad.requestCount(1))
	}
}

func TestDownloadExhaustsRetriesOnAlwaysCorrupt(t *testing.T) {
	net := transport.NewMockNetwork(0, 0)
	srcStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open src: %v", err)
	}
	t.Cleanup(func() { srcStore.Close() })

	data := bytesOf(0x41, 128)
	manifest := buildManifest(t, srcStore, data)

	bad := newTestSeeder(map[int]bool{0: true}, nil)
	bad.serve(t, net, "seeder-bad", manifest, srcStore)

	dstStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open dst: %v", err)
	}
	t.Cleanup(func() { dstStore.Close() })

	leecherTr := net.NewTransport("leecher-1")
	t.Cleanup(func() { leecherTr.Close() })

	eng := leecher.New(leecher.Config{ChunkTimeout: time.Second, MaxAttempts: 3, BanThreshold: 100}, leecherTr, dstStore, zerolog.Nop())
	outPath := filepath.Join(t.TempDir(), "out.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = eng.Download(ctx, manifest, []transport.Address{"seeder-bad"}, outPath)
	if err == nil {
		t.Fatal("Download succeeded, want ErrExhaustedRetries")
	}
}

func TestDownloadResumesFromPartialStore(t *testing.T) {
	net := transport.NewMockNetwork(0, 0)
	srcStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open src: %v", err)
	}
	t.Cleanup(func() { srcStore.Close() })

	data := make([]byte, 10*content.ChunkSize)
	for i := range data {
		data[i] = byte(i + i/content.ChunkSize)
	}
	manifest := buildManifest(t, srcStore, data)

	seeder := newTestSeeder(nil, nil)
	seeder.serve(t, net, "seeder-1", manifest, srcStore)

	dstStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open dst: %v", err)
	}
	t.Cleanup(func() { dstStore.Close() })

	// Pre-populate four chunks directly, simulating a prior, cancelled
	// download that already confirmed them in the store.
	for i := 0; i < 4; i++ {
		desc := manifest.Chunks[i]
		chunkData, err := srcStore.Get(desc.ChunkHash)
		if err != nil {
			t.Fatalf("Get src chunk %d: %v", i, err)
		}
		if err := dstStore.Put(desc.ChunkHash, chunkData); err != nil {
			t.Fatalf("Put dst chunk %d: %v", i, err)
		}
	}

	leecherTr := net.NewTransport("leecher-1")
	t.Cleanup(func() { leecherTr.Close() })

	eng := leecher.New(leecher.Config{ChunkTimeout: 2 * time.Second}, leecherTr, dstStore, zerolog.Nop())
	outPath := filepath.Join(t.TempDir(), "out.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Download(ctx, manifest, []transport.Address{"seeder-1"}, outPath); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("downloaded file mismatch")
	}
	for i := 0; i < 4; i++ {
		if seeder.requestCount(i) != 0 {
			t.Errorf("already-resumed chunk %d was re-requested", i)
		}
	}
	for i := 4; i < 10; i++ {
		if seeder.requestCount(i) != 1 {
			t.Errorf("chunk %d requested %d times, want 1", i, seeder.requestCount(i))
		}
	}
}

func TestDownloadCancellationKeepsPartialChunksForResume(t *testing.T) {
	net := transport.NewMockNetwork(5*time.Millisecond, 0)
	srcStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open src: %v", err)
	}
	t.Cleanup(func() { srcStore.Close() })

	data := make([]byte, 4*content.ChunkSize)
	manifest := buildManifest(t, srcStore, data)

	seeder := newTestSeeder(nil, nil)
	seeder.serve(t, net, "seeder-1", manifest, srcStore)

	dstStore, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open dst: %v", err)
	}
	t.Cleanup(func() { dstStore.Close() })

	leecherTr := net.NewTransport("leecher-1")
	t.Cleanup(func() { leecherTr.Close() })

	eng := leecher.New(leecher.Config{Concurrency: 1, ChunkTimeout: 2 * time.Second}, leecherTr, dstStore, zerolog.Nop())
	outPath := filepath.Join(t.TempDir(), "out.bin")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err = eng.Download(ctx, manifest, []transport.Address{"seeder-1"}, outPath)
	if err == nil {
		t.Fatal("Download succeeded, want cancellation")
	}

	// Whatever chunks did land are still present for the next attempt.
	for _, cd := range manifest.Chunks {
		if dstStore.Has(cd.ChunkHash) {
			data, err := dstStore.Get(cd.ChunkHash)
			if err != nil {
				t.Fatalf("Get chunk %d after cancel: %v", cd.Index, err)
			}
			if !content.VerifyChunk(cd.ChunkHash, data) {
				t.Fatalf("chunk %d in store after cancel does not verify", cd.Index)
			}
		}
	}
}
