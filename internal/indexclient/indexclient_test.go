package indexclient_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/brisbynet/brisby/internal/content"
	"github.com/brisbynet/brisby/internal/index"
	"github.com/brisbynet/brisby/internal/indexclient"
	"github.com/brisbynet/brisby/internal/transport"
)

func startIndexServer(t *testing.T, net *transport.MockNetwork, addr transport.Address) {
	t.Helper()
	svc, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	tr := net.NewTransport(addr)
	t.Cleanup(func() { tr.Close() })
	srv := index.NewServer(svc, tr, 1000, 1000, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)
}

func TestPublishSucceedsWithOneProvider(t *testing.T) {
	net := transport.NewMockNetwork(0, 0)
	startIndexServer(t, net, "provider-a")

	client := net.NewTransport("client")
	defer client.Close()
	ic := indexclient.New(client, time.Second)

	entry := indexclient.Entry{
		ContentHash:      content.Hash{9, 9, 9},
		Filename:         "report.pdf",
		Keywords:         []string{"finance"},
		Size:             100,
		ChunkCount:       1,
		PublisherAddress: "seeder-1",
		TTL:              3600,
	}
	outcomes, err := ic.Publish(context.Background(), entry, []transport.Address{"provider-a"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].OK {
		t.Fatalf("outcomes = %+v, want a single OK outcome", outcomes)
	}
}

func TestSearchMergesAcrossProviders(t *testing.T) {
	net := transport.NewMockNetwork(0, 0)
	startIndexServer(t, net, "provider-a")
	startIndexServer(t, net, "provider-b")

	client := net.NewTransport("client")
	defer client.Close()
	ic := indexclient.New(client, time.Second)

	entry := indexclient.Entry{
		ContentHash:      content.Hash{1, 1, 1},
		Filename:         "shared-file.bin",
		Keywords:         []string{"shared"},
		Size:             100,
		ChunkCount:       1,
		TTL:              3600,
	}

	entryA := entry
	entryA.PublisherAddress = "seeder-a"
	entryB := entry
	entryB.PublisherAddress = "seeder-b"

	if _, err := ic.Publish(context.Background(), entryA, []transport.Address{"provider-a"}); err != nil {
		t.Fatalf("publish to provider-a: %v", err)
	}
	if _, err := ic.Publish(context.Background(), entryB, []transport.Address{"provider-b"}); err != nil {
		t.Fatalf("publish to provider-b: %v", err)
	}

	results, err := ic.Search(context.Background(), "shared", 10, []transport.Address{"provider-a", "provider-b"}, time.Second)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (should dedupe by content hash)", len(results))
	}
	if len(results[0].Seeders) != 2 {
		t.Fatalf("Seeders = %v, want both seeder-a and seeder-b", results[0].Seeders)
	}
}

func TestPublishFailsWhenNoProviderReachable(t *testing.T) {
	net := transport.NewMockNetwork(0, 0)
	client := net.NewTransport("client")
	defer client.Close()
	ic := indexclient.New(client, 50*time.Millisecond)

	entry := indexclient.Entry{
		ContentHash:      content.Hash{2, 2, 2},
		Filename:         "x.bin",
		ChunkCount:       1,
		Size:             1,
		PublisherAddress: "seeder-x",
		TTL:              60,
	}
	_, err := ic.Publish(context.Background(), entry, []transport.Address{"nowhere"})
	if err == nil {
		t.Fatal("expected Publish to fail when no provider acknowledges")
	}
}
