package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/brisbynet/brisby/internal/content"
	"github.com/brisbynet/brisby/internal/indexclient"
	"github.com/brisbynet/brisby/internal/observability"
	"github.com/brisbynet/brisby/internal/seeder"
	"github.com/brisbynet/brisby/internal/store"
	"github.com/brisbynet/brisby/internal/transport"
	"github.com/brisbynet/brisby/internal/validation"
)

// seedCmd runs the Seeder Engine over a Chunk Store, serving the given
// manifests and republishing them to the configured Index Services
// (spec.md §4.E).
func seedCmd(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	storeDir := fs.String("store", "./chunks", "Chunk Store directory")
	listen := fs.String("listen", ":4433", "Transport listen address")
	indexAddrs := fs.String("index", "", "comma-separated Index Service addresses to publish to")
	ttl := fs.Uint("ttl", 3600, "publication TTL in seconds")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve /metrics and /healthz on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: brisby seed [flags] <manifest.json>...")
	}
	if err := validation.ValidateAddr(*listen); err != nil {
		return fmt.Errorf("-listen: %w", err)
	}

	st, err := store.Open(*storeDir)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if shutdown, err := observability.InitTracing(context.Background(), "brisby-seed"); err == nil {
		defer shutdown(context.Background())
	}

	tr, err := transport.NewQUICTransport(ctx, transport.QUICConfig{
		ListenAddr: *listen,
		Local:      transport.Address(*listen),
		Logger:     newLogger("brisby-seed").Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer tr.Close()

	var files []*seeder.ServedFile
	for _, path := range fs.Args() {
		m, err := loadManifest(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		files = append(files, &seeder.ServedFile{Manifest: m, Keywords: m.Keywords, TTL: uint32(*ttl)})
		if !filesFullyStored(st, m) {
			return fmt.Errorf("%s: chunk store is missing chunks for this manifest; run 'brisby init' first", path)
		}
	}

	ic := indexclient.New(tr, defaultProviderTimeout)
	metrics := observability.NewMetrics()
	ic.SetMetrics(metrics)

	engine := seeder.New(seeder.Config{Providers: splitAddresses(*indexAddrs)}, st, tr, ic, files, newLogger("brisby-seed").Zerolog())
	engine.SetMetrics(metrics)

	if *metricsAddr != "" {
		go serveObservability(*metricsAddr, metrics)
	}

	fmt.Printf("seeding %d file(s) on %s\n", len(files), *listen)
	return engine.Run(ctx)
}

func filesFullyStored(st *store.Store, m *content.Manifest) bool {
	for _, cd := range m.Chunks {
		if !st.Has(cd.ChunkHash) {
			return false
		}
	}
	return true
}
