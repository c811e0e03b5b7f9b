package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/brisbynet/brisby/internal/leecher"
	"github.com/brisbynet/brisby/internal/observability"
	"github.com/brisbynet/brisby/internal/store"
	"github.com/brisbynet/brisby/internal/transport"
	"github.com/brisbynet/brisby/internal/validation"
)

// downloadCmd drives the Leecher Engine to completion for one manifest
// (spec.md §4.F).
func downloadCmd(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	storeDir := fs.String("store", "./chunks", "Chunk Store directory")
	manifestPath := fs.String("manifest", "", "manifest file (required)")
	seederAddrs := fs.String("seeders", "", "comma-separated candidate seeder addresses (required)")
	out := fs.String("out", "", "output file path (default <filename> from the manifest)")
	concurrency := fs.Int("concurrency", leecher.DefaultConcurrency, "max in-flight chunk requests")
	chunkTimeout := fs.Duration("chunk-timeout", leecher.DefaultChunkTimeout, "per-chunk request timeout")
	maxAttempts := fs.Int("max-attempts", leecher.DefaultMaxAttempts, "max attempts per chunk across seeders")
	banThreshold := fs.Int("ban-threshold", leecher.DefaultBanThreshold, "consecutive failures before a seeder is banned")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve /metrics and /healthz on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *manifestPath == "" {
		return fmt.Errorf("-manifest is required")
	}
	seeders := splitAddresses(*seederAddrs)
	if len(seeders) == 0 {
		return fmt.Errorf("-seeders must name at least one candidate address")
	}
	if err := validation.ValidateRangeInt(*concurrency, 1, 4096); err != nil {
		return fmt.Errorf("-concurrency: %w", err)
	}

	manifest, err := loadManifest(*manifestPath)
	if err != nil {
		return err
	}
	outputPath := *out
	if outputPath == "" {
		outputPath = manifest.Filename
	}

	st, err := store.Open(*storeDir)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if shutdown, err := observability.InitTracing(context.Background(), "brisby-download"); err == nil {
		defer shutdown(context.Background())
	}

	tr, err := transport.NewQUICTransport(ctx, transport.QUICConfig{
		Local:  "client",
		Logger: newLogger("brisby-download").Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer tr.Close()

	metrics := observability.NewMetrics()
	if *metricsAddr != "" {
		go serveObservability(*metricsAddr, metrics)
	}

	logger := newLogger("brisby-download")
	logger.DownloadStarted(fmt.Sprintf("%x", manifest.ContentHash), manifest.Filename, manifest.Size, manifest.ChunkCount())

	engine := leecher.New(leecher.Config{
		Concurrency:  *concurrency,
		ChunkTimeout: *chunkTimeout,
		MaxAttempts:  *maxAttempts,
		BanThreshold: *banThreshold,
	}, tr, st, logger.Zerolog())
	engine.SetMetrics(metrics)

	start := time.Now()
	if err := engine.Download(ctx, manifest, seeders, outputPath); err != nil {
		logger.DownloadFailed(fmt.Sprintf("%x", manifest.ContentHash), err)
		return err
	}
	logger.DownloadCompleted(fmt.Sprintf("%x", manifest.ContentHash), time.Since(start), manifest.ChunkCount())
	fmt.Printf("downloaded %s (%d bytes) to %s\n", manifest.Filename, manifest.Size, outputPath)
	return nil
}
