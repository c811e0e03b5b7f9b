package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/brisbynet/brisby/internal/index"
	"github.com/brisbynet/brisby/internal/observability"
	"github.com/brisbynet/brisby/internal/transport"
	"github.com/brisbynet/brisby/internal/validation"
)

// indexCmd runs an Index Service and its request dispatcher until
// interrupted (spec.md §4.G). Named to avoid colliding with the
// internal/index package import.
func indexCmd(args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	listen := fs.String("listen", ":4434", "Transport listen address")
	dbPath := fs.String("db", "./index.db", "Index Service database path")
	rps := fs.Float64("rate", 20, "requests/sec limit across all inbound requests")
	burst := fs.Int("burst", 40, "burst limit across all inbound requests")
	purgeInterval := fs.Duration("purge-interval", 0, "purge loop interval (0 = default 1m)")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve /metrics and /healthz on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := validation.ValidateAddr(*listen); err != nil {
		return fmt.Errorf("-listen: %w", err)
	}

	svc, err := index.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("open index service: %w", err)
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if shutdown, err := observability.InitTracing(context.Background(), "brisby-index"); err == nil {
		defer shutdown(context.Background())
	}

	metrics := observability.NewMetrics()
	svc.SetMetrics(metrics)
	svc.StartPurge(ctx, *purgeInterval)

	tr, err := transport.NewQUICTransport(ctx, transport.QUICConfig{
		ListenAddr: *listen,
		Local:      transport.Address(*listen),
		Logger:     newLogger("brisby-index").Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer tr.Close()

	if *metricsAddr != "" {
		hc := observability.NewHealthChecker("dev")
		hc.RegisterCheck("index_database", observability.IndexDatabaseCheck(svc.Ping))
		hc.RegisterCheck("transport", observability.TransportListenerCheck(*listen))
		go serveObservabilityWithChecker(*metricsAddr, metrics, hc)
	}

	srv := index.NewServer(svc, tr, *rps, *burst, newLogger("brisby-index").Zerolog())
	fmt.Printf("index service listening on %s (db=%s)\n", *listen, *dbPath)
	return srv.Run(ctx)
}
