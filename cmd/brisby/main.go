// Command brisby is the Brisby CLI: seed, search, download, init, and run
// an index server, per spec.md §6. Subcommands are dispatched the way the
// teacher's cmd/keygen/main.go does it — os.Args[1] picks a command, each
// with its own flag.NewFlagSet — rather than a cobra/viper framework.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brisbynet/brisby/internal/content"
	"github.com/brisbynet/brisby/internal/observability"
	"github.com/brisbynet/brisby/internal/transport"
)

// defaultProviderTimeout bounds a single request to a seeder or index
// provider when no command-specific timeout flag overrides it.
const defaultProviderTimeout = 10 * time.Second

// serveObservability exposes Prometheus metrics and a health endpoint,
// the same /metrics + /healthz pairing as the teacher's relay/main.go
// startHealthServer, generalized to any Brisby component.
func serveObservability(addr string, metrics *observability.Metrics) {
	serveObservabilityWithChecker(addr, metrics, observability.NewHealthChecker("dev"))
}

func serveObservabilityWithChecker(addr string, metrics *observability.Metrics, hc *observability.HealthChecker) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", hc.Handler())
	_ = http.ListenAndServe(addr, mux)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "init":
		err = initCmd(args)
	case "seed":
		err = seedCmd(args)
	case "search":
		err = searchCmd(args)
	case "download":
		err = downloadCmd(args)
	case "index":
		err = indexCmd(args)
	case "-h", "-help", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "brisby: unknown command %q\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "brisby %s: %v\n", command, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("brisby - content-addressed file distribution over an anonymizing mixnet")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  brisby init [flags] <file>                 - chunk a file and write its manifest")
	fmt.Println("  brisby seed [flags] <manifest.json>...      - serve chunks for one or more manifests")
	fmt.Println("  brisby search [flags] <query>                - search one or more index servers")
	fmt.Println("  brisby download [flags]                     - download a file described by a manifest")
	fmt.Println("  brisby index [flags]                         - run an index server")
	fmt.Println()
	fmt.Println("Run 'brisby <command> -h' for flags specific to a command.")
}

// newLogger builds the shared structured logger, writing to stderr so
// stdout stays free for machine-readable command output (manifests,
// search results).
func newLogger(service string) *observability.Logger {
	return observability.NewLogger(service, "dev", os.Stderr)
}

func splitAddresses(csv string) []transport.Address {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	addrs := make([]transport.Address, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			addrs = append(addrs, transport.Address(p))
		}
	}
	return addrs
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, the same
// shutdown pattern as the teacher's relay/main.go.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func loadManifest(path string) (*content.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m content.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

func writeManifest(path string, m *content.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
