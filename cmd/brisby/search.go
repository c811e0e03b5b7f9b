package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brisbynet/brisby/internal/indexclient"
	"github.com/brisbynet/brisby/internal/transport"
	"github.com/brisbynet/brisby/internal/validation"
)

// searchCmd fans a query out to one or more Index Services and prints the
// merged, ranked results as JSON (spec.md §4.H).
func searchCmd(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	indexAddrs := fs.String("index", "", "comma-separated Index Service addresses")
	maxResults := fs.Uint("max", 0, "maximum results (0 = provider default)")
	deadline := fs.Duration("deadline", 5*time.Second, "overall search deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: brisby search [flags] <query>")
	}
	query := fs.Arg(0)
	if err := validation.ValidateStringNonEmpty(query); err != nil {
		return fmt.Errorf("query: %w", err)
	}

	providers := splitAddresses(*indexAddrs)
	if len(providers) == 0 {
		return fmt.Errorf("-index must name at least one Index Service address")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *deadline+defaultProviderTimeout)
	defer cancel()

	tr, err := transport.NewQUICTransport(ctx, transport.QUICConfig{
		Local:  "client",
		Logger: newLogger("brisby-search").Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer tr.Close()

	ic := indexclient.New(tr, defaultProviderTimeout)
	results, err := ic.Search(ctx, query, uint32(*maxResults), providers, *deadline)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
