// Package indexclient implements the Index Client: the side of the
// protocol that publishes to and searches N Index Service providers in
// parallel and merges their answers (spec.md §4.H). The parallel
// fan-out with a WaitGroup is grounded on relay/main.go's connection
// forwarding goroutines; per-provider bounded concurrency and
// per-request deadline handling follow beenet's
// pkg/content/fetcher.go ContentFetcher.fetchChunk pattern.
package indexclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brisbynet/brisby/internal/content"
	"github.com/brisbynet/brisby/internal/observability"
	"github.com/brisbynet/brisby/internal/transport"
	"github.com/brisbynet/brisby/internal/wire"
)

// Entry is a file publication to send to one or more providers.
type Entry struct {
	ContentHash      content.Hash
	Filename         string
	Keywords         []string
	Size             uint64
	ChunkCount       uint32
	PublisherAddress transport.Address
	TTL              uint32
}

// Result is one merged, ranked search hit.
type Result struct {
	ContentHash content.Hash
	Filename    string
	Size        uint64
	ChunkCount  uint32
	Seeders     []transport.Address
	Score       float32
}

// PublishOutcome is one provider's answer to a publish attempt.
type PublishOutcome struct {
	Provider transport.Address
	OK       bool
	Err      error
}

// Client fans requests out to Index Service providers over a Transport.
type Client struct {
	tr      transport.Transport
	timeout time.Duration
	reqID   uint64
	metrics *observability.Metrics
}

// New creates a Client that issues each provider request with the
// given per-request timeout.
func New(tr transport.Transport, timeout time.Duration) *Client {
	return &Client{tr: tr, timeout: timeout}
}

// SetMetrics attaches Prometheus metrics recording to c.
func (c *Client) SetMetrics(m *observability.Metrics) *Client {
	c.metrics = m
	return c
}

func (c *Client) nextRequestID() uint64 {
	return atomic.AddUint64(&c.reqID, 1)
}

// Publish sends entry to every provider in parallel and returns the
// per-provider outcomes; the call succeeds overall iff at least one
// provider acknowledges.
func (c *Client) Publish(ctx context.Context, entry Entry, providers []transport.Address) ([]PublishOutcome, error) {
	outcomes := make([]PublishOutcome, len(providers))
	var wg sync.WaitGroup
	for i, provider := range providers {
		wg.Add(1)
		go func(idx int, p transport.Address) {
			defer wg.Done()
			outcomes[idx] = c.publishOne(ctx, p, entry)
		}(i, provider)
	}
	wg.Wait()

	succeeded := 0
	for _, o := range outcomes {
		if o.OK {
			succeeded++
		}
	}
	if succeeded == 0 {
		return outcomes, errNoProviderAcknowledged
	}
	return outcomes, nil
}

func (c *Client) publishOne(ctx context.Context, provider transport.Address, entry Entry) PublishOutcome {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := wire.PublishRequest{
		ContentHash:      entry.ContentHash,
		Filename:         entry.Filename,
		Keywords:         entry.Keywords,
		Size:             entry.Size,
		ChunkCount:       entry.ChunkCount,
		PublisherAddress: wire.Address(entry.PublisherAddress),
		TTL:              entry.TTL,
	}

	frame, err := wire.Encode(c.nextRequestID(), wire.KindPublishRequest, body)
	if err != nil {
		return PublishOutcome{Provider: provider, Err: err}
	}

	resp, err := c.tr.SendWithReply(reqCtx, provider, frame, c.timeout)
	if err != nil {
		return PublishOutcome{Provider: provider, Err: err}
	}

	env, err := wire.Decode(resp)
	if err != nil {
		return PublishOutcome{Provider: provider, Err: err}
	}
	switch env.Kind {
	case wire.KindPublishResponse:
		var pr wire.PublishResponse
		if err := wire.DecodeBody(env, &pr); err != nil {
			return PublishOutcome{Provider: provider, Err: err}
		}
		return PublishOutcome{Provider: provider, OK: pr.OK}
	case wire.KindErrorResponse:
		var er wire.ErrorResponse
		if err := wire.DecodeBody(env, &er); err != nil {
			return PublishOutcome{Provider: provider, Err: err}
		}
		return PublishOutcome{Provider: provider, Err: errorResponseErr(er)}
	default:
		return PublishOutcome{Provider: provider, Err: errUnexpectedResponseKind}
	}
}

// Search sends query to every provider in parallel with a single global
// deadline, merges responses by deduplicating on content_hash (union of
// seeder sets, keeping the highest score seen), and returns the merged,
// ranked list.
func (c *Client) Search(ctx context.Context, query string, maxResults uint32, providers []transport.Address, deadline time.Duration) ([]Result, error) {
	start := time.Now()
	results, err := c.search(ctx, query, maxResults, providers, deadline)
	if c.metrics != nil {
		label := "ok"
		if err != nil {
			label = "error"
		}
		c.metrics.RecordSearch(label, time.Since(start).Seconds(), len(results))
	}
	return results, err
}

func (c *Client) search(ctx context.Context, query string, maxResults uint32, providers []transport.Address, deadline time.Duration) ([]Result, error) {
	searchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type providerResult struct {
		results []wire.SearchResult
	}
	raw := make([]providerResult, len(providers))
	var wg sync.WaitGroup
	for i, provider := range providers {
		wg.Add(1)
		go func(idx int, p transport.Address) {
			defer wg.Done()
			results, err := c.searchOne(searchCtx, p, query, maxResults)
			if err != nil {
				return
			}
			raw[idx] = providerResult{results: results}
		}(i, provider)
	}
	wg.Wait()

	merged := make(map[content.Hash]*Result)
	var order []content.Hash
	for _, pr := range raw {
		for _, r := range pr.results {
			existing, ok := merged[r.ContentHash]
			if !ok {
				seeders := make([]transport.Address, len(r.Seeders))
				for i, a := range r.Seeders {
					seeders[i] = transport.Address(a)
				}
				merged[r.ContentHash] = &Result{
					ContentHash: r.ContentHash,
					Filename:    r.Filename,
					Size:        r.Size,
					ChunkCount:  r.ChunkCount,
					Seeders:     seeders,
					Score:       r.Score,
				}
				order = append(order, r.ContentHash)
				continue
			}
			existing.Seeders = unionAddresses(existing.Seeders, r.Seeders)
			if r.Score > existing.Score {
				existing.Score = r.Score
			}
		}
	}

	results := make([]Result, 0, len(order))
	for _, h := range order {
		results = append(results, *merged[h])
	}
	sortResultsByScoreDesc(results)
	if maxResults > 0 && uint32(len(results)) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

func (c *Client) searchOne(ctx context.Context, provider transport.Address, query string, maxResults uint32) ([]wire.SearchResult, error) {
	body := wire.SearchRequest{Query: query, MaxResults: maxResults}
	frame, err := wire.Encode(c.nextRequestID(), wire.KindSearchRequest, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.tr.SendWithReply(ctx, provider, frame, c.timeout)
	if err != nil {
		return nil, err
	}
	env, err := wire.Decode(resp)
	if err != nil {
		return nil, err
	}
	if env.Kind != wire.KindSearchResponse {
		return nil, errUnexpectedResponseKind
	}
	var sr wire.SearchResponse
	if err := wire.DecodeBody(env, &sr); err != nil {
		return nil, err
	}
	return sr.Results, nil
}

func unionAddresses(a []transport.Address, b []wire.Address) []transport.Address {
	seen := make(map[transport.Address]struct{}, len(a))
	out := make([]transport.Address, 0, len(a)+len(b))
	for _, x := range a {
		if _, ok := seen[x]; !ok {
			seen[x] = struct{}{}
			out = append(out, x)
		}
	}
	for _, x := range b {
		addr := transport.Address(x)
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

func sortResultsByScoreDesc(results []Result) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
