// Package seeder implements the Seeder Engine: serves ChunkRequests and
// PingRequests out of the Chunk Store for a locally configured set of
// manifests, and republishes itself to the Index Client on a timer
// (spec.md §4.E). The request-dispatch and concurrency-cap shape is
// grounded on the teacher's daemon/transport/chunk_sender.go worker
// pool (a bounded number of concurrent senders, an onChunkFailed
// callback); there is no per-peer limiter.
package seeder

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/brisbynet/brisby/internal/content"
	"github.com/brisbynet/brisby/internal/indexclient"
	"github.com/brisbynet/brisby/internal/observability"
	"github.com/brisbynet/brisby/internal/ratelimit"
	"github.com/brisbynet/brisby/internal/store"
	"github.com/brisbynet/brisby/internal/transport"
	"github.com/brisbynet/brisby/internal/wire"
)

// ServedFile is one file this node seeds: its manifest plus the search
// metadata advertised to the Index Service.
type ServedFile struct {
	Manifest *content.Manifest
	Keywords []string
	TTL      uint32
}

// Config configures an Engine.
type Config struct {
	// MaxInflightSeeder bounds concurrent responses globally (spec.md
	// §4.E MAX_INFLIGHT_SEEDER). spec.md also names a per-peer cap
	// (MAX_INFLIGHT_PER_PEER), but the Transport Fabric deliberately
	// gives a handler no peer identity at all (spec.md §4.C: origin
	// privacy) and mints a fresh, single-use reply token for every
	// request, so there is no key a per-peer limiter could stand on
	// that would actually correlate two requests from the same sender —
	// see internal/ratelimit's package doc for the rejected approach.
	MaxInflightSeeder int
	// Providers is the set of Index Service addresses to publish to.
	Providers []transport.Address
}

func (c Config) withDefaults() Config {
	if c.MaxInflightSeeder <= 0 {
		c.MaxInflightSeeder = 256
	}
	return c
}

// Engine is the Seeder Engine.
type Engine struct {
	cfg       Config
	store     *store.Store
	tr        transport.Transport
	ic        *indexclient.Client
	files     map[content.Hash]*ServedFile
	logger    zerolog.Logger
	globalSem *ratelimit.Semaphore
	metrics   *observability.Metrics
}

// SetMetrics attaches Prometheus metrics recording to e.
func (e *Engine) SetMetrics(m *observability.Metrics) *Engine {
	e.metrics = m
	return e
}

// New creates an Engine serving files out of st, communicating over tr,
// publishing through ic.
func New(cfg Config, st *store.Store, tr transport.Transport, ic *indexclient.Client, files []*ServedFile, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	byHash := make(map[content.Hash]*ServedFile, len(files))
	for _, f := range files {
		byHash[f.Manifest.ContentHash] = f
	}
	return &Engine{
		cfg:       cfg,
		store:     st,
		tr:        tr,
		ic:        ic,
		files:     byHash,
		logger:    logger,
		globalSem: ratelimit.NewSemaphore(cfg.MaxInflightSeeder),
	}
}

// Run serves inbound requests until ctx is cancelled. It also performs
// the initial publish and re-publishes every file's TTL/2 seconds.
func (e *Engine) Run(ctx context.Context) error {
	for _, f := range e.files {
		go e.publishLoop(ctx, f)
	}

	for {
		in, err := e.tr.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Warn().Err(err).Msg("seeder: recv failed")
			continue
		}
		go e.handle(ctx, in)
	}
}

func (e *Engine) publishLoop(ctx context.Context, f *ServedFile) {
	publish := func() {
		entry := indexclient.Entry{
			ContentHash:      f.Manifest.ContentHash,
			Filename:         f.Manifest.Filename,
			Keywords:         f.Keywords,
			Size:             f.Manifest.Size,
			ChunkCount:       f.Manifest.ChunkCount(),
			PublisherAddress: e.tr.LocalAddress(),
			TTL:              f.TTL,
		}
		outcomes, err := e.ic.Publish(ctx, entry, e.cfg.Providers)
		if err != nil {
			e.logger.Warn().Err(err).Str("file", f.Manifest.Filename).Msg("seeder: publish failed")
		}
		if e.metrics != nil {
			for _, o := range outcomes {
				if o.OK {
					e.metrics.RecordPublish("acknowledged")
				} else {
					e.metrics.RecordPublish("no_ack")
				}
			}
		}
	}

	publish()
	if f.TTL == 0 {
		return
	}
	interval := time.Duration(f.TTL) * time.Second / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			publish()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handle(ctx context.Context, in transport.Inbound) {
	if !e.globalSem.TryAcquire() {
		if e.metrics != nil {
			e.metrics.RecordChunkServed("dropped", 0)
		}
		return // spec.md §4.E: excess is dropped, not queued.
	}
	defer e.globalSem.Release()

	env, err := wire.Decode(in.Payload)
	if err != nil {
		e.logger.Debug().Err(err).Msg("seeder: malformed envelope")
		return
	}
	if env.Version != wire.CurrentVersion {
		e.reply(ctx, in, env.RequestID, wire.KindErrorResponse, wire.ErrorResponse{
			Code: wire.ErrCodeVersionMismatch, Message: "unsupported version", SupportedVersion: wire.CurrentVersion,
		})
		return
	}

	switch env.Kind {
	case wire.KindChunkRequest:
		e.handleChunkRequest(ctx, in, env)
	case wire.KindPingRequest:
		e.reply(ctx, in, env.RequestID, wire.KindPingResponse, wire.PingResponse{Address: wire.Address(e.tr.LocalAddress())})
	default:
		e.logger.Debug().Uint8("kind", uint8(env.Kind)).Msg("seeder: unknown request kind, ignoring")
	}
}

func (e *Engine) handleChunkRequest(ctx context.Context, in transport.Inbound, env wire.Envelope) {
	var req wire.ChunkRequest
	if err := wire.DecodeBody(env, &req); err != nil {
		e.reply(ctx, in, env.RequestID, wire.KindErrorResponse, wire.ErrorResponse{Code: wire.ErrCodeMalformed, Message: "malformed chunk request"})
		return
	}

	f, ok := e.files[req.ContentHash]
	if !ok || req.ChunkIndex >= uint32(len(f.Manifest.Chunks)) {
		e.reply(ctx, in, env.RequestID, wire.KindErrorResponse, wire.ErrorResponse{Code: wire.ErrCodeNotServing, Message: "not serving this file"})
		if e.metrics != nil {
			e.metrics.RecordChunkServed("not_serving", 0)
		}
		return
	}

	desc := f.Manifest.Chunks[req.ChunkIndex]
	data, err := e.store.Get(desc.ChunkHash)
	if err != nil {
		e.logger.Warn().Err(err).Msg("seeder: read chunk failed")
		e.reply(ctx, in, env.RequestID, wire.KindErrorResponse, wire.ErrorResponse{Code: wire.ErrCodeInternal, Message: "read failed"})
		if e.metrics != nil {
			e.metrics.RecordChunkServed("internal", 0)
		}
		return
	}

	e.reply(ctx, in, env.RequestID, wire.KindChunkResponse, wire.ChunkResponse{
		ContentHash: req.ContentHash,
		ChunkIndex:  req.ChunkIndex,
		Data:        data,
		ChunkHash:   desc.ChunkHash,
	})
	if e.metrics != nil {
		e.metrics.RecordChunkServed("ok", len(data))
	}
}

func (e *Engine) reply(ctx context.Context, in transport.Inbound, requestID uint64, kind wire.Kind, body interface{}) {
	if in.ReplyToken == "" {
		return
	}
	frame, err := wire.Encode(requestID, kind, body)
	if err != nil {
		e.logger.Warn().Err(err).Msg("seeder: encode reply failed")
		return
	}
	if err := e.tr.Reply(ctx, in.ReplyToken, frame); err != nil {
		e.logger.Debug().Err(err).Msg("seeder: reply failed")
	}
}
