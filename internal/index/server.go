package index

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/brisbynet/brisby/internal/transport"
	"github.com/brisbynet/brisby/internal/wire"
)

// Server dispatches inbound SearchRequest/PublishRequest envelopes from
// a Transport to a Service, replying via the matching reply token. A
// single shared rate.Limiter bounds total inbound request throughput
// (spec.md §4.G errors: RateLimited); it is not keyed per peer because
// the Transport Fabric hands a handler no peer identity and mints a
// fresh, single-use reply token per request (spec.md §4.C), so no key
// would actually correlate two requests from the same sender.
type Server struct {
	svc     *Service
	tr      transport.Transport
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewServer wires svc to tr, allowing requestsPerSecond requests/sec
// across all inbound traffic with the given burst.
func NewServer(svc *Service, tr transport.Transport, requestsPerSecond float64, burst int, logger zerolog.Logger) *Server {
	return &Server{
		svc:     svc,
		tr:      tr,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		logger:  logger,
	}
}

// Run serves inbound requests until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	for {
		in, err := s.tr.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Msg("index: recv failed")
			continue
		}
		go s.handle(ctx, in)
	}
}

func (s *Server) handle(ctx context.Context, in transport.Inbound) {
	env, err := wire.Decode(in.Payload)
	if err != nil {
		s.logger.Debug().Err(err).Msg("index: malformed envelope")
		return
	}
	if env.Version != wire.CurrentVersion {
		s.reply(ctx, in, env.RequestID, wire.KindErrorResponse, wire.ErrorResponse{
			Code: wire.ErrCodeVersionMismatch, Message: "unsupported version", SupportedVersion: wire.CurrentVersion,
		})
		return
	}

	if !s.limiter.Allow() {
		s.reply(ctx, in, env.RequestID, wire.KindErrorResponse, wire.ErrorResponse{
			Code: wire.ErrCodeRateLimited, Message: "rate limited",
		})
		return
	}

	switch env.Kind {
	case wire.KindSearchRequest:
		s.handleSearch(ctx, in, env)
	case wire.KindPublishRequest:
		s.handlePublish(ctx, in, env)
	case wire.KindPingRequest:
		s.reply(ctx, in, env.RequestID, wire.KindPingResponse, wire.PingResponse{Address: wire.Address(s.tr.LocalAddress())})
	default:
		s.logger.Debug().Uint8("kind", uint8(env.Kind)).Msg("index: unknown request kind, ignoring")
	}
}

func (s *Server) handleSearch(ctx context.Context, in transport.Inbound, env wire.Envelope) {
	var req wire.SearchRequest
	if err := wire.DecodeBody(env, &req); err != nil {
		s.reply(ctx, in, env.RequestID, wire.KindErrorResponse, wire.ErrorResponse{Code: wire.ErrCodeMalformed, Message: "malformed search request"})
		return
	}
	results, err := s.svc.Search(ctx, req.Query, req.MaxResults)
	if err != nil {
		s.reply(ctx, in, env.RequestID, wire.KindErrorResponse, wire.ErrorResponse{Code: wire.ErrCodeInternal, Message: err.Error()})
		return
	}
	out := make([]wire.SearchResult, len(results))
	for i, r := range results {
		seeders := make([]wire.Address, len(r.Seeders))
		for j, addr := range r.Seeders {
			seeders[j] = wire.Address(addr)
		}
		out[i] = wire.SearchResult{
			ContentHash: r.ContentHash,
			Filename:    r.Filename,
			Size:        r.Size,
			ChunkCount:  r.ChunkCount,
			Seeders:     seeders,
			Score:       r.Score,
		}
	}
	s.reply(ctx, in, env.RequestID, wire.KindSearchResponse, wire.SearchResponse{Results: out})
}

func (s *Server) handlePublish(ctx context.Context, in transport.Inbound, env wire.Envelope) {
	var req wire.PublishRequest
	if err := wire.DecodeBody(env, &req); err != nil {
		s.reply(ctx, in, env.RequestID, wire.KindErrorResponse, wire.ErrorResponse{Code: wire.ErrCodeMalformed, Message: "malformed publish request"})
		return
	}
	err := s.svc.Publish(ctx, Entry{
		ContentHash:      req.ContentHash,
		Filename:         req.Filename,
		Keywords:         req.Keywords,
		Size:             req.Size,
		ChunkCount:       req.ChunkCount,
		PublisherAddress: transport.Address(req.PublisherAddress),
		TTL:              req.TTL,
	})
	switch err {
	case nil:
		s.reply(ctx, in, env.RequestID, wire.KindPublishResponse, wire.PublishResponse{OK: true})
	case ErrMalformed:
		s.reply(ctx, in, env.RequestID, wire.KindErrorResponse, wire.ErrorResponse{Code: wire.ErrCodeMalformed, Message: "malformed entry"})
	case ErrTooLarge:
		s.reply(ctx, in, env.RequestID, wire.KindErrorResponse, wire.ErrorResponse{Code: wire.ErrCodeTooLarge, Message: "ttl too large"})
	default:
		s.reply(ctx, in, env.RequestID, wire.KindErrorResponse, wire.ErrorResponse{Code: wire.ErrCodeInternal, Message: err.Error()})
	}
}

func (s *Server) reply(ctx context.Context, in transport.Inbound, requestID uint64, kind wire.Kind, body interface{}) {
	if in.ReplyToken == "" {
		return
	}
	frame, err := wire.Encode(requestID, kind, body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("index: encode reply failed")
		return
	}
	if err := s.tr.Reply(ctx, in.ReplyToken, frame); err != nil {
		s.logger.Debug().Err(err).Msg("index: reply failed")
	}
}
