// Package leecher implements the Leecher Engine: the parallel,
// verifying, retrying chunk-download scheduler that drives a file
// download to completion over a slow, lossy Transport (spec.md §4.F —
// "the hardest part"). It is new code grounded in the design notes of
// spec.md §9 ("one owner of the download state with completion events
// delivered via a channel") and the teacher's worker-pool shape in
// daemon/transport/chunk_sender.go's ChunkWorkerPool, generalized from
// a fixed sender pool into a reputation-weighted seeder scheduler.
package leecher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/brisbynet/brisby/internal/content"
	"github.com/brisbynet/brisby/internal/observability"
	"github.com/brisbynet/brisby/internal/store"
	"github.com/brisbynet/brisby/internal/transport"
	"github.com/brisbynet/brisby/internal/wire"
)

// Defaults per spec.md §6's constants.
const (
	DefaultConcurrency  = 64
	DefaultChunkTimeout = 30 * time.Second
	DefaultMaxAttempts  = 5
	DefaultBanThreshold = 3
)

// Errors surfaced by Download, matching the integrity/cancellation error
// kinds of spec.md §7.
var (
	// ErrExhaustedRetries is returned when a chunk fails MaxAttempts
	// times across (ideally distinct) seeders.
	ErrExhaustedRetries = errors.New("leecher: exhausted retries for chunk")
	// ErrCorruptReassembly is returned when the assembled file's content
	// hash does not match the manifest, despite every chunk individually
	// verifying on receipt.
	ErrCorruptReassembly = errors.New("leecher: reassembled file content hash mismatch")
	// ErrCancelled is returned when the caller's context is cancelled
	// mid-download. Chunks already verified and stored remain in the
	// Chunk Store to make the next Download call resume automatically.
	ErrCancelled = errors.New("leecher: download cancelled")
	// ErrNoSeeders is returned when Download is given no candidates for
	// a file it does not already hold complete.
	ErrNoSeeders = errors.New("leecher: no candidate seeders")
)

// Config tunes an Engine. Zero values are replaced by the spec.md §6
// defaults in New.
type Config struct {
	// Concurrency bounds the number of in-flight chunk requests (C).
	Concurrency int
	// ChunkTimeout bounds a single chunk request (T).
	ChunkTimeout time.Duration
	// MaxAttempts bounds retries per chunk across seeders (A).
	MaxAttempts int
	// BanThreshold is the number of consecutive failures before a
	// seeder is banned (F_BAN).
	BanThreshold int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = DefaultChunkTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = DefaultBanThreshold
	}
	return c
}

// Engine is the Leecher Engine: single owner of a download's state,
// driving a bounded pool of concurrent chunk-fetch tasks whose results
// arrive over a completion channel (spec.md §9 design note).
type Engine struct {
	cfg     Config
	tr      transport.Transport
	store   *store.Store
	logger  zerolog.Logger
	reqID   uint64
	metrics *observability.Metrics
}

// New creates an Engine that fetches chunks over tr and verifies/stores
// them in st.
func New(cfg Config, tr transport.Transport, st *store.Store, logger zerolog.Logger) *Engine {
	return &Engine{cfg: cfg.withDefaults(), tr: tr, store: st, logger: logger}
}

// SetMetrics attaches Prometheus metrics recording to e. Optional: an
// Engine with no metrics set behaves identically, just unobserved.
func (e *Engine) SetMetrics(m *observability.Metrics) *Engine {
	e.metrics = m
	return e
}

func (e *Engine) nextRequestID() uint64 {
	return atomic.AddUint64(&e.reqID, 1)
}

// chunkCompletion is the result of one chunk-fetch task, delivered over
// a channel to the scheduler loop — the only place that mutates
// download state (spec.md §9: avoid shared mutable aliasing by
// serializing mutation at the scheduler loop).
type chunkCompletion struct {
	index     int
	seeder    transport.Address
	attempt   int
	chunkHash content.Hash
	data      []byte
	err       error
}

// Download drives manifest to completion into outputPath, pulling
// chunks from seeders. It honors ctx cancellation (checked before every
// task spawn and on every wake-up, per spec.md §5) and leaves partial
// chunks in the Chunk Store on cancellation so the next call resumes
// automatically.
func (e *Engine) Download(ctx context.Context, manifest *content.Manifest, seeders []transport.Address, outputPath string) error {
	start := time.Now()
	if e.metrics != nil {
		e.metrics.RecordDownloadStart()
	}
	err := e.download(ctx, manifest, seeders, outputPath)
	if e.metrics != nil {
		e.metrics.RecordDownloadComplete(downloadResultLabel(err), time.Since(start).Seconds())
	}
	return err
}

// downloadResultLabel maps a Download outcome to the result label used by
// brisby_downloads_total.
func downloadResultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrExhaustedRetries):
		return "exhausted_retries"
	case errors.Is(err, ErrCorruptReassembly):
		return "corrupt_reassembly"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "error"
	}
}

func (e *Engine) download(ctx context.Context, manifest *content.Manifest, seeders []transport.Address, outputPath string) error {
	needed := newBitmap(manifest.ChunkCount())
	for _, cd := range manifest.Chunks {
		if !e.store.Has(cd.ChunkHash) {
			needed.Set(cd.Index)
		}
	}
	if needed.Count() == 0 {
		return e.assemble(manifest, outputPath)
	}
	if len(seeders) == 0 {
		return ErrNoSeeders
	}

	stats := newSeederStats(seeders, e.cfg.BanThreshold)
	inflight := make(map[int]bool)
	attempts := make(map[int]int)
	completions := make(chan chunkCompletion)
	active := 0

	for needed.Count() > 0 {
		if ctx.Err() != nil {
			return ErrCancelled
		}

		for active < e.cfg.Concurrency {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			idx, ok := needed.FirstSet(inflight)
			if !ok {
				break
			}
			seeder, recovered := stats.selectSeeder()
			if e.metrics != nil {
				if recovered {
					e.metrics.RecordSeederSelection("recovery")
				} else {
					e.metrics.RecordSeederSelection("normal")
				}
			}
			inflight[idx] = true
			attempts[idx]++
			go e.fetchChunk(ctx, manifest, idx, seeder, attempts[idx], completions)
			active++
		}

		select {
		case <-ctx.Done():
			return ErrCancelled
		case c := <-completions:
			active--
			delete(inflight, c.index)

			if c.err == nil {
				if err := e.store.Put(c.chunkHash, c.data); err != nil {
					return fmt.Errorf("leecher: store verified chunk %d: %w", c.index, err)
				}
				needed.Clear(c.index)
				stats.recordSuccess(c.seeder)
				if e.metrics != nil {
					e.metrics.RecordChunkFetched("verified", len(c.data))
				}
				continue
			}

			e.logger.Debug().Err(c.err).Int("chunk", c.index).
				Str("seeder", string(c.seeder)).Int("attempt", c.attempt).
				Msg("leecher: chunk fetch failed")
			if e.metrics != nil {
				e.metrics.RecordChunkFetched(chunkFetchResultLabel(c.err), 0)
			}
			justBanned := stats.recordFailure(c.seeder)
			if justBanned {
				e.logger.Info().Str("seeder", string(c.seeder)).Msg("leecher: seeder banned")
				if e.metrics != nil {
					e.metrics.RecordSeederBan()
				}
			}
			if c.attempt >= e.cfg.MaxAttempts {
				return fmt.Errorf("%w: chunk %d", ErrExhaustedRetries, c.index)
			}
			// Left needed: the bit was never cleared, so it is picked
			// up again next iteration, and selectSeeder will prefer a
			// different seeder due to the updated stats.
		}
	}

	return e.assemble(manifest, outputPath)
}

// chunkFetchResultLabel maps a fetchChunk error to the result label used
// by brisby_chunks_fetched_total.
func chunkFetchResultLabel(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || transport.IsTimeout(err):
		return "timeout"
	case err != nil && isHashMismatch(err):
		return "mismatch"
	default:
		return "error"
	}
}

func isHashMismatch(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "hash mismatch") || strings.Contains(msg, "identity mismatch")
}

// fetchChunk issues one ChunkRequest to seederAddr and reports the
// outcome on out. It never mutates Engine or download state directly —
// only the Download scheduler loop does that, on receipt of the
// completion.
func (e *Engine) fetchChunk(ctx context.Context, manifest *content.Manifest, index int, seederAddr transport.Address, attempt int, out chan<- chunkCompletion) {
	desc := manifest.Chunks[index]
	fail := func(err error) {
		select {
		case out <- chunkCompletion{index: index, seeder: seederAddr, attempt: attempt, err: err}:
		case <-ctx.Done():
		}
	}

	frame, err := wire.Encode(e.nextRequestID(), wire.KindChunkRequest, wire.ChunkRequest{
		ContentHash: manifest.ContentHash,
		ChunkIndex:  uint32(index),
	})
	if err != nil {
		fail(fmt.Errorf("leecher: encode chunk request: %w", err))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.ChunkTimeout)
	defer cancel()
	resp, err := e.tr.SendWithReply(reqCtx, seederAddr, frame, e.cfg.ChunkTimeout)
	if err != nil {
		fail(err)
		return
	}

	env, err := wire.Decode(resp)
	if err != nil {
		fail(fmt.Errorf("leecher: decode response: %w", err))
		return
	}
	switch env.Kind {
	case wire.KindErrorResponse:
		var er wire.ErrorResponse
		if err := wire.DecodeBody(env, &er); err != nil {
			fail(fmt.Errorf("leecher: decode error response: %w", err))
			return
		}
		fail(fmt.Errorf("leecher: seeder reported error %d: %s", er.Code, er.Message))
		return
	case wire.KindChunkResponse:
		// handled below
	default:
		fail(fmt.Errorf("leecher: unexpected response kind %d", env.Kind))
		return
	}

	var cr wire.ChunkResponse
	if err := wire.DecodeBody(env, &cr); err != nil {
		fail(fmt.Errorf("leecher: decode chunk response: %w", err))
		return
	}

	if content.Hash(cr.ContentHash) != manifest.ContentHash || int(cr.ChunkIndex) != index {
		fail(fmt.Errorf("leecher: chunk %d response identity mismatch", index))
		return
	}
	if content.Hash(cr.ChunkHash) != desc.ChunkHash || !content.VerifyChunk(desc.ChunkHash, cr.Data) {
		fail(fmt.Errorf("leecher: chunk %d hash mismatch", index))
		return
	}

	select {
	case out <- chunkCompletion{index: index, seeder: seederAddr, attempt: attempt, chunkHash: desc.ChunkHash, data: cr.Data}:
	case <-ctx.Done():
	}
}

// assemble streams manifest's chunks in index order from the Chunk
// Store into outputPath (write-then-rename atomic, the same pattern as
// internal/store's chunk writes) and verifies the result's content hash
// before declaring success.
func (e *Engine) assemble(manifest *content.Manifest, outputPath string) error {
	if dir := filepath.Dir(outputPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("leecher: create output directory: %w", err)
		}
	}

	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return fmt.Errorf("leecher: generate tmp suffix: %w", err)
	}
	tmpPath := outputPath + ".tmp." + hex.EncodeToString(suffix[:])

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("leecher: create assembly file: %w", err)
	}
	for _, cd := range manifest.Chunks {
		data, err := e.store.Get(cd.ChunkHash)
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("leecher: read chunk %d for assembly: %w", cd.Index, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("leecher: write assembly chunk %d: %w", cd.Index, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("leecher: sync assembly file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("leecher: close assembly file: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("leecher: rename assembly into place: %w", err)
	}

	got, err := content.HashFile(outputPath)
	if err != nil {
		return fmt.Errorf("leecher: hash assembled file: %w", err)
	}
	if got != manifest.ContentHash {
		return ErrCorruptReassembly
	}
	return nil
}
