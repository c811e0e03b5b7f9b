package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging, the same base-logger
// plus per-operation `.With*` attachment shape as the teacher's
// internal/observability/logger.go, retargeted from session/peer
// context to Brisby's content-hash/seeder-address context.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger carrying service/version/
// host fields on every line.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// Zerolog exposes the underlying zerolog.Logger for components (the
// Transport, Seeder Engine, Index Service) that take a zerolog.Logger
// directly rather than this wrapper.
func (l *Logger) Zerolog() zerolog.Logger { return l.logger }

// WithContentHash adds content_hash context (the file a download or
// publication concerns).
func (l *Logger) WithContentHash(contentHashHex string) *Logger {
	return &Logger{logger: l.logger.With().Str("content_hash", contentHashHex).Logger()}
}

// WithSeeder adds seeder_address context.
func (l *Logger) WithSeeder(addr string) *Logger {
	return &Logger{logger: l.logger.With().Str("seeder_address", addr).Logger()}
}

// WithFile adds filename/size context.
func (l *Logger) WithFile(filename string, size int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("filename", filename).
			Int64("size", size).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

// Error logs an error message.
func (l *Logger) Error(err error, msg string) { l.logger.Error().Err(err).Msg(msg) }

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) { l.logger.Fatal().Err(err).Msg(msg) }

// DownloadStarted logs the start of a Leecher Engine download.
func (l *Logger) DownloadStarted(contentHashHex, filename string, size int64, chunkCount int) {
	l.logger.Info().
		Str("content_hash", contentHashHex).
		Str("filename", filename).
		Int64("size", size).
		Int("chunk_count", chunkCount).
		Msg("download started")
}

// ChunkVerified logs a chunk that passed hash verification on receipt.
func (l *Logger) ChunkVerified(contentHashHex string, chunkIndex int) {
	l.logger.Debug().
		Str("content_hash", contentHashHex).
		Int("chunk_index", chunkIndex).
		Msg("chunk verified")
}

// ChunkFetchFailed logs a chunk fetch that timed out, errored, or
// failed verification, and will be retried (or not) depending on the
// caller's attempt accounting.
func (l *Logger) ChunkFetchFailed(contentHashHex string, chunkIndex int, seederAddr string, attempt int, err error) {
	l.logger.Warn().
		Str("content_hash", contentHashHex).
		Int("chunk_index", chunkIndex).
		Str("seeder_address", seederAddr).
		Int("attempt", attempt).
		Err(err).
		Msg("chunk fetch failed")
}

// SeederBanned logs a seeder crossing the consecutive-failure ban
// threshold (spec.md §4.F F_BAN).
func (l *Logger) SeederBanned(seederAddr string, consecutiveFailures int) {
	l.logger.Info().
		Str("seeder_address", seederAddr).
		Int("consecutive_failures", consecutiveFailures).
		Msg("seeder banned")
}

// DownloadCompleted logs a download's successful completion.
func (l *Logger) DownloadCompleted(contentHashHex string, duration time.Duration, chunkCount int) {
	l.logger.Info().
		Str("content_hash", contentHashHex).
		Float64("duration_seconds", duration.Seconds()).
		Int("chunk_count", chunkCount).
		Msg("download completed")
}

// DownloadFailed logs a download's terminal failure.
func (l *Logger) DownloadFailed(contentHashHex string, err error) {
	l.logger.Error().
		Str("content_hash", contentHashHex).
		Err(err).
		Msg("download failed")
}

// SearchPerformed logs one Index Client search fan-out.
func (l *Logger) SearchPerformed(query string, providerCount, resultCount int, duration time.Duration) {
	l.logger.Info().
		Str("query", query).
		Int("provider_count", providerCount).
		Int("result_count", resultCount).
		Float64("duration_seconds", duration.Seconds()).
		Msg("search performed")
}

// PublishAttempted logs one Index Client publish fan-out.
func (l *Logger) PublishAttempted(contentHashHex string, providerCount, acknowledged int) {
	l.logger.Info().
		Str("content_hash", contentHashHex).
		Int("provider_count", providerCount).
		Int("acknowledged", acknowledged).
		Msg("publish attempted")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
