// Package index implements the Index Service: a durable, full-text
// searchable directory of published files (spec.md §4.G), built on
// modernc.org/sqlite following the teacher's
// daemon/manager/persistence.go schema-bootstrapping style (a
// schema_version table, CREATE TABLE IF NOT EXISTS, and a single
// serializing mutex around writes).
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/brisbynet/brisby/internal/content"
	"github.com/brisbynet/brisby/internal/observability"
	"github.com/brisbynet/brisby/internal/transport"
)

// Error codes an Index Service operation can fail with (spec.md §4.G).
var (
	ErrMalformed   = errors.New("index: malformed entry")
	ErrTooLarge    = errors.New("index: too large")
	ErrRateLimited = errors.New("index: rate limited")
)

const (
	// DefaultMaxResults is Search's default result cap when the caller
	// does not specify one.
	DefaultMaxResults = 50
	// HardMaxResults is the absolute ceiling on results regardless of
	// what the caller requests.
	HardMaxResults = 200
	// MaxPublishersPerResult is how many distinct publishers are
	// returned per search result, trimmed by recency.
	MaxPublishersPerResult = 8
	// MaxTTL bounds how long (in seconds) a publication may claim to
	// stay valid for (spec.md §6 MAX_TTL).
	MaxTTL = 24 * 3600
)

// Entry is a file publication accepted by Publish.
type Entry struct {
	ContentHash      content.Hash
	Filename         string
	Keywords         []string
	Size             uint64
	ChunkCount       uint32
	PublisherAddress transport.Address
	TTL              uint32
}

// Result is one ranked Search hit.
type Result struct {
	ContentHash content.Hash
	Filename    string
	Size        uint64
	ChunkCount  uint32
	Seeders     []transport.Address
	Score       float32
}

// Service is the Index Service. Writes are serialized through an
// internal mutex (spec.md §5: "a single writer ... and many readers");
// SQLite's own locking would serialize them regardless, but the mutex
// also keeps Publish's upsert-by-(content_hash, publisher_address) and
// its full-text row replacement from interleaving with a purge pass.
type Service struct {
	db     *sql.DB
	writeM sync.Mutex

	stopPurge chan struct{}
	purgeOnce sync.Once

	metrics *observability.Metrics
}

// SetMetrics attaches Prometheus metrics recording to s, refreshing
// brisby_index_entries_active immediately from current state.
func (s *Service) SetMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	if m != nil {
		if n, err := s.countActive(context.Background()); err == nil {
			m.SetIndexEntriesActive(n)
		}
	}
	return s
}

// Ping checks database connectivity for observability.IndexDatabaseCheck.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Service) countActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM publications`).Scan(&n)
	return n, err
}

func (s *Service) refreshActiveGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if n, err := s.countActive(ctx); err == nil {
		s.metrics.SetIndexEntriesActive(n)
	}
}

// Open opens (creating if necessary) an Index Service backed by the
// SQLite database at path.
func Open(path string) (*Service, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Service{db: db, stopPurge: make(chan struct{})}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS publications (
			content_hash TEXT NOT NULL,
			publisher_address TEXT NOT NULL,
			filename TEXT NOT NULL,
			keywords TEXT NOT NULL,
			size INTEGER NOT NULL,
			chunk_count INTEGER NOT NULL,
			ttl INTEGER NOT NULL,
			published_at INTEGER NOT NULL,
			PRIMARY KEY (content_hash, publisher_address)
		);

		CREATE INDEX IF NOT EXISTS idx_publications_expiry
			ON publications(published_at, ttl);

		CREATE VIRTUAL TABLE IF NOT EXISTS publications_fts USING fts5(
			content_hash UNINDEXED,
			searchable
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("index: init schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("index: set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("index: query schema version: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Service) Close() error {
	s.purgeOnce.Do(func() { close(s.stopPurge) })
	return s.db.Close()
}

// nowUnix is overridable in tests; production code always uses
// time.Now().Unix().
var nowUnix = func() int64 { return time.Now().Unix() }

// Publish upserts entry by (content_hash, publisher_address).
func (s *Service) Publish(ctx context.Context, entry Entry) error {
	if entry.Filename == "" || entry.PublisherAddress == "" || entry.ChunkCount == 0 {
		return ErrMalformed
	}
	if !sizeMatchesChunkCount(entry.Size, entry.ChunkCount) {
		return ErrMalformed
	}
	if entry.TTL == 0 || entry.TTL > MaxTTL {
		return ErrTooLarge
	}

	s.writeM.Lock()
	defer s.writeM.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback()

	hashHex := hashHex(entry.ContentHash)
	keywordsJoined := strings.Join(entry.Keywords, " ")
	now := nowUnix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO publications
			(content_hash, publisher_address, filename, keywords, size, chunk_count, ttl, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash, publisher_address) DO UPDATE SET
			filename = excluded.filename,
			keywords = excluded.keywords,
			size = excluded.size,
			chunk_count = excluded.chunk_count,
			ttl = excluded.ttl,
			published_at = excluded.published_at
	`, hashHex, string(entry.PublisherAddress), entry.Filename, keywordsJoined, entry.Size, entry.ChunkCount, entry.TTL, now)
	if err != nil {
		return fmt.Errorf("index: upsert publication: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM publications_fts WHERE content_hash = ?`, hashHex); err != nil {
		return fmt.Errorf("index: clear fts row: %w", err)
	}
	searchable := entry.Filename + " " + keywordsJoined
	if _, err := tx.ExecContext(ctx, `INSERT INTO publications_fts(content_hash, searchable) VALUES (?, ?)`, hashHex, searchable); err != nil {
		return fmt.Errorf("index: index fts row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.refreshActiveGauge(ctx)
	return nil
}

// Search tokenizes query, ranks matches, and returns at most maxResults
// (clamped to [1, HardMaxResults], defaulting to DefaultMaxResults when
// 0 is passed).
func (s *Service) Search(ctx context.Context, query string, maxResults uint32) ([]Result, error) {
	limit := int(maxResults)
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	if limit > HardMaxResults {
		limit = HardMaxResults
	}

	// Ranked by (a) full-text relevance (bm25, lower is better), (b)
	// distinct publisher count (more seeders -> higher), (c) recency
	// (spec.md §4.G) — all three in the ORDER BY, not just folded into
	// Score afterward, so a high-seeder entry can't be dropped by LIMIT
	// before the client ever sees it.
	matchQuery := ftsQuery(query)
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.content_hash, MIN(p.filename), MIN(p.size), MIN(p.chunk_count),
		       bm25(publications_fts) AS rank, MAX(p.published_at) AS latest,
		       COUNT(DISTINCT p.publisher_address) AS pubcount
		FROM publications_fts
		JOIN publications p ON p.content_hash = publications_fts.content_hash
		WHERE publications_fts MATCH ?
		GROUP BY p.content_hash
		ORDER BY rank, pubcount DESC, latest DESC
		LIMIT ?
	`, matchQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var hashHexStr, filename string
		var size uint64
		var chunkCount uint32
		var rank float64
		var latest int64
		var pubcount int
		if err := rows.Scan(&hashHexStr, &filename, &size, &chunkCount, &rank, &latest, &pubcount); err != nil {
			return nil, fmt.Errorf("index: scan result: %w", err)
		}
		h, err := parseHashHex(hashHexStr)
		if err != nil {
			continue
		}
		seeders, err := s.publishersFor(ctx, hashHexStr)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{
			ContentHash: h,
			Filename:    filename,
			Size:        size,
			ChunkCount:  chunkCount,
			Seeders:     seeders,
			Score:       rankToScore(rank, len(seeders)),
		})
	}
	return results, rows.Err()
}

func (s *Service) publishersFor(ctx context.Context, hashHex string) ([]transport.Address, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT publisher_address FROM publications
		WHERE content_hash = ?
		ORDER BY published_at DESC
		LIMIT ?
	`, hashHex, MaxPublishersPerResult)
	if err != nil {
		return nil, fmt.Errorf("index: list publishers: %w", err)
	}
	defer rows.Close()

	var addrs []transport.Address
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		addrs = append(addrs, transport.Address(a))
	}
	return addrs, rows.Err()
}

// rankToScore folds FTS relevance (bm25, lower is better) and seeder
// count (spec.md §4.G: "distinct publisher count, more seeders -> higher")
// into a single ascending score for callers; bm25 is negated so higher
// is always better, matching SearchResult.score's intent.
func rankToScore(bm25Rank float64, publisherCount int) float32 {
	return float32(-bm25Rank) + float32(publisherCount)*0.01
}

// StartPurge launches the background purge loop (spec.md §4.G:
// "every minute, purge entries with published_at + ttl < now"). Call
// once per Service; it stops when Close is called.
func (s *Service) StartPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.purgeExpired(ctx)
			case <-s.stopPurge:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Service) purgeExpired(ctx context.Context) {
	s.writeM.Lock()
	defer s.writeM.Unlock()

	now := nowUnix()
	rows, err := s.db.QueryContext(ctx, `SELECT content_hash FROM publications WHERE published_at + ttl < ?`, now)
	if err != nil {
		return
	}
	var stale []string
	for rows.Next() {
		var h string
		if rows.Scan(&h) == nil {
			stale = append(stale, h)
		}
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM publications WHERE published_at + ttl < ?`, now); err != nil {
		return
	}
	for _, h := range stale {
		s.db.ExecContext(ctx, `DELETE FROM publications_fts WHERE content_hash = ?`, h)
	}
	s.refreshActiveGauge(ctx)
}

// sizeMatchesChunkCount checks size against chunk_count * CHUNK_SIZE,
// allowing the final chunk to be short (spec.md §4.G: "size ≠
// chunk_count × bounded(CHUNK_SIZE) range check"). A zero-byte file is
// exactly one empty chunk.
func sizeMatchesChunkCount(size uint64, chunkCount uint32) bool {
	if size == 0 {
		return chunkCount == 1
	}
	full := uint64(content.ChunkSize)
	lowerExclusive := uint64(chunkCount-1) * full
	upperInclusive := uint64(chunkCount) * full
	return size > lowerExclusive && size <= upperInclusive
}

func hashHex(h content.Hash) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(h)*2)
	for i, b := range h {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

func parseHashHex(s string) (content.Hash, error) {
	var h content.Hash
	if len(s) != len(h)*2 {
		return h, fmt.Errorf("index: bad hash length %d", len(s))
	}
	for i := range h {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return h, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return h, err
		}
		h[i] = hi<<4 | lo
	}
	return h, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("index: invalid hex digit %q", c)
	}
}

// ftsQuery turns free-text query into an FTS5 MATCH expression that
// treats each token as a prefix match, so partial keywords still hit.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "\"\""
	}
	for i, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		fields[i] = `"` + f + `"*`
	}
	return strings.Join(fields, " ")
}
