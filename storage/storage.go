// Package storage decides how a memory's content is physically stored and
// keeps it in SQLite, the system of record.
//
// A memory is stored in one of four modes, chosen once at creation and
// changed only through Migrate:
//   - inline: the whole content in one row, optionally zstd-compressed
//   - chunked: ordered chunks of at most chunk_size bytes, each compressed on its own
//   - hybrid-local / hybrid-remote: parts written to a BlobStore, optionally
//     compressed then AES-256-GCM encrypted
//
// Reads of chunked or hybrid memories fail with ErrCorrupt when a sequence
// index is missing; partial content is never returned.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	_ "modernc.org/sqlite" // SQLite driver registration
)

var (
	// ErrNotFound is returned for unknown memory ids.
	ErrNotFound = errors.New("storage: memory not found")

	// ErrCorrupt is returned when stored chunks or parts cannot reconstruct the content.
	ErrCorrupt = errors.New("storage: stored content is corrupt")

	// ErrTooLarge is returned when content exceeds chunk_size*max_chunks and hybrid storage is off.
	ErrTooLarge = errors.New("storage: content too large")

	// ErrConfig is returned for invalid storage configuration.
	ErrConfig = errors.New("storage: invalid configuration")

	// ErrInvalidID is returned for caller-supplied ids that cannot name a memory.
	ErrInvalidID = errors.New("storage: invalid memory id")
)

// Mode is the physical layout of a memory.
type Mode string

const (
	ModeInline       Mode = "inline"
	ModeChunked      Mode = "chunked"
	ModeHybridLocal  Mode = "hybrid-local"
	ModeHybridRemote Mode = "hybrid-remote"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeInline, ModeChunked, ModeHybridLocal, ModeHybridRemote:
		return true
	}
	return false
}

func (m Mode) hybrid() bool {
	return m == ModeHybridLocal || m == ModeHybridRemote
}

// Memory is a stored piece of content. Content is only set by Get and Migrate.
type Memory struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Content    string         `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Compressed bool           `json:"compressed"`
	Encrypted  bool           `json:"encrypted"`
	Mode       Mode           `json:"storage_mode"`
	ChunkCount int            `json:"chunk_count"`
	PartCount  int            `json:"part_count,omitempty"`
	Backend    string         `json:"backend,omitempty"`
	BlobPrefix string         `json:"-"`
	Size       int64          `json:"size"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Metrics receives storage events.
type Metrics interface {
	ObserveStored(mode string, bytes int64)
	ObserveRead(mode string, d time.Duration, err error)
}

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) ObserveStored(string, int64) {}
func (NopMetrics) ObserveRead(string, time.Duration, error) {}

// Options configures a Manager.
type Options struct {
	// Path of the SQLite database file. Required.
	Path string

	// Blobs are the hybrid backends by name. "local" is the local tier;
	// every other name is remote.
	Blobs map[string]BlobStore

	// EncryptionKey enables hybrid encryption: 64 hex chars, 44 base64 chars or 32 raw bytes.
	EncryptionKey string

	// Chunking and Hybrid seed the settings on first open. Persisted
	// settings take precedence afterwards.
	Chunking ChunkingConfig
	Hybrid   HybridConfig

	Logger         *slog.Logger
	Metrics        Metrics
	TracerProvider trace.TracerProvider
}

// Manager stores memories.
type Manager struct {
	db      *sql.DB
	blobs   map[string]BlobStore
	key     []byte
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu       sync.RWMutex // guards chunking, hybrid
	chunking ChunkingConfig
	hybrid   HybridConfig
	parts    *lru.Cache[string, []byte] // remote part reads
}

const defaultBusyTimeout = 5000 // ms

// Open opens or creates the database at opts.Path and migrates its schema.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrConfig)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = noop.NewTracerProvider()
	}

	var key []byte
	if opts.EncryptionKey != "" {
		k, err := DeriveKey(opts.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		key = k
	}

	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create directory %s: %w", dir, err)
		}
	}
	// pragmas in the DSN apply to every connection the pool opens
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		opts.Path, defaultBusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", opts.Path, err)
	}
	// SQLite serialises writes
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: open %s: %w", opts.Path, err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: zstd decoder: %w", err)
	}

	m := &Manager{
		db:      db,
		blobs:   opts.Blobs,
		key:     key,
		logger:  opts.Logger.With("component", "storage"),
		metrics: opts.Metrics,
		tracer:  opts.TracerProvider.Tracer("github.com/becomeliminal/nim-knowledge/storage"),
		enc:     enc,
		dec:     dec,
	}
	if m.blobs == nil {
		m.blobs = map[string]BlobStore{}
	}
	if err := m.loadSettings(ctx, opts.Chunking, opts.Hybrid); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the database.
func (m *Manager) Close() error {
	m.dec.Close()
	_ = m.enc.Close()
	return m.db.Close()
}
