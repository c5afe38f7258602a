package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ChunkingConfig controls splitting of large content.
type ChunkingConfig struct {
	Enabled   bool `json:"enabled"`
	ChunkSize int  `json:"chunk_size"`
	MaxChunks int  `json:"max_chunks"`
}

// Limit is the largest content that can be chunked.
func (c ChunkingConfig) Limit() int64 {
	return int64(c.ChunkSize) * int64(c.MaxChunks)
}

// DefaultChunking is used when nothing is configured.
var DefaultChunking = ChunkingConfig{Enabled: true, ChunkSize: 10000, MaxChunks: 100}

func (c ChunkingConfig) validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.MaxChunks <= 0 {
		errs = append(errs, fmt.Errorf("max_chunks must be positive, got %d", c.MaxChunks))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}

// HybridConfig controls routing of oversized content to blob backends.
type HybridConfig struct {
	Enabled bool `json:"enabled"`

	// Backends names the BlobStores in use, e.g. ["local", "s3"].
	Backends []string `json:"backends"`

	// CacheSize is the number of remote parts kept in memory.
	CacheSize int `json:"cache_size"`

	Compression bool `json:"compression"`
	Encryption  bool `json:"encryption"`

	// PartSize is the blob part size; the effective size is max(chunk_size, part_size).
	PartSize int `json:"part_size"`

	// RemoteThreshold routes content of at least this many bytes to a remote backend.
	RemoteThreshold int64 `json:"remote_threshold"`
}

// DefaultHybrid is used when nothing is configured.
var DefaultHybrid = HybridConfig{
	Backends:        []string{"local"},
	CacheSize:       128,
	PartSize:        4 << 20,
	RemoteThreshold: 64 << 20,
}

func (m *Manager) validateHybrid(c HybridConfig) error {
	var errs []error
	if c.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("cache_size must be positive, got %d", c.CacheSize))
	}
	if c.PartSize <= 0 {
		errs = append(errs, fmt.Errorf("part_size must be positive, got %d", c.PartSize))
	}
	if len(c.Backends) == 0 {
		errs = append(errs, errors.New("at least one backend is required"))
	}
	for _, name := range c.Backends {
		if _, ok := m.blobs[name]; !ok {
			errs = append(errs, fmt.Errorf("backend %q is not available", name))
		}
	}
	if c.Encryption && m.key == nil {
		errs = append(errs, errors.New("encryption requires an encryption key"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}

// Chunking returns the current chunking settings.
func (m *Manager) Chunking() ChunkingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chunking
}

// Hybrid returns the current hybrid settings.
func (m *Manager) Hybrid() HybridConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.hybrid
	c.Backends = append([]string(nil), c.Backends...)
	return c
}

// EnableChunking turns chunking on for new memories.
func (m *Manager) EnableChunking(ctx context.Context) error {
	c := m.Chunking()
	c.Enabled = true
	return m.ConfigureChunking(ctx, c)
}

// DisableChunking turns chunking off for new memories. Existing chunked
// memories stay chunked.
func (m *Manager) DisableChunking(ctx context.Context) error {
	c := m.Chunking()
	c.Enabled = false
	return m.ConfigureChunking(ctx, c)
}

// ConfigureChunking validates, persists and applies c.
func (m *Manager) ConfigureChunking(ctx context.Context, c ChunkingConfig) error {
	if err := c.validate(); err != nil {
		return err
	}
	if err := m.saveSetting(ctx, "chunking", c); err != nil {
		return err
	}
	m.mu.Lock()
	m.chunking = c
	m.mu.Unlock()
	m.logger.Info("chunking configured", "enabled", c.Enabled, "chunk_size", c.ChunkSize, "max_chunks", c.MaxChunks)
	return nil
}

// EnableHybrid turns hybrid storage on for oversized memories.
func (m *Manager) EnableHybrid(ctx context.Context) error {
	c := m.Hybrid()
	c.Enabled = true
	return m.ConfigureHybrid(ctx, c)
}

// DisableHybrid turns hybrid storage off for new memories.
func (m *Manager) DisableHybrid(ctx context.Context) error {
	c := m.Hybrid()
	c.Enabled = false
	return m.ConfigureHybrid(ctx, c)
}

// ConfigureHybrid validates, persists and applies c.
func (m *Manager) ConfigureHybrid(ctx context.Context, c HybridConfig) error {
	if c.PartSize == 0 {
		c.PartSize = DefaultHybrid.PartSize
	}
	if c.Enabled {
		if err := m.validateHybrid(c); err != nil {
			return err
		}
	} else if c.CacheSize <= 0 {
		return fmt.Errorf("%w: cache_size must be positive, got %d", ErrConfig, c.CacheSize)
	}
	if err := m.saveSetting(ctx, "hybrid", c); err != nil {
		return err
	}
	m.mu.Lock()
	m.hybrid = c
	m.parts.Resize(c.CacheSize)
	m.mu.Unlock()
	m.logger.Info("hybrid storage configured",
		"enabled", c.Enabled, "backends", c.Backends, "compression", c.Compression, "encryption", c.Encryption)
	return nil
}

// loadSettings reads persisted settings, seeding them from the given
// defaults on first open.
func (m *Manager) loadSettings(ctx context.Context, chunking ChunkingConfig, hybrid HybridConfig) error {
	if chunking.ChunkSize == 0 && chunking.MaxChunks == 0 {
		chunking = DefaultChunking
	}
	if hybrid.CacheSize == 0 {
		hybrid.CacheSize = DefaultHybrid.CacheSize
	}
	if hybrid.PartSize == 0 {
		hybrid.PartSize = DefaultHybrid.PartSize
	}
	if len(hybrid.Backends) == 0 {
		hybrid.Backends = DefaultHybrid.Backends
	}
	if hybrid.RemoteThreshold == 0 {
		hybrid.RemoteThreshold = DefaultHybrid.RemoteThreshold
	}

	if _, err := m.loadSetting(ctx, "chunking", &chunking); err != nil {
		return err
	}
	if _, err := m.loadSetting(ctx, "hybrid", &hybrid); err != nil {
		return err
	}
	if err := chunking.validate(); err != nil {
		return err
	}
	if hybrid.Enabled {
		if err := m.validateHybrid(hybrid); err != nil {
			return err
		}
	}

	parts, err := lru.New[string, []byte](max(hybrid.CacheSize, 1))
	if err != nil {
		return fmt.Errorf("storage: part cache: %w", err)
	}
	m.chunking, m.hybrid, m.parts = chunking, hybrid, parts
	return nil
}

func (m *Manager) loadSetting(ctx context.Context, name string, dst any) (bool, error) {
	var raw string
	err := m.db.QueryRowContext(ctx, "SELECT value FROM storage_settings WHERE name = ?", name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: load %s settings: %w", name, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("%w: stored %s settings: %v", ErrConfig, name, err)
	}
	return true, nil
}

func (m *Manager) saveSetting(ctx context.Context, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO storage_settings (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: save %s settings: %w", name, err)
	}
	return nil
}
