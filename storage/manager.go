package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// LocalBackend is the name of the local hybrid tier.
const LocalBackend = "local"

const (
	ftsBodyLimit = 64 << 10
	partWorkers  = 4
)

// CreateOptions are per-memory overrides for Create.
type CreateOptions struct {
	// ID replaces any existing memory with the same id. Empty assigns a ULID.
	ID       string
	Title    string
	Metadata map[string]any

	// EnableChunking overrides the chunking setting. An explicit false
	// stores the content inline whatever its size.
	EnableChunking *bool

	// Compress overrides the hybrid compression setting.
	Compress *bool
}

// SearchHit is one lexical search result.
type SearchHit struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Stats summarizes stored memories.
type Stats struct {
	Memories int          `json:"memories"`
	Bytes    int64        `json:"bytes"`
	Chunks   int          `json:"chunks"`
	ByMode   map[Mode]int `json:"by_mode"`
}

// placement is the layout chosen for one write.
type placement struct {
	mode      Mode
	backend   string
	compress  bool
	encrypt   bool
	chunkSize int
	partSize  int
}

func (m *Manager) settings() (ChunkingConfig, HybridConfig) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chunking, m.hybrid
}

// place applies the mode decision for new content of the given size.
func (m *Manager) place(size int64, opts CreateOptions) (placement, error) {
	chunking, hybrid := m.settings()
	p := placement{
		mode:      ModeInline,
		compress:  hybrid.Compression,
		chunkSize: chunking.ChunkSize,
		partSize:  max(chunking.ChunkSize, hybrid.PartSize),
	}
	if opts.Compress != nil {
		p.compress = *opts.Compress
	}

	requested := chunking.Enabled
	if opts.EnableChunking != nil {
		if !*opts.EnableChunking {
			return p, nil
		}
		requested = true
	}

	switch {
	case size < int64(chunking.ChunkSize):
		return p, nil
	case size <= chunking.Limit():
		if requested {
			p.mode = ModeChunked
		}
		return p, nil
	case !hybrid.Enabled:
		return p, fmt.Errorf("%w: %d bytes exceeds the chunking limit of %d and hybrid storage is disabled",
			ErrTooLarge, size, chunking.Limit())
	}

	mode, backend, err := m.pickBackend(hybrid, size, "")
	if err != nil {
		return p, err
	}
	p.mode, p.backend, p.encrypt = mode, backend, hybrid.Encryption
	return p, nil
}

// pickBackend chooses the hybrid tier. want forces a tier when set.
func (m *Manager) pickBackend(h HybridConfig, size int64, want Mode) (Mode, string, error) {
	var local, remote string
	for _, name := range h.Backends {
		if _, ok := m.blobs[name]; !ok {
			continue
		}
		if name == LocalBackend {
			local = name
		} else if remote == "" {
			remote = name
		}
	}
	switch {
	case want == ModeHybridLocal && local != "":
		return ModeHybridLocal, local, nil
	case want == ModeHybridRemote && remote != "":
		return ModeHybridRemote, remote, nil
	case want != "":
		return "", "", fmt.Errorf("%w: no backend configured for %s", ErrConfig, want)
	case remote != "" && (size >= h.RemoteThreshold || local == ""):
		return ModeHybridRemote, remote, nil
	case local != "":
		return ModeHybridLocal, local, nil
	}
	return "", "", fmt.Errorf("%w: no hybrid backend available", ErrConfig)
}

// Create stores content and returns the stored memory without its content.
func (m *Manager) Create(ctx context.Context, content string, opts CreateOptions) (_ *Memory, err error) {
	ctx, span := m.tracer.Start(ctx, "storage.create",
		trace.WithAttributes(attribute.Int("storage.size", len(content))))
	defer func() { endSpan(span, err) }()

	p, err := m.place(int64(len(content)), opts)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("storage.mode", string(p.mode)))

	now := time.Now().UTC()
	mem := &Memory{
		ID:        opts.ID,
		Title:     opts.Title,
		Metadata:  opts.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// prev keeps its parts until the replacement commits
	var prev *Memory
	if mem.ID == "" {
		mem.ID = ulid.Make().String()
	} else {
		if err := validID(mem.ID); err != nil {
			return nil, err
		}
		existing, err := m.lookup(ctx, mem.ID)
		switch {
		case err == nil:
			prev = existing
			mem.CreatedAt = existing.CreatedAt
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}

	if err := m.write(ctx, mem, []byte(content), p, prev); err != nil {
		return nil, err
	}
	m.metrics.ObserveStored(string(mem.Mode), mem.Size)
	m.logger.Debug("memory stored", "id", mem.ID, "mode", mem.Mode, "size", mem.Size,
		"chunks", mem.ChunkCount, "parts", mem.PartCount)
	return mem, nil
}

// write persists data under mem.ID using p. prev, when set, is the layout
// being replaced; its blob parts are removed after the new row commits.
func (m *Manager) write(ctx context.Context, mem *Memory, data []byte, p placement, prev *Memory) error {
	mem.Mode, mem.Backend = p.mode, p.backend
	mem.Compressed, mem.Encrypted = p.compress, p.encrypt
	mem.Size = int64(len(data))
	mem.ChunkCount, mem.PartCount = 0, 0
	mem.BlobPrefix = ""

	var (
		inline []byte
		chunks [][]byte
	)
	switch p.mode {
	case ModeInline:
		enc, err := m.encode(data, p.compress, false)
		if err != nil {
			return err
		}
		inline = enc
	case ModeChunked:
		pieces := Split(data, p.chunkSize)
		chunks = make([][]byte, len(pieces))
		for i, piece := range pieces {
			enc, err := m.encode(piece, p.compress, false)
			if err != nil {
				return err
			}
			chunks[i] = enc
		}
		mem.ChunkCount = len(chunks)
	default:
		mem.BlobPrefix = blobPrefix(mem.ID)
		n, err := m.writeParts(ctx, mem, data, p.partSize)
		if err != nil {
			return err
		}
		mem.PartCount = n
	}

	meta, err := json.Marshal(mem.Metadata)
	if err != nil {
		return fmt.Errorf("storage: encode metadata: %w", err)
	}
	if mem.Metadata == nil {
		meta = []byte("{}")
	}

	commit := func() error {
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", mem.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM memories_fts WHERE memory_id = ?", mem.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories (id, title, content, metadata, compressed, encrypted, storage_mode,
				chunk_count, part_count, backend, blob_prefix, size, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			mem.ID, mem.Title, inline, string(meta), boolInt(mem.Compressed), boolInt(mem.Encrypted),
			string(mem.Mode), mem.ChunkCount, mem.PartCount, mem.Backend, mem.BlobPrefix, mem.Size,
			mem.CreatedAt.Format(time.RFC3339Nano), mem.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
			return err
		}
		for i, c := range chunks {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO memory_chunks (memory_id, sequence_index, payload) VALUES (?, ?, ?)",
				mem.ID, i, c); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO memories_fts (memory_id, title, body) VALUES (?, ?, ?)",
			mem.ID, mem.Title, ftsBody(data)); err != nil {
			return err
		}
		return tx.Commit()
	}
	if err := commit(); err != nil {
		if p.mode.hybrid() {
			m.dropParts(ctx, mem)
		}
		return fmt.Errorf("storage: write %s: %w", mem.ID, err)
	}
	if prev != nil && prev.Mode.hybrid() {
		m.dropParts(ctx, prev)
	}
	return nil
}

// validID rejects ids that cannot be stored or addressed by the tools.
func validID(id string) error {
	switch {
	case strings.TrimSpace(id) != id:
		return fmt.Errorf("%w: %q has leading or trailing space", ErrInvalidID, id)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case strings.ContainsFunc(id, unicode.IsControl):
		return fmt.Errorf("%w: %q contains control characters", ErrInvalidID, id)
	}
	return nil
}

// blobPrefix names one generation of a memory's parts. The escaped id holds
// no "/", so one memory's prefix never contains another's.
func blobPrefix(id string) string {
	return url.PathEscape(id) + "/" + ulid.Make().String()
}

func partKey(prefix string, seq int) string {
	return fmt.Sprintf("%s/%06d", prefix, seq)
}

// writeParts uploads data as parts of partSize bytes.
func (m *Manager) writeParts(ctx context.Context, mem *Memory, data []byte, partSize int) (int, error) {
	store, ok := m.blobs[mem.Backend]
	if !ok {
		return 0, fmt.Errorf("%w: backend %q is not available", ErrConfig, mem.Backend)
	}
	pieces := Split(data, partSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(partWorkers)
	for i, piece := range pieces {
		g.Go(func() error {
			enc, err := m.encode(piece, mem.Compressed, mem.Encrypted)
			if err != nil {
				return err
			}
			return store.Put(gctx, partKey(mem.BlobPrefix, i), enc)
		})
	}
	if err := g.Wait(); err != nil {
		_ = store.DeletePrefix(ctx, mem.BlobPrefix+"/")
		return 0, fmt.Errorf("storage: write parts of %s to %s: %w", mem.ID, mem.Backend, err)
	}
	return len(pieces), nil
}

// dropParts removes a hybrid memory's parts. Failures are logged.
func (m *Manager) dropParts(ctx context.Context, mem *Memory) {
	for i := range mem.PartCount {
		m.parts.Remove(mem.Backend + ":" + partKey(mem.BlobPrefix, i))
	}
	store, ok := m.blobs[mem.Backend]
	if !ok {
		m.logger.Warn("blob backend gone, parts left behind", "id", mem.ID, "backend", mem.Backend)
		return
	}
	if mem.BlobPrefix == "" {
		m.logger.Warn("hybrid memory has no blob prefix", "id", mem.ID)
		return
	}
	if err := store.DeletePrefix(ctx, mem.BlobPrefix+"/"); err != nil {
		m.logger.Warn("failed to delete parts", "id", mem.ID, "backend", mem.Backend, "error", err)
	}
}

// Get returns a memory with its reconstructed content.
func (m *Manager) Get(ctx context.Context, id string) (_ *Memory, err error) {
	ctx, span := m.tracer.Start(ctx, "storage.get", trace.WithAttributes(attribute.String("storage.id", id)))
	start := time.Now()
	var mode string
	defer func() {
		m.metrics.ObserveRead(mode, time.Since(start), err)
		endSpan(span, err)
	}()

	var inline []byte
	row := m.db.QueryRowContext(ctx, "SELECT "+memoryColumns+", content FROM memories WHERE id = ?", id)
	mem, err := scanMemory(row, &inline)
	if err != nil {
		return nil, err
	}
	mode = string(mem.Mode)
	span.SetAttributes(attribute.String("storage.mode", mode))

	data, err := m.content(ctx, mem, inline)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != mem.Size {
		return nil, fmt.Errorf("%w: %s reconstructed %d bytes, expected %d", ErrCorrupt, id, len(data), mem.Size)
	}
	mem.Content = string(data)
	return mem, nil
}

func (m *Manager) content(ctx context.Context, mem *Memory, inline []byte) ([]byte, error) {
	switch mem.Mode {
	case ModeInline:
		data, err := m.decode(inline, mem.Compressed, false)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, mem.ID, err)
		}
		return data, nil
	case ModeChunked:
		chunks, err := m.chunks(ctx, mem.ID)
		if err != nil {
			return nil, err
		}
		return Reassemble(chunks, mem.ChunkCount, func(p []byte) ([]byte, error) {
			return m.decode(p, mem.Compressed, false)
		})
	case ModeHybridLocal, ModeHybridRemote:
		raw := make([][]byte, mem.PartCount)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(partWorkers)
		for i := range raw {
			g.Go(func() error {
				b, err := m.readPart(gctx, mem, i)
				raw[i] = b
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		chunks := make([]Chunk, len(raw))
		for i, b := range raw {
			chunks[i] = Chunk{MemoryID: mem.ID, SequenceIndex: i, Payload: b}
		}
		return Reassemble(chunks, mem.PartCount, func(p []byte) ([]byte, error) {
			return m.decode(p, mem.Compressed, mem.Encrypted)
		})
	}
	return nil, fmt.Errorf("%w: %s has unknown storage mode %q", ErrCorrupt, mem.ID, mem.Mode)
}

func (m *Manager) chunks(ctx context.Context, id string) ([]Chunk, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT sequence_index, payload FROM memory_chunks WHERE memory_id = ? ORDER BY sequence_index", id)
	if err != nil {
		return nil, fmt.Errorf("storage: read chunks of %s: %w", id, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c := Chunk{MemoryID: id}
		if err := rows.Scan(&c.SequenceIndex, &c.Payload); err != nil {
			return nil, fmt.Errorf("storage: scan chunk of %s: %w", id, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// readPart fetches one raw part, consulting the part cache for remote tiers.
func (m *Manager) readPart(ctx context.Context, mem *Memory, seq int) ([]byte, error) {
	store, ok := m.blobs[mem.Backend]
	if !ok {
		return nil, fmt.Errorf("%w: backend %q is not available", ErrConfig, mem.Backend)
	}
	key := partKey(mem.BlobPrefix, seq)
	cacheKey := mem.Backend + ":" + key
	remote := mem.Backend != LocalBackend
	if remote {
		if b, ok := m.parts.Get(cacheKey); ok {
			return b, nil
		}
	}
	b, err := store.Get(ctx, key)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, fmt.Errorf("%w: part %d of %s is missing", ErrCorrupt, seq, mem.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read part %d of %s: %w", seq, mem.ID, err)
	}
	if remote {
		m.parts.Add(cacheKey, b)
	}
	return b, nil
}

// ReadChunk returns one decoded chunk (or hybrid part) without reading the
// rest. An inline memory has a single chunk 0.
func (m *Manager) ReadChunk(ctx context.Context, id string, seq int) ([]byte, error) {
	var inline []byte
	row := m.db.QueryRowContext(ctx, "SELECT "+memoryColumns+", content FROM memories WHERE id = ?", id)
	mem, err := scanMemory(row, &inline)
	if err != nil {
		return nil, err
	}

	var count int
	switch {
	case mem.Mode == ModeInline:
		count = 1
	case mem.Mode == ModeChunked:
		count = mem.ChunkCount
	default:
		count = mem.PartCount
	}
	if seq < 0 || seq >= count {
		return nil, fmt.Errorf("%w: %s has no chunk %d (chunks: %d)", ErrNotFound, id, seq, count)
	}

	switch mem.Mode {
	case ModeInline:
		return m.content(ctx, mem, inline)
	case ModeChunked:
		var payload []byte
		err := m.db.QueryRowContext(ctx,
			"SELECT payload FROM memory_chunks WHERE memory_id = ? AND sequence_index = ?", id, seq).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: missing chunk %d of %s", ErrCorrupt, seq, id)
		}
		if err != nil {
			return nil, fmt.Errorf("storage: read chunk %d of %s: %w", seq, id, err)
		}
		return m.decode(payload, mem.Compressed, false)
	}
	raw, err := m.readPart(ctx, mem, seq)
	if err != nil {
		return nil, err
	}
	return m.decode(raw, mem.Compressed, mem.Encrypted)
}

// Delete removes a memory and its chunks or parts.
func (m *Manager) Delete(ctx context.Context, id string) error {
	mem, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id); err != nil {
		return fmt.Errorf("storage: delete %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM memories_fts WHERE memory_id = ?", id); err != nil {
		return fmt.Errorf("storage: delete %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: delete %s: %w", id, err)
	}
	if mem.Mode.hybrid() {
		m.dropParts(ctx, mem)
	}
	m.logger.Debug("memory deleted", "id", id, "mode", mem.Mode)
	return nil
}

// Migrate moves a memory to another storage mode and returns it with content.
func (m *Manager) Migrate(ctx context.Context, id string, to Mode) (_ *Memory, err error) {
	ctx, span := m.tracer.Start(ctx, "storage.migrate", trace.WithAttributes(
		attribute.String("storage.id", id), attribute.String("storage.mode", string(to))))
	defer func() { endSpan(span, err) }()

	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown storage mode %q", ErrConfig, to)
	}
	mem, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if mem.Mode == to {
		return mem, nil
	}

	chunking, hybrid := m.settings()
	p := placement{
		mode:      to,
		compress:  mem.Compressed,
		chunkSize: chunking.ChunkSize,
		partSize:  max(chunking.ChunkSize, hybrid.PartSize),
	}
	switch to {
	case ModeChunked:
		if mem.Size > chunking.Limit() {
			return nil, fmt.Errorf("%w: %d bytes exceeds the chunking limit of %d", ErrTooLarge, mem.Size, chunking.Limit())
		}
	case ModeHybridLocal, ModeHybridRemote:
		if _, p.backend, err = m.pickBackend(hybrid, mem.Size, to); err != nil {
			return nil, err
		}
		p.encrypt = hybrid.Encryption
		if p.encrypt && m.key == nil {
			return nil, fmt.Errorf("%w: encryption requires an encryption key", ErrConfig)
		}
	}

	prev := *mem
	mem.UpdatedAt = time.Now().UTC()
	if err := m.write(ctx, mem, []byte(mem.Content), p, &prev); err != nil {
		return nil, err
	}
	m.metrics.ObserveStored(string(mem.Mode), mem.Size)
	m.logger.Info("memory migrated", "id", id, "from", prev.Mode, "to", mem.Mode)
	return mem, nil
}

// List returns memories without content, newest first.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx,
		"SELECT "+memoryColumns+" FROM memories ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *mem)
	}
	return out, rows.Err()
}

// Search runs a full-text query over titles and leading content. Any term
// may match; hits are ordered by BM25 rank.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT memory_id, title, snippet(memories_fts, 2, '', '', '...', 16), rank
		 FROM memories_fts WHERE memories_fts MATCH ? ORDER BY rank LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var rank float64
		if err := rows.Scan(&h.ID, &h.Title, &h.Snippet, &rank); err != nil {
			return nil, fmt.Errorf("storage: scan search hit: %w", err)
		}
		if rank < 0 {
			rank = -rank
		}
		h.Score = 1 / (1 + rank)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Stats counts memories by mode.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByMode: map[Mode]int{}}
	rows, err := m.db.QueryContext(ctx,
		"SELECT storage_mode, COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(chunk_count), 0) FROM memories GROUP BY storage_mode")
	if err != nil {
		return st, fmt.Errorf("storage: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			mode          string
			count, chunks int
			bytes         int64
		)
		if err := rows.Scan(&mode, &count, &bytes, &chunks); err != nil {
			return st, fmt.Errorf("storage: stats: %w", err)
		}
		st.ByMode[Mode(mode)] = count
		st.Memories += count
		st.Bytes += bytes
		st.Chunks += chunks
	}
	return st, rows.Err()
}

// lookup returns a memory's row without content.
func (m *Manager) lookup(ctx context.Context, id string) (*Memory, error) {
	row := m.db.QueryRowContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	return scanMemory(row)
}

const memoryColumns = "id, title, metadata, compressed, encrypted, storage_mode, chunk_count, part_count, backend, blob_prefix, size, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(s rowScanner, extra ...any) (*Memory, error) {
	var (
		mem                   Memory
		meta, mode            string
		created, updated      string
		compressed, encrypted int
	)
	dest := append([]any{&mem.ID, &mem.Title, &meta, &compressed, &encrypted, &mode,
		&mem.ChunkCount, &mem.PartCount, &mem.Backend, &mem.BlobPrefix, &mem.Size, &created, &updated}, extra...)
	if err := s.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: scan memory: %w", err)
	}
	mem.Mode = Mode(mode)
	mem.Compressed, mem.Encrypted = compressed != 0, encrypted != 0
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &mem.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata of %s: %v", ErrCorrupt, mem.ID, err)
		}
	}
	mem.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	mem.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &mem, nil
}

func ftsBody(data []byte) string {
	if len(data) > ftsBodyLimit {
		data = data[:ftsBodyLimit]
	}
	return strings.ToValidUTF8(string(data), "")
}

// ftsQuery turns free text into an FTS5 query of quoted OR'd terms.
func ftsQuery(q string) string {
	terms := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " OR ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
