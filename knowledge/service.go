package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/nim-knowledge/cache"
)

// Service indexes content and answers similarity queries.
//
// The index and the cache are independent systems: the Service never holds a
// lock across both. The cache may briefly disagree with the index, bounded by
// RetrievalTTL, and every index write evicts the cached searches it could affect.
type Service struct {
	embedder      Embedder
	batchEmbedder Embedder // separate pool for long-running batch jobs
	index         Index
	cache         Cache
	config        *Config
	logger        *slog.Logger
	metrics       Metrics
	tracer        trace.Tracer
	now           func() time.Time
}

// Options wires a Service. Embedder and Index are required.
type Options struct {
	Embedder Embedder

	// BatchEmbedder serves IndexKnowledgeBatch and Reindex so bulk jobs do not
	// compete with interactive queries. Defaults to Embedder.
	BatchEmbedder Embedder

	Index Index

	// Cache memoizes searches and item lookups. Nil disables caching.
	Cache Cache

	Config         *Config
	Logger         *slog.Logger
	Metrics        Metrics
	TracerProvider trace.TracerProvider
	Now            func() time.Time
}

// RetrieveOptions tunes a single query.
type RetrieveOptions struct {
	// NResults is the number of candidates fetched from the index. Fewer may be
	// returned after threshold filtering. Default: Config.NResults.
	NResults int

	// Filters are exact-match metadata predicates, ANDed.
	Filters map[string]any

	// Threshold overrides the default minimum similarity score.
	Threshold *float64

	// NoCache bypasses the result cache for reads and writes.
	NoCache bool
}

// Threshold returns a pointer for RetrieveOptions.Threshold.
func Threshold(v float64) *float64 {
	return &v
}

// Update describes a change to an indexed item. Nil fields are left unchanged.
type Update struct {
	Content  *string
	Metadata map[string]any
}

// Stats summarises the Service state.
type Stats struct {
	Items     int   `json:"items"`
	Space     Space `json:"space"`
	Queries   int64 `json:"queries"`
	CacheHits int64 `json:"cache_hits"`
}

// New creates a Service. It fails when the embedders and the index belong to
// different embedding spaces.
func New(opts Options) (*Service, error) {
	if opts.Embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidArgument)
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("%w: index is required", ErrInvalidArgument)
	}
	if opts.BatchEmbedder == nil {
		opts.BatchEmbedder = opts.Embedder
	}
	space := opts.Index.Space()
	for _, e := range []Embedder{opts.Embedder, opts.BatchEmbedder} {
		if got := SpaceOf(e); got != space {
			return nil, fmt.Errorf("%w: index holds %s vectors, embedder produces %s; reindex required",
				ErrIncompatibleSpace, space, got)
		}
	}
	if opts.Cache == nil {
		opts.Cache = noCache{}
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
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		embedder:      opts.Embedder,
		batchEmbedder: opts.BatchEmbedder,
		index:         opts.Index,
		cache:         opts.Cache,
		config:        opts.Config.withDefaults(),
		logger:        opts.Logger.With("component", "knowledge"),
		metrics:       opts.Metrics,
		tracer:        opts.TracerProvider.Tracer("github.com/becomeliminal/nim-knowledge/knowledge"),
		now:           opts.Now,
	}, nil
}

// Space returns the embedding space of the underlying index.
func (s *Service) Space() Space {
	return s.index.Space()
}

// Count returns the number of indexed items.
func (s *Service) Count() int {
	return s.index.Count()
}

// IndexKnowledge embeds content and stores it under id, or under a generated
// id when id is empty. Re-indexing an existing id replaces it.
func (s *Service) IndexKnowledge(ctx context.Context, content string, metadata map[string]any, id string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "knowledge.index")
	defer span.End()

	if err := validateMetadata(metadata); err != nil {
		return "", spanError(span, err)
	}

	embedding, err := s.embed(ctx, s.embedder, content)
	if err != nil {
		return "", spanError(span, fmt.Errorf("embed content: %w", err))
	}

	var previous map[string]any
	if id != "" {
		if doc, err := s.index.Get(ctx, id); err == nil {
			previous = doc.Metadata
		}
	}

	ids, err := s.index.Add(ctx, []Document{{ID: id, Content: content, Metadata: metadata, Embedding: embedding}})
	if err != nil {
		return "", spanError(span, fmt.Errorf("add to index: %w", err))
	}

	// The index changed; evict even if the caller has gone away.
	bg := context.WithoutCancel(ctx)
	s.invalidate(bg, previous, metadata)
	s.cache.Delete(bg, s.itemKey(ids[0]))
	s.metrics.ObserveIndexed(1)

	s.logger.Debug("indexed knowledge", "id", ids[0], "content", truncateLog(content, 50))
	return ids[0], nil
}

// IndexKnowledgeBatch indexes items with batched embedding calls.
// The end state equals calling IndexKnowledge once per item in order: when an
// explicit id repeats, its last occurrence wins. The returned ids follow input order.
func (s *Service) IndexKnowledgeBatch(ctx context.Context, items []KnowledgeItem, batchSize int) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "knowledge.index_batch")
	defer span.End()
	span.SetAttributes(attribute.Int("items", len(items)))

	if len(items) == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = s.config.BatchSize
	}
	for i := range items {
		if err := validateMetadata(items[i].Metadata); err != nil {
			return nil, spanError(span, fmt.Errorf("item %d: %w", i, err))
		}
	}

	last := make(map[string]int)
	for i, item := range items {
		if item.ID != "" {
			last[item.ID] = i
		}
	}
	work := make([]int, 0, len(items))
	for i, item := range items {
		if item.ID == "" || last[item.ID] == i {
			work = append(work, i)
		}
	}

	metas := make([]map[string]any, 0, len(items)+len(last))
	itemKeys := make([]string, 0, len(last))
	for id := range last {
		if doc, err := s.index.Get(ctx, id); err == nil {
			metas = append(metas, doc.Metadata)
		}
		itemKeys = append(itemKeys, s.itemKey(id))
	}

	ids := make([]string, len(items))
	var indexed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.BatchConcurrency)
	for start := 0; start < len(work); start += batchSize {
		chunk := work[start:min(start+batchSize, len(work))]
		g.Go(func() error {
			texts := make([]string, len(chunk))
			for j, i := range chunk {
				texts[j] = items[i].Content
			}
			vectors, err := s.embedBatch(gctx, s.batchEmbedder, texts)
			if err != nil {
				return fmt.Errorf("embed batch: %w", err)
			}
			docs := make([]Document, len(chunk))
			for j, i := range chunk {
				docs[j] = Document{
					ID:        items[i].ID,
					Content:   items[i].Content,
					Metadata:  items[i].Metadata,
					Embedding: vectors[j],
				}
			}
			got, err := s.index.Add(gctx, docs)
			if err != nil {
				return fmt.Errorf("add batch to index: %w", err)
			}
			for j, i := range chunk {
				ids[i] = got[j]
			}
			indexed.Add(int64(len(chunk)))
			return nil
		})
	}
	err := g.Wait()

	// Some batches may have landed even on failure.
	for _, item := range items {
		metas = append(metas, item.Metadata)
	}
	bg := context.WithoutCancel(ctx)
	s.invalidate(bg, metas...)
	s.cache.Delete(bg, itemKeys...)
	s.metrics.ObserveIndexed(int(indexed.Load()))

	if err != nil {
		return nil, spanError(span, err)
	}
	for i, item := range items {
		if ids[i] == "" {
			ids[i] = item.ID
		}
	}
	s.logger.Debug("indexed knowledge batch", "items", len(items), "batch_size", batchSize)
	return ids, nil
}

// RetrieveKnowledge returns the items most similar to query whose score is at
// least the threshold, best first. Equal scores keep index order.
//
// Errors from the embedder or index are returned immediately without retry so
// callers can fall back to another search path.
func (s *Service) RetrieveKnowledge(ctx context.Context, query string, opts RetrieveOptions) ([]SearchResult, error) {
	return s.retrieve(ctx, "knowledge.retrieve", query, opts, s.config.SimilarityThreshold)
}

// FindSimilar is RetrieveKnowledge with the lower FindSimilarThreshold default.
func (s *Service) FindSimilar(ctx context.Context, content string, opts RetrieveOptions) ([]SearchResult, error) {
	return s.retrieve(ctx, "knowledge.find_similar", content, opts, s.config.FindSimilarThreshold)
}

func (s *Service) retrieve(ctx context.Context, op, query string, opts RetrieveOptions, defaultThreshold float64) (results []SearchResult, err error) {
	ctx, span := s.tracer.Start(ctx, op)
	defer span.End()

	start := time.Now()
	cacheHit := false
	defer func() {
		s.metrics.ObserveRetrieve(op, time.Since(start), len(results), cacheHit, err)
		span.SetAttributes(
			attribute.Bool("cache_hit", cacheHit),
			attribute.Int("result_count", len(results)),
		)
		if err != nil {
			spanError(span, err)
		}
	}()

	n := opts.NResults
	if n <= 0 {
		n = s.config.NResults
	}
	threshold := defaultThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: similarity threshold %v outside [0,1]", ErrInvalidArgument, threshold)
	}
	if err := validateMetadata(opts.Filters); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("n_results", n), attribute.Float64("threshold", threshold))

	useCache := s.config.CacheEnabled && !opts.NoCache && s.cache.Enabled()
	key := s.retrieveKey(query, n, opts.Filters, threshold)
	if useCache {
		s.cache.Increment(ctx, s.statsKey("queries"), 1)
		var cached []SearchResult
		if s.cache.Get(ctx, key, &cached) {
			cacheHit = true
			s.cache.Increment(ctx, s.statsKey("cache_hits"), 1)
			s.logger.Debug("retrieval cache hit", "query", truncateLog(query, 50), "results", len(cached))
			return cached, nil
		}
	}

	embedding, err := s.embed(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results = []SearchResult{}
	if IsZeroVector(embedding) {
		// nothing is similar to an empty query
		return results, nil
	}

	matches, err := s.index.Search(ctx, embedding, n, opts.Filters)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	now := s.now()
	for _, m := range matches {
		score := ScoreFromDistance(m.Distance)
		if score < threshold {
			continue
		}
		metadata := m.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		results = append(results, SearchResult{
			ID:              m.ID,
			Content:         m.Content,
			Metadata:        metadata,
			SimilarityScore: score,
			RetrievedAt:     now,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SimilarityScore > results[j].SimilarityScore
	})

	// A cancelled query must not leave a partial result behind.
	if useCache && ctx.Err() == nil {
		s.cache.Set(ctx, key, results, s.config.RetrievalTTL)
	}

	s.logger.Debug("retrieved knowledge",
		"query", truncateLog(query, 50), "candidates", len(matches), "results", len(results))
	return results, nil
}

// GetKnowledge returns an item by id. Embedding is not populated.
func (s *Service) GetKnowledge(ctx context.Context, id string) (*KnowledgeItem, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	key := s.itemKey(id)
	if s.config.CacheEnabled {
		var item KnowledgeItem
		if s.cache.Get(ctx, key, &item) {
			return &item, nil
		}
	}

	doc, err := s.index.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	item := &KnowledgeItem{ID: doc.ID, Content: doc.Content, Metadata: doc.Metadata}
	if s.config.CacheEnabled && ctx.Err() == nil {
		s.cache.Set(ctx, key, item, s.config.ItemTTL)
	}
	return item, nil
}

// UpdateKnowledge changes an item in place. A content change regenerates the
// embedding; a metadata change replaces the whole metadata map.
func (s *Service) UpdateKnowledge(ctx context.Context, id string, update Update) error {
	ctx, span := s.tracer.Start(ctx, "knowledge.update")
	defer span.End()

	if err := validateMetadata(update.Metadata); err != nil {
		return spanError(span, err)
	}
	existing, err := s.index.Get(ctx, id)
	if err != nil {
		return spanError(span, err)
	}

	doc := *existing
	if update.Content != nil && *update.Content != existing.Content {
		embedding, err := s.embed(ctx, s.embedder, *update.Content)
		if err != nil {
			return spanError(span, fmt.Errorf("embed content: %w", err))
		}
		doc.Content = *update.Content
		doc.Embedding = embedding
	}
	if update.Metadata != nil {
		doc.Metadata = update.Metadata
	}

	if err := s.index.Update(ctx, doc); err != nil {
		return spanError(span, fmt.Errorf("update index: %w", err))
	}

	bg := context.WithoutCancel(ctx)
	s.invalidate(bg, existing.Metadata, doc.Metadata)
	s.cache.Delete(bg, s.itemKey(id))
	return nil
}

// DeleteKnowledge removes items. The effect of a deletion on cached searches
// is unknown, so the whole retrieval namespace is evicted.
func (s *Service) DeleteKnowledge(ctx context.Context, ids ...string) error {
	ctx, span := s.tracer.Start(ctx, "knowledge.delete")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}
	if err := s.index.Delete(ctx, ids...); err != nil {
		return spanError(span, fmt.Errorf("delete from index: %w", err))
	}

	bg := context.WithoutCancel(ctx)
	evicted := s.cache.DeletePattern(bg, cache.OpPattern(s.retrieveOp()))
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.itemKey(id)
	}
	s.cache.Delete(bg, keys...)
	s.metrics.ObserveInvalidation(1, evicted)

	s.logger.Debug("deleted knowledge", "ids", len(ids), "evicted", evicted)
	return nil
}

// Reindex re-embeds every document of source, an index from another embedding
// space, into this Service's index under the same ids. It returns the number
// of documents copied.
func (s *Service) Reindex(ctx context.Context, source Index) (int, error) {
	if source.Space() == s.index.Space() {
		return 0, fmt.Errorf("%w: source is already in %s", ErrInvalidArgument, source.Space())
	}

	flushAt := s.config.BatchSize * s.config.BatchConcurrency
	batch := make([]KnowledgeItem, 0, flushAt)
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := s.IndexKnowledgeBatch(ctx, batch, 0); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	err := source.Scan(ctx, func(doc Document) error {
		batch = append(batch, KnowledgeItem{ID: doc.ID, Content: doc.Content, Metadata: doc.Metadata})
		if len(batch) >= flushAt {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	s.cache.DeletePattern(context.WithoutCancel(ctx), cache.OpPattern(s.retrieveOp()))
	if err != nil {
		return total, fmt.Errorf("reindex from %s: %w", source.Space(), err)
	}

	s.logger.Info("reindexed knowledge", "from", source.Space().String(), "to", s.index.Space().String(), "items", total)
	return total, nil
}

// Stats reports item count and query counters. Counters need a cache.
func (s *Service) Stats(ctx context.Context) Stats {
	return Stats{
		Items:     s.index.Count(),
		Space:     s.index.Space(),
		Queries:   s.cache.Increment(ctx, s.statsKey("queries"), 0),
		CacheHits: s.cache.Increment(ctx, s.statsKey("cache_hits"), 0),
	}
}

// embed converts one text, mapping blank text to the zero vector without a provider call.
func (s *Service) embed(ctx context.Context, e Embedder, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.Dimensions()), nil
	}
	start := time.Now()
	v, err := e.Embed(ctx, text)
	s.metrics.ObserveEmbed(1, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if len(v) != e.Dimensions() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), e.Dimensions())
	}
	return v, nil
}

// embedBatch converts texts with a single EmbedBatch call for the non-blank ones.
func (s *Service) embedBatch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	pending := make([]string, 0, len(texts))
	positions := make([]int, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			out[i] = make([]float32, e.Dimensions())
			continue
		}
		pending = append(pending, t)
		positions = append(positions, i)
	}
	if len(pending) == 0 {
		return out, nil
	}

	start := time.Now()
	vectors, err := e.EmbedBatch(ctx, pending)
	s.metrics.ObserveEmbed(len(pending), time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(pending) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(pending))
	}
	for j, v := range vectors {
		if len(v) != e.Dimensions() {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), e.Dimensions())
		}
		out[positions[j]] = v
	}
	return out, nil
}

// invalidate evicts cached searches that could include an item with any of the
// given metadata: every unfiltered search plus every search filtering on one of
// the item's pairs. A filtered search can only match the item if all of its
// pairs match, so it always carries at least one of them.
func (s *Service) invalidate(ctx context.Context, metas ...map[string]any) {
	op := s.retrieveOp()
	patterns := []string{cache.UntaggedPattern(op)}
	seen := make(map[string]bool)
	for _, m := range metas {
		for k, v := range m {
			p := cache.TagPattern(op, k, MetadataValue(v))
			if !seen[p] {
				seen[p] = true
				patterns = append(patterns, p)
			}
		}
	}
	evicted := 0
	for _, p := range patterns {
		evicted += s.cache.DeletePattern(ctx, p)
	}
	s.metrics.ObserveInvalidation(len(patterns), evicted)
}

func (s *Service) retrieveKey(query string, n int, filters map[string]any, threshold float64) string {
	tags := make(map[string]string, len(filters))
	for k, v := range filters {
		tags[k] = MetadataValue(v)
	}
	space := s.index.Space()
	return cache.TaggedKey(s.retrieveOp(), tags,
		[]any{space.Model, space.Dimensions, query, n, threshold}, nil)
}

func (s *Service) retrieveOp() string {
	return s.config.Namespace + ":retrieve"
}

func (s *Service) itemKey(id string) string {
	return s.config.Namespace + ":item:" + id
}

func (s *Service) statsKey(name string) string {
	return s.config.Namespace + ":stats:" + name
}

// validateMetadata rejects keys reserved for index bookkeeping.
func validateMetadata(m map[string]any) error {
	for k := range m {
		if k == "" || strings.HasPrefix(k, "_") {
			return fmt.Errorf("%w: metadata key %q is reserved", ErrInvalidArgument, k)
		}
	}
	return nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// IsDataError reports whether err will fail again on retry.
func IsDataError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) ||
		errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrIncompatibleSpace) ||
		errors.Is(err, ErrDimensionMismatch)
}

// truncateLog truncates text for logging.
func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
