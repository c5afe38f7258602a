package chromem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-knowledge/knowledge"
)

const collectionPrefix = "knowledge:"

// Reserved metadata keys. Callers cannot use keys starting with "_".
const (
	keyMeta  = "_meta"  // full metadata as JSON
	keyModel = "_model" // embedding model that produced the vector
	keyZero  = "_zero"  // "1" when the real embedding is the zero vector
)

var errCallerEmbeds = errors.New("chromem: embeddings must be supplied by the caller")

// rejectEmbed keeps chromem from falling back to its default OpenAI embedding function.
func rejectEmbed(context.Context, string) ([]float32, error) {
	return nil, errCallerEmbeds
}

// Options configures a Store.
type Options struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool

	Logger *slog.Logger
}

// Store wraps a chromem-go database holding one collection per embedding space.
// chromem-go is a pure Go, embedded vector database.
type Store struct {
	db      *chromem.DB
	logger  *slog.Logger
	indexes map[knowledge.Space]*Index
	mu      sync.RWMutex
}

// New creates an in-memory Store.
func New() *Store {
	s, _ := Open(Options{})
	return s
}

// Open creates a Store, loading persisted collections from opts.Path.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var (
		db  *chromem.DB
		err error
	)
	if opts.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db at %s: %w", opts.Path, err)
		}
	}
	return &Store{
		db:      db,
		logger:  opts.Logger.With("component", "chromem"),
		indexes: make(map[knowledge.Space]*Index),
	}, nil
}

// Index returns the index for an embedding space, creating its collection on first use.
func (s *Store) Index(space knowledge.Space) (*Index, error) {
	if space.Model == "" || space.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: invalid embedding space %s", knowledge.ErrInvalidArgument, space)
	}

	s.mu.RLock()
	idx, exists := s.indexes[space]
	s.mu.RUnlock()
	if exists {
		return idx, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if idx, exists := s.indexes[space]; exists {
		return idx, nil
	}

	col, err := s.db.GetOrCreateCollection(collectionName(space), map[string]string{
		"model":      space.Model,
		"dimensions": strconv.Itoa(space.Dimensions),
	}, rejectEmbed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	placeholder := make([]float32, space.Dimensions)
	placeholder[0] = 1
	idx = &Index{
		col:         col,
		space:       space,
		placeholder: placeholder,
		logger:      s.logger.With("space", space.String()),
	}
	s.indexes[space] = idx
	return idx, nil
}

// Spaces lists the embedding spaces that hold documents.
func (s *Store) Spaces() []knowledge.Space {
	var spaces []knowledge.Space
	for name, col := range s.db.ListCollections() {
		space, ok := parseCollectionName(name)
		if !ok || col.Count() == 0 {
			continue
		}
		spaces = append(spaces, space)
	}
	sort.Slice(spaces, func(i, j int) bool {
		return spaces[i].String() < spaces[j].String()
	})
	return spaces
}

// Drop deletes every document of a space.
func (s *Store) Drop(space knowledge.Space) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indexes, space)
	if err := s.db.DeleteCollection(collectionName(space)); err != nil {
		return fmt.Errorf("drop %s: %w", space, err)
	}
	return nil
}

// Export writes every collection to a single file, encrypted when key is set
// (32 bytes). It is the disaster-recovery copy of the vectors.
func (s *Store) Export(path string, key string) error {
	if err := s.db.ExportToFile(path, true, key); err != nil {
		return fmt.Errorf("export vectors: %w", err)
	}
	return nil
}

// Import replaces collections with those from an Export file.
func (s *Store) Import(path string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.ImportFromFile(path, key); err != nil {
		return fmt.Errorf("import vectors: %w", err)
	}
	s.indexes = make(map[knowledge.Space]*Index)
	return nil
}

// Close releases resources. Persisted documents are written on every change.
func (s *Store) Close() error {
	return nil
}

func collectionName(space knowledge.Space) string {
	return collectionPrefix + space.Model + ":" + strconv.Itoa(space.Dimensions)
}

func parseCollectionName(name string) (knowledge.Space, bool) {
	if !strings.HasPrefix(name, collectionPrefix) {
		return knowledge.Space{}, false
	}
	rest := strings.TrimPrefix(name, collectionPrefix)
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return knowledge.Space{}, false
	}
	dim, err := strconv.Atoi(rest[i+1:])
	if err != nil || dim <= 0 {
		return knowledge.Space{}, false
	}
	return knowledge.Space{Model: rest[:i], Dimensions: dim}, true
}

// Index is a knowledge.Index over one chromem collection.
type Index struct {
	col         *chromem.Collection
	space       knowledge.Space
	placeholder []float32 // stands in for zero vectors, which chromem cannot normalise
	logger      *slog.Logger

	// mu keeps writes from interleaving with the Count clamp of a query.
	mu sync.RWMutex
}

var _ knowledge.Index = (*Index)(nil)

func (x *Index) Space() knowledge.Space {
	return x.space
}

func (x *Index) Add(ctx context.Context, docs []knowledge.Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(docs))
	stored := make([]chromem.Document, len(docs))
	for i, d := range docs {
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		cd, err := x.toChromem(id, d)
		if err != nil {
			return nil, err
		}
		ids[i] = id
		stored[i] = cd
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.col.AddDocuments(ctx, stored, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("add documents: %w", err)
	}
	x.logger.Debug("stored documents", "count", len(stored))
	return ids, nil
}

func (x *Index) Search(ctx context.Context, embedding []float32, n int, filter map[string]any) ([]knowledge.Match, error) {
	if len(embedding) != x.space.Dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, index %s",
			knowledge.ErrDimensionMismatch, len(embedding), x.space)
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: n must be positive", knowledge.ErrInvalidArgument)
	}
	if knowledge.IsZeroVector(embedding) {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	// chromem-go requires nResults <= collection size
	total := x.col.Count()
	if total == 0 {
		return nil, nil
	}
	if n > total {
		n = total
	}

	where := map[string]string{
		keyZero:  "0",
		keyModel: x.space.Model,
	}
	for k, v := range filter {
		if strings.HasPrefix(k, "_") {
			return nil, fmt.Errorf("%w: filter key %q is reserved", knowledge.ErrInvalidArgument, k)
		}
		where[k] = knowledge.MetadataValue(v)
	}

	results, err := x.col.QueryEmbedding(ctx, embedding, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	matches := make([]knowledge.Match, 0, len(results))
	for i, r := range results {
		if math.IsNaN(float64(r.Similarity)) {
			x.logger.Warn("skipping result with undefined similarity", "id", r.ID)
			continue
		}
		doc, err := x.fromChromem(r.ID, r.Content, r.Metadata, r.Embedding)
		if err != nil {
			x.logger.Warn("skipping result", "rank", i+1, "id", r.ID, "error", err)
			continue
		}
		matches = append(matches, knowledge.Match{
			Document: doc,
			Distance: knowledge.DistanceFromCosine(float64(r.Similarity)),
		})
	}

	// Ties are ordered by id so equal scores always come back the same way.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

func (x *Index) Update(ctx context.Context, doc knowledge.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: id is required", knowledge.ErrInvalidArgument)
	}
	cd, err := x.toChromem(doc.ID, doc)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, err := x.col.GetByID(ctx, doc.ID); err != nil {
		return fmt.Errorf("%w: %s", knowledge.ErrNotFound, doc.ID)
	}
	if err := x.col.AddDocument(ctx, cd); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

func (x *Index) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	// where must be nil: an empty map matches every document
	if err := x.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

func (x *Index) Get(ctx context.Context, id string) (*knowledge.Document, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", knowledge.ErrInvalidArgument)
	}
	cd, err := x.col.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", knowledge.ErrNotFound, id)
	}
	doc, err := x.fromChromem(cd.ID, cd.Content, cd.Metadata, cd.Embedding)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (x *Index) Count() int {
	return x.col.Count()
}

// Scan visits every document in id order.
func (x *Index) Scan(ctx context.Context, fn func(knowledge.Document) error) error {
	x.mu.RLock()
	total := x.col.Count()
	if total == 0 {
		x.mu.RUnlock()
		return nil
	}
	results, err := x.col.QueryEmbedding(ctx, x.placeholder, total, nil, nil)
	x.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("chromem scan: %w", err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	for _, r := range results {
		doc, err := x.fromChromem(r.ID, r.Content, r.Metadata, r.Embedding)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

// toChromem converts a document to storage format.
// Scalar metadata becomes filterable strings; the full map is kept as JSON.
func (x *Index) toChromem(id string, d knowledge.Document) (chromem.Document, error) {
	if len(d.Embedding) != x.space.Dimensions {
		return chromem.Document{}, fmt.Errorf("%w: document %s has %d dimensions, index %s",
			knowledge.ErrDimensionMismatch, id, len(d.Embedding), x.space)
	}
	for _, v := range d.Embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return chromem.Document{}, fmt.Errorf("%w: document %s has a non-finite embedding", knowledge.ErrInvalidArgument, id)
		}
	}

	metadata := make(map[string]string, len(d.Metadata)+3)
	for k, v := range d.Metadata {
		if strings.HasPrefix(k, "_") {
			return chromem.Document{}, fmt.Errorf("%w: metadata key %q is reserved", knowledge.ErrInvalidArgument, k)
		}
		metadata[k] = knowledge.MetadataValue(v)
	}
	raw, err := json.Marshal(d.Metadata)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("%w: metadata of %s: %v", knowledge.ErrInvalidArgument, id, err)
	}
	metadata[keyMeta] = string(raw)
	metadata[keyModel] = x.space.Model

	embedding := make([]float32, len(d.Embedding))
	copy(embedding, d.Embedding)
	metadata[keyZero] = "0"
	if knowledge.IsZeroVector(embedding) {
		metadata[keyZero] = "1"
		copy(embedding, x.placeholder)
	}

	return chromem.Document{
		ID:        id,
		Metadata:  metadata,
		Embedding: embedding,
		Content:   d.Content,
	}, nil
}

// fromChromem converts stored format back to a document.
func (x *Index) fromChromem(id, content string, stored map[string]string, embedding []float32) (knowledge.Document, error) {
	var metadata map[string]any
	if raw, ok := stored[keyMeta]; ok {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return knowledge.Document{}, fmt.Errorf("%w: metadata of %s: %v", knowledge.ErrCorrupt, id, err)
		}
	} else {
		// written without bookkeeping keys; expose the plain strings
		for k, v := range stored {
			if strings.HasPrefix(k, "_") {
				continue
			}
			if metadata == nil {
				metadata = make(map[string]any)
			}
			metadata[k] = v
		}
	}

	vec := make([]float32, x.space.Dimensions)
	if stored[keyZero] != "1" {
		if len(embedding) != x.space.Dimensions {
			return knowledge.Document{}, fmt.Errorf("%w: stored vector of %s has %d dimensions",
				knowledge.ErrCorrupt, id, len(embedding))
		}
		copy(vec, embedding)
	}

	return knowledge.Document{
		ID:        id,
		Content:   content,
		Metadata:  metadata,
		Embedding: vec,
	}, nil
}
