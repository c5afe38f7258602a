package tools

import (
	"context"
	"encoding/json"

	"github.com/becomeliminal/nim-knowledge/storage"
)

// MemoryStore is the part of storage.Manager the tools call.
type MemoryStore interface {
	Create(ctx context.Context, content string, opts storage.CreateOptions) (*storage.Memory, error)
	Get(ctx context.Context, id string) (*storage.Memory, error)
	Chunking() storage.ChunkingConfig
	Hybrid() storage.HybridConfig
	ConfigureChunking(ctx context.Context, c storage.ChunkingConfig) error
	ConfigureHybrid(ctx context.Context, c storage.HybridConfig) error
	Migrate(ctx context.Context, id string, to storage.Mode) (*storage.Memory, error)
}

type storeInput struct {
	BaseInput
	Content        string         `json:"content"`
	Title          string         `json:"title"`
	Metadata       map[string]any `json:"metadata"`
	ID             string         `json:"id"`
	EnableChunking *bool          `json:"enable_chunking"`
	Compress       *bool          `json:"compress"`
}

type getInput struct {
	BaseInput
	ID string `json:"id"`
}

type migrateInput struct {
	BaseInput
	ID   string `json:"id"`
	Mode string `json:"mode"`
}

// Unset fields keep their current value.
type chunkingInput struct {
	BaseInput
	Enabled   *bool `json:"enabled"`
	ChunkSize *int  `json:"chunk_size"`
	MaxChunks *int  `json:"max_chunks"`
}

type hybridInput struct {
	BaseInput
	Enabled     *bool    `json:"enabled"`
	Backends    []string `json:"backends"`
	CacheSize   *int     `json:"cache_size"`
	Compression *bool    `json:"compression"`
	Encryption  *bool    `json:"encryption"`
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// RegisterStorageTools registers store_memory, get_memory, migrate_memory,
// configure_chunking and configure_hybrid_storage.
func RegisterStorageTools(r *Registry, store MemoryStore) error {
	tools := []struct {
		def     Definition
		handler Handler
	}{
		{
			def: Definition{
				Name:        "store_memory",
				Description: "Store a document. Large content is chunked or routed to blob storage according to the storage settings; enable_chunking=false keeps it whole at any size.",
				InputSchema: BuildSchemaWithThought(Schema{
					"content":         StringProperty("Document content"),
					"title":           StringProperty("Optional title, searchable by keyword"),
					"metadata":        MetadataProperty("Optional metadata"),
					"id":              StringProperty("Optional id; replaces an existing memory with the same id"),
					"enable_chunking": BooleanProperty("Override the chunking setting; false stores the content whole"),
					"compress":        BooleanProperty("Override the compression setting"),
				}, true, "content"),
			},
			handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
				in, err := decodeInput[storeInput](raw)
				if err != nil {
					return nil, err
				}
				if err := required("content", in.Content); err != nil {
					return nil, err
				}
				mem, err := store.Create(ctx, in.Content, storage.CreateOptions{
					ID:             in.ID,
					Title:          in.Title,
					Metadata:       in.Metadata,
					EnableChunking: in.EnableChunking,
					Compress:       in.Compress,
				})
				if err != nil {
					return nil, err
				}
				return success(mem), nil
			},
		},
		{
			def: Definition{
				Name:        "get_memory",
				Description: "Read a stored document with its full content.",
				InputSchema: BuildSchemaWithThought(Schema{
					"id": StringProperty("Memory id"),
				}, false, "id"),
				ReadOnly: true,
			},
			handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
				in, err := decodeInput[getInput](raw)
				if err != nil {
					return nil, err
				}
				if err := required("id", in.ID); err != nil {
					return nil, err
				}
				mem, err := store.Get(ctx, in.ID)
				if err != nil {
					return nil, err
				}
				return success(mem), nil
			},
		},
		{
			def: Definition{
				Name:        "migrate_memory",
				Description: "Move a stored document to another storage mode. Content is preserved.",
				InputSchema: BuildSchemaWithThought(Schema{
					"id": StringProperty("Memory id"),
					"mode": StringEnumProperty("Target storage mode",
						string(storage.ModeInline), string(storage.ModeChunked),
						string(storage.ModeHybridLocal), string(storage.ModeHybridRemote)),
				}, true, "id", "mode"),
			},
			handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
				in, err := decodeInput[migrateInput](raw)
				if err != nil {
					return nil, err
				}
				if err := required("id", in.ID); err != nil {
					return nil, err
				}
				if err := required("mode", in.Mode); err != nil {
					return nil, err
				}
				mem, err := store.Migrate(ctx, in.ID, storage.Mode(in.Mode))
				if err != nil {
					return nil, err
				}
				// the content was only needed to move it
				mem.Content = ""
				return success(mem), nil
			},
		},
		{
			def: Definition{
				Name:        "configure_chunking",
				Description: "Change how large documents are split. Applies to documents stored afterwards.",
				InputSchema: BuildSchemaWithThought(Schema{
					"enabled":    BooleanProperty("Split documents of at least chunk_size bytes"),
					"chunk_size": IntegerProperty("Maximum bytes per chunk (default 10000)", 1),
					"max_chunks": IntegerProperty("Maximum chunks per document (default 100)", 1),
				}, true),
			},
			handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
				in, err := decodeInput[chunkingInput](raw)
				if err != nil {
					return nil, err
				}
				c := store.Chunking()
				set(&c.Enabled, in.Enabled)
				set(&c.ChunkSize, in.ChunkSize)
				set(&c.MaxChunks, in.MaxChunks)
				if err := store.ConfigureChunking(ctx, c); err != nil {
					return nil, err
				}
				return success(c), nil
			},
		},
		{
			def: Definition{
				Name:        "configure_hybrid_storage",
				Description: "Change where documents too large to chunk are stored.",
				InputSchema: BuildSchemaWithThought(Schema{
					"enabled":     BooleanProperty("Route oversized documents to blob backends"),
					"backends":    ArrayProperty("Backends to use, e.g. local, s3", StringProperty("Backend name")),
					"cache_size":  IntegerProperty("Remote parts kept in memory", 1),
					"compression": BooleanProperty("Compress parts"),
					"encryption":  BooleanProperty("Encrypt parts with AES-256-GCM"),
				}, true),
			},
			handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
				in, err := decodeInput[hybridInput](raw)
				if err != nil {
					return nil, err
				}
				c := store.Hybrid()
				set(&c.Enabled, in.Enabled)
				set(&c.CacheSize, in.CacheSize)
				set(&c.Compression, in.Compression)
				set(&c.Encryption, in.Encryption)
				if in.Backends != nil {
					c.Backends = in.Backends
				}
				if err := store.ConfigureHybrid(ctx, c); err != nil {
					return nil, err
				}
				return success(c), nil
			},
		},
	}

	for _, t := range tools {
		if err := r.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}
