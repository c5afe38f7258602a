package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef"

func openTest(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "memories.db")
	}
	m, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// fakeBlobs is an in-memory remote backend.
type fakeBlobs struct {
	mu     sync.Mutex
	data   map[string][]byte
	gets   int
	putErr error
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{data: map[string][]byte{}} }

func (f *fakeBlobs) Put(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.data[key] = bytes.Clone(data)
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	b, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	return bytes.Clone(b), nil
}

func (f *fakeBlobs) DeletePrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			delete(f.data, k)
		}
	}
	return nil
}

func (f *fakeBlobs) count() (keys, gets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data), f.gets
}

func ptr[T any](v T) *T { return &v }

func TestSplit(t *testing.T) {
	data := []byte("abcdefghij")
	tests := []struct {
		size int
		want []string
	}{
		{3, []string{"abc", "def", "ghi", "j"}},
		{5, []string{"abcde", "fghij"}},
		{20, []string{"abcdefghij"}},
	}
	for _, tt := range tests {
		got := Split(data, tt.size)
		if len(got) != len(tt.want) {
			t.Fatalf("Split(%d) = %d pieces, want %d", tt.size, len(got), len(tt.want))
		}
		for i := range got {
			if string(got[i]) != tt.want[i] {
				t.Errorf("Split(%d)[%d] = %q, want %q", tt.size, i, got[i], tt.want[i])
			}
		}
	}
	if got := Split(nil, 4); len(got) != 0 {
		t.Errorf("Split(nil) = %d pieces, want 0", len(got))
	}
}

func TestReassemble_Gap(t *testing.T) {
	identity := func(b []byte) ([]byte, error) { return b, nil }
	chunks := []Chunk{{SequenceIndex: 0, Payload: []byte("a")}, {SequenceIndex: 2, Payload: []byte("c")}}
	if _, err := Reassemble(chunks, 2, identity); !errors.Is(err, ErrCorrupt) {
		t.Errorf("gap: err = %v, want ErrCorrupt", err)
	}
	if _, err := Reassemble(chunks[:1], 2, identity); !errors.Is(err, ErrCorrupt) {
		t.Errorf("short: err = %v, want ErrCorrupt", err)
	}
}

func TestCreate_SmallIsInline(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, Options{})

	mem, err := m.Create(ctx, "short note", CreateOptions{Title: "note", Metadata: map[string]any{"topic": "misc"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if mem.Mode != ModeInline || mem.ChunkCount != 0 {
		t.Errorf("mode = %s chunks = %d, want inline 0", mem.Mode, mem.ChunkCount)
	}
	got, err := m.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "short note" || got.Title != "note" || got.Metadata["topic"] != "misc" {
		t.Errorf("Get = %+v", got)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func TestCreate_Chunked(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, Options{})
	if err := m.ConfigureChunking(ctx, ChunkingConfig{Enabled: true, ChunkSize: 10, MaxChunks: 5}); err != nil {
		t.Fatalf("ConfigureChunking: %v", err)
	}

	content := strings.Repeat("abcdefghij", 4) + "tail!"
	mem, err := m.Create(ctx, content, CreateOptions{Compress: ptr(true)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if mem.Mode != ModeChunked || mem.ChunkCount != 5 || !mem.Compressed {
		t.Fatalf("mode = %s chunks = %d compressed = %v, want chunked 5 true", mem.Mode, mem.ChunkCount, mem.Compressed)
	}

	got, err := m.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != content {
		t.Errorf("content = %q, want %q", got.Content, content)
	}

	last, err := m.ReadChunk(ctx, mem.ID, 4)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if string(last) != "tail!" {
		t.Errorf("last chunk = %q, want %q", last, "tail!")
	}
	if _, err := m.ReadChunk(ctx, mem.ID, 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadChunk(5) err = %v, want ErrNotFound", err)
	}
}

func TestCreate_ChunkingDisabledStoresInline(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, Options{})

	// well past chunk_size*max_chunks
	content := strings.Repeat("0123456789abcdef", 5<<20/16)
	mem, err := m.Create(ctx, content, CreateOptions{EnableChunking: ptr(false)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if mem.Mode != ModeInline || mem.ChunkCount != 0 {
		t.Fatalf("mode = %s chunks = %d, want inline 0", mem.Mode, mem.ChunkCount)
	}
	got, err := m.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != content {
		t.Error("large inline content did not round trip")
	}

	if _, err := m.Create(ctx, content, CreateOptions{}); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Create without override: err = %v, want ErrTooLarge", err)
	}
}

func TestGet_MissingChunkIsCorrupt(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, Options{Chunking: ChunkingConfig{Enabled: true, ChunkSize: 4, MaxChunks: 10}})

	mem, err := m.Create(ctx, "aaaabbbbccccdd", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if mem.ChunkCount != 4 {
		t.Fatalf("chunks = %d, want 4", mem.ChunkCount)
	}
	if _, err := m.db.ExecContext(ctx,
		"DELETE FROM memory_chunks WHERE memory_id = ? AND sequence_index = 1", mem.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Get(ctx, mem.ID); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Get err = %v, want ErrCorrupt", err)
	}
	if _, err := m.ReadChunk(ctx, mem.ID, 1); !errors.Is(err, ErrCorrupt) {
		t.Errorf("ReadChunk err = %v, want ErrCorrupt", err)
	}
	if b, err := m.ReadChunk(ctx, mem.ID, 2); err != nil || string(b) != "cccc" {
		t.Errorf("ReadChunk(2) = %q, %v", b, err)
	}
}

func TestHybrid_Local(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	local, err := NewLocalBlobs(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	m := openTest(t, Options{
		Path:     filepath.Join(dir, "memories.db"),
		Blobs:    map[string]BlobStore{LocalBackend: local},
		Chunking: ChunkingConfig{Enabled: true, ChunkSize: 10, MaxChunks: 2},
	})
	if err := m.ConfigureHybrid(ctx, HybridConfig{
		Enabled: true, Backends: []string{LocalBackend}, CacheSize: 4, Compression: true, PartSize: 16,
	}); err != nil {
		t.Fatalf("ConfigureHybrid: %v", err)
	}

	content := strings.Repeat("0123456789", 10)
	mem, err := m.Create(ctx, content, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if mem.Mode != ModeHybridLocal || mem.PartCount != 7 || mem.Backend != LocalBackend {
		t.Fatalf("got %s/%s parts=%d, want hybrid-local/local parts=7", mem.Mode, mem.Backend, mem.PartCount)
	}
	got, err := m.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != content {
		t.Errorf("content = %q", got.Content)
	}

	if err := m.Delete(ctx, mem.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "blobs", mem.ID)); !os.IsNotExist(err) {
		t.Errorf("parts left behind: %v", err)
	}
	if err := m.Delete(ctx, mem.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestHybrid_RemoteEncrypted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	local, err := NewLocalBlobs(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	remote := newFakeBlobs()
	m := openTest(t, Options{
		Path:          filepath.Join(dir, "memories.db"),
		Blobs:         map[string]BlobStore{LocalBackend: local, "s3": remote},
		EncryptionKey: testKey,
		Chunking:      ChunkingConfig{Enabled: true, ChunkSize: 10, MaxChunks: 2},
	})
	if err := m.ConfigureHybrid(ctx, HybridConfig{
		Enabled: true, Backends: []string{LocalBackend, "s3"}, CacheSize: 16,
		Encryption: true, PartSize: 16, RemoteThreshold: 50,
	}); err != nil {
		t.Fatalf("ConfigureHybrid: %v", err)
	}

	small, err := m.Create(ctx, strings.Repeat("s", 30), CreateOptions{})
	if err != nil {
		t.Fatalf("Create small: %v", err)
	}
	if small.Mode != ModeHybridLocal {
		t.Errorf("30 bytes: mode = %s, want hybrid-local", small.Mode)
	}

	content := strings.Repeat("secret-", 20)
	mem, err := m.Create(ctx, content, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if mem.Mode != ModeHybridRemote || !mem.Encrypted {
		t.Fatalf("mode = %s encrypted = %v, want hybrid-remote true", mem.Mode, mem.Encrypted)
	}
	remote.mu.Lock()
	for k, v := range remote.data {
		if bytes.Contains(v, []byte("secret")) {
			t.Errorf("part %s stored in plaintext", k)
		}
	}
	remote.mu.Unlock()

	for range 2 {
		got, err := m.Get(ctx, mem.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Content != content {
			t.Fatalf("content = %q", got.Content)
		}
	}
	if _, gets := remote.count(); gets != mem.PartCount {
		t.Errorf("remote gets = %d, want %d (second read cached)", gets, mem.PartCount)
	}

	other, err := m.Create(ctx, strings.Repeat("x", 60), CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = remote.DeletePrefix(ctx, partKey(other.BlobPrefix, 1))
	if _, err := m.Get(ctx, other.ID); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Get with missing part err = %v, want ErrCorrupt", err)
	}

	if err := m.Delete(ctx, mem.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for k := range remote.data {
		if strings.HasPrefix(k, mem.BlobPrefix+"/") {
			t.Errorf("part %s left behind", k)
		}
	}
}

func TestConfigureHybrid_Validation(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, Options{})

	err := m.ConfigureHybrid(ctx, HybridConfig{Enabled: true, Backends: []string{"s3"}, CacheSize: 4})
	if !errors.Is(err, ErrConfig) {
		t.Errorf("unknown backend: err = %v, want ErrConfig", err)
	}
	m.blobs[LocalBackend] = newFakeBlobs()
	err = m.ConfigureHybrid(ctx, HybridConfig{Enabled: true, Backends: []string{LocalBackend}, CacheSize: 4, Encryption: true})
	if !errors.Is(err, ErrConfig) {
		t.Errorf("encryption without key: err = %v, want ErrConfig", err)
	}
	if err := m.ConfigureChunking(ctx, ChunkingConfig{ChunkSize: 0, MaxChunks: 0}); !errors.Is(err, ErrConfig) {
		t.Errorf("zero chunk size: err = %v, want ErrConfig", err)
	}
}

func TestSettings_PersistAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memories.db")

	m, err := Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := ChunkingConfig{Enabled: false, ChunkSize: 2048, MaxChunks: 7}
	if err := m.ConfigureChunking(ctx, want); err != nil {
		t.Fatalf("ConfigureChunking: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// seed options lose to persisted settings
	m2 := openTest(t, Options{Path: path, Chunking: DefaultChunking})
	if got := m2.Chunking(); got != want {
		t.Errorf("Chunking = %+v, want %+v", got, want)
	}
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, Options{
		Blobs:    map[string]BlobStore{LocalBackend: newFakeBlobs()},
		Chunking: ChunkingConfig{Enabled: false, ChunkSize: 8, MaxChunks: 10},
	})
	content := "the quick brown fox jumps"
	mem, err := m.Create(ctx, content, CreateOptions{Title: "fox"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if mem.Mode != ModeInline {
		t.Fatalf("mode = %s, want inline with chunking disabled", mem.Mode)
	}

	for _, to := range []Mode{ModeChunked, ModeHybridLocal, ModeInline} {
		got, err := m.Migrate(ctx, mem.ID, to)
		if err != nil {
			t.Fatalf("Migrate(%s): %v", to, err)
		}
		if got.Mode != to {
			t.Errorf("Migrate(%s) mode = %s", to, got.Mode)
		}
		back, err := m.Get(ctx, mem.ID)
		if err != nil {
			t.Fatalf("Get after %s: %v", to, err)
		}
		if back.Content != content || back.Title != "fox" || !back.CreatedAt.Equal(mem.CreatedAt) {
			t.Errorf("after %s: %+v", to, back)
		}
	}

	if _, err := m.Migrate(ctx, mem.ID, ModeHybridRemote); !errors.Is(err, ErrConfig) {
		t.Errorf("Migrate to unconfigured remote: err = %v, want ErrConfig", err)
	}
	if _, err := m.Migrate(ctx, mem.ID, Mode("tape")); !errors.Is(err, ErrConfig) {
		t.Errorf("Migrate to unknown mode: err = %v, want ErrConfig", err)
	}
}

func TestSearchListStats(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, Options{Chunking: ChunkingConfig{Enabled: true, ChunkSize: 16, MaxChunks: 10}})

	rocket, err := m.Create(ctx, "rocket launch schedule for the next quarter", CreateOptions{Title: "launches"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, "apples, oranges", CreateOptions{Title: "fruit"}); err != nil {
		t.Fatal(err)
	}

	hits, err := m.Search(ctx, "Rocket?", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != rocket.ID {
		t.Fatalf("hits = %+v, want only %s", hits, rocket.ID)
	}
	if hits[0].Score <= 0 || hits[0].Score > 1 {
		t.Errorf("score = %v, want (0, 1]", hits[0].Score)
	}
	if hits, _ := m.Search(ctx, "  ", 5); hits != nil {
		t.Errorf("blank query hits = %+v", hits)
	}

	list, err := m.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Content != "" {
		t.Errorf("List = %+v", list)
	}

	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Memories != 2 || st.ByMode[ModeChunked] != 1 || st.ByMode[ModeInline] != 1 || st.Chunks != 3 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestDeriveKeyAndSeal(t *testing.T) {
	for _, in := range []string{
		testKey,
		strings.Repeat("ab", 32),
		"MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=",
	} {
		k, err := DeriveKey(in)
		if err != nil || len(k) != 32 {
			t.Errorf("DeriveKey(%q) = %d bytes, %v", in, len(k), err)
		}
	}
	if _, err := DeriveKey("short"); err == nil {
		t.Error("DeriveKey(short) succeeded")
	}

	key := []byte(testKey)
	sealed, err := seal(key, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := open(key, sealed)
	if err != nil || string(plain) != "payload" {
		t.Errorf("open = %q, %v", plain, err)
	}
	if _, err := open([]byte(strings.Repeat("z", 32)), sealed); err == nil {
		t.Error("open with wrong key succeeded")
	}
}

func TestCreate_FailedReplaceKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	local, err := NewLocalBlobs(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	remote := newFakeBlobs()
	m := openTest(t, Options{
		Path:     filepath.Join(dir, "memories.db"),
		Blobs:    map[string]BlobStore{LocalBackend: local, "s3": remote},
		Chunking: ChunkingConfig{Enabled: true, ChunkSize: 10, MaxChunks: 2},
	})
	if err := m.ConfigureHybrid(ctx, HybridConfig{
		Enabled: true, Backends: []string{LocalBackend, "s3"}, CacheSize: 4,
		PartSize: 16, RemoteThreshold: 10,
	}); err != nil {
		t.Fatalf("ConfigureHybrid: %v", err)
	}

	original := strings.Repeat("first version ", 5)
	mem, err := m.Create(ctx, original, CreateOptions{ID: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if mem.Mode != ModeHybridRemote {
		t.Fatalf("mode = %s, want hybrid-remote", mem.Mode)
	}

	remote.mu.Lock()
	remote.putErr = errors.New("backend down")
	remote.mu.Unlock()
	if _, err := m.Create(ctx, strings.Repeat("second version ", 5), CreateOptions{ID: "x"}); err == nil {
		t.Fatal("replace with a failing backend succeeded")
	}
	got, err := m.Get(ctx, "x")
	if err != nil {
		t.Fatalf("Get after failed replace: %v", err)
	}
	if got.Content != original {
		t.Errorf("content = %q, want the original", got.Content)
	}

	remote.mu.Lock()
	remote.putErr = nil
	remote.mu.Unlock()
	replaced, err := m.Create(ctx, strings.Repeat("third version ", 5), CreateOptions{ID: "x"})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if replaced.BlobPrefix == mem.BlobPrefix {
		t.Errorf("replacement reused blob prefix %q", mem.BlobPrefix)
	}
	remote.mu.Lock()
	for k := range remote.data {
		if strings.HasPrefix(k, mem.BlobPrefix+"/") {
			t.Errorf("part %s of the replaced version left behind", k)
		}
	}
	remote.mu.Unlock()
}

func TestHybrid_NestedIDsKeepSeparateParts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	local, err := NewLocalBlobs(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	m := openTest(t, Options{
		Path:     filepath.Join(dir, "memories.db"),
		Blobs:    map[string]BlobStore{LocalBackend: local},
		Chunking: ChunkingConfig{Enabled: true, ChunkSize: 10, MaxChunks: 2},
	})
	if err := m.ConfigureHybrid(ctx, HybridConfig{
		Enabled: true, Backends: []string{LocalBackend}, CacheSize: 4, PartSize: 16,
	}); err != nil {
		t.Fatalf("ConfigureHybrid: %v", err)
	}

	content := strings.Repeat("nested parts ", 4)
	for _, id := range []string{"a", "a/b"} {
		mem, err := m.Create(ctx, content, CreateOptions{ID: id})
		if err != nil {
			t.Fatalf("Create(%q): %v", id, err)
		}
		if mem.Mode != ModeHybridLocal {
			t.Fatalf("Create(%q) mode = %s, want hybrid-local", id, mem.Mode)
		}
	}
	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := m.Get(ctx, "a/b")
	if err != nil {
		t.Fatalf("Get(a/b) after deleting a: %v", err)
	}
	if got.Content != content {
		t.Errorf("content = %q", got.Content)
	}
}

func TestCreate_RejectsInvalidIDs(t *testing.T) {
	m := openTest(t, Options{})
	for _, id := range []string{".", "..", " padded", "line\nbreak"} {
		if _, err := m.Create(context.Background(), "x", CreateOptions{ID: id}); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Create(%q) err = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestOpen_ForeignKeysOnEveryConnection(t *testing.T) {
	m := openTest(t, Options{})
	// a fresh connection must still enforce foreign keys
	m.db.SetMaxIdleConns(0)
	for range 2 {
		var on int
		if err := m.db.QueryRowContext(context.Background(), "PRAGMA foreign_keys").Scan(&on); err != nil {
			t.Fatal(err)
		}
		if on != 1 {
			t.Fatalf("foreign_keys = %d, want 1", on)
		}
	}
}

func TestChunkRoundTrip(t *testing.T) {
	m := openTest(t, Options{EncryptionKey: testKey})
	// multibyte runes so most sizes split mid-rune
	data := []byte(strings.Repeat("héllo wörld 日本語 🚀 ", 3))

	for _, compress := range []bool{false, true} {
		for _, encrypt := range []bool{false, true} {
			for size := 1; size <= len(data)+1; size++ {
				pieces := Split(data, size)
				chunks := make([]Chunk, len(pieces))
				for i, p := range pieces {
					enc, err := m.encode(p, compress, encrypt)
					if err != nil {
						t.Fatalf("encode: %v", err)
					}
					chunks[i] = Chunk{SequenceIndex: i, Payload: enc}
				}
				got, err := Reassemble(chunks, len(chunks), func(p []byte) ([]byte, error) {
					return m.decode(p, compress, encrypt)
				})
				if err != nil {
					t.Fatalf("size=%d compress=%v encrypt=%v: %v", size, compress, encrypt, err)
				}
				if !bytes.Equal(got, data) {
					t.Fatalf("size=%d compress=%v encrypt=%v: content differs", size, compress, encrypt)
				}
			}
		}
	}
}
