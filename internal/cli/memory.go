package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-knowledge/storage"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Store and read large documents",
}

func init() {
	put := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a document",
		Long:  "Store a document. Content can be a positional arg or piped via stdin.",
		RunE:  runMemoryPut,
	}
	put.Flags().String("id", "", "Memory id; replaces an existing memory")
	put.Flags().StringP("title", "t", "", "Title, searchable by keyword")
	put.Flags().String("meta", "", "JSON metadata")
	put.Flags().Bool("no-chunking", false, "Store the content whole at any size")
	put.Flags().Bool("compress", false, "Compress chunks and parts")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Print a document",
		Args:  cobra.ExactArgs(1),
		RunE:  runMemoryGet,
	}
	get.Flags().Bool("raw", false, "Print only the content")
	get.Flags().Int("chunk", -1, "Print one chunk or part by sequence index")

	migrate := &cobra.Command{
		Use:   "migrate <id> <mode>",
		Short: "Move a document to inline, chunked, hybrid-local or hybrid-remote storage",
		Args:  cobra.ExactArgs(2),
		RunE:  runMemoryMigrate,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List documents, newest first",
		RunE:  runMemoryList,
	}
	list.Flags().IntP("limit", "l", 50, "Max results")
	list.Flags().Int("offset", 0, "Skip this many")

	search := &cobra.Command{
		Use:   "search [query]",
		Short: "Keyword search over titles and content",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMemorySearch,
	}
	search.Flags().IntP("limit", "l", 10, "Max results")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE:  runMemoryDelete,
	}

	settings := &cobra.Command{
		Use:   "settings",
		Short: "Show or change chunking and hybrid storage settings",
		RunE:  runMemorySettings,
	}
	settings.Flags().String("chunking", "", "on or off")
	settings.Flags().Int("chunk-size", 0, "Chunk size in bytes")
	settings.Flags().Int("max-chunks", 0, "Maximum chunks per document")
	settings.Flags().String("hybrid", "", "on or off")

	memoryCmd.AddCommand(put, get, migrate, list, search, del, settings)
	RootCmd.AddCommand(memoryCmd)
}

func runMemoryPut(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	title, _ := cmd.Flags().GetString("title")
	meta, _ := cmd.Flags().GetString("meta")

	content, err := readContent(cmd, args)
	if err != nil {
		return err
	}
	metadata, err := parseMeta(meta)
	if err != nil {
		return err
	}
	opts := storage.CreateOptions{ID: id, Title: title, Metadata: metadata}
	if cmd.Flags().Changed("no-chunking") {
		off, _ := cmd.Flags().GetBool("no-chunking")
		on := !off
		opts.EnableChunking = &on
	}
	if cmd.Flags().Changed("compress") {
		c, _ := cmd.Flags().GetBool("compress")
		opts.Compress = &c
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	mem, err := a.Storage.Create(cmd.Context(), content, opts)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), mem)
}

func runMemoryGet(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetBool("raw")
	chunk, _ := cmd.Flags().GetInt("chunk")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if chunk >= 0 {
		b, err := a.Storage.ReadChunk(cmd.Context(), args[0], chunk)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	}
	mem, err := a.Storage.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if raw {
		_, err = fmt.Fprint(cmd.OutOrStdout(), mem.Content)
		return err
	}
	return printJSON(cmd.OutOrStdout(), mem)
}

func runMemoryMigrate(cmd *cobra.Command, args []string) error {
	mode := storage.Mode(args[1])
	if !mode.Valid() {
		return fmt.Errorf("unknown mode %q", args[1])
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	mem, err := a.Storage.Migrate(cmd.Context(), args[0], mode)
	if err != nil {
		return err
	}
	mem.Content = ""
	return printJSON(cmd.OutOrStdout(), mem)
}

func runMemoryList(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	mems, err := a.Storage.List(cmd.Context(), limit, offset)
	if err != nil {
		return err
	}
	if mems == nil {
		mems = []storage.Memory{}
	}
	return printJSON(cmd.OutOrStdout(), mems)
}

func runMemorySearch(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	hits, err := a.Storage.Search(cmd.Context(), strings.Join(args, " "), limit)
	if err != nil {
		return err
	}
	if hits == nil {
		hits = []storage.SearchHit{}
	}
	return printJSON(cmd.OutOrStdout(), hits)
}

func runMemoryDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Storage.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": args[0]})
}

func runMemorySettings(cmd *cobra.Command, _ []string) error {
	chunking, _ := cmd.Flags().GetString("chunking")
	hybrid, _ := cmd.Flags().GetString("hybrid")
	chunkSize, _ := cmd.Flags().GetInt("chunk-size")
	maxChunks, _ := cmd.Flags().GetInt("max-chunks")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	m := a.Storage

	if chunkSize > 0 || maxChunks > 0 {
		c := m.Chunking()
		if chunkSize > 0 {
			c.ChunkSize = chunkSize
		}
		if maxChunks > 0 {
			c.MaxChunks = maxChunks
		}
		if err := m.ConfigureChunking(ctx, c); err != nil {
			return err
		}
	}
	if err := toggle(chunking, func() error { return m.EnableChunking(ctx) }, func() error { return m.DisableChunking(ctx) }); err != nil {
		return fmt.Errorf("--chunking: %w", err)
	}
	if err := toggle(hybrid, func() error { return m.EnableHybrid(ctx) }, func() error { return m.DisableHybrid(ctx) }); err != nil {
		return fmt.Errorf("--hybrid: %w", err)
	}

	return printJSON(cmd.OutOrStdout(), map[string]any{
		"chunking": m.Chunking(),
		"hybrid":   m.Hybrid(),
	})
}

func toggle(v string, on, off func() error) error {
	switch v {
	case "":
		return nil
	case "on":
		return on()
	case "off":
		return off()
	default:
		return fmt.Errorf("want on or off, got %q", v)
	}
}
