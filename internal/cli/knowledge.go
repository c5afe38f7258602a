package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-knowledge/knowledge"
)

func init() {
	index := &cobra.Command{
		Use:   "index [content]",
		Short: "Index a piece of knowledge",
		Long:  "Index content as an embedding. Content can be a positional arg or piped via stdin. With --batch, index every line of a JSONL file of {id, content, metadata} objects.",
		RunE:  runIndex,
	}
	index.Flags().String("id", "", "Item id (default: generated)")
	index.Flags().String("meta", "", "JSON metadata")
	index.Flags().String("batch", "", "JSONL file to index in batches")
	index.Flags().Int("batch-size", 0, "Texts per embedding batch (default: retrieval.batch_size)")

	search := &cobra.Command{
		Use:   "search [query]",
		Short: "Semantic search",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRetrieve(false),
	}
	similar := &cobra.Command{
		Use:   "similar [content]",
		Short: "Find items similar to a piece of content",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRetrieve(true),
	}
	for _, cmd := range []*cobra.Command{search, similar} {
		cmd.Flags().IntP("limit", "n", 0, "Number of candidates (default: retrieval.n_results)")
		cmd.Flags().Float64P("threshold", "t", 0, "Minimum similarity score")
		cmd.Flags().StringToString("filter", nil, "Metadata filter key=value, repeatable")
		cmd.Flags().Bool("no-cache", false, "Bypass the result cache")
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an indexed item",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	del := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Remove indexed items",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDelete,
	}

	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Re-embed the vectors of a previous model into the current one",
		RunE:  runReindex,
	}
	reindex.Flags().String("from-model", "", "Model of the source vectors (required)")
	reindex.Flags().Int("from-dimension", 0, "Dimension of the source vectors (default: dimension)")
	reindex.Flags().Bool("drop", false, "Drop the source vectors afterwards")
	_ = reindex.MarkFlagRequired("from-model")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		RunE:  runStats,
	}

	RootCmd.AddCommand(index, search, similar, get, del, reindex, stats)
}

func runIndex(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	meta, _ := cmd.Flags().GetString("meta")
	batch, _ := cmd.Flags().GetString("batch")
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	var (
		items   []knowledge.KnowledgeItem
		content string
		err     error
	)
	if batch != "" {
		if items, err = readItems(batch); err != nil {
			return err
		}
	} else {
		if content, err = readContent(cmd, args); err != nil {
			return err
		}
	}
	metadata, err := parseMeta(meta)
	if err != nil {
		return err
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if batch != "" {
		ids, err := a.Knowledge.IndexKnowledgeBatch(cmd.Context(), items, batchSize)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"ids": ids, "count": len(ids)})
	}
	id, err = a.Knowledge.IndexKnowledge(cmd.Context(), content, metadata, id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"id": id})
}

// readItems parses a JSONL file; blank lines are skipped.
func readItems(path string) ([]knowledge.KnowledgeItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var items []knowledge.KnowledgeItem
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var item knowledge.KnowledgeItem
		if err := json.Unmarshal([]byte(text), &item); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		items = append(items, item)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return items, nil
}

func retrieveOptions(cmd *cobra.Command) knowledge.RetrieveOptions {
	limit, _ := cmd.Flags().GetInt("limit")
	filter, _ := cmd.Flags().GetStringToString("filter")
	noCache, _ := cmd.Flags().GetBool("no-cache")

	opts := knowledge.RetrieveOptions{NResults: limit, NoCache: noCache}
	if len(filter) > 0 {
		opts.Filters = make(map[string]any, len(filter))
		for k, v := range filter {
			opts.Filters[k] = v
		}
	}
	if cmd.Flags().Changed("threshold") {
		t, _ := cmd.Flags().GetFloat64("threshold")
		opts.Threshold = knowledge.Threshold(t)
	}
	return opts
}

func runRetrieve(similar bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		opts := retrieveOptions(cmd)

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var results []knowledge.SearchResult
		if similar {
			results, err = a.Knowledge.FindSimilar(cmd.Context(), query, opts)
		} else {
			results, err = a.Knowledge.RetrieveKnowledge(cmd.Context(), query, opts)
		}
		if err != nil {
			return err
		}
		if results == nil {
			results = []knowledge.SearchResult{}
		}
		return printJSON(cmd.OutOrStdout(), results)
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	item, err := a.Knowledge.GetKnowledge(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), item)
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Knowledge.DeleteKnowledge(cmd.Context(), args...); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": args})
}

func runReindex(cmd *cobra.Command, _ []string) error {
	model, _ := cmd.Flags().GetString("from-model")
	dim, _ := cmd.Flags().GetInt("from-dimension")
	drop, _ := cmd.Flags().GetBool("drop")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if dim == 0 {
		dim = a.Config.Dimension
	}
	src, err := a.OpenIndex(model, dim)
	if err != nil {
		return err
	}
	n, err := a.Knowledge.Reindex(cmd.Context(), src)
	if err != nil {
		return err
	}
	if drop {
		if err := a.Vectors.Drop(src.Space()); err != nil {
			return err
		}
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"from":      src.Space().String(),
		"to":        a.Index.Space().String(),
		"reindexed": n,
		"dropped":   drop,
	})
}

func runStats(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	mem, err := a.Storage.Stats(cmd.Context())
	if err != nil {
		return err
	}
	var spaces []string
	for _, s := range a.Vectors.Spaces() {
		spaces = append(spaces, s.String())
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"knowledge": a.Knowledge.Stats(cmd.Context()),
		"spaces":    spaces,
		"storage":   mem,
	})
}
