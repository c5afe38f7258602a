// Package cli implements the nimk commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-knowledge/config"
	"github.com/becomeliminal/nim-knowledge/internal/app"
)

var (
	configPath string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "nimk",
	Short:         "Semantic knowledge retrieval and document storage",
	Long:          "nimk indexes text as embeddings, answers similarity queries and stores large documents in chunked or hybrid storage.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $NIMK_CONFIG, or built-in defaults)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level: debug, info, warn, error")
}

// Execute runs the root command and reports errors on stderr.
func Execute(ctx context.Context) int {
	if err := RootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("NIMK_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openApp loads the configuration and wires the application. Logs go to
// stderr so stdout stays machine-readable.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cfg, app.NewLogger(cfg.Log, cmd.ErrOrStderr()))
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// readContent takes content from args, or from stdin when it is piped.
func readContent(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", fmt.Errorf("content is required (positional arg or stdin)")
		}
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

// parseMeta decodes a JSON object flag.
func parseMeta(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("invalid --meta JSON: %w", err)
	}
	return m, nil
}
