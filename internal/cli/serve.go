package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-knowledge/internal/app"
	"github.com/becomeliminal/nim-knowledge/tools"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the knowledge and storage tools over MCP on stdio",
		RunE:  runServe,
	}
	cmd.Flags().String("metrics-addr", "", "Expose Prometheus metrics on this address, e.g. :9090")
	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	ctx := cmd.Context()

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if metricsAddr != "" {
		stop, err := serveMetrics(a, metricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	s, err := tools.NewMCPServer(a.Tools, app.Name, app.Version)
	if err != nil {
		return err
	}
	a.Logger.Info("serving MCP on stdio", "component", "cli", "tools", len(a.Tools.Definitions()))

	err = server.NewStdioServer(s).Listen(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveMetrics starts the /metrics listener and returns its shutdown.
func serveMetrics(a *app.App, addr string) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	go func() {
		a.Logger.Info("metrics listening", "component", "cli", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("metrics serve error", "component", "cli", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
