// Command mcpregctl manages the external tool server registry from the
// terminal: list configured servers, connect and health-check them in bulk,
// refresh capability caches, and serve the local management API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lorekeep/mcp-server-registry-go/internal/api"
	"github.com/lorekeep/mcp-server-registry-go/internal/settings"
	mcppolicy "github.com/lorekeep/mcp-server-registry-go/pkg/mcp-policy"
	"github.com/lorekeep/mcp-server-registry-go/pkg/mcpcache"
	"github.com/lorekeep/mcp-server-registry-go/pkg/mcpreg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var settingsPath string
	var verbose bool

	root := &cobra.Command{
		Use:           "mcpregctl",
		Short:         "Manage external MCP tool servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&settingsPath, "settings", defaultSettingsPath(), "settings file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log JSON-RPC traffic and debug details")

	env := &cmdEnv{settingsPath: &settingsPath, verbose: &verbose}
	root.AddCommand(
		newServersCmd(env),
		newConnectCmd(env),
		newHealthCmd(env),
		newRefreshCmd(env),
		newToolsCmd(env),
		newServeCmd(env),
	)
	return root
}

type cmdEnv struct {
	settingsPath *string
	verbose      *bool
}

// buildRegistry wires settings, policy, and descriptors into a ready registry.
// The caller owns Close.
func (e *cmdEnv) buildRegistry() (*mcpreg.Registry, error) {
	level := slog.LevelInfo
	if *e.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store, err := settings.NewViperStore(*e.settingsPath)
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	descs, err := settings.LoadServers(store)
	if err != nil {
		return nil, fmt.Errorf("load servers: %w", err)
	}

	registry := mcpreg.NewRegistry(&mcpreg.Options{
		Logger:    logger,
		Policy:    settings.LoadPolicy(store),
		Disabled:  !settings.Enabled(store),
		BuiltinID: settings.BuiltinServerID,
		LogRPC:    *e.verbose,
	})
	for _, desc := range descs {
		if err := registry.AddServer(desc); err != nil {
			return nil, err
		}
	}
	settings.ForwardStatusEvents(registry, settings.LogEvents{Logger: logger})
	return registry, nil
}

func newServersCmd(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured servers and their connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := env.buildRegistry()
			if err != nil {
				return err
			}
			defer registry.Close(cmd.Context())
			for _, s := range registry.Summaries() {
				marker := " "
				if s.Builtin {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-24s %-16s %s\n", marker, s.ID, s.Transport, s.Status.State)
			}
			return nil
		},
	}
}

func newConnectCmd(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "connect [server-id]",
		Short: "Connect every configured server, or one by id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := env.buildRegistry()
			if err != nil {
				return err
			}
			defer registry.Close(cmd.Context())
			if len(args) == 1 {
				if err := registry.Connect(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: connected\n", args[0])
				return nil
			}
			result, err := registry.ConnectAll(cmd.Context())
			if err != nil {
				return err
			}
			return printBulk(cmd, result)
		},
	}
}

func newHealthCmd(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Connect and probe every server, reporting per-server results",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := env.buildRegistry()
			if err != nil {
				return err
			}
			defer registry.Close(cmd.Context())
			result, err := registry.HealthCheck(cmd.Context())
			if err != nil {
				return err
			}
			return printBulk(cmd, result)
		},
	}
}

func newRefreshCmd(env *cmdEnv) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Force-refresh cached capability lists on every server",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := env.buildRegistry()
			if err != nil {
				return err
			}
			defer registry.Close(cmd.Context())
			result, err := registry.RefreshAll(cmd.Context(), mcpcache.Kind(kind))
			if err != nil {
				return err
			}
			return printBulk(cmd, result)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(mcpcache.KindTools), "capability kind: tools, prompts, or resources")
	return cmd
}

func newToolsCmd(env *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the policy-filtered tool catalog from the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := env.buildRegistry()
			if err != nil {
				return err
			}
			defer registry.Close(cmd.Context())
			if _, err := registry.RefreshAll(cmd.Context(), mcpcache.KindTools); err != nil {
				return err
			}
			for _, tool := range registry.AdvertisedTools() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", mcppolicy.DisplayName(tool.Name), tool.Description)
			}
			return nil
		},
	}
}

func newServeCmd(env *cmdEnv) *cobra.Command {
	var addr string
	var autoConnect bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local management API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := env.buildRegistry()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer registry.Close(context.Background())

			if autoConnect {
				notifier := settings.LogNotifier{}
				result, err := registry.ConnectAll(ctx)
				if err != nil {
					// A disabled backend still serves the API; every
					// endpoint reports 503 until it is re-enabled.
					settings.NotifyOperationResult(notifier, "connect tool servers", err)
				}
				for _, outcome := range result.Failed {
					slog.Warn("autoconnect failed", "server", outcome.ServerID, "error", outcome.Error)
				}
			}
			server, err := api.NewServer(registry, &api.Options{Addr: addr})
			if err != nil {
				return err
			}
			slog.Info("management API listening", "addr", addr)
			if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8790", "listen address")
	cmd.Flags().BoolVar(&autoConnect, "auto-connect", true, "dial every configured server on startup")
	return cmd
}

// printBulk writes per-server outcomes and exits nonzero on partial failure
// without collapsing the successes.
func printBulk(cmd *cobra.Command, result mcpreg.BulkResult) error {
	for _, outcome := range result.Succeeded {
		fmt.Fprintf(cmd.OutOrStdout(), "ok   %-24s %s\n", outcome.ServerID, outcome.Summary)
	}
	for _, outcome := range result.Failed {
		fmt.Fprintf(cmd.OutOrStdout(), "fail %-24s %s\n", outcome.ServerID, outcome.Error)
	}
	if result.PartialFailure() {
		return fmt.Errorf("%d of %d servers failed", len(result.Failed), len(result.Failed)+len(result.Succeeded))
	}
	return nil
}

func defaultSettingsPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mcp-server-registry", "settings.yaml")
	}
	return "settings.yaml"
}
