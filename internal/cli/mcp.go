package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	rmacdmcp "github.com/ppiankov/rmacd/internal/mcp"
	"github.com/ppiankov/rmacd/internal/mcpbridge"
)

var (
	mcpWatch bool
	mcpAgent string
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().BoolVar(&mcpWatch, "watch", false, "Reload the profile when its file changes")
	mcpCmd.Flags().StringVar(&mcpAgent, "agent", "mcp", "Agent identity for calls that do not name one")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP governance server for agent integration",
	Long: "Runs rmacd as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes governance tools: evaluate, register, classify, validate,\n" +
		"allowed tools, workflow risk, approvals, emergency status and audit.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	gate, approvals, emergencies, err := e.openGate(ctx)
	if err != nil {
		return err
	}
	bridge := mcpbridge.New(e.reg)
	bridge.Adopt()

	srv, err := rmacdmcp.New(rmacdmcp.Config{
		Name:        "rmacd",
		Version:     version,
		AgentID:     mcpAgent,
		Gate:        gate,
		Bridge:      bridge,
		Approvals:   approvals,
		Emergencies: emergencies,
		Store:       e.store,
		Gatherer:    e.prom,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
			cancel()
		case <-ctx.Done():
		}
	}()

	if mcpWatch {
		if info, err := os.Stat(cfg.Profile); err != nil || info.IsDir() {
			return fmt.Errorf("--watch needs a profile file path, got %q", cfg.Profile)
		}
		go func() {
			if err := srv.WatchProfile(ctx, cfg.Profile); err != nil && ctx.Err() == nil {
				logger.Error("profile watcher stopped", zap.Error(err))
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "rmacd MCP server running on stdio (profile %s)\n", gate.Evaluator())
	return srv.Run(ctx)
}
