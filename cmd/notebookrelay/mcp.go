package main

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/notebookrelay/internal/mcptools"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the notebook tools over MCP (stdio transport)",
		Long: `Serve the notebook tools over the Model Context Protocol.

Stdout carries the protocol; logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a.watchSession(ctx)

			// ServeStdio installs its own signal handling.
			return server.ServeStdio(mcptools.NewServer(a.service, version))
		},
	}
}
