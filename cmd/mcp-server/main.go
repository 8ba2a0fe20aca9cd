// Command mcp-server runs the MCP protocol/transport/dispatch engine.
//
// The cobra-based CLI surface is grounded on
// samestrin-llm-tools/cmd/llm-filesystem-mcp/main.go's use of
// github.com/spf13/cobra, replacing ad-hoc os.Args parsing.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/akmatori/mcp-server/internal/config"
	"github.com/akmatori/mcp-server/internal/server"
)

func main() {
	var (
		configPath  string
		httpAddr    string
		gracePeriod time.Duration
	)

	logger := log.New(os.Stdout, "[mcp-server] ", log.LstdFlags|log.Lshortfile)

	root := &cobra.Command{
		Use:   "mcp-server",
		Short: "JSON-RPC 2.0 MCP server with HTTP, WebSocket, and legacy SSE transports",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.HTTP.Addr = httpAddr
			}

			srv, err := server.New(cfg, logger)
			if err != nil {
				return err
			}

			logger.Printf("listening on %s", cfg.HTTP.Addr)
			return srv.Run(context.Background(), gracePeriod)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	serveCmd.Flags().StringVar(&httpAddr, "addr", "", "override HTTP bind address")
	serveCmd.Flags().DurationVar(&gracePeriod, "grace-period", 20*time.Second, "graceful shutdown drain timeout")

	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
}
