// Ledger benchmark MCP server.
// Exposes benchmark tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/ledgerbench/internal/mcp"
)

func main() {
	benchURL := os.Getenv("LEDGERBENCH_URL")
	if benchURL == "" {
		benchURL = "http://localhost:13001"
	}

	s := server.NewMCPServer(
		"ledgerbench",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(benchURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
