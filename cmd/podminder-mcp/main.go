package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
)

func main() {
	s := server.NewMCPServer(
		"podminder-mcp",
		"0.3.1",
		server.WithToolCapabilities(true),
	)

	// Config path comes from the MCP client's env block; every other
	// setting flows through the usual file + environment resolution.
	registerTools(s, os.Getenv("PODMINDER_CONFIG"))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}
