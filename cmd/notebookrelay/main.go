// Command notebookrelay maps platform users to per-user notebooks in an
// external knowledge-assistant product and forwards content and questions to
// them. It serves an HTTP API, an MCP tool surface over stdio, and a handful of
// operator commands.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
