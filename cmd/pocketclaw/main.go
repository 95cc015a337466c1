// Command pocketclaw is a personal AI assistant that answers on chat
// platforms, runs scheduled jobs and delegates work to background subagents.
package main

import (
	"fmt"
	"os"

	"github.com/jholhewres/pocketclaw/cmd/pocketclaw/commands"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
