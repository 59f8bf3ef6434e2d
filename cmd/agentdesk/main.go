// Command agentdesk is the desktop client for a local coding agent.
package main

import (
	"fmt"
	"os"

	"agentdesk/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
