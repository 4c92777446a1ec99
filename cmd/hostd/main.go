// Command hostd is the orchestrator daemon: it listens for source-control
// webhook deliveries, serializes them per repository, and drives a
// sandboxed agent container for each admitted unit of work.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
