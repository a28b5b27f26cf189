package main

import (
	"fmt"
	"os"

	"github.com/deploycheck/deploycheck/internal/adapters/inbound/cli"
	"github.com/deploycheck/deploycheck/internal/domain"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes "the module failed validation" from "the tooling
// could not run", so CI pipelines can retry the latter.
func exitCode(err error) int {
	if domain.Retryable(err) {
		return 2
	}
	return 1
}
