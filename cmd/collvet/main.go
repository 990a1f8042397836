// Command collvet runs a battery of collective conformance checks
// against a communication backend.
//
// Exit codes: 0 clean, 1 conformance errors, 2 configuration or
// backend failure.
package main

import (
	"fmt"
	"os"

	"github.com/collvet/collvet/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Subcommands run with SilenceErrors, so this is the one
		// place errors reach the terminal.
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
