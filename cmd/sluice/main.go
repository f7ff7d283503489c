// Package main is the entry point for the sluice binary.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sluice-io/sluice/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
