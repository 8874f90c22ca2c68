// Package main is the pipegen entry point. All command logic lives in
// internal/cli; this file only wires it to the process.
package main

import (
	"fmt"
	"os"

	"github.com/spectra-drp/pipegen/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
