// Package main is the entry point for the corral orchestrator.
package main

import (
	"os"

	"github.com/corralhq/corral/cmd/corral/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
