// Package main is the entry point for the kafgenome CLI.
package main

import (
	"os"

	"github.com/KafClaw/KafGenome/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
