package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/brutalist-labs/docengine/internal/cli"
)

func main() {
	// Keep structured diagnostics off stdout so piped command output
	// stays clean.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
