// Package cli implements the docengine command-line surface: author
// and document management, sharing tickets, and download-policy
// configuration, all driven through the sync actor the same way any
// other client would be.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DataDir string
	Verbose bool
	Format  string // "json" | "text"

	// Author and Doc pre-select identities for subcommands; they
	// default from the IROH_AUTHOR / IROH_DOC environment.
	Author string
	Doc    string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the docengine CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "docengine",
		Short: "docengine - replicated key-value documents",
		Long:  "A multi-writer, eventually-consistent replicated document engine.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", defaultDataDir(), "directory holding the database and default-author file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Author, "author", os.Getenv("IROH_AUTHOR"), "author id to act as (defaults to $IROH_AUTHOR, then the stored default)")
	cmd.PersistentFlags().StringVar(&opts.Doc, "doc", os.Getenv("IROH_DOC"), "document id to act on (defaults to $IROH_DOC)")

	// Add subcommands
	cmd.AddCommand(NewAuthorCommand(opts))
	cmd.AddCommand(NewDocCommand(opts))
	cmd.AddCommand(NewPolicyCommand(opts))

	return cmd
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "docengine"
	}
	return ".docengine"
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
