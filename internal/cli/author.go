package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brutalist-labs/docengine/internal/ids"
)

// NewAuthorCommand creates the author command group.
func NewAuthorCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "author",
		Short: "Manage writer identities",
	}
	cmd.AddCommand(newAuthorNewCommand(rootOpts))
	cmd.AddCommand(newAuthorListCommand(rootOpts))
	cmd.AddCommand(newAuthorDefaultCommand(rootOpts))
	cmd.AddCommand(newAuthorImportCommand(rootOpts))
	cmd.AddCommand(newAuthorExportCommand(rootOpts))
	cmd.AddCommand(newAuthorDeleteCommand(rootOpts))
	return cmd
}

func newAuthorNewCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "new",
		Short:         "Create and store a new author keypair",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				_, secret, err := ids.NewAuthor()
				if err != nil {
					return err
				}
				id, err := n.actor.ImportAuthor(ctx, secret)
				if err != nil {
					return err
				}
				// The first author on a node becomes the default.
				if _, ok := n.authors.Get(); !ok {
					if err := n.authors.Set(id); err != nil {
						return err
					}
				}
				return printValue(cmd, opts, id.String(), map[string]any{"author_id": id.String()})
			})
		},
	}
}

func newAuthorListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List stored authors",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				authors, err := n.actor.ListAuthors(ctx)
				if err != nil {
					return err
				}
				def, hasDefault := n.authors.Get()
				var rows []map[string]any
				for id := range authors {
					isDefault := hasDefault && id == def
					rows = append(rows, map[string]any{"author_id": id.String(), "default": isDefault})
					if opts.Format == "text" {
						marker := " "
						if isDefault {
							marker = "*"
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, id)
					}
				}
				if opts.Format == "json" {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(rows)
				}
				return nil
			})
		},
	}
}

func newAuthorDefaultCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "default [author-id]",
		Short:         "Show or set the default author",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				if len(args) == 0 {
					id, ok := n.authors.Get()
					if !ok {
						return fmt.Errorf("no default author set")
					}
					return printValue(cmd, opts, id.String(), map[string]any{"author_id": id.String()})
				}
				id, err := parseAuthorId(args[0])
				if err != nil {
					return err
				}
				_, found, err := n.actor.ExportAuthor(ctx, id)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("author %s is not stored on this node", id)
				}
				return n.authors.Set(id)
			})
		},
	}
}

func newAuthorImportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "import <hex-seed>",
		Short:         "Import an author from its 32-byte hex seed",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				secret, err := ids.AuthorSecretFromHex(args[0])
				if err != nil {
					return err
				}
				id, err := n.actor.ImportAuthor(ctx, secret)
				if err != nil {
					return err
				}
				return printValue(cmd, opts, id.String(), map[string]any{"author_id": id.String()})
			})
		},
	}
}

func newAuthorExportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "export <author-id>",
		Short:         "Print an author's hex seed",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				id, err := parseAuthorId(args[0])
				if err != nil {
					return err
				}
				secret, found, err := n.actor.ExportAuthor(ctx, id)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("author %s is not stored on this node", id)
				}
				seed := secret.Seed()
				return printValue(cmd, opts, hex.EncodeToString(seed[:]), map[string]any{"seed": hex.EncodeToString(seed[:])})
			})
		},
	}
}

func newAuthorDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <author-id>",
		Short:         "Delete a stored author (the default author cannot be deleted)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				id, err := parseAuthorId(args[0])
				if err != nil {
					return err
				}
				if def, ok := n.authors.Get(); ok && def == id {
					return fmt.Errorf("author %s is the current default; pick another default first", id)
				}
				return n.actor.DeleteAuthor(ctx, id)
			})
		},
	}
}

// printValue writes either a bare text value or a JSON object,
// depending on --format.
func printValue(cmd *cobra.Command, opts *RootOptions, text string, jsonObj any) error {
	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(jsonObj)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}
