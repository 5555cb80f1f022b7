package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brutalist-labs/docengine/internal/downloadpolicy"
	"github.com/brutalist-labs/docengine/internal/policycfg"
)

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage per-document download policies",
	}
	cmd.AddCommand(newPolicySetCommand(rootOpts))
	cmd.AddCommand(newPolicyGetCommand(rootOpts))
	return cmd
}

func newPolicySetCommand(rootOpts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "set [doc-id]",
		Short: "Set a document's download policy from a CUE file",
		Long: `Set a document's download policy from a CUE file.

The file is validated against the policy schema before anything is
stored. Example:

  policy: {
      variant: "nothing_except"
      filters: [{kind: "exact", pattern: "lotr/fellowship"}]
  }`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(rootOpts, func(ctx context.Context, n *node) error {
				ns, _, err := resolveDoc(rootOpts, args)
				if err != nil {
					return err
				}
				if _, err := n.actor.OpenExisting(ctx, ns); err != nil {
					return err
				}
				src, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				policy, err := policycfg.Load(string(src))
				if err != nil {
					return err
				}
				return n.actor.SetDownloadPolicy(ctx, ns, policy)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CUE policy file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newPolicyGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get [doc-id]",
		Short:         "Show a document's download policy",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(rootOpts, func(ctx context.Context, n *node) error {
				ns, _, err := resolveDoc(rootOpts, args)
				if err != nil {
					return err
				}
				if _, err := n.actor.OpenExisting(ctx, ns); err != nil {
					return err
				}
				policy, err := n.actor.GetDownloadPolicy(ctx, ns)
				if err != nil {
					return err
				}
				if rootOpts.Format == "json" {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(policy)
				}
				variant := "everything_except"
				if policy.Variant == downloadpolicy.NothingExcept {
					variant = "nothing_except"
				}
				fmt.Fprintln(cmd.OutOrStdout(), variant)
				for _, f := range policy.Filters {
					kind := "prefix"
					if f.Kind == downloadpolicy.FilterExact {
						kind = "exact"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "  %s %q\n", kind, f.Pattern)
				}
				return nil
			})
		},
	}
}
