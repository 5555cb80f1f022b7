package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/unicode/norm"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/store"
	"github.com/brutalist-labs/docengine/internal/ticket"
)

// NewDocCommand creates the doc command group.
func NewDocCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Manage replicated documents",
	}
	cmd.AddCommand(newDocNewCommand(rootOpts))
	cmd.AddCommand(newDocListCommand(rootOpts))
	cmd.AddCommand(newDocJoinCommand(rootOpts))
	cmd.AddCommand(newDocShareCommand(rootOpts))
	cmd.AddCommand(newDocSetCommand(rootOpts))
	cmd.AddCommand(newDocGetCommand(rootOpts))
	cmd.AddCommand(newDocKeysCommand(rootOpts))
	cmd.AddCommand(newDocDelCommand(rootOpts))
	cmd.AddCommand(newDocDropCommand(rootOpts))
	cmd.AddCommand(newDocExportCommand(rootOpts))
	cmd.AddCommand(newDocImportCommand(rootOpts))
	return cmd
}

// normKey applies the same NFC normalization to CLI-entered keys that
// download-policy patterns get, so a policy written in a config file
// matches keys typed at the shell regardless of Unicode composition.
func normKey(s string) []byte {
	return []byte(norm.NFC.String(s))
}

func newDocNewCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "new",
		Short:         "Create a new document (namespace keypair) on this node",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				_, secret, err := ids.NewNamespace()
				if err != nil {
					return err
				}
				cap := ids.NewWriteCapability(secret)
				if err := n.actor.ImportNamespace(ctx, cap); err != nil {
					return err
				}
				id := cap.Namespace()
				return printValue(cmd, opts, id.String(), map[string]any{"doc_id": id.String()})
			})
		},
	}
}

func newDocListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List known documents",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				infos, err := n.actor.ListReplicas(ctx)
				if err != nil {
					return err
				}
				var rows []map[string]any
				for info := range infos {
					mode := "read"
					if info.Capability == ids.CapabilityWrite {
						mode = "write"
					}
					rows = append(rows, map[string]any{"doc_id": info.Id.String(), "mode": mode})
					if opts.Format == "text" {
						fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", info.Id, mode)
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

func newDocJoinCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "join <ticket>",
		Short:         "Import a document from a sharing ticket",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				tk, err := ticket.Parse(args[0])
				if err != nil {
					return err
				}
				if err := n.actor.ImportNamespace(ctx, tk.Capability); err != nil {
					return err
				}
				id := tk.Capability.Namespace()
				mode := "read"
				if tk.Capability.IsWrite() {
					mode = "write"
				}
				return printValue(cmd, opts,
					fmt.Sprintf("%s (%s, %d nodes)", id, mode, len(tk.Nodes)),
					map[string]any{"doc_id": id.String(), "mode": mode, "nodes": len(tk.Nodes)})
			})
		},
	}
}

// DocShareOptions holds flags for the share command.
type DocShareOptions struct {
	*RootOptions
	Mode   string
	NodeID string
	Relay  string
	Addrs  []string
}

func newDocShareCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocShareOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "share [doc-id]",
		Short: "Print a sharing ticket for a document",
		Long: `Print a sharing ticket for a document.

The ticket carries the capability (--mode read|write) and how to reach
this node. The node id and addresses come from the transport layer;
pass them with --node-id and --addr.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts.RootOptions, func(ctx context.Context, n *node) error {
				ns, _, err := resolveDoc(opts.RootOptions, args)
				if err != nil {
					return err
				}
				if _, err := n.actor.OpenExisting(ctx, ns); err != nil {
					return err
				}

				var cap ids.Capability
				switch opts.Mode {
				case "read":
					cap = ids.NewReadCapability(ns)
				case "write":
					secret, err := n.actor.ExportSecretKey(ctx, ns)
					if err != nil {
						return err
					}
					cap = ids.NewWriteCapability(secret)
				default:
					return fmt.Errorf("invalid mode %q: must be read or write", opts.Mode)
				}

				nodeIDBytes, err := hex.DecodeString(opts.NodeID)
				if err != nil || len(nodeIDBytes) != 32 {
					return fmt.Errorf("--node-id must be 32 bytes of hex")
				}
				var addr ticket.NodeAddr
				copy(addr.NodeID[:], nodeIDBytes)
				addr.RelayURL = opts.Relay
				addr.Addrs = opts.Addrs

				tk, err := ticket.New(cap, []ticket.NodeAddr{addr})
				if err != nil {
					return err
				}
				return printValue(cmd, opts.RootOptions, tk.String(), map[string]any{"ticket": tk.String()})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", "read", "capability to share (read|write)")
	cmd.Flags().StringVar(&opts.NodeID, "node-id", "", "this node's 32-byte transport identity, hex")
	cmd.Flags().StringVar(&opts.Relay, "relay", "", "relay URL to include in the ticket")
	cmd.Flags().StringArrayVar(&opts.Addrs, "addr", nil, "direct address to include in the ticket (repeatable)")
	return cmd
}

func newDocSetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "set [doc-id] <key> <value>",
		Short:         "Write a key (the value is hashed; content storage is the blob layer's job)",
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				ns, rest, err := resolveDoc(opts, args)
				if err != nil {
					return err
				}
				if len(rest) != 2 {
					return fmt.Errorf("expected <key> <value>")
				}
				state, err := n.actor.OpenExisting(ctx, ns)
				if err != nil {
					return err
				}
				if !state.Capability.IsWrite() {
					return fmt.Errorf("document %s is read-only on this node", ns)
				}
				author, authorSecret, err := n.resolveAuthor(ctx, opts)
				if err != nil {
					return err
				}

				content := []byte(rest[1])
				hash := docentry.Hash(sha256.Sum256(content))
				removed, err := n.actor.InsertLocal(ctx, ns, author, authorSecret, state.Capability.Secret,
					normKey(rest[0]), hash, uint64(len(content)))
				if err != nil {
					return err
				}
				return printValue(cmd, opts,
					fmt.Sprintf("%s (replaced %d)", hex.EncodeToString(hash[:]), removed),
					map[string]any{"content_hash": hex.EncodeToString(hash[:]), "replaced": removed})
			})
		},
	}
}

// entryRow is the JSON/text projection of one stored entry.
type entryRow struct {
	Key         string `json:"key"`
	Author      string `json:"author"`
	ContentHash string `json:"content_hash"`
	ContentLen  uint64 `json:"content_len"`
	Timestamp   uint64 `json:"timestamp"`
}

func rowOf(e docentry.SignedEntry) entryRow {
	return entryRow{
		Key:         string(e.Id.Key),
		Author:      e.Id.Author.String(),
		ContentHash: hex.EncodeToString(e.Record.Hash[:]),
		ContentLen:  e.Record.Len,
		Timestamp:   e.Record.Timestamp,
	}
}

func printEntries(cmd *cobra.Command, opts *RootOptions, entries <-chan docentry.SignedEntry) error {
	var rows []entryRow
	for e := range entries {
		row := rowOf(e)
		rows = append(rows, row)
		if opts.Format == "text" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d bytes\t@%d\n", row.Key, row.ContentHash[:16], row.ContentLen, row.Timestamp)
		}
	}
	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(rows)
	}
	return nil
}

func newDocGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get [doc-id] <key>",
		Short:         "Show the winning entry for a key",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				ns, rest, err := resolveDoc(opts, args)
				if err != nil {
					return err
				}
				if len(rest) != 1 {
					return fmt.Errorf("expected <key>")
				}
				if _, err := n.actor.OpenExisting(ctx, ns); err != nil {
					return err
				}
				entries, err := n.actor.GetMany(ctx, ns, store.Query{
					KeyMatch:           store.KeyMatchExact,
					Key:                normKey(rest[0]),
					SingleLatestPerKey: true,
				})
				if err != nil {
					return err
				}
				return printEntries(cmd, opts, entries)
			})
		},
	}
}

// DocKeysOptions holds flags for the keys command.
type DocKeysOptions struct {
	*RootOptions
	Prefix       string
	All          bool
	IncludeEmpty bool
}

func newDocKeysCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocKeysOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "keys [doc-id]",
		Short:         "List entries, newest record per key unless --all",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts.RootOptions, func(ctx context.Context, n *node) error {
				ns, _, err := resolveDoc(opts.RootOptions, args)
				if err != nil {
					return err
				}
				if _, err := n.actor.OpenExisting(ctx, ns); err != nil {
					return err
				}
				q := store.Query{
					SortBy:             store.SortByKeyAuthor,
					SingleLatestPerKey: !opts.All,
					IncludeEmpty:       opts.IncludeEmpty,
				}
				if opts.Prefix != "" {
					q.KeyMatch = store.KeyMatchPrefix
					q.Key = normKey(opts.Prefix)
				}
				entries, err := n.actor.GetMany(ctx, ns, q)
				if err != nil {
					return err
				}
				return printEntries(cmd, opts.RootOptions, entries)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only keys with this prefix")
	cmd.Flags().BoolVar(&opts.All, "all", false, "show every author's entry per key, not just the winner")
	cmd.Flags().BoolVar(&opts.IncludeEmpty, "include-empty", false, "include tombstones")
	return cmd
}

func newDocDelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "del [doc-id] <prefix>",
		Short:         "Delete every entry under a key prefix (inserts a tombstone)",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				ns, rest, err := resolveDoc(opts, args)
				if err != nil {
					return err
				}
				if len(rest) != 1 {
					return fmt.Errorf("expected <prefix>")
				}
				state, err := n.actor.OpenExisting(ctx, ns)
				if err != nil {
					return err
				}
				if !state.Capability.IsWrite() {
					return fmt.Errorf("document %s is read-only on this node", ns)
				}
				author, authorSecret, err := n.resolveAuthor(ctx, opts)
				if err != nil {
					return err
				}
				removed, err := n.actor.DeletePrefix(ctx, ns, author, authorSecret, state.Capability.Secret, normKey(rest[0]))
				if err != nil {
					return err
				}
				return printValue(cmd, opts, fmt.Sprintf("removed %d", removed), map[string]any{"removed": removed})
			})
		},
	}
}

func newDocDropCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "drop <doc-id>",
		Short:         "Permanently delete a document and all its local data",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(opts, func(ctx context.Context, n *node) error {
				ns, err := parseNamespaceId(args[0])
				if err != nil {
					return err
				}
				return n.actor.DropReplica(ctx, ns)
			})
		},
	}
}

// dumpEntry is the on-disk form of one exported record.
type dumpEntry struct {
	Namespace    string `json:"namespace"`
	Author       string `json:"author"`
	Key          string `json:"key"`
	ContentHash  string `json:"content_hash"`
	ContentLen   uint64 `json:"content_len"`
	Timestamp    uint64 `json:"timestamp"`
	NamespaceSig string `json:"namespace_sig"`
	AuthorSig    string `json:"author_sig"`
}

func toDump(e docentry.SignedEntry) dumpEntry {
	return dumpEntry{
		Namespace:    e.Id.Namespace.String(),
		Author:       e.Id.Author.String(),
		Key:          hex.EncodeToString(e.Id.Key),
		ContentHash:  hex.EncodeToString(e.Record.Hash[:]),
		ContentLen:   e.Record.Len,
		Timestamp:    e.Record.Timestamp,
		NamespaceSig: hex.EncodeToString(e.Signature.NamespaceSig[:]),
		AuthorSig:    hex.EncodeToString(e.Signature.AuthorSig[:]),
	}
}

func fromDump(d dumpEntry) (docentry.SignedEntry, error) {
	nsBytes, err := hex.DecodeString(d.Namespace)
	if err != nil {
		return docentry.SignedEntry{}, err
	}
	ns, err := ids.NamespaceIdFromBytes(nsBytes)
	if err != nil {
		return docentry.SignedEntry{}, err
	}
	authorBytes, err := hex.DecodeString(d.Author)
	if err != nil {
		return docentry.SignedEntry{}, err
	}
	author, err := ids.AuthorIdFromBytes(authorBytes)
	if err != nil {
		return docentry.SignedEntry{}, err
	}
	key, err := hex.DecodeString(d.Key)
	if err != nil {
		return docentry.SignedEntry{}, err
	}
	hashBytes, err := hex.DecodeString(d.ContentHash)
	if err != nil || len(hashBytes) != 32 {
		return docentry.SignedEntry{}, fmt.Errorf("content hash must be 32 bytes of hex")
	}
	nsSig, err := hex.DecodeString(d.NamespaceSig)
	if err != nil || len(nsSig) != 64 {
		return docentry.SignedEntry{}, fmt.Errorf("namespace signature must be 64 bytes of hex")
	}
	authorSig, err := hex.DecodeString(d.AuthorSig)
	if err != nil || len(authorSig) != 64 {
		return docentry.SignedEntry{}, fmt.Errorf("author signature must be 64 bytes of hex")
	}

	var hash docentry.Hash
	copy(hash[:], hashBytes)
	entry := docentry.Entry{
		Id:     docentry.NewRecordIdentifier(ns, author, key),
		Record: docentry.Record{Hash: hash, Len: d.ContentLen, Timestamp: d.Timestamp},
	}
	var sig docentry.Signature
	copy(sig.NamespaceSig[:], nsSig)
	copy(sig.AuthorSig[:], authorSig)
	return docentry.SignedEntry{Entry: entry, Signature: sig}, nil
}

func newDocExportCommand(rootOpts *RootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           "export [doc-id]",
		Short:         "Dump a document's full record set to a JSON file",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(rootOpts, func(ctx context.Context, n *node) error {
				ns, _, err := resolveDoc(rootOpts, args)
				if err != nil {
					return err
				}
				entries, err := n.store.Namespace(ns).ExportAll(ctx)
				if err != nil {
					return err
				}
				dump := make([]dumpEntry, len(entries))
				for i, e := range entries {
					dump[i] = toDump(e)
				}
				data, err := json.MarshalIndent(dump, "", "  ")
				if err != nil {
					return err
				}
				if output == "" {
					_, err := cmd.OutOrStdout().Write(append(data, '\n'))
					return err
				}
				return os.WriteFile(output, append(data, '\n'), 0o600)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path (default stdout)")
	return cmd
}

func newDocImportCommand(rootOpts *RootOptions) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:           "import [doc-id]",
		Short:         "Merge a previously exported record set back in",
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
				data, err := os.ReadFile(input)
				if err != nil {
					return err
				}
				var dump []dumpEntry
				if err := json.Unmarshal(data, &dump); err != nil {
					return fmt.Errorf("parse dump file: %w", err)
				}
				entries := make([]docentry.SignedEntry, len(dump))
				for i, d := range dump {
					entry, err := fromDump(d)
					if err != nil {
						return fmt.Errorf("entry %d: %w", i, err)
					}
					entries[i] = entry
				}
				inserted, err := n.store.Namespace(ns).ImportAll(ctx, entries)
				if err != nil {
					return err
				}
				return printValue(cmd, rootOpts,
					fmt.Sprintf("imported %d of %d", inserted, len(entries)),
					map[string]any{"imported": inserted, "total": len(entries)})
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "input file path")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
