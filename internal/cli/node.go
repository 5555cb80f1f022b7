package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brutalist-labs/docengine/internal/defaultauthor"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/rangestore"
	"github.com/brutalist-labs/docengine/internal/store"
	"github.com/brutalist-labs/docengine/internal/syncactor"
)

// DatabaseFile is the store's on-disk name inside the data directory.
const DatabaseFile = "docengine.db"

// node bundles the opened store, the default-author file, and a
// running sync actor for the duration of one CLI invocation.
type node struct {
	store   *store.Store
	authors *defaultauthor.File
	actor   *syncactor.Actor
	cancel  context.CancelFunc
}

// openNode opens (creating if needed) the data directory and starts
// the actor. Environment knobs: PEERS_PER_DOC_CACHE_SIZE bounds the
// useful-peer cache, MAX_COMMIT_DELAY tunes the write-batch flush
// interval.
func openNode(opts *RootOptions) (*node, error) {
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var storeOpts []store.Option
	if v := os.Getenv("PEERS_PER_DOC_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse PEERS_PER_DOC_CACHE_SIZE: %w", err)
		}
		storeOpts = append(storeOpts, store.WithPeerCacheSize(n))
	}

	st, err := store.Open(filepath.Join(opts.DataDir, DatabaseFile), storeOpts...)
	if err != nil {
		return nil, err
	}

	authors, err := defaultauthor.Load(opts.DataDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	actorOpts := []syncactor.Option{}
	if v := os.Getenv("MAX_COMMIT_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("parse MAX_COMMIT_DELAY: %w", err)
		}
		actorOpts = append(actorOpts, syncactor.WithFlushInterval(d))
	}

	reg := syncactor.NewRegistry(func(ns ids.NamespaceId) rangestore.Store {
		return st.Namespace(ns)
	})
	reg.SetNodeStore(st)
	actor := syncactor.New(reg, actorOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	go actor.Run(ctx)

	return &node{store: st, authors: authors, actor: actor, cancel: cancel}, nil
}

func (n *node) close() {
	// Shutdown flushes through the actor; if the actor already exited
	// the store's own Close still force-commits.
	_ = n.actor.Shutdown(context.Background())
	n.cancel()
	n.store.Close()
}

// withNode opens the node, runs fn, and tears down afterwards — the
// shape every RunE in this package uses.
func withNode(opts *RootOptions, fn func(ctx context.Context, n *node) error) error {
	n, err := openNode(opts)
	if err != nil {
		return err
	}
	defer n.close()
	return fn(context.Background(), n)
}

// resolveAuthor picks the acting author: the --author flag (or
// $IROH_AUTHOR) if set, else the stored default.
func (n *node) resolveAuthor(ctx context.Context, opts *RootOptions) (ids.AuthorId, ids.AuthorSecret, error) {
	var id ids.AuthorId
	if opts.Author != "" {
		parsed, err := parseAuthorId(opts.Author)
		if err != nil {
			return ids.AuthorId{}, ids.AuthorSecret{}, err
		}
		id = parsed
	} else if def, ok := n.authors.Get(); ok {
		id = def
	} else {
		return ids.AuthorId{}, ids.AuthorSecret{}, fmt.Errorf("no author selected: pass --author, set $IROH_AUTHOR, or run `docengine author new`")
	}

	secret, found, err := n.actor.ExportAuthor(ctx, id)
	if err != nil {
		return ids.AuthorId{}, ids.AuthorSecret{}, err
	}
	if !found {
		return ids.AuthorId{}, ids.AuthorSecret{}, fmt.Errorf("author %s is not stored on this node", id)
	}
	return id, secret, nil
}

// resolveDoc picks the target document from the positional argument if
// given, else the --doc flag (or $IROH_DOC).
func resolveDoc(opts *RootOptions, args []string) (ids.NamespaceId, []string, error) {
	if len(args) > 0 {
		ns, err := parseNamespaceId(args[0])
		if err == nil {
			return ns, args[1:], nil
		}
	}
	if opts.Doc == "" {
		return ids.NamespaceId{}, nil, fmt.Errorf("no document selected: pass a document id, --doc, or set $IROH_DOC")
	}
	ns, err := parseNamespaceId(opts.Doc)
	return ns, args, err
}

func parseAuthorId(s string) (ids.AuthorId, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ids.AuthorId{}, fmt.Errorf("parse author id: %w", err)
	}
	return ids.AuthorIdFromBytes(raw)
}

func parseNamespaceId(s string) (ids.NamespaceId, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ids.NamespaceId{}, fmt.Errorf("parse document id: %w", err)
	}
	return ids.NamespaceIdFromBytes(raw)
}
