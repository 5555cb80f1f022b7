package wire

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/reconcile"
)

// InitialFunc produces the opening reconciliation message for a
// namespace (backed by syncactor.Actor.SyncInitialMessage).
type InitialFunc func(ctx context.Context, ns ids.NamespaceId) (reconcile.Message, error)

// ProcessFunc runs one reconciliation round against a namespace
// (backed by syncactor.Actor.SyncProcessMessage, partially applied
// over its Config/ContentStatusFunc parameters by the caller).
type ProcessFunc func(ctx context.Context, ns ids.NamespaceId, msg reconcile.Message) (reconcile.Message, reconcile.Outcome, error)

// Lookup resolves whether this node has ns open for sync and, if so,
// confirms the caller is allowed to reconcile against it (Bob's
// "replica not marked sync=true" refusal).
type Lookup func(ns ids.NamespaceId) (ok bool, alreadySyncing bool)

// AbortError reports that the remote side sent SyncMessage::Abort.
type AbortError struct {
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("wire: remote aborted sync: %s", e.Reason)
}

// RunAlice drives the initiator side of one reconciliation session
// over rw: send the Initial handshake, exchange reconciliation
// messages via initial/process until neither side has anything left
// to say. It returns the accumulated Outcome, or an
// *AbortError if Bob refuses the session.
func RunAlice(ctx context.Context, rw io.ReadWriter, ns ids.NamespaceId, initial InitialFunc, process ProcessFunc) (reconcile.Outcome, error) {
	br := BufferedReader(rw)

	if err := WriteSyncMessage(rw, SyncMessage{Initial: &InitialMessage{Namespace: ns}}); err != nil {
		return reconcile.Outcome{}, fmt.Errorf("wire: alice send handshake: %w", err)
	}

	msg, err := initial(ctx, ns)
	if err != nil {
		return reconcile.Outcome{}, fmt.Errorf("wire: alice initial message: %w", err)
	}

	// Each iteration sends the current outgoing message — even an empty
	// one — before deciding whether to keep going, so the responder's
	// read loop always has a frame to observe termination on rather
	// than blocking forever waiting for a message that silently never
	// comes (the in-process reconcile tests can afford to simply stop
	// calling ProcessMessage once a reply is empty; a real stream
	// cannot skip telling the peer that).
	var total reconcile.Outcome
	for {
		if err := WriteSyncMessage(rw, SyncMessage{Sync: &msg}); err != nil {
			return total, fmt.Errorf("wire: alice send sync message: %w", err)
		}
		if msg.Empty() {
			return total, nil
		}

		reply, err := ReadSyncMessage(br)
		if err != nil {
			return total, fmt.Errorf("wire: alice read reply: %w", err)
		}
		switch {
		case reply.Abort != nil:
			return total, &AbortError{Reason: reply.Abort.Reason}
		case reply.Sync != nil:
			if reply.Sync.Empty() {
				return total, nil
			}
			next, outcome, err := process(ctx, ns, *reply.Sync)
			if err != nil {
				return total, fmt.Errorf("wire: alice process reply: %w", err)
			}
			total.HeadsReceived += outcome.HeadsReceived
			total.NumSent += outcome.NumSent
			total.NumRecv += outcome.NumRecv
			msg = next
		default:
			return total, fmt.Errorf("wire: alice received handshake-shaped reply mid-session")
		}
	}
}

// RunBob drives the responder side of one reconciliation session over
// rw: read Alice's handshake, decide whether to continue or Abort, and
// process each incoming reconciliation message via process until Alice
// stops sending.
func RunBob(ctx context.Context, rw io.ReadWriter, lookup Lookup, process ProcessFunc) (ids.NamespaceId, reconcile.Outcome, error) {
	br := BufferedReader(rw)

	handshake, err := ReadSyncMessage(br)
	if err != nil {
		return ids.NamespaceId{}, reconcile.Outcome{}, fmt.Errorf("wire: bob read handshake: %w", err)
	}
	if handshake.Initial == nil {
		return ids.NamespaceId{}, reconcile.Outcome{}, fmt.Errorf("wire: bob expected Initial handshake, got something else")
	}
	ns := handshake.Initial.Namespace

	ok, alreadySyncing := lookup(ns)
	if !ok || alreadySyncing {
		reason := AbortNotFound
		if ok {
			reason = AbortAlreadySyncing
		}
		// Alice sends her first Sync frame right after the handshake
		// without waiting for a reply. Keep draining it so that write
		// completes on an unbuffered stream and she can read the Abort.
		go io.Copy(io.Discard, br)
		_ = WriteSyncMessage(rw, SyncMessage{Abort: &AbortMessage{Reason: reason}})
		return ns, reconcile.Outcome{}, &AbortError{Reason: reason}
	}

	var total reconcile.Outcome
	for {
		incoming, err := ReadSyncMessage(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ns, total, nil
			}
			return ns, total, fmt.Errorf("wire: bob read message: %w", err)
		}
		if incoming.Abort != nil {
			return ns, total, &AbortError{Reason: incoming.Abort.Reason}
		}
		if incoming.Sync == nil {
			return ns, total, fmt.Errorf("wire: bob received handshake-shaped message mid-session")
		}
		if incoming.Sync.Empty() {
			return ns, total, nil
		}

		reply, outcome, err := process(ctx, ns, *incoming.Sync)
		if err != nil {
			_ = WriteSyncMessage(rw, SyncMessage{Abort: &AbortMessage{Reason: AbortInternalServerError}})
			return ns, total, fmt.Errorf("wire: bob process message: %w", err)
		}
		total.HeadsReceived += outcome.HeadsReceived
		total.NumSent += outcome.NumSent
		total.NumRecv += outcome.NumRecv

		if err := WriteSyncMessage(rw, SyncMessage{Sync: &reply}); err != nil {
			return ns, total, fmt.Errorf("wire: bob send reply: %w", err)
		}
		if reply.Empty() {
			return ns, total, nil
		}
	}
}
