// Package harness runs YAML-driven end-to-end scenarios against
// in-memory replicas and snapshots the outcome against golden files.
// The scenario files under testdata/scenarios encode the engine's
// testable end-to-end properties as data rather than hand-written Go
// per scenario.
package harness

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brutalist-labs/docengine/internal/docentry"
	"github.com/brutalist-labs/docengine/internal/downloadpolicy"
	"github.com/brutalist-labs/docengine/internal/ids"
	"github.com/brutalist-labs/docengine/internal/rangestore"
	"github.com/brutalist-labs/docengine/internal/reconcile"
	"github.com/brutalist-labs/docengine/internal/replica"
)

// epoch anchors every scenario timestamp, so golden files are
// reproducible regardless of wall-clock time.
var epoch = time.Unix(1_700_000_000, 0).UTC()

// Result is the observable outcome of running a scenario.
type Result struct {
	Syncs          []SyncTrace
	FinalSets      map[string][]string
	FinalRecords   map[string]map[string]int64
	ShouldDownload map[string]bool
}

// SyncTrace records one sync step; the message counts are populated
// only when the scenario pinned them with expect_messages.
type SyncTrace struct {
	From          string `json:"from"`
	To            string `json:"to"`
	FromInitiator int    `json:"from_initiator,omitempty"`
	FromResponder int    `json:"from_responder,omitempty"`
}

// LoadScenario reads and validates a scenario YAML file. Unknown
// fields are rejected so typos fail loudly instead of silently
// skipping an assertion.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Peers) == 0 {
		return fmt.Errorf("peers list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, p := range s.Peers {
		if p.Name == "" {
			return fmt.Errorf("peers[%d]: name is required", i)
		}
		switch p.Capability {
		case "", "read", "write":
		default:
			return fmt.Errorf("peers[%d]: unknown capability %q", i, p.Capability)
		}
	}
	for i, step := range s.Steps {
		switch step.Op {
		case "insert", "delete_prefix", "insert_remote", "import", "set_policy":
			if step.Peer == "" {
				return fmt.Errorf("steps[%d]: peer is required for %s", i, step.Op)
			}
		case "sync":
			if step.From == "" || step.To == "" {
				return fmt.Errorf("steps[%d]: from and to are required for sync", i)
			}
		default:
			return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
		}
	}
	if s.Expect.Sets == nil {
		return fmt.Errorf("expect.sets is required")
	}
	return nil
}

// manualClock pins "now" for deterministic timestamps; steps advance
// it explicitly via ts or implicitly one microsecond at a time.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type peerState struct {
	rep    *replica.Replica
	store  *rangestore.Memory
	events <-chan replica.Event
	log    []replica.Event
}

func (p *peerState) drain() {
	for {
		select {
		case ev := <-p.events:
			p.log = append(p.log, ev)
		default:
			return
		}
	}
}

type runState struct {
	scenario *Scenario
	ns       ids.NamespaceId
	nsSecret ids.NamespaceSecret
	clock    *manualClock
	peers    map[string]*peerState
	authors  map[string]authorKeys
	lastTS   int64
	result   *Result
}

type authorKeys struct {
	id     ids.AuthorId
	secret ids.AuthorSecret
}

// Run executes a scenario and returns its observable outcome, or an
// error on the first step that behaves differently than declared.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	nsID, nsSecret, err := ids.NewNamespace()
	if err != nil {
		return nil, err
	}

	r := &runState{
		scenario: scenario,
		ns:       nsID,
		nsSecret: nsSecret,
		clock:    &manualClock{now: epoch},
		peers:    make(map[string]*peerState),
		authors:  make(map[string]authorKeys),
		result:   &Result{FinalSets: make(map[string][]string)},
	}

	for _, p := range scenario.Peers {
		store := rangestore.NewMemory()
		cap := ids.NewWriteCapability(nsSecret)
		if p.Capability == "read" {
			cap = ids.NewReadCapability(nsID)
		}
		rep := replica.New(nsID, cap, store, replica.WithClock(r.clock))
		_, events := rep.Subscribe(1024)
		r.peers[p.Name] = &peerState{rep: rep, store: store, events: events}
	}

	for i, step := range scenario.Steps {
		if err := r.runStep(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Op, err)
		}
		for _, p := range r.peers {
			p.drain()
		}
	}

	if err := r.finish(ctx); err != nil {
		return nil, err
	}
	return r.result, nil
}

func (r *runState) peer(name string) (*peerState, error) {
	p, ok := r.peers[name]
	if !ok {
		return nil, fmt.Errorf("unknown peer %q", name)
	}
	return p, nil
}

func (r *runState) author(name string) (authorKeys, error) {
	if name == "" {
		name = "a"
	}
	if a, ok := r.authors[name]; ok {
		return a, nil
	}
	id, secret, err := ids.NewAuthor()
	if err != nil {
		return authorKeys{}, err
	}
	a := authorKeys{id: id, secret: secret}
	r.authors[name] = a
	return a, nil
}

// advanceClock pins the clock at the step's timestamp offset, or one
// microsecond past the last one used.
func (r *runState) advanceClock(ts int64) {
	if ts == 0 {
		ts = r.lastTS + 1
	}
	if ts > r.lastTS {
		r.lastTS = ts
	}
	r.clock.set(epoch.Add(time.Duration(ts) * time.Microsecond))
}

func contentFor(key string) (docentry.Hash, uint64) {
	content := []byte("v:" + key)
	return docentry.Hash(sha256.Sum256(content)), uint64(len(content))
}

func (r *runState) runStep(ctx context.Context, step Step) error {
	switch step.Op {
	case "insert":
		return r.runInsert(ctx, step)
	case "delete_prefix":
		return r.runDeletePrefix(ctx, step)
	case "insert_remote":
		return r.runInsertRemote(ctx, step)
	case "sync":
		return r.runSync(ctx, step)
	case "import":
		return r.runImport(step)
	case "set_policy":
		return r.runSetPolicy(ctx, step)
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

func (r *runState) runInsert(ctx context.Context, step Step) error {
	p, err := r.peer(step.Peer)
	if err != nil {
		return err
	}
	author, err := r.author(step.Author)
	if err != nil {
		return err
	}
	r.advanceClock(step.Ts)

	hash, length := contentFor(step.Key)
	switch {
	case step.Empty:
		hash, length = docentry.EmptyHash, 0
	case step.Invalid == "hash_without_content":
		length = 0
	case step.Invalid == "content_without_hash":
		hash = docentry.EmptyHash
	case step.Invalid != "":
		return fmt.Errorf("unknown invalid mode %q", step.Invalid)
	}

	_, err = p.rep.InsertLocal(ctx, author.id, author.secret, r.nsSecret, []byte(step.Key), hash, length)
	return r.checkStepError(step, err)
}

func (r *runState) runDeletePrefix(ctx context.Context, step Step) error {
	p, err := r.peer(step.Peer)
	if err != nil {
		return err
	}
	author, err := r.author(step.Author)
	if err != nil {
		return err
	}
	r.advanceClock(step.Ts)

	_, err = p.rep.DeletePrefix(ctx, author.id, author.secret, r.nsSecret, []byte(step.Prefix))
	return r.checkStepError(step, err)
}

func (r *runState) runInsertRemote(ctx context.Context, step Step) error {
	p, err := r.peer(step.Peer)
	if err != nil {
		return err
	}
	author, err := r.author(step.Author)
	if err != nil {
		return err
	}

	hash, length := contentFor(step.Key)
	ts := uint64(r.clock.Now().Add(time.Duration(step.FutureOffsetMs) * time.Millisecond).UnixMicro())
	id := docentry.NewRecordIdentifier(r.ns, author.id, []byte(step.Key))
	record := docentry.Record{Hash: hash, Len: length, Timestamp: ts}
	entry := docentry.Sign(docentry.Entry{Id: id, Record: record}, r.nsSecret, author.secret)

	_, err = p.rep.InsertRemote(ctx, entry, reconcile.ContentMissing)
	return r.checkStepError(step, err)
}

func (r *runState) runImport(step Step) error {
	p, err := r.peer(step.Peer)
	if err != nil {
		return err
	}
	var cap ids.Capability
	switch step.Capability {
	case "write":
		cap = ids.NewWriteCapability(r.nsSecret)
	case "read":
		cap = ids.NewReadCapability(r.ns)
	default:
		return fmt.Errorf("unknown capability %q", step.Capability)
	}
	return p.rep.MergeCapability(cap)
}

func (r *runState) runSetPolicy(ctx context.Context, step Step) error {
	p, err := r.peer(step.Peer)
	if err != nil {
		return err
	}
	var variant downloadpolicy.Variant
	switch step.Variant {
	case "nothing_except":
		variant = downloadpolicy.NothingExcept
	case "everything_except":
		variant = downloadpolicy.EverythingExcept
	default:
		return fmt.Errorf("unknown policy variant %q", step.Variant)
	}
	policy := downloadpolicy.Policy{Variant: variant}
	for _, f := range step.Filters {
		var kind downloadpolicy.FilterKind
		switch f.Kind {
		case "exact":
			kind = downloadpolicy.FilterExact
		case "prefix":
			kind = downloadpolicy.FilterPrefix
		default:
			return fmt.Errorf("unknown filter kind %q", f.Kind)
		}
		policy.Filters = append(policy.Filters, downloadpolicy.Filter{Kind: kind, Pattern: []byte(f.Pattern)})
	}
	return p.rep.SetDownloadPolicy(ctx, policy)
}

// runSync drives one in-process reconciliation session to completion,
// counting non-empty messages per direction the same way the wire
// session would observe them.
func (r *runState) runSync(ctx context.Context, step Step) error {
	initiator, err := r.peer(step.From)
	if err != nil {
		return err
	}
	responder, err := r.peer(step.To)
	if err != nil {
		return err
	}
	cfg := reconcile.DefaultConfig()

	current, err := initiator.rep.SyncInitialMessage(ctx)
	if err != nil {
		return err
	}
	fromInitiator, fromResponder := 1, 0
	initiatorTurn := false

	for !current.Empty() {
		var reply reconcile.Message
		if initiatorTurn {
			reply, _, err = initiator.rep.SyncProcessMessage(ctx, cfg, nil, current)
		} else {
			reply, _, err = responder.rep.SyncProcessMessage(ctx, cfg, nil, current)
		}
		if err != nil {
			return err
		}
		initiatorTurn = !initiatorTurn
		current = reply
		if current.Empty() {
			break
		}
		if initiatorTurn {
			fromResponder++
		} else {
			fromInitiator++
		}
	}

	trace := SyncTrace{From: step.From, To: step.To}
	if step.ExpectMessages != nil {
		if fromInitiator != step.ExpectMessages.FromInitiator || fromResponder != step.ExpectMessages.FromResponder {
			return fmt.Errorf("sync %s->%s sent %d/%d messages, want %d/%d",
				step.From, step.To, fromInitiator, fromResponder,
				step.ExpectMessages.FromInitiator, step.ExpectMessages.FromResponder)
		}
		trace.FromInitiator = fromInitiator
		trace.FromResponder = fromResponder
	}
	r.result.Syncs = append(r.result.Syncs, trace)
	return nil
}

// checkStepError matches a step's outcome against its expect_error
// declaration.
func (r *runState) checkStepError(step Step, err error) error {
	switch step.ExpectError {
	case "":
		return err
	case "read_only":
		if !replica.IsReadOnly(err) {
			return fmt.Errorf("want read-only rejection, got %v", err)
		}
	case "entry_is_empty":
		if !replica.IsEntryIsEmpty(err) {
			return fmt.Errorf("want empty-entry rejection, got %v", err)
		}
	case "too_far_in_the_future":
		if !replica.IsTooFarInTheFuture(err) {
			return fmt.Errorf("want future-timestamp rejection, got %v", err)
		}
	default:
		return fmt.Errorf("unknown expect_error %q", step.ExpectError)
	}
	return nil
}

// finish collects final per-peer key sets (tombstones excluded) and
// the optional timestamp and download captures, then checks them
// against the scenario's expectations.
func (r *runState) finish(ctx context.Context) error {
	for name, p := range r.peers {
		first, err := p.store.GetFirst(ctx)
		if err != nil {
			return err
		}
		entries, err := p.store.GetRange(ctx, rangestore.All(first))
		if err != nil {
			return err
		}
		keys := []string{}
		for _, e := range entries {
			if e.Record.IsEmpty() {
				continue
			}
			keys = append(keys, string(e.Id.Key))
			if r.scenario.CaptureTimestamps {
				if r.result.FinalRecords == nil {
					r.result.FinalRecords = make(map[string]map[string]int64)
				}
				if r.result.FinalRecords[name] == nil {
					r.result.FinalRecords[name] = make(map[string]int64)
				}
				offset := int64(e.Record.Timestamp) - epoch.UnixMicro()
				r.result.FinalRecords[name][string(e.Id.Key)] = offset
			}
		}
		sort.Strings(keys)
		r.result.FinalSets[name] = keys
	}

	if r.scenario.CaptureDownloads != "" {
		p, err := r.peer(r.scenario.CaptureDownloads)
		if err != nil {
			return err
		}
		r.result.ShouldDownload = make(map[string]bool)
		for _, ev := range p.log {
			if ev.Kind == replica.RemoteInsert {
				r.result.ShouldDownload[string(ev.Entry.Id.Key)] = ev.ShouldDownload
			}
		}
	}

	for name, want := range r.scenario.Expect.Sets {
		got, ok := r.result.FinalSets[name]
		if !ok {
			return fmt.Errorf("expect.sets names unknown peer %q", name)
		}
		wantSorted := append([]string(nil), want...)
		sort.Strings(wantSorted)
		if !equalStrings(got, wantSorted) {
			return fmt.Errorf("peer %s holds %v, want %v", name, got, wantSorted)
		}
	}
	for key, want := range r.scenario.Expect.ShouldDownload {
		got, ok := r.result.ShouldDownload[key]
		if !ok {
			return fmt.Errorf("no download decision recorded for key %q", key)
		}
		if got != want {
			return fmt.Errorf("should_download[%s] = %v, want %v", key, got, want)
		}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
