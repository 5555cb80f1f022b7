package harness

// Scenario is one YAML-driven conformance scenario: a set of peers
// replicating the same document, a step list mixing writes and sync
// rounds, and the expected end state. The literal scenarios under
// testdata/scenarios encode the engine's end-to-end properties
// (basic sync convergence, tombstone propagation, last-writer-wins,
// timestamp bounds, empty-entry discipline, capability monotonicity,
// download policy).
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Peers declares the replicas, each with an optional capability
	// ("write" by default, or "read").
	Peers []PeerSetup `yaml:"peers"`

	// Steps is the ordered action list.
	Steps []Step `yaml:"steps"`

	// Expect validates the final state.
	Expect Expect `yaml:"expect"`

	// CaptureDownloads names a peer whose RemoteInsert events are
	// collected into the should_download result map.
	CaptureDownloads string `yaml:"capture_downloads,omitempty"`

	// CaptureTimestamps includes each surviving entry's timestamp
	// offset in the result, for last-writer-wins scenarios.
	CaptureTimestamps bool `yaml:"capture_timestamps,omitempty"`
}

// PeerSetup declares one replica.
type PeerSetup struct {
	Name string `yaml:"name"`
	// Capability is "write" (default) or "read".
	Capability string `yaml:"capability,omitempty"`
}

// Step is one action. Op selects which of the optional fields apply.
type Step struct {
	// Op is one of: insert, delete_prefix, insert_remote, sync,
	// import, set_policy.
	Op string `yaml:"op"`

	// Peer is the acting replica (all ops except sync).
	Peer string `yaml:"peer,omitempty"`

	// Author names the writing author; defaults to "a". Authors are
	// generated on first use and shared across peers.
	Author string `yaml:"author,omitempty"`

	// Key / Prefix are the target key bytes (as UTF-8 strings).
	Key    string `yaml:"key,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`

	// Ts is the logical timestamp in microseconds past the scenario
	// epoch. Zero means "one past the last used timestamp".
	Ts int64 `yaml:"ts,omitempty"`

	// Empty makes an insert a tombstone (hash = empty, len = 0).
	Empty bool `yaml:"empty,omitempty"`

	// Invalid makes an insert deliberately malformed:
	// "hash_without_content" (real hash, zero length) or
	// "content_without_hash" (empty hash, nonzero length).
	Invalid string `yaml:"invalid,omitempty"`

	// FutureOffsetMs shifts an insert_remote entry's timestamp
	// relative to the current clock, in milliseconds.
	FutureOffsetMs int64 `yaml:"future_offset_ms,omitempty"`

	// ExpectError names the error the step must fail with: read_only,
	// entry_is_empty, or too_far_in_the_future. Empty means the step
	// must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`

	// From / To are the initiator and responder of a sync step.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`

	// ExpectMessages pins a sync step's per-direction message counts.
	ExpectMessages *MessageCounts `yaml:"expect_messages,omitempty"`

	// Capability is the capability an import step merges in ("read" or
	// "write").
	Capability string `yaml:"capability,omitempty"`

	// Variant / Filters configure a set_policy step.
	Variant string         `yaml:"variant,omitempty"`
	Filters []FilterSetup  `yaml:"filters,omitempty"`
}

// MessageCounts pins how many non-empty messages each side of a sync
// session sent.
type MessageCounts struct {
	FromInitiator int `yaml:"from_initiator"`
	FromResponder int `yaml:"from_responder"`
}

// FilterSetup declares one download-policy filter.
type FilterSetup struct {
	Kind    string `yaml:"kind"` // "exact" or "prefix"
	Pattern string `yaml:"pattern"`
}

// Expect validates the final state of every peer.
type Expect struct {
	// Sets maps each peer to the keys it must hold (tombstones
	// excluded), order-insensitive.
	Sets map[string][]string `yaml:"sets"`

	// ShouldDownload maps keys to the expected download decision on
	// the capture_downloads peer.
	ShouldDownload map[string]bool `yaml:"should_download,omitempty"`
}
