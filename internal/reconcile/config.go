package reconcile

// Config tunes the reconciliation protocol.
type Config struct {
	// SplitFactor is the number of sub-ranges a mismatched range is
	// partitioned into on recursion. Must be >= 2. Default 2.
	SplitFactor int
	// MaxSetSize is the element-count threshold above which a
	// sub-range is sent as a fingerprint rather than as raw values.
	// Default 1.
	MaxSetSize int
}

// DefaultConfig returns the protocol's default tuning (split_factor=2,
// max_set_size=1).
func DefaultConfig() Config {
	return Config{SplitFactor: 2, MaxSetSize: 1}
}
