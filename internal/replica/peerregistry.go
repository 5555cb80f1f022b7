package replica

import (
	"context"
	"sort"
	"sync"
)

// DefaultPeerCacheSize bounds the useful-peer cache per namespace
// (PEERS_PER_DOC_CACHE_SIZE). store.ReplicaStore applies
// the same bound on its persisted cache.
const DefaultPeerCacheSize = 5

// memoryPeerRegistry is the default PeerRegistry used when a Replica
// is constructed without a persistent store backing it (e.g. unit
// tests against rangestore.Memory). It is a bounded MRU: registering
// past the cap evicts the least recently synced peer.
type memoryPeerRegistry struct {
	mu    sync.Mutex
	cap   int
	peers map[string]int64
}

func newMemoryPeerRegistry() *memoryPeerRegistry {
	return &memoryPeerRegistry{cap: DefaultPeerCacheSize, peers: make(map[string]int64)}
}

func (m *memoryPeerRegistry) RegisterPeer(_ context.Context, peerID []byte, syncedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[string(peerID)] = syncedAt
	for len(m.peers) > m.cap {
		oldest := ""
		var oldestAt int64
		for id, at := range m.peers {
			if oldest == "" || at < oldestAt {
				oldest, oldestAt = id, at
			}
		}
		delete(m.peers, oldest)
	}
	return nil
}

func (m *memoryPeerRegistry) ListPeers(_ context.Context) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type entry struct {
		id string
		at int64
	}
	entries := make([]entry, 0, len(m.peers))
	for id, at := range m.peers {
		entries = append(entries, entry{id, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at > entries[j].at })
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = []byte(e.id)
	}
	return out, nil
}
