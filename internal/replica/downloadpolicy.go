package replica

import (
	"context"
	"sync"

	"github.com/brutalist-labs/docengine/internal/downloadpolicy"
)

// DownloadPolicyStore persists a namespace's download policy.
// store.ReplicaStore
// implements it against the download_policy table; an in-memory
// implementation backs tests that construct a Replica without a
// persistent store.
type DownloadPolicyStore interface {
	SetDownloadPolicy(ctx context.Context, policy downloadpolicy.Policy) error
	GetDownloadPolicy(ctx context.Context) (downloadpolicy.Policy, error)
}

// memoryDownloadPolicyStore is the default DownloadPolicyStore,
// mirroring memoryPeerRegistry's role for PeerRegistry.
type memoryDownloadPolicyStore struct {
	mu     sync.Mutex
	set    bool
	policy downloadpolicy.Policy
}

func newMemoryDownloadPolicyStore() *memoryDownloadPolicyStore {
	return &memoryDownloadPolicyStore{}
}

func (m *memoryDownloadPolicyStore) SetDownloadPolicy(_ context.Context, policy downloadpolicy.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = policy
	m.set = true
	return nil
}

func (m *memoryDownloadPolicyStore) GetDownloadPolicy(_ context.Context) (downloadpolicy.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return downloadpolicy.Default(), nil
	}
	return m.policy, nil
}
