// Package defaultauthor persists the node-wide default author id:
// a single file next to the database holding the hex-encoded
// 32-byte author public key that CLI surfaces fall back to when no
// author is named explicitly. The secret itself lives in the store's
// authors table; this file only selects which one is the default.
package defaultauthor

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/brutalist-labs/docengine/internal/ids"
)

// FileName is the on-disk name, kept stable so existing data
// directories keep working across upgrades.
const FileName = "default-author"

// File is the persisted default-author selection: one writer via Set,
// many readers via Get.
type File struct {
	path string

	mu  sync.RWMutex
	id  ids.AuthorId
	set bool
}

// Load reads the default-author file under dir, tolerating its
// absence (a fresh data directory simply has no default yet).
func Load(dir string) (*File, error) {
	f := &File{path: filepath.Join(dir, FileName)}
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("defaultauthor: read %s: %w", f.path, err)
	}
	id, err := parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("defaultauthor: %s: %w", f.path, err)
	}
	f.id = id
	f.set = true
	return f, nil
}

// Get returns the current default author id, if one has been set.
func (f *File) Get() (ids.AuthorId, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.id, f.set
}

// Set persists id as the default author, replacing any previous
// selection. The file is written via a temp-file rename so a crash
// mid-write never leaves a torn default behind.
func (f *File) Set(id ids.AuthorId) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o600); err != nil {
		return fmt.Errorf("defaultauthor: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("defaultauthor: rename %s: %w", tmp, err)
	}
	f.id = id
	f.set = true
	return nil
}

func parse(raw string) (ids.AuthorId, error) {
	b, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return ids.AuthorId{}, fmt.Errorf("decode author id: %w", err)
	}
	return ids.AuthorIdFromBytes(b)
}
