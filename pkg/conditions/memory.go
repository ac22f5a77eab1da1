package conditions

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store, used for snapshots and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	folders map[string][]Object
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{folders: make(map[string][]Object, 4)}
}

// Put adds objects to their folders.
func (m *MemoryStore) Put(objs ...Object) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range objs {
		m.folders[o.Folder] = append(m.folders[o.Folder], o)
	}
}

// Browse returns the overlapping objects of a folder.
func (m *MemoryStore) Browse(
	ctx context.Context,
	folder string,
	since, until int64,
	channels ChannelSelection,
) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Object

	for i := range m.folders[folder] {
		o := &m.folders[folder][i]
		if overlaps(o, since, until) && channels.Contains(o.Channel) {
			out = append(out, *o)
		}
	}

	sortObjects(out)

	return out, nil
}
