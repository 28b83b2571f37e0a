package snapshot

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gpufleet/lifecycle-controller/internal/models"
)

// MemoryStore is an in-memory Store used in tests and when no object storage
// backend is configured. Restores are recorded, not transferred.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string][]*models.Snapshot // keyed by workspace
	data      map[uuid.UUID][]byte
	restored  map[uuid.UUID]uuid.UUID // snapshot ID -> instance ID

	// Now is overridable so tests can control snapshot timestamps.
	Now func() time.Time
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]*models.Snapshot),
		data:      make(map[uuid.UUID][]byte),
		restored:  make(map[uuid.UUID]uuid.UUID),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create stores the archive bytes and the snapshot reference.
func (m *MemoryStore) Create(ctx context.Context, workspace string, source models.SnapshotSource, sourceID uuid.UUID, data io.Reader, size int64) (*models.Snapshot, error) {
	var buf []byte
	if data != nil {
		var err error
		buf, err = io.ReadAll(data)
		if err != nil {
			return nil, fmt.Errorf("reading snapshot data: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &models.Snapshot{
		ID:        uuid.New(),
		Workspace: workspace,
		SizeBytes: int64(len(buf)),
		Source:    source,
		SourceID:  sourceID,
		CreatedAt: m.Now(),
	}
	m.snapshots[workspace] = append(m.snapshots[workspace], snap)
	m.data[snap.ID] = buf
	return snap, nil
}

// List returns the workspace's snapshots, newest first.
func (m *MemoryStore) List(ctx context.Context, workspace string) ([]*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := make([]*models.Snapshot, len(m.snapshots[workspace]))
	copy(snaps, m.snapshots[workspace])
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// Restore records which instance the snapshot was restored onto.
func (m *MemoryStore) Restore(ctx context.Context, snap *models.Snapshot, target *models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[snap.ID]; !ok {
		return fmt.Errorf("snapshot %s not found", snap.ID)
	}
	m.restored[snap.ID] = target.ID
	return nil
}

// RestoredTo reports the instance a snapshot was restored onto, if any.
func (m *MemoryStore) RestoredTo(snapID uuid.UUID) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.restored[snapID]
	return id, ok
}
