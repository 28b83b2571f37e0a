package snapshot

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/lifecycle-controller/internal/models"
)

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	var created []*models.Snapshot
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		store.Now = func() time.Time { return at }
		snap, err := store.Create(ctx, "workspaces/a", models.SnapshotFromInstance, uuid.New(),
			bytes.NewReader([]byte("data")), 4)
		require.NoError(t, err)
		created = append(created, snap)
	}

	listed, err := store.List(ctx, "workspaces/a")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, created[2].ID, listed[0].ID)
	assert.Equal(t, created[0].ID, listed[2].ID)

	// Other workspaces are isolated.
	other, err := store.List(ctx, "workspaces/b")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStore_Restore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	snap, err := store.Create(ctx, "workspaces/a", models.SnapshotFromStandby, uuid.New(),
		bytes.NewReader([]byte("archive")), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.SizeBytes)

	target := &models.Instance{ID: uuid.New()}
	require.NoError(t, store.Restore(ctx, snap, target))

	restoredTo, ok := store.RestoredTo(snap.ID)
	require.True(t, ok)
	assert.Equal(t, target.ID, restoredTo)

	unknown := &models.Snapshot{ID: uuid.New()}
	require.Error(t, store.Restore(ctx, unknown, target))
}
