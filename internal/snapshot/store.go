package snapshot

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/gpufleet/lifecycle-controller/internal/models"
)

// Store is the contract the lifecycle controller requires from the snapshot
// backend: durable, content-addressed backups tied to a workspace. Snapshots
// are immutable once created; retention/pruning is external.
type Store interface {
	// Create uploads a point-in-time backup of a workspace and returns its
	// immutable reference. source records what the backup was taken from.
	Create(ctx context.Context, workspace string, source models.SnapshotSource, sourceID uuid.UUID, data io.Reader, size int64) (*models.Snapshot, error)

	// List returns the workspace's snapshots ordered by recency, newest first.
	List(ctx context.Context, workspace string) ([]*models.Snapshot, error)

	// Restore materializes a snapshot onto the target instance's workspace.
	Restore(ctx context.Context, snap *models.Snapshot, target *models.Instance) error
}
