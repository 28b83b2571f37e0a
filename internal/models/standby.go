package models

import (
	"time"

	"github.com/google/uuid"
)

// StandbyUnit is a cheap always-on compute unit associated with exactly one
// Instance. It mirrors the instance's workspace so traffic can be served from
// it while a replacement GPU is provisioned.
type StandbyUnit struct {
	ID           uuid.UUID     `json:"id"`
	InstanceID   uuid.UUID     `json:"instance_id"`
	Region       string        `json:"region"`
	MachineType  string        `json:"machine_type"`
	Endpoint     string        `json:"endpoint,omitempty"`
	SyncInterval time.Duration `json:"sync_interval"`
	// LastSyncAt is the completion time of the last successfully promoted
	// sync cycle. Zero until the first cycle completes.
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SnapshotSource identifies what a snapshot was taken from.
type SnapshotSource string

const (
	SnapshotFromInstance SnapshotSource = "instance"
	SnapshotFromStandby  SnapshotSource = "standby"
)

// Snapshot is an immutable point-in-time backup reference. Snapshots are
// never mutated after creation; retention/pruning is external.
type Snapshot struct {
	ID        uuid.UUID      `json:"id"`
	Workspace string         `json:"workspace"`
	SizeBytes int64          `json:"size_bytes"`
	Source    SnapshotSource `json:"source"`
	SourceID  uuid.UUID      `json:"source_id"`
	CreatedAt time.Time      `json:"created_at"`
}
