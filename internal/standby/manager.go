package standby

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpufleet/lifecycle-controller/internal/models"
	"github.com/gpufleet/lifecycle-controller/internal/snapshot"
)

// Provider creates and destroys the cheap always-on compute units used as
// standbys. The actual machine backend (cloud VM, colocated node) is external.
type Provider interface {
	CreateUnit(ctx context.Context, region, machineType string) (id uuid.UUID, endpoint string, err error)
	DestroyUnit(ctx context.Context, unitID uuid.UUID) error
}

// Syncer moves workspace data between an instance and its standby. The exact
// transport (rsync, compression) is external; the contract is that Stage
// never touches the serving copy and Promote swaps atomically.
type Syncer interface {
	// Stage copies the instance's workspace into the unit's staging area and
	// returns a staging reference. A failed Stage leaves the serving copy
	// untouched.
	Stage(ctx context.Context, inst *models.Instance, unit *models.StandbyUnit) (string, error)

	// Promote atomically swaps the staged copy into the unit's serving copy.
	Promote(ctx context.Context, unit *models.StandbyUnit, stagingRef string) error

	// Export streams the unit's current serving copy as an archive.
	Export(ctx context.Context, unit *models.StandbyUnit) (io.ReadCloser, int64, error)

	// Push copies the unit's serving copy onto a target instance's workspace.
	Push(ctx context.Context, unit *models.StandbyUnit, target *models.Instance) error
}

// TrafficSwitch redirects the serving/read path between a GPU instance and
// its standby during failover.
type TrafficSwitch interface {
	ServeFromStandby(ctx context.Context, unit *models.StandbyUnit) error
	ServeFromInstance(ctx context.Context, inst *models.Instance) error
}

// StandbyConfig controls how a standby unit is created and kept in sync.
type StandbyConfig struct {
	Region       string
	MachineType  string
	SyncInterval time.Duration
	Workspace    string
}

// attachment tracks one instance/standby pair. syncMu serializes the
// staged-then-promoted write path and restore reads of the serving copy so
// a restore never observes a half-promoted sync. The mutable unit fields
// (LastSyncAt, InstanceID) are written under the manager's mu; readers take
// copies via UnitFor/Attach rather than holding the live record.
type attachment struct {
	inst      *models.Instance
	unit      *models.StandbyUnit
	workspace string
	cancel    context.CancelFunc
	syncMu    sync.Mutex
}

// Manager keeps each StandbyUnit's copy of the workspace close to its
// instance's live state and serves traffic from it during failover.
type Manager struct {
	provider Provider
	syncer   Syncer
	snaps    snapshot.Store
	traffic  TrafficSwitch // optional, may be nil
	logger   *zap.Logger

	mu         sync.Mutex
	byInstance map[uuid.UUID]*attachment // attached, syncing
	detached   map[uuid.UUID]*attachment // detached but alive, keyed by unit ID

	// now is overridable for tests.
	now func() time.Time
}

// NewManager creates a standby sync manager.
func NewManager(provider Provider, syncer Syncer, snaps snapshot.Store, traffic TrafficSwitch, logger *zap.Logger) *Manager {
	return &Manager{
		provider:   provider,
		syncer:     syncer,
		snaps:      snaps,
		traffic:    traffic,
		logger:     logger,
		byInstance: make(map[uuid.UUID]*attachment),
		detached:   make(map[uuid.UUID]*attachment),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Attach creates a standby compute unit for the instance and begins periodic
// sync. Idempotent: attaching to an instance that already has a standby
// returns the existing unit without creating a duplicate. The returned record
// is a point-in-time copy; UnitFor serves fresh reads.
func (m *Manager) Attach(ctx context.Context, inst *models.Instance, cfg StandbyConfig) (*models.StandbyUnit, error) {
	m.mu.Lock()
	if existing, ok := m.byInstance[inst.ID]; ok {
		u := *existing.unit
		m.mu.Unlock()
		m.logger.Debug("Standby already attached, returning existing unit",
			zap.String("instance_id", inst.ID.String()),
			zap.String("unit_id", u.ID.String()),
		)
		return &u, nil
	}
	m.mu.Unlock()

	region := cfg.Region
	if region == "" {
		region = inst.Region
	}

	unitID, endpoint, err := m.provider.CreateUnit(ctx, region, cfg.MachineType)
	if err != nil {
		return nil, fmt.Errorf("creating standby unit for instance %s: %w", inst.ID, err)
	}

	unit := &models.StandbyUnit{
		ID:           unitID,
		InstanceID:   inst.ID,
		Region:       region,
		MachineType:  cfg.MachineType,
		Endpoint:     endpoint,
		SyncInterval: cfg.SyncInterval,
		CreatedAt:    m.now(),
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	att := &attachment{
		inst:      inst,
		unit:      unit,
		workspace: cfg.Workspace,
		cancel:    cancel,
	}

	m.mu.Lock()
	// Re-check under the lock; a concurrent Attach may have won.
	if existing, ok := m.byInstance[inst.ID]; ok {
		u := *existing.unit
		m.mu.Unlock()
		cancel()
		if destroyErr := m.provider.DestroyUnit(ctx, unitID); destroyErr != nil {
			m.logger.Warn("Failed to destroy duplicate standby unit", zap.Error(destroyErr))
		}
		return &u, nil
	}
	m.byInstance[inst.ID] = att
	m.mu.Unlock()

	m.logger.Info("Standby unit attached",
		zap.String("instance_id", inst.ID.String()),
		zap.String("unit_id", unit.ID.String()),
		zap.String("region", region),
		zap.Duration("sync_interval", cfg.SyncInterval),
	)

	// Copy before the loop starts mutating the live record.
	out := *unit
	if cfg.SyncInterval > 0 {
		go m.syncLoop(loopCtx, att)
	}
	return &out, nil
}

// syncLoop runs one sync cycle per interval. A failed cycle is logged and
// retried at the next tick, never immediately.
func (m *Manager) syncLoop(ctx context.Context, att *attachment) {
	ticker := time.NewTicker(att.unit.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.syncOnce(ctx, att); err != nil {
				m.logger.Warn("Standby sync cycle failed, will retry next cycle",
					zap.String("unit_id", att.unit.ID.String()),
					zap.Error(err),
				)
			}
		}
	}
}

// Sync runs one sync cycle for the unit immediately, outside the periodic
// cadence. Partial failure never corrupts the previous good copy: data is
// staged first and only then atomically promoted.
func (m *Manager) Sync(ctx context.Context, unit *models.StandbyUnit) error {
	att, err := m.lookup(unit)
	if err != nil {
		return err
	}
	return m.syncOnce(ctx, att)
}

func (m *Manager) syncOnce(ctx context.Context, att *attachment) error {
	att.syncMu.Lock()
	defer att.syncMu.Unlock()

	stagingRef, err := m.syncer.Stage(ctx, att.inst, att.unit)
	if err != nil {
		return fmt.Errorf("staging workspace for unit %s: %w", att.unit.ID, err)
	}

	if err := m.syncer.Promote(ctx, att.unit, stagingRef); err != nil {
		// The serving copy is untouched; surface the distinct promotion error.
		return fmt.Errorf("%w: unit %s: %v", models.ErrSyncPromotionFailed, att.unit.ID, err)
	}

	m.mu.Lock()
	att.unit.LastSyncAt = m.now()
	syncedAt := att.unit.LastSyncAt
	m.mu.Unlock()

	m.logger.Debug("Standby sync cycle promoted",
		zap.String("unit_id", att.unit.ID.String()),
		zap.Time("last_sync_at", syncedAt),
	)
	return nil
}

// Snapshot triggers an out-of-band backup of the unit's serving copy to the
// snapshot store, independent of the sync cadence.
func (m *Manager) Snapshot(ctx context.Context, unit *models.StandbyUnit) (*models.Snapshot, error) {
	att, err := m.lookup(unit)
	if err != nil {
		return nil, err
	}

	att.syncMu.Lock()
	defer att.syncMu.Unlock()

	data, size, err := m.syncer.Export(ctx, att.unit)
	if err != nil {
		return nil, fmt.Errorf("exporting standby copy for unit %s: %w", unit.ID, err)
	}
	defer data.Close()

	snap, err := m.snaps.Create(ctx, att.workspace, models.SnapshotFromStandby, unit.ID, data, size)
	if err != nil {
		return nil, fmt.Errorf("storing snapshot for unit %s: %w", unit.ID, err)
	}

	m.logger.Info("Standby snapshot created",
		zap.String("unit_id", unit.ID.String()),
		zap.String("snapshot_id", snap.ID.String()),
		zap.Int64("size", snap.SizeBytes),
	)
	return snap, nil
}

// Detach stops syncing for the instance's standby. destroyUnit selects the
// policy: user-requested instance destroy tears the unit down too
// (destroyUnit=true); failure-triggered loss keeps the unit alive so it can
// serve the failover (destroyUnit=false).
func (m *Manager) Detach(ctx context.Context, instanceID uuid.UUID, destroyUnit bool) error {
	m.mu.Lock()
	att, ok := m.byInstance[instanceID]
	if !ok {
		m.mu.Unlock()
		return models.ErrStandbyNotFound
	}
	delete(m.byInstance, instanceID)
	if !destroyUnit {
		m.detached[att.unit.ID] = att
	}
	m.mu.Unlock()

	att.cancel() // stop the sync loop

	if destroyUnit {
		if err := m.provider.DestroyUnit(ctx, att.unit.ID); err != nil {
			return fmt.Errorf("destroying standby unit %s: %w", att.unit.ID, err)
		}
		m.logger.Info("Standby unit detached and destroyed",
			zap.String("instance_id", instanceID.String()),
			zap.String("unit_id", att.unit.ID.String()),
		)
		return nil
	}

	m.logger.Info("Standby unit detached and preserved for failover",
		zap.String("instance_id", instanceID.String()),
		zap.String("unit_id", att.unit.ID.String()),
	)
	return nil
}

// UnitFor returns a point-in-time copy of the standby unit attached to the
// instance, if any. The sync loop keeps advancing the live record, so callers
// never get a pointer into it.
func (m *Manager) UnitFor(instanceID uuid.UUID) (*models.StandbyUnit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.byInstance[instanceID]
	if !ok {
		return nil, false
	}
	u := *att.unit
	return &u, true
}

// ActivateStandby redirects the serving path to the standby unit.
func (m *Manager) ActivateStandby(ctx context.Context, unit *models.StandbyUnit) error {
	if m.traffic == nil {
		m.logger.Debug("No traffic switch configured, standby activation is a no-op",
			zap.String("unit_id", unit.ID.String()))
		return nil
	}
	if err := m.traffic.ServeFromStandby(ctx, unit); err != nil {
		return fmt.Errorf("switching traffic to standby %s: %w", unit.ID, err)
	}
	m.logger.Info("Traffic switched to standby unit", zap.String("unit_id", unit.ID.String()))
	return nil
}

// RestorePrimary redirects the serving path back to a (new) instance.
func (m *Manager) RestorePrimary(ctx context.Context, inst *models.Instance) error {
	if m.traffic == nil {
		return nil
	}
	if err := m.traffic.ServeFromInstance(ctx, inst); err != nil {
		return fmt.Errorf("switching traffic to instance %s: %w", inst.ID, err)
	}
	m.logger.Info("Traffic switched back to instance", zap.String("instance_id", inst.ID.String()))
	return nil
}

// RestoreTo pushes the unit's serving copy onto the target instance. It takes
// the same per-unit lock as the staged-promote path so the read can never
// observe a torn copy.
func (m *Manager) RestoreTo(ctx context.Context, unit *models.StandbyUnit, target *models.Instance) error {
	att, err := m.lookup(unit)
	if err != nil {
		return err
	}

	att.syncMu.Lock()
	defer att.syncMu.Unlock()

	if err := m.syncer.Push(ctx, att.unit, target); err != nil {
		return fmt.Errorf("restoring standby copy onto instance %s: %w", target.ID, err)
	}

	m.logger.Info("Standby copy restored onto instance",
		zap.String("unit_id", unit.ID.String()),
		zap.String("instance_id", target.ID.String()),
	)
	return nil
}

// Adopt re-associates a preserved (detached) unit with a replacement
// instance and resumes periodic sync against it.
func (m *Manager) Adopt(ctx context.Context, unit *models.StandbyUnit, inst *models.Instance) error {
	m.mu.Lock()
	att, ok := m.detached[unit.ID]
	if !ok {
		m.mu.Unlock()
		return models.ErrStandbyNotFound
	}
	delete(m.detached, unit.ID)

	loopCtx, cancel := context.WithCancel(context.Background())
	att.inst = inst
	att.cancel = cancel
	att.unit.InstanceID = inst.ID
	m.byInstance[inst.ID] = att
	m.mu.Unlock()

	if att.unit.SyncInterval > 0 {
		go m.syncLoop(loopCtx, att)
	}

	m.logger.Info("Standby unit adopted by replacement instance",
		zap.String("unit_id", unit.ID.String()),
		zap.String("instance_id", inst.ID.String()),
	)
	return nil
}

// Destroy tears down a detached unit once it is no longer needed.
func (m *Manager) Destroy(ctx context.Context, unitID uuid.UUID) error {
	m.mu.Lock()
	att, ok := m.detached[unitID]
	if ok {
		delete(m.detached, unitID)
	}
	m.mu.Unlock()
	if !ok {
		return models.ErrStandbyNotFound
	}
	att.cancel()
	return m.provider.DestroyUnit(ctx, unitID)
}

// lookup resolves the attachment for a unit, attached or preserved.
func (m *Manager) lookup(unit *models.StandbyUnit) (*attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if att, ok := m.byInstance[unit.InstanceID]; ok && att.unit.ID == unit.ID {
		return att, nil
	}
	if att, ok := m.detached[unit.ID]; ok {
		return att, nil
	}
	return nil, models.ErrStandbyNotFound
}
