package standby

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gpufleet/lifecycle-controller/internal/models"
	"github.com/gpufleet/lifecycle-controller/internal/snapshot"
)

// fakeProvider hands out units with predictable endpoints and records
// destroys.
type fakeProvider struct {
	mu        sync.Mutex
	created   int
	destroyed []uuid.UUID
	createErr error
}

func (f *fakeProvider) CreateUnit(ctx context.Context, region, machineType string) (uuid.UUID, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return uuid.Nil, "", f.createErr
	}
	f.created++
	return uuid.New(), fmt.Sprintf("standby-%d.internal:7000", f.created), nil
}

func (f *fakeProvider) DestroyUnit(ctx context.Context, unitID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, unitID)
	return nil
}

func (f *fakeProvider) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destroyed)
}

// fakeSyncer models the staged-then-promoted copy: staged holds in-flight
// refs, serving holds the last promoted content per unit.
type fakeSyncer struct {
	mu         sync.Mutex
	stageSeq   int
	staged     map[string][]byte
	serving    map[uuid.UUID][]byte
	pushedTo   map[uuid.UUID][]byte // target instance ID -> content at push
	source     []byte               // what Stage reads from the "instance"
	stageErr   error
	promoteErr error
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		staged:   make(map[string][]byte),
		serving:  make(map[uuid.UUID][]byte),
		pushedTo: make(map[uuid.UUID][]byte),
		source:   []byte("v1"),
	}
}

func (f *fakeSyncer) setSource(data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = []byte(data)
}

func (f *fakeSyncer) servingCopy(unitID uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.serving[unitID])
}

func (f *fakeSyncer) Stage(ctx context.Context, inst *models.Instance, unit *models.StandbyUnit) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stageErr != nil {
		return "", f.stageErr
	}
	f.stageSeq++
	ref := fmt.Sprintf("staging-%d", f.stageSeq)
	f.staged[ref] = append([]byte(nil), f.source...)
	return ref, nil
}

func (f *fakeSyncer) Promote(ctx context.Context, unit *models.StandbyUnit, stagingRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promoteErr != nil {
		return f.promoteErr
	}
	data, ok := f.staged[stagingRef]
	if !ok {
		return fmt.Errorf("unknown staging ref %s", stagingRef)
	}
	delete(f.staged, stagingRef)
	f.serving[unit.ID] = data
	return nil
}

func (f *fakeSyncer) Export(ctx context.Context, unit *models.StandbyUnit) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.serving[unit.ID]
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeSyncer) Push(ctx context.Context, unit *models.StandbyUnit, target *models.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushedTo[target.ID] = append([]byte(nil), f.serving[unit.ID]...)
	return nil
}

// fakeTraffic records the last switch decisions.
type fakeTraffic struct {
	mu           sync.Mutex
	servingUnit  uuid.UUID
	servingInst  uuid.UUID
	switchCalled int
}

func (f *fakeTraffic) ServeFromStandby(ctx context.Context, unit *models.StandbyUnit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servingUnit = unit.ID
	f.servingInst = uuid.Nil
	f.switchCalled++
	return nil
}

func (f *fakeTraffic) ServeFromInstance(ctx context.Context, inst *models.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servingInst = inst.ID
	f.servingUnit = uuid.Nil
	f.switchCalled++
	return nil
}

func testInstance() *models.Instance {
	return &models.Instance{
		ID:       uuid.New(),
		OfferID:  uuid.New(),
		GPUModel: "RTX 4090",
		Region:   "us-east",
		Endpoint: "gpu-1.internal:8800",
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeProvider, *fakeSyncer, *fakeTraffic, *snapshot.MemoryStore) {
	t.Helper()
	provider := &fakeProvider{}
	syncer := newFakeSyncer()
	traffic := &fakeTraffic{}
	snaps := snapshot.NewMemoryStore()
	mgr := NewManager(provider, syncer, snaps, traffic, zap.NewNop())
	return mgr, provider, syncer, traffic, snaps
}

func TestAttach_Idempotent(t *testing.T) {
	mgr, provider, _, _, _ := newTestManager(t)
	inst := testInstance()
	cfg := StandbyConfig{MachineType: "e2-small", Workspace: "workspaces/a"}

	unit1, err := mgr.Attach(context.Background(), inst, cfg)
	require.NoError(t, err)
	unit2, err := mgr.Attach(context.Background(), inst, cfg)
	require.NoError(t, err)

	assert.Equal(t, unit1.ID, unit2.ID)
	provider.mu.Lock()
	created := provider.created
	provider.mu.Unlock()
	assert.Equal(t, 1, created, "second Attach must not create a duplicate unit")
}

func TestAttach_DefaultsToInstanceRegion(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)
	inst := testInstance()

	unit, err := mgr.Attach(context.Background(), inst, StandbyConfig{MachineType: "e2-small"})
	require.NoError(t, err)
	assert.Equal(t, inst.Region, unit.Region)
	assert.Equal(t, inst.ID, unit.InstanceID)
	assert.True(t, unit.LastSyncAt.IsZero(), "fresh unit has never synced")
}

func TestSync_StagedThenPromoted(t *testing.T) {
	mgr, _, syncer, _, _ := newTestManager(t)
	syncT := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return syncT }

	inst := testInstance()
	unit, err := mgr.Attach(context.Background(), inst, StandbyConfig{MachineType: "e2-small"})
	require.NoError(t, err)

	syncer.setSource("v1")
	require.NoError(t, mgr.Sync(context.Background(), unit))
	assert.Equal(t, "v1", syncer.servingCopy(unit.ID))

	synced, ok := mgr.UnitFor(inst.ID)
	require.True(t, ok)
	assert.Equal(t, syncT, synced.LastSyncAt)

	syncer.setSource("v2")
	require.NoError(t, mgr.Sync(context.Background(), unit))
	assert.Equal(t, "v2", syncer.servingCopy(unit.ID))
}

func TestSync_PromotionFailureKeepsGoodCopy(t *testing.T) {
	mgr, _, syncer, _, _ := newTestManager(t)
	inst := testInstance()
	unit, err := mgr.Attach(context.Background(), inst, StandbyConfig{MachineType: "e2-small"})
	require.NoError(t, err)

	syncer.setSource("v1")
	require.NoError(t, mgr.Sync(context.Background(), unit))
	synced, ok := mgr.UnitFor(inst.ID)
	require.True(t, ok)
	goodSyncAt := synced.LastSyncAt

	syncer.setSource("v2")
	syncer.promoteErr = errors.New("disk full during swap")
	err = mgr.Sync(context.Background(), unit)
	require.ErrorIs(t, err, models.ErrSyncPromotionFailed)

	// The previous good copy and its timestamp survive the failed cycle.
	assert.Equal(t, "v1", syncer.servingCopy(unit.ID))
	after, ok := mgr.UnitFor(inst.ID)
	require.True(t, ok)
	assert.Equal(t, goodSyncAt, after.LastSyncAt)
}

func TestSync_StageFailureIsNotPromotionFailure(t *testing.T) {
	mgr, _, syncer, _, _ := newTestManager(t)
	inst := testInstance()
	unit, err := mgr.Attach(context.Background(), inst, StandbyConfig{MachineType: "e2-small"})
	require.NoError(t, err)

	syncer.stageErr = errors.New("source unreachable")
	err = mgr.Sync(context.Background(), unit)
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrSyncPromotionFailed)
}

func TestSync_UnknownUnit(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)
	unknown := &models.StandbyUnit{ID: uuid.New(), InstanceID: uuid.New()}
	err := mgr.Sync(context.Background(), unknown)
	require.ErrorIs(t, err, models.ErrStandbyNotFound)
}

func TestSnapshot_ExportsServingCopy(t *testing.T) {
	mgr, _, syncer, _, snaps := newTestManager(t)
	inst := testInstance()
	unit, err := mgr.Attach(context.Background(), inst, StandbyConfig{MachineType: "e2-small", Workspace: "workspaces/a"})
	require.NoError(t, err)

	syncer.setSource("serving-content")
	require.NoError(t, mgr.Sync(context.Background(), unit))

	snap, err := mgr.Snapshot(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotFromStandby, snap.Source)
	assert.Equal(t, unit.ID, snap.SourceID)
	assert.Equal(t, int64(len("serving-content")), snap.SizeBytes)

	listed, err := snaps.List(context.Background(), "workspaces/a")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, snap.ID, listed[0].ID)
}

func TestDetach_DestroyPolicy(t *testing.T) {
	t.Run("destroyUnit true tears the unit down", func(t *testing.T) {
		mgr, provider, _, _, _ := newTestManager(t)
		inst := testInstance()
		unit, err := mgr.Attach(context.Background(), inst, StandbyConfig{MachineType: "e2-small"})
		require.NoError(t, err)

		require.NoError(t, mgr.Detach(context.Background(), inst.ID, true))
		assert.Equal(t, 1, provider.destroyCount())

		_, ok := mgr.UnitFor(inst.ID)
		assert.False(t, ok)
		// Destroyed units are gone, not preserved.
		assert.ErrorIs(t, mgr.Destroy(context.Background(), unit.ID), models.ErrStandbyNotFound)
	})

	t.Run("destroyUnit false preserves the unit for failover", func(t *testing.T) {
		mgr, provider, _, _, _ := newTestManager(t)
		inst := testInstance()
		unit, err := mgr.Attach(context.Background(), inst, StandbyConfig{MachineType: "e2-small"})
		require.NoError(t, err)

		require.NoError(t, mgr.Detach(context.Background(), inst.ID, false))
		assert.Equal(t, 0, provider.destroyCount())

		_, ok := mgr.UnitFor(inst.ID)
		assert.False(t, ok, "detached unit no longer tracks the lost instance")

		// The preserved unit can still serve syncs, snapshots and restores.
		require.NoError(t, mgr.Sync(context.Background(), unit))
	})

	t.Run("detach of unknown instance", func(t *testing.T) {
		mgr, _, _, _, _ := newTestManager(t)
		err := mgr.Detach(context.Background(), uuid.New(), false)
		require.ErrorIs(t, err, models.ErrStandbyNotFound)
	})
}

func TestAdopt_ReattachesPreservedUnit(t *testing.T) {
	mgr, provider, syncer, _, _ := newTestManager(t)
	inst := testInstance()
	unit, err := mgr.Attach(context.Background(), inst, StandbyConfig{MachineType: "e2-small"})
	require.NoError(t, err)
	require.NoError(t, mgr.Sync(context.Background(), unit))

	require.NoError(t, mgr.Detach(context.Background(), inst.ID, false))

	replacement := testInstance()
	require.NoError(t, mgr.Adopt(context.Background(), unit, replacement))

	adopted, ok := mgr.UnitFor(replacement.ID)
	require.True(t, ok)
	assert.Equal(t, unit.ID, adopted.ID)
	assert.Equal(t, replacement.ID, adopted.InstanceID)
	assert.Equal(t, 0, provider.destroyCount())

	// Syncing now reads from the replacement instance.
	syncer.setSource("post-adopt")
	require.NoError(t, mgr.Sync(context.Background(), adopted))
	assert.Equal(t, "post-adopt", syncer.servingCopy(unit.ID))
}

func TestRestoreTo_PushesServingCopy(t *testing.T) {
	mgr, _, syncer, _, _ := newTestManager(t)
	inst := testInstance()
	unit, err := mgr.Attach(context.Background(), inst, StandbyConfig{MachineType: "e2-small"})
	require.NoError(t, err)

	syncer.setSource("workspace-state")
	require.NoError(t, mgr.Sync(context.Background(), unit))

	target := testInstance()
	require.NoError(t, mgr.RestoreTo(context.Background(), unit, target))

	syncer.mu.Lock()
	pushed := string(syncer.pushedTo[target.ID])
	syncer.mu.Unlock()
	assert.Equal(t, "workspace-state", pushed)
}

func TestTrafficSwitching(t *testing.T) {
	mgr, _, _, traffic, _ := newTestManager(t)
	inst := testInstance()
	unit, err := mgr.Attach(context.Background(), inst, StandbyConfig{MachineType: "e2-small"})
	require.NoError(t, err)

	require.NoError(t, mgr.ActivateStandby(context.Background(), unit))
	traffic.mu.Lock()
	assert.Equal(t, unit.ID, traffic.servingUnit)
	traffic.mu.Unlock()

	require.NoError(t, mgr.RestorePrimary(context.Background(), inst))
	traffic.mu.Lock()
	assert.Equal(t, inst.ID, traffic.servingInst)
	traffic.mu.Unlock()
}

func TestSyncLoop_RunsOnInterval(t *testing.T) {
	mgr, _, syncer, _, _ := newTestManager(t)
	inst := testInstance()

	unit, err := mgr.Attach(context.Background(), inst, StandbyConfig{
		MachineType:  "e2-small",
		SyncInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return syncer.servingCopy(unit.ID) != ""
	}, 2*time.Second, 10*time.Millisecond, "periodic sync never promoted a copy")

	// Detach stops the loop; no further promotes after the copy settles.
	require.NoError(t, mgr.Detach(context.Background(), inst.ID, true))
}

func TestSyncLoop_UnitReadableWhileSyncing(t *testing.T) {
	mgr, _, _, _, _ := newTestManager(t)
	inst := testInstance()

	_, err := mgr.Attach(context.Background(), inst, StandbyConfig{
		MachineType:  "e2-small",
		SyncInterval: time.Millisecond,
	})
	require.NoError(t, err)

	// Read the unit record the way the failover path does while the loop
	// keeps promoting cycles underneath it.
	var last time.Time
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		unit, ok := mgr.UnitFor(inst.ID)
		require.True(t, ok)
		last = unit.LastSyncAt
	}
	assert.False(t, last.IsZero(), "sync loop never advanced the sync timestamp")

	require.NoError(t, mgr.Detach(context.Background(), inst.ID, true))
}
