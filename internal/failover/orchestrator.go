package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gpufleet/lifecycle-controller/internal/history"
	"github.com/gpufleet/lifecycle-controller/internal/logging"
	"github.com/gpufleet/lifecycle-controller/internal/marketplace"
	"github.com/gpufleet/lifecycle-controller/internal/models"
	"github.com/gpufleet/lifecycle-controller/internal/race"
	"github.com/gpufleet/lifecycle-controller/internal/retryer"
	"github.com/gpufleet/lifecycle-controller/internal/snapshot"
	"github.com/gpufleet/lifecycle-controller/internal/standby"
)

// PhaseSink receives failover phase transitions for UI/telemetry. Publishing
// is fire-and-forget and must never affect the state machine.
type PhaseSink interface {
	PublishPhaseTransition(event *models.FailoverEvent, phase models.FailoverPhase)
}

// Config carries the orchestrator's provisioning preferences.
type Config struct {
	PoolSize  int
	MaxRounds int
	// PriceCeiling bounds replacement offers; zero means no ceiling.
	PriceCeiling decimal.Decimal
	// FallbackRegions are tried in preference order when the original
	// instance's region yields no offers.
	FallbackRegions []string
	Retry           retryer.RetryConfig
}

// Orchestrator runs the failover state machine: GPULost →
// FailingOverToStandby → SearchingForGPU → Provisioning → RestoringData →
// Complete, with Aborted reachable from any phase on unrecoverable error.
//
// Phases execute strictly in order; the orchestrator itself never retries a
// phase — transient retries live inside the delegated components (the race's
// round budget, the retryer around external queries). A phase failure aborts
// the whole event, fail-fast.
type Orchestrator struct {
	races   *race.Controller
	standby *standby.Manager
	offers  marketplace.Source
	snaps   snapshot.Store
	events  history.Store
	sink    PhaseSink // optional, may be nil
	cfg     Config
	logger  *zap.Logger

	// inFlight enforces at most one failover per instance at a time. The
	// entry is taken at GPULost entry and held until Complete/Aborted.
	mu       sync.Mutex
	inFlight map[uuid.UUID]bool

	// now is overridable for tests.
	now func() time.Time
}

// NewOrchestrator wires the failover orchestrator.
func NewOrchestrator(races *race.Controller, sb *standby.Manager, offers marketplace.Source, snaps snapshot.Store, events history.Store, sink PhaseSink, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 3
	}
	if cfg.MaxRounds < 1 {
		cfg.MaxRounds = 3
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retryer.DefaultRetryConfig()
	}
	return &Orchestrator{
		races:    races,
		standby:  sb,
		offers:   offers,
		snaps:    snaps,
		events:   events,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		inFlight: make(map[uuid.UUID]bool),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// workspaceFor derives the snapshot workspace reference for an instance.
// Snapshots survive the instance, so the key is the instance identity the
// workspace was first created under.
func workspaceFor(inst *models.Instance) string {
	return "workspaces/" + inst.ID.String()
}

// HandleGPULoss runs one full failover for a lost instance. It returns the
// finalized event; err is non-nil when the event aborted. Concurrent calls
// for different instances proceed independently; a second call for the same
// instance fails with ErrInstanceBusy.
func (o *Orchestrator) HandleGPULoss(ctx context.Context, inst *models.Instance, reason string) (*models.FailoverEvent, error) {
	o.mu.Lock()
	if o.inFlight[inst.ID] {
		o.mu.Unlock()
		return nil, models.ErrInstanceBusy
	}
	o.inFlight[inst.ID] = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.inFlight, inst.ID)
		o.mu.Unlock()
	}()

	lossAt := o.now()
	event := models.NewFailoverEvent(inst.ID, reason, lossAt)
	ctx = logging.WithFailoverEventID(ctx, event.ID.String())
	logger := logging.EnrichLoggerWithContext(ctx, o.logger).With(
		zap.String("instance_id", inst.ID.String()),
	)

	logger.Warn("GPU loss detected, starting failover",
		zap.String("trigger_reason", reason),
	)

	// Phase 1: GPULost — record the trigger and capture the standby
	// association before anything mutates it.
	phaseStart := lossAt
	unit, hasStandby := o.standby.UnitFor(inst.ID)
	o.transition(event, models.PhaseGPULost)
	o.completePhase(event, models.PhaseGPULost, phaseStart)

	// Phase 2: FailingOverToStandby — redirect traffic to the standby. An
	// unprotected instance fails here, distinctly, never silently skipped.
	phaseStart = o.now()
	o.transition(event, models.PhaseFailingOverToStandby)
	if !hasStandby {
		return o.abort(ctx, event, models.PhaseFailingOverToStandby, phaseStart, models.ErrNoStandbyAvailable, logger)
	}

	if !unit.LastSyncAt.IsZero() {
		event.DataLossWindow = lossAt.Sub(unit.LastSyncAt)
	} else {
		// Never synced: the whole workspace lifetime on the unit is at risk.
		event.DataLossWindow = lossAt.Sub(unit.CreatedAt)
	}

	// Stop syncing from the dead instance but keep the unit alive — this is
	// failure-triggered loss, not a user destroy.
	if err := o.standby.Detach(ctx, inst.ID, false); err != nil {
		return o.abort(ctx, event, models.PhaseFailingOverToStandby, phaseStart, err, logger)
	}
	if err := o.standby.ActivateStandby(ctx, unit); err != nil {
		return o.abort(ctx, event, models.PhaseFailingOverToStandby, phaseStart, err, logger)
	}
	o.completePhase(event, models.PhaseFailingOverToStandby, phaseStart)
	logger.Info("Serving from standby",
		zap.String("unit_id", unit.ID.String()),
		zap.Duration("data_loss_window", event.DataLossWindow),
	)

	// Phase 3: SearchingForGPU — fresh offer query scoped to the original
	// region, falling back through configured regions in preference order.
	phaseStart = o.now()
	o.transition(event, models.PhaseSearchingForGPU)
	offers, err := o.findOffers(ctx, inst, logger)
	if err != nil {
		return o.abort(ctx, event, models.PhaseSearchingForGPU, phaseStart, err, logger)
	}
	o.completePhase(event, models.PhaseSearchingForGPU, phaseStart)

	// Phase 4: Provisioning — the race owns its own round retries; its
	// duration runs from race start to winner commit.
	phaseStart = o.now()
	o.transition(event, models.PhaseProvisioning)
	replacement, err := o.provision(ctx, offers)
	if err != nil {
		return o.abort(ctx, event, models.PhaseProvisioning, phaseStart, err, logger)
	}
	event.ReplacementInstanceID = replacement.ID
	o.completePhase(event, models.PhaseProvisioning, phaseStart)
	logger.Info("Replacement instance provisioned",
		zap.String("replacement_instance_id", replacement.ID.String()),
	)

	// Phase 5: RestoringData — newest snapshot vs the standby's live copy,
	// whichever is later; ties prefer the standby (lower expected loss).
	phaseStart = o.now()
	o.transition(event, models.PhaseRestoringData)
	if err := o.restore(ctx, event, inst, unit, replacement, logger); err != nil {
		return o.abort(ctx, event, models.PhaseRestoringData, phaseStart, err, logger)
	}
	o.completePhase(event, models.PhaseRestoringData, phaseStart)

	// Terminal: Complete. Re-point the standby at the replacement and hand
	// traffic back.
	if err := o.standby.Adopt(ctx, unit, replacement); err != nil {
		logger.Warn("Failed to re-attach standby to replacement instance", zap.Error(err))
	}
	if err := o.standby.RestorePrimary(ctx, replacement); err != nil {
		logger.Warn("Failed to switch traffic back to replacement instance", zap.Error(err))
	}

	event.Finalize(models.OutcomeSuccess, o.now())
	o.transition(event, models.PhaseComplete)
	o.appendHistory(ctx, event, logger)

	logger.Info("Failover complete",
		zap.String("event_id", event.ID.String()),
		zap.Duration("total_duration", event.TotalDuration()),
		zap.Duration("data_loss_window", event.DataLossWindow),
	)
	return event, nil
}

// findOffers queries the marketplace for the original region, then each
// fallback region in order, returning the first non-empty result.
func (o *Orchestrator) findOffers(ctx context.Context, inst *models.Instance, logger *zap.Logger) ([]models.Offer, error) {
	regions := append([]string{inst.Region}, o.cfg.FallbackRegions...)
	for _, region := range regions {
		var offers []models.Offer
		err := retryer.WithRetry(ctx, logger, o.cfg.Retry, "marketplace offer query", func() error {
			var qerr error
			offers, qerr = o.offers.Query(ctx, region, inst.Tier, o.cfg.PriceCeiling)
			return qerr
		})
		if err != nil {
			return nil, err
		}
		if len(offers) > 0 {
			logger.Info("Found replacement offers",
				zap.String("region", region),
				zap.Int("count", len(offers)),
			)
			return offers, nil
		}
		logger.Warn("No offers in region, trying next fallback", zap.String("region", region))
	}
	return nil, models.ErrNoOffersAvailable
}

// provision runs the provisioning race to a committed replacement instance.
func (o *Orchestrator) provision(ctx context.Context, offers []models.Offer) (*models.Instance, error) {
	handle, err := o.races.StartRace(ctx, offers, o.cfg.PoolSize, o.cfg.MaxRounds)
	if err != nil {
		return nil, err
	}
	result, err := handle.Wait(ctx)
	if err != nil {
		handle.Cancel()
		return nil, err
	}
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Instance, nil
}

// restore selects the fresher of the newest snapshot and the standby's live
// copy and restores it onto the replacement.
func (o *Orchestrator) restore(ctx context.Context, event *models.FailoverEvent, lost *models.Instance, unit *models.StandbyUnit, replacement *models.Instance, logger *zap.Logger) error {
	var newest *models.Snapshot
	snaps, err := o.snaps.List(ctx, workspaceFor(lost))
	if err != nil {
		// Listing failure doesn't doom the restore while the standby copy
		// exists; it only removes the snapshot option.
		logger.Warn("Failed to list snapshots, falling back to standby copy", zap.Error(err))
	} else if len(snaps) > 0 {
		newest = snaps[0]
	}

	standbyAt := unit.LastSyncAt

	useStandby := true
	if newest != nil && !standbyAt.IsZero() {
		if newest.CreatedAt.After(standbyAt) {
			useStandby = false
		} else if newest.CreatedAt.Equal(standbyAt) {
			// Same timestamp, different content: prefer the standby copy and
			// log the discarded snapshot (restore conflict policy).
			logger.Warn("Restore source conflict, preferring standby copy",
				zap.String("discarded_snapshot_id", newest.ID.String()),
				zap.Time("timestamp", standbyAt),
			)
		}
	} else if newest != nil && standbyAt.IsZero() {
		useStandby = false
	}

	if useStandby {
		event.RestoreSource = models.SnapshotFromStandby
		return o.standby.RestoreTo(ctx, unit, replacement)
	}

	event.RestoreSource = models.SnapshotFromInstance
	return o.snaps.Restore(ctx, newest, replacement)
}

// abort finalizes the event as failed at the given phase. The failing
// phase's elapsed time is recorded so totals stay consistent.
func (o *Orchestrator) abort(ctx context.Context, event *models.FailoverEvent, phase models.FailoverPhase, phaseStart time.Time, cause error, logger *zap.Logger) (*models.FailoverEvent, error) {
	o.completePhase(event, phase, phaseStart)
	event.FailedPhase = phase
	event.FailureReason = cause.Error()
	event.Finalize(models.OutcomeFailure, o.now())
	o.transition(event, models.PhaseAborted)
	o.appendHistory(ctx, event, logger)

	logger.Error("Failover aborted",
		zap.String("event_id", event.ID.String()),
		zap.String("failed_phase", string(phase)),
		zap.Error(cause),
	)
	return event, fmt.Errorf("failover aborted in phase %s: %w", phase, cause)
}

// completePhase records the phase's duration using a single clock read so
// phase timestamps stay monotonically non-decreasing.
func (o *Orchestrator) completePhase(event *models.FailoverEvent, phase models.FailoverPhase, start time.Time) {
	event.RecordPhase(phase, start, o.now())
}

// transition updates the event's current phase and publishes it.
func (o *Orchestrator) transition(event *models.FailoverEvent, phase models.FailoverPhase) {
	if phase != models.PhaseComplete && phase != models.PhaseAborted {
		event.CurrentPhase = phase
	}
	if o.sink != nil {
		o.sink.PublishPhaseTransition(event, phase)
	}
}

// appendHistory finalizes the event into the append-only history log.
func (o *Orchestrator) appendHistory(ctx context.Context, event *models.FailoverEvent, logger *zap.Logger) {
	// History writes must not fail the failover itself; a dropped record is
	// logged and the event outcome stands.
	appendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.events.Append(appendCtx, event); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Failed to append failover event to history",
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
	}
}
