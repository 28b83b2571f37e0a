package race

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gpufleet/lifecycle-controller/internal/models"
	"go.uber.org/zap"
)

// ProgressSink receives race progress snapshots for UI/telemetry. Publishing
// is fire-and-forget; a slow or failing sink must never affect race outcome.
type ProgressSink interface {
	PublishRaceProgress(progress models.RaceProgress)
}

// Controller runs speculative multi-candidate provisioning races. Each race
// probes up to poolSize offers concurrently per round, commits to the first
// candidate that becomes ready, cancels the rest, and retries with fresh
// offers for up to maxRounds rounds.
type Controller struct {
	probe        Probe
	logger       *zap.Logger
	probeTimeout time.Duration
	sink         ProgressSink // optional, may be nil

	mu    sync.RWMutex
	races map[uuid.UUID]*Race
}

// NewController creates a race controller. probeTimeout bounds each
// candidate's attempt within a round; the controller itself has no global
// timeout beyond the round budget.
func NewController(probe Probe, probeTimeout time.Duration, sink ProgressSink, logger *zap.Logger) *Controller {
	return &Controller{
		probe:        probe,
		logger:       logger,
		probeTimeout: probeTimeout,
		sink:         sink,
		races:        make(map[uuid.UUID]*Race),
	}
}

// Result is the terminal outcome of a race. Exactly one of Instance or Err
// is set.
type Result struct {
	Instance            *models.Instance
	Rounds              int // rounds actually run
	CandidatesSpawned   int
	CandidatesCancelled int
	Err                 error
}

// Race is the caller's handle to one in-flight provisioning race.
type Race struct {
	ID        uuid.UUID
	ctrl      *Controller
	logger    *zap.Logger
	startedAt time.Time
	maxRounds int

	cancelRace context.CancelFunc
	cancelled  bool // set by Cancel, guarded by mu

	mu         sync.Mutex
	round      int
	candidates []*candidate // all candidates across rounds, in spawn order
	byOffer    map[uuid.UUID]*candidate
	observers  []chan models.RaceProgress

	done   chan struct{}
	result *Result // set exactly once, before done is closed
}

// candidate is the controller's private tracking record for one attempt.
// It never outlives the race that spawned it.
type candidate struct {
	offer     models.Offer
	status    models.CandidateStatus
	progress  int
	message   string
	lastError string
	startedAt time.Time
}

// StartRace begins a provisioning race over the given offers. It validates
// inputs, ranks the offers (price ascending, ties broken by reliability
// descending) and spawns the first round immediately.
func (c *Controller) StartRace(ctx context.Context, offers []models.Offer, poolSize int, maxRounds int) (*Race, error) {
	if len(offers) == 0 {
		return nil, models.ErrNoOffersAvailable
	}
	if poolSize < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", poolSize)
	}
	if maxRounds < 1 {
		return nil, fmt.Errorf("max rounds must be at least 1, got %d", maxRounds)
	}

	// Rank once up front. Rounds draw pools from this ordering, so winner
	// selection is deterministic given identical inputs.
	ranked := make([]models.Offer, len(offers))
	copy(ranked, offers)
	sort.SliceStable(ranked, func(i, j int) bool {
		if !ranked[i].PricePerHour.Equal(ranked[j].PricePerHour) {
			return ranked[i].PricePerHour.LessThan(ranked[j].PricePerHour)
		}
		return ranked[i].Reliability > ranked[j].Reliability
	})

	raceCtx, cancel := context.WithCancel(ctx)
	r := &Race{
		ID:         uuid.New(),
		ctrl:       c,
		startedAt:  time.Now().UTC(),
		maxRounds:  maxRounds,
		cancelRace: cancel,
		byOffer:    make(map[uuid.UUID]*candidate),
		done:       make(chan struct{}),
	}
	r.logger = c.logger.With(zap.String("race_id", r.ID.String()))

	c.mu.Lock()
	c.races[r.ID] = r
	c.mu.Unlock()

	r.logger.Info("Starting provisioning race",
		zap.Int("offers", len(ranked)),
		zap.Int("pool_size", poolSize),
		zap.Int("max_rounds", maxRounds),
	)

	go r.run(raceCtx, ranked, poolSize)
	return r, nil
}

// Get returns the handle for a known race, if still tracked.
func (c *Controller) Get(id uuid.UUID) (*Race, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.races[id]
	return r, ok
}

// Cancel aborts the race. All live candidates are cancelled and the handle
// resolves with a cancelled result.
func (r *Race) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancelRace()
}

// Wait blocks until the race reaches a terminal outcome or ctx is done.
func (r *Race) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Observe returns a read-only stream of progress snapshots. The stream is
// buffered and lossy: snapshots the consumer is too slow to read are dropped
// rather than blocking the race. The channel is closed when the race ends.
func (r *Race) Observe() <-chan models.RaceProgress {
	ch := make(chan models.RaceProgress, 16)
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		close(ch)
		return ch
	default:
	}
	r.observers = append(r.observers, ch)
	return ch
}

// Snapshot returns the current progress view of the race.
func (r *Race) Snapshot() models.RaceProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Race) snapshotLocked() models.RaceProgress {
	snaps := make([]models.CandidateSnapshot, 0, len(r.candidates))
	for _, cand := range r.candidates {
		snaps = append(snaps, models.CandidateSnapshot{
			OfferID:   cand.offer.ID,
			GPUModel:  cand.offer.GPUModel,
			Region:    cand.offer.Region,
			Status:    cand.status,
			Progress:  cand.progress,
			Message:   cand.message,
			LastError: cand.lastError,
			StartedAt: cand.startedAt,
		})
	}
	return models.RaceProgress{
		RaceID:     r.ID,
		Round:      r.round,
		MaxRounds:  r.maxRounds,
		Elapsed:    time.Since(r.startedAt),
		Candidates: snaps,
	}
}

// run drives the race to a terminal result. Exactly one invocation per race.
func (r *Race) run(ctx context.Context, ranked []models.Offer, poolSize int) {
	var (
		winner    *models.Instance
		spawned   int
		cancelled int
		rounds    int
	)

	remaining := ranked
	for round := 1; round <= r.maxRounds; round++ {
		if ctx.Err() != nil {
			break
		}
		if len(remaining) == 0 {
			// Offer pool drained before the round budget; nothing left to try.
			r.logger.Warn("Offer pool exhausted before round budget", zap.Int("round", round))
			break
		}

		poolLen := poolSize
		if poolLen > len(remaining) {
			poolLen = len(remaining)
		}
		pool := remaining[:poolLen]
		remaining = remaining[poolLen:]

		rounds = round
		r.mu.Lock()
		r.round = round
		r.mu.Unlock()

		r.logger.Info("Starting race round",
			zap.Int("round", round),
			zap.Int("candidates", len(pool)),
		)

		inst, roundCancelled := r.runRound(ctx, pool)
		spawned += len(pool)
		cancelled += roundCancelled
		if inst != nil {
			winner = inst
			break
		}
	}

	res := &Result{
		Instance:            winner,
		Rounds:              rounds,
		CandidatesSpawned:   spawned,
		CandidatesCancelled: cancelled,
	}
	switch {
	case winner != nil:
		r.logger.Info("Race won",
			zap.String("instance_id", winner.ID.String()),
			zap.Int("rounds", rounds),
			zap.Int("candidates_spawned", spawned),
			zap.Int("candidates_cancelled", cancelled),
		)
	case r.wasCancelled():
		res.Err = models.ErrRaceCancelled
		r.logger.Info("Race cancelled by caller", zap.Int("rounds", rounds))
	case ctx.Err() != nil:
		res.Err = ctx.Err()
		r.logger.Warn("Race context ended", zap.Error(ctx.Err()))
	default:
		res.Err = models.ErrProvisioningExhausted
		r.logger.Warn("Race exhausted without a winner",
			zap.Int("rounds", rounds),
			zap.Int("candidates_spawned", spawned),
		)
	}

	r.finish(res)
}

// probeOutcome carries one candidate's terminal result across the round's
// result channel.
type probeOutcome struct {
	poolIdx int
	offer   models.Offer
	inst    *models.Instance
	err     error
}

// runRound probes every offer in the pool concurrently and resolves the
// round: a winner, or all candidates failed. Returns the winning instance
// (nil when the round produced none) and the number of candidates cancelled.
func (r *Race) runRound(parent context.Context, pool []models.Offer) (*models.Instance, int) {
	roundCtx, cancelRound := context.WithTimeout(parent, r.ctrl.probeTimeout)
	defer cancelRound()

	results := make(chan probeOutcome, len(pool))

	for i := range pool {
		offer := pool[i]
		r.addCandidate(offer)
		go func(idx int, offer models.Offer) {
			r.setStatus(offer.ID, models.CandidateConnecting, "probing offer")
			inst, err := r.ctrl.probe.Run(roundCtx, offer, func(progress int, message string) {
				r.setProgress(offer.ID, progress, message)
			})
			results <- probeOutcome{poolIdx: idx, offer: offer, inst: inst, err: err}
		}(i, offer)
	}

	pending := len(pool)
	var ready []probeOutcome

	for pending > 0 && len(ready) == 0 {
		out := <-results
		pending--
		if out.err != nil {
			r.markProbeError(out, false)
			continue
		}
		ready = append(ready, out)

		// Drain siblings that completed within the same scheduling tick so
		// that simultaneous completions compete on price, not arrival order.
		for pending > 0 {
			select {
			case extra := <-results:
				pending--
				if extra.err != nil {
					r.markProbeError(extra, false)
				} else {
					ready = append(ready, extra)
				}
				continue
			default:
			}
			break
		}
	}

	if len(ready) == 0 {
		r.logger.Info("Round ended with no ready candidate")
		return nil, 0
	}

	// Tie-break: lowest price wins; reliability then pool order (which is
	// itself deterministic) settle exact ties.
	sort.SliceStable(ready, func(i, j int) bool {
		oi, oj := ready[i].offer, ready[j].offer
		if !oi.PricePerHour.Equal(oj.PricePerHour) {
			return oi.PricePerHour.LessThan(oj.PricePerHour)
		}
		if oi.Reliability != oj.Reliability {
			return oi.Reliability > oj.Reliability
		}
		return ready[i].poolIdx < ready[j].poolIdx
	})

	winner := ready[0]
	r.setProgress(winner.offer.ID, 100, "instance ready")
	r.setStatus(winner.offer.ID, models.CandidateReady, "instance ready")

	cancelled := 0

	// Losers that also reached ready: cancel and release their instances.
	for _, loser := range ready[1:] {
		r.setStatus(loser.offer.ID, models.CandidateCancelled, "lost race to cheaper candidate")
		cancelled++
		r.teardownLoser(loser.inst)
	}

	// Cancel everything still in flight and wait for each probe to unwind so
	// partial remote resources are released before the round returns.
	cancelRound()
	for pending > 0 {
		out := <-results
		pending--
		if out.err != nil {
			if r.markProbeError(out, true) == models.CandidateCancelled {
				cancelled++
			}
			continue
		}
		// Probe finished ready in the cancellation window; it lost anyway.
		r.setStatus(out.offer.ID, models.CandidateCancelled, "lost race to earlier candidate")
		cancelled++
		r.teardownLoser(out.inst)
	}

	return winner.inst, cancelled
}

// markProbeError records a failed or cancelled candidate and returns the
// status it assigned. When the round has a winner (winnerDeclared), context
// cancellation counts as cancelled; a probe that dies with its own error is
// a failure regardless, so counters stay in step with published statuses.
func (r *Race) markProbeError(out probeOutcome, winnerDeclared bool) models.CandidateStatus {
	if winnerDeclared && (errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded)) {
		r.setStatus(out.offer.ID, models.CandidateCancelled, "cancelled after winner commit")
		return models.CandidateCancelled
	}
	r.mu.Lock()
	if cand, ok := r.byOffer[out.offer.ID]; ok {
		cand.status = models.CandidateFailed
		cand.lastError = out.err.Error()
		cand.message = "probe failed"
	}
	r.mu.Unlock()
	r.emit()
	r.logger.Debug("Candidate failed",
		zap.String("offer_id", out.offer.ID.String()),
		zap.Error(out.err),
	)
	return models.CandidateFailed
}

// teardownLoser best-effort releases a ready-but-losing instance. Errors are
// logged, never fatal: the race already has its winner.
func (r *Race) teardownLoser(inst *models.Instance) {
	if inst == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.ctrl.probe.Teardown(ctx, inst); err != nil {
		r.logger.Warn("Failed to tear down losing candidate instance",
			zap.String("instance_id", inst.ID.String()),
			zap.Error(err),
		)
	}
}

func (r *Race) addCandidate(offer models.Offer) {
	r.mu.Lock()
	cand := &candidate{
		offer:     offer,
		status:    models.CandidatePending,
		startedAt: time.Now().UTC(),
	}
	r.candidates = append(r.candidates, cand)
	r.byOffer[offer.ID] = cand
	r.mu.Unlock()
	r.emit()
}

func (r *Race) setStatus(offerID uuid.UUID, status models.CandidateStatus, message string) {
	r.mu.Lock()
	if cand, ok := r.byOffer[offerID]; ok {
		cand.status = status
		cand.message = message
	}
	r.mu.Unlock()
	r.emit()
}

func (r *Race) setProgress(offerID uuid.UUID, progress int, message string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	r.mu.Lock()
	if cand, ok := r.byOffer[offerID]; ok && !cand.status.Terminal() {
		cand.progress = progress
		if message != "" {
			cand.message = message
		}
	}
	r.mu.Unlock()
	r.emit()
}

// emit pushes a fresh snapshot to all observers and the progress sink.
// Sends never block: observers that lag drop snapshots.
func (r *Race) emit() {
	r.mu.Lock()
	snap := r.snapshotLocked()
	observers := make([]chan models.RaceProgress, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	for _, ch := range observers {
		select {
		case ch <- snap:
		default:
		}
	}
	if r.ctrl.sink != nil {
		r.ctrl.sink.PublishRaceProgress(snap)
	}
}

func (r *Race) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Race) finish(res *Result) {
	r.emit() // final snapshot before observers close

	r.mu.Lock()
	r.result = res
	observers := r.observers
	r.observers = nil
	r.mu.Unlock()

	close(r.done)
	for _, ch := range observers {
		close(ch)
	}

	r.ctrl.mu.Lock()
	delete(r.ctrl.races, r.ID)
	r.ctrl.mu.Unlock()
}
