package race_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gpufleet/lifecycle-controller/internal/models"
	"github.com/gpufleet/lifecycle-controller/internal/race"
)

// probeBehavior scripts one offer's outcome in a fake probe. A blocking
// behavior with err set returns that error once ctx ends, instead of the
// context error.
type probeBehavior struct {
	delay time.Duration
	err   error
	block bool // ignore delay, block until ctx is done
}

// fakeProbe is a scripted race.Probe. Unscripted offers succeed immediately.
type fakeProbe struct {
	mu        sync.Mutex
	behaviors map[uuid.UUID]probeBehavior
	runs      map[uuid.UUID]int
	tornDown  []uuid.UUID
	order     []uuid.UUID // offers in the order Run was called
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{
		behaviors: make(map[uuid.UUID]probeBehavior),
		runs:      make(map[uuid.UUID]int),
	}
}

func (f *fakeProbe) set(offerID uuid.UUID, b probeBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[offerID] = b
}

func (f *fakeProbe) Run(ctx context.Context, offer models.Offer, report race.ProgressFunc) (*models.Instance, error) {
	f.mu.Lock()
	f.runs[offer.ID]++
	f.order = append(f.order, offer.ID)
	b := f.behaviors[offer.ID]
	f.mu.Unlock()

	report(10, "claiming offer")

	if b.block {
		<-ctx.Done()
		if b.err != nil {
			return nil, b.err
		}
		return nil, ctx.Err()
	}
	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.delay):
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	report(90, "instance booting")
	return models.NewInstance(offer, "10.0.0.1:9900"), nil
}

func (f *fakeProbe) Teardown(ctx context.Context, inst *models.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = append(f.tornDown, inst.ID)
	return nil
}

func (f *fakeProbe) runCount(offerID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[offerID]
}

func makeOffer(price string, reliability float64) models.Offer {
	return models.Offer{
		ID:           uuid.New(),
		GPUModel:     "RTX 4090",
		VRAM:         24576,
		Region:       "us-east",
		PricePerHour: decimal.RequireFromString(price),
		Reliability:  reliability,
	}
}

func TestStartRace_FirstReadyWins(t *testing.T) {
	probe := newFakeProbe()
	ctrl := race.NewController(probe, 5*time.Second, nil, zap.NewNop())

	cheap := makeOffer("0.50", 0.9)
	mid := makeOffer("0.80", 0.9)
	pricey := makeOffer("1.20", 0.9)

	// The pricey candidate is fastest; first ready commits regardless of price.
	probe.set(cheap.ID, probeBehavior{delay: 300 * time.Millisecond})
	probe.set(mid.ID, probeBehavior{delay: 200 * time.Millisecond})
	probe.set(pricey.ID, probeBehavior{delay: 20 * time.Millisecond})

	handle, err := ctrl.StartRace(context.Background(), []models.Offer{mid, pricey, cheap}, 3, 3)
	require.NoError(t, err)

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)
	require.NotNil(t, result.Instance)

	assert.Equal(t, pricey.ID, result.Instance.OfferID)
	assert.Equal(t, 1, result.Rounds)
	assert.Equal(t, 3, result.CandidatesSpawned)
	assert.Equal(t, 2, result.CandidatesCancelled)
}

func TestStartRace_RanksOffersByPrice(t *testing.T) {
	probe := newFakeProbe()
	ctrl := race.NewController(probe, 5*time.Second, nil, zap.NewNop())

	cheap := makeOffer("0.40", 0.5)
	mid := makeOffer("0.90", 0.9)
	pricey := makeOffer("1.50", 0.99)

	// Pool of one per round: rounds must draw candidates in price order.
	probe.set(cheap.ID, probeBehavior{err: errors.New("boot failure")})
	probe.set(mid.ID, probeBehavior{err: errors.New("boot failure")})

	handle, err := ctrl.StartRace(context.Background(), []models.Offer{pricey, mid, cheap}, 1, 3)
	require.NoError(t, err)

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)
	require.NotNil(t, result.Instance)
	assert.Equal(t, pricey.ID, result.Instance.OfferID)

	probe.mu.Lock()
	order := append([]uuid.UUID(nil), probe.order...)
	probe.mu.Unlock()
	require.Equal(t, []uuid.UUID{cheap.ID, mid.ID, pricey.ID}, order)
}

func TestStartRace_ReliabilityBreaksPriceTies(t *testing.T) {
	probe := newFakeProbe()
	ctrl := race.NewController(probe, 5*time.Second, nil, zap.NewNop())

	flaky := makeOffer("0.60", 0.5)
	solid := makeOffer("0.60", 0.99)

	probe.set(flaky.ID, probeBehavior{err: errors.New("boot failure")})

	// Same price: the more reliable offer must be probed first.
	handle, err := ctrl.StartRace(context.Background(), []models.Offer{flaky, solid}, 1, 2)
	require.NoError(t, err)

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.Equal(t, solid.ID, result.Instance.OfferID)
	assert.Equal(t, 1, result.Rounds)
}

func TestStartRace_RetriesWithFreshOffers(t *testing.T) {
	probe := newFakeProbe()
	ctrl := race.NewController(probe, 5*time.Second, nil, zap.NewNop())

	offers := []models.Offer{
		makeOffer("0.10", 0.9), makeOffer("0.20", 0.9), makeOffer("0.30", 0.9),
		makeOffer("0.40", 0.9), makeOffer("0.50", 0.9), makeOffer("0.60", 0.9),
	}
	// Round one (three cheapest) all fail; round two succeeds with its
	// fastest candidate.
	for _, o := range offers[:3] {
		probe.set(o.ID, probeBehavior{err: errors.New("provider unreachable")})
	}
	probe.set(offers[4].ID, probeBehavior{delay: 150 * time.Millisecond})
	probe.set(offers[5].ID, probeBehavior{delay: 200 * time.Millisecond})

	handle, err := ctrl.StartRace(context.Background(), offers, 3, 3)
	require.NoError(t, err)

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)
	require.NotNil(t, result.Instance)

	assert.Equal(t, 2, result.Rounds)
	assert.Equal(t, 6, result.CandidatesSpawned)
	assert.Equal(t, offers[3].ID, result.Instance.OfferID)

	// No offer may be probed more than once across rounds.
	for _, o := range offers {
		assert.LessOrEqual(t, probe.runCount(o.ID), 1, "offer %s probed more than once", o.ID)
	}
}

func TestStartRace_ExhaustsAfterMaxRounds(t *testing.T) {
	probe := newFakeProbe()
	ctrl := race.NewController(probe, 5*time.Second, nil, zap.NewNop())

	offers := make([]models.Offer, 9)
	for i := range offers {
		offers[i] = makeOffer("0.75", 0.9)
		probe.set(offers[i].ID, probeBehavior{err: errors.New("boot failure")})
	}

	handle, err := ctrl.StartRace(context.Background(), offers, 3, 2)
	require.NoError(t, err)

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, result.Err, models.ErrProvisioningExhausted)
	assert.Nil(t, result.Instance)

	// Exactly maxRounds rounds, pool size candidates each, never more.
	assert.Equal(t, 2, result.Rounds)
	assert.Equal(t, 6, result.CandidatesSpawned)
}

func TestStartRace_EmptyOffers(t *testing.T) {
	ctrl := race.NewController(newFakeProbe(), 5*time.Second, nil, zap.NewNop())

	handle, err := ctrl.StartRace(context.Background(), nil, 3, 3)
	require.ErrorIs(t, err, models.ErrNoOffersAvailable)
	assert.Nil(t, handle)
}

func TestStartRace_RejectsInvalidBounds(t *testing.T) {
	ctrl := race.NewController(newFakeProbe(), 5*time.Second, nil, zap.NewNop())
	offers := []models.Offer{makeOffer("0.50", 0.9)}

	t.Run("non-positive pool size", func(t *testing.T) {
		handle, err := ctrl.StartRace(context.Background(), offers, 0, 3)
		require.Error(t, err)
		assert.Nil(t, handle)
	})

	t.Run("non-positive max rounds", func(t *testing.T) {
		handle, err := ctrl.StartRace(context.Background(), offers, 3, -1)
		require.Error(t, err)
		assert.Nil(t, handle)
	})
}

func TestRace_Cancel(t *testing.T) {
	probe := newFakeProbe()
	ctrl := race.NewController(probe, 30*time.Second, nil, zap.NewNop())

	offers := []models.Offer{makeOffer("0.50", 0.9), makeOffer("0.60", 0.9)}
	for _, o := range offers {
		probe.set(o.ID, probeBehavior{block: true})
	}

	handle, err := ctrl.StartRace(context.Background(), offers, 2, 3)
	require.NoError(t, err)

	// Give the round time to spawn its candidates, then pull the plug.
	time.Sleep(50 * time.Millisecond)
	handle.Cancel()

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, result.Err, models.ErrRaceCancelled)
	assert.Nil(t, result.Instance)
}

func TestRace_LosersAreReleased(t *testing.T) {
	probe := newFakeProbe()
	ctrl := race.NewController(probe, 5*time.Second, nil, zap.NewNop())

	fast := makeOffer("0.90", 0.9)
	slow := makeOffer("0.50", 0.9)
	probe.set(fast.ID, probeBehavior{delay: 10 * time.Millisecond})
	probe.set(slow.ID, probeBehavior{delay: 150 * time.Millisecond})

	handle, err := ctrl.StartRace(context.Background(), []models.Offer{fast, slow}, 2, 1)
	require.NoError(t, err)

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.Equal(t, fast.ID, result.Instance.OfferID)
	assert.Equal(t, 1, result.CandidatesCancelled)

	// The winner's instance must never be torn down.
	probe.mu.Lock()
	tornDown := append([]uuid.UUID(nil), probe.tornDown...)
	probe.mu.Unlock()
	assert.NotContains(t, tornDown, result.Instance.ID)
}

func TestRace_LateProbeFailureCountsAsFailed(t *testing.T) {
	probe := newFakeProbe()
	ctrl := race.NewController(probe, 5*time.Second, nil, zap.NewNop())

	winner := makeOffer("0.90", 0.9)
	crasher := makeOffer("0.50", 0.9)
	probe.set(winner.ID, probeBehavior{delay: 10 * time.Millisecond})
	probe.set(crasher.ID, probeBehavior{block: true, err: errors.New("agent crashed")})

	handle, err := ctrl.StartRace(context.Background(), []models.Offer{winner, crasher}, 2, 1)
	require.NoError(t, err)

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.Equal(t, winner.ID, result.Instance.OfferID)

	// A probe that dies with its own error after the winner commits is a
	// failure, not a cancellation; the counter must agree with the
	// published statuses.
	snap := handle.Snapshot()
	cancelledStatuses := 0
	for _, c := range snap.Candidates {
		if c.Status == models.CandidateCancelled {
			cancelledStatuses++
		}
		if c.OfferID == crasher.ID {
			assert.Equal(t, models.CandidateFailed, c.Status)
			assert.Equal(t, "agent crashed", c.LastError)
		}
	}
	assert.Equal(t, cancelledStatuses, result.CandidatesCancelled)
	assert.Equal(t, 0, result.CandidatesCancelled)
}

func TestRace_ObserveStreamsProgress(t *testing.T) {
	probe := newFakeProbe()
	ctrl := race.NewController(probe, 5*time.Second, nil, zap.NewNop())

	offer := makeOffer("0.50", 0.9)
	probe.set(offer.ID, probeBehavior{delay: 30 * time.Millisecond})

	handle, err := ctrl.StartRace(context.Background(), []models.Offer{offer}, 1, 1)
	require.NoError(t, err)

	var last models.RaceProgress
	seen := 0
	for snap := range handle.Observe() {
		seen++
		last = snap
	}
	require.Greater(t, seen, 0)

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)

	require.Len(t, last.Candidates, 1)
	assert.Equal(t, models.CandidateReady, last.Candidates[0].Status)
	assert.Equal(t, 100, last.Candidates[0].Progress)
	assert.Equal(t, handle.ID, last.RaceID)
}

func TestRace_SnapshotTracksCandidates(t *testing.T) {
	probe := newFakeProbe()
	ctrl := race.NewController(probe, 5*time.Second, nil, zap.NewNop())

	ready := makeOffer("0.50", 0.9)
	failed := makeOffer("0.60", 0.9)
	probe.set(ready.ID, probeBehavior{delay: 20 * time.Millisecond})
	probe.set(failed.ID, probeBehavior{err: errors.New("cuda init failed")})

	handle, err := ctrl.StartRace(context.Background(), []models.Offer{ready, failed}, 2, 1)
	require.NoError(t, err)

	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)

	snap := handle.Snapshot()
	require.Len(t, snap.Candidates, 2)

	byOffer := make(map[uuid.UUID]models.CandidateSnapshot)
	for _, c := range snap.Candidates {
		byOffer[c.OfferID] = c
	}
	assert.Equal(t, models.CandidateReady, byOffer[ready.ID].Status)
	assert.Equal(t, models.CandidateFailed, byOffer[failed.ID].Status)
	assert.Equal(t, "cuda init failed", byOffer[failed.ID].LastError)
}
