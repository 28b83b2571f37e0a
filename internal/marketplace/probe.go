package marketplace

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gpufleet/lifecycle-controller/internal/models"
	"github.com/gpufleet/lifecycle-controller/internal/race"
)

// OfferProbe implements race.Probe against the marketplace lease API: it
// claims an offer, polls the lease until the remote instance is reachable,
// and releases the lease on failure or cancellation.
type OfferProbe struct {
	client       *Client
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewOfferProbe creates a probe backed by the marketplace client.
func NewOfferProbe(client *Client, pollInterval time.Duration, logger *zap.Logger) *OfferProbe {
	return &OfferProbe{
		client:       client,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run claims the offer and blocks until the lease reports ready, fails, or
// ctx is cancelled. On cancellation the lease is released best-effort with a
// fresh detached context before the context error is returned.
func (p *OfferProbe) Run(ctx context.Context, offer models.Offer, report race.ProgressFunc) (*models.Instance, error) {
	lease, err := p.client.LeaseOffer(ctx, offer.ID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("leasing offer %s: %w", offer.ID, err)
	}

	report(5, "offer leased, waiting for instance boot")

	for {
		if err := waitBudget(ctx, p.pollInterval); err != nil {
			p.releaseDetached(lease)
			return nil, err
		}

		status, err := p.client.LeaseStatus(ctx, lease.ID)
		if err != nil {
			if ctx.Err() != nil {
				p.releaseDetached(lease)
				return nil, ctx.Err()
			}
			// Transient status poll failures are not terminal; the round
			// timeout bounds how long we keep trying.
			p.logger.Debug("Lease status poll failed",
				zap.String("lease_id", lease.ID.String()),
				zap.Error(err),
			)
			continue
		}

		report(status.Progress, status.Message)

		switch status.State {
		case LeaseReady:
			if status.Endpoint == "" {
				p.releaseDetached(lease)
				return nil, fmt.Errorf("lease %s ready without endpoint", lease.ID)
			}
			return models.NewInstance(offer, status.Endpoint), nil
		case LeaseFailed:
			p.releaseDetached(lease)
			if status.Error != "" {
				return nil, fmt.Errorf("offer %s failed to provision: %s", offer.ID, status.Error)
			}
			return nil, fmt.Errorf("offer %s failed to provision", offer.ID)
		case LeasePending, LeaseBooting:
			// keep polling
		default:
			p.logger.Warn("Unknown lease state",
				zap.String("lease_id", lease.ID.String()),
				zap.String("state", string(status.State)),
			)
		}
	}
}

// Teardown releases the lease behind a committed instance that lost the race.
func (p *OfferProbe) Teardown(ctx context.Context, inst *models.Instance) error {
	// The marketplace keys releases by lease; leases and instances share the
	// offer, so release via the offer's active lease lookup.
	lease, err := p.client.LeaseStatusByOffer(ctx, inst.OfferID)
	if err != nil {
		return fmt.Errorf("looking up lease for offer %s: %w", inst.OfferID, err)
	}
	return p.client.ReleaseLease(ctx, lease.ID)
}

// releaseDetached releases a lease using a detached context so the release
// still goes out when the probe's own context is already cancelled.
func (p *OfferProbe) releaseDetached(lease *Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.client.ReleaseLease(ctx, lease.ID); err != nil {
		p.logger.Warn("Failed to release lease",
			zap.String("lease_id", lease.ID.String()),
			zap.Error(err),
		)
	}
}
