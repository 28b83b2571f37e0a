package models

import "errors"

// Predefined errors for the lifecycle controller. These are the terminal
// outcomes surfaced to callers; component-level failures (a single probe, a
// single sync cycle) are absorbed into state transitions instead.
var (
	// ErrNoOffersAvailable means a race was requested with an empty offer pool.
	ErrNoOffersAvailable = errors.New("no offers available for provisioning")

	// ErrProvisioningExhausted means every round of a race completed without a
	// winner before the round budget ran out.
	ErrProvisioningExhausted = errors.New("provisioning exhausted: no candidate became ready within the round budget")

	// ErrRaceCancelled means the caller aborted the race.
	ErrRaceCancelled = errors.New("provisioning race cancelled")

	// ErrNoStandbyAvailable means a failover was triggered for an instance
	// that has no standby attached. This is a configuration gap, not a bug:
	// it lets operators distinguish "failed because unprotected" from
	// "failed despite protection".
	ErrNoStandbyAvailable = errors.New("no standby unit attached to instance")

	// ErrSyncPromotionFailed means a sync cycle staged data but could not
	// atomically promote it. The previous good copy is untouched; the next
	// scheduled cycle retries.
	ErrSyncPromotionFailed = errors.New("standby sync promotion failed")

	// ErrRestoreConflict means the snapshot and the standby live copy carry
	// the same timestamp with different content. Resolved by preferring the
	// standby copy.
	ErrRestoreConflict = errors.New("restore source conflict between snapshot and standby copy")

	// ErrInstanceBusy means a failover is already in flight for the instance.
	ErrInstanceBusy = errors.New("a failover is already running for this instance")

	// ErrStandbyNotFound is returned by lookups for an unknown standby unit.
	ErrStandbyNotFound = errors.New("standby unit not found")
)
