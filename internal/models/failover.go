package models

import (
	"time"

	"github.com/google/uuid"
)

// FailoverPhase is one step of the failover state machine. Phases execute
// strictly in order; Complete and Aborted are the only terminal states.
type FailoverPhase string

const (
	PhaseGPULost              FailoverPhase = "gpu_lost"
	PhaseFailingOverToStandby FailoverPhase = "failing_over_to_standby"
	PhaseSearchingForGPU      FailoverPhase = "searching_for_gpu"
	PhaseProvisioning         FailoverPhase = "provisioning"
	PhaseRestoringData        FailoverPhase = "restoring_data"
	PhaseComplete             FailoverPhase = "complete"
	PhaseAborted              FailoverPhase = "aborted"
)

// FailoverOutcome is the terminal result of a failover event.
type FailoverOutcome string

const (
	OutcomeSuccess FailoverOutcome = "success"
	OutcomeFailure FailoverOutcome = "failure"
)

// PhaseRecord captures the timing of one completed phase.
type PhaseRecord struct {
	Phase     FailoverPhase `json:"phase"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
}

// FailoverEvent is one full run of the failover orchestrator for a given
// instance. It is mutable while the state machine runs and finalized
// (immutable, appended to history) when a terminal state is reached.
type FailoverEvent struct {
	ID            uuid.UUID       `json:"id"`
	InstanceID    uuid.UUID       `json:"instance_id"`
	TriggerReason string          `json:"trigger_reason"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       time.Time       `json:"ended_at,omitempty"`
	Phases        []PhaseRecord   `json:"phases"`
	CurrentPhase  FailoverPhase   `json:"current_phase"`
	Outcome       FailoverOutcome `json:"outcome,omitempty"`
	// FailedPhase and FailureReason are set only when Outcome is failure.
	FailedPhase   FailoverPhase `json:"failed_phase,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	// ReplacementInstanceID is set once provisioning commits a new instance.
	ReplacementInstanceID uuid.UUID `json:"replacement_instance_id,omitempty"`
	// RestoreSource records which copy was restored onto the replacement.
	RestoreSource SnapshotSource `json:"restore_source,omitempty"`
	// DataLossWindow is the gap between the standby's last successful sync
	// and the moment GPU loss was detected.
	DataLossWindow time.Duration `json:"data_loss_window"`
}

// NewFailoverEvent starts a failover record in the GPULost phase.
func NewFailoverEvent(instanceID uuid.UUID, reason string, now time.Time) *FailoverEvent {
	return &FailoverEvent{
		ID:            uuid.New(),
		InstanceID:    instanceID,
		TriggerReason: reason,
		StartedAt:     now,
		CurrentPhase:  PhaseGPULost,
		Phases:        make([]PhaseRecord, 0, 5),
	}
}

// RecordPhase appends a completed phase. Timestamps must be non-decreasing
// with respect to the previous record; callers drive phases sequentially so
// this holds by construction.
func (e *FailoverEvent) RecordPhase(phase FailoverPhase, start, end time.Time) {
	e.Phases = append(e.Phases, PhaseRecord{
		Phase:     phase,
		StartedAt: start,
		EndedAt:   end,
		Duration:  end.Sub(start),
	})
}

// TotalDuration is the sum of completed phase durations. Gaps between phases
// are not counted and no phase is counted twice.
func (e *FailoverEvent) TotalDuration() time.Duration {
	var total time.Duration
	for _, p := range e.Phases {
		total += p.Duration
	}
	return total
}

// PhaseDuration returns the recorded duration for a phase, or zero if the
// phase was never completed.
func (e *FailoverEvent) PhaseDuration(phase FailoverPhase) time.Duration {
	for _, p := range e.Phases {
		if p.Phase == phase {
			return p.Duration
		}
	}
	return 0
}

// Finalize marks the event terminal. After this the record is immutable and
// may be appended to history.
func (e *FailoverEvent) Finalize(outcome FailoverOutcome, now time.Time) {
	e.Outcome = outcome
	e.EndedAt = now
	if outcome == OutcomeSuccess {
		e.CurrentPhase = PhaseComplete
	} else {
		e.CurrentPhase = PhaseAborted
	}
}
