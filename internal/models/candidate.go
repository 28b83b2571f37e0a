package models

import (
	"time"

	"github.com/google/uuid"
)

// CandidateStatus represents the lifecycle of one provisioning attempt.
type CandidateStatus string

const (
	CandidatePending    CandidateStatus = "pending"
	CandidateConnecting CandidateStatus = "connecting"
	CandidateReady      CandidateStatus = "ready"
	CandidateFailed     CandidateStatus = "failed"
	CandidateCancelled  CandidateStatus = "cancelled"
)

// Terminal reports whether the status is an end state for a candidate.
func (s CandidateStatus) Terminal() bool {
	return s == CandidateReady || s == CandidateFailed || s == CandidateCancelled
}

// CandidateSnapshot is the read-only view of a candidate published on the
// race progress stream. Progress and Message are advisory only; consumers
// must not derive correctness from them.
type CandidateSnapshot struct {
	OfferID   uuid.UUID       `json:"offer_id"`
	GPUModel  string          `json:"gpu_model"`
	Region    string          `json:"region"`
	Status    CandidateStatus `json:"status"`
	Progress  int             `json:"progress"` // 0-100
	Message   string          `json:"message,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
}

// RaceProgress is one snapshot of an in-flight provisioning race, emitted on
// the observation stream for UI/telemetry.
type RaceProgress struct {
	RaceID     uuid.UUID           `json:"race_id"`
	Round      int                 `json:"round"`
	MaxRounds  int                 `json:"max_rounds"`
	Elapsed    time.Duration       `json:"elapsed"`
	Candidates []CandidateSnapshot `json:"candidates"`
}
