package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/gpufleet/lifecycle-controller/internal/models"
)

// Publisher pushes consumer-facing lifecycle events (race progress snapshots
// and failover phase transitions) onto NATS subjects. All publishing is
// fire-and-forget: failures are logged and never propagate into the race or
// the failover state machine.
type Publisher struct {
	nc                    *nats.Conn
	logger                *zap.Logger
	raceSubjectPrefix     string
	failoverSubjectPrefix string
}

// NewPublisher creates a NATS event publisher. nc may be nil (degraded
// mode); every publish then becomes a no-op.
func NewPublisher(nc *nats.Conn, raceSubjectPrefix, failoverSubjectPrefix string, logger *zap.Logger) *Publisher {
	return &Publisher{
		nc:                    nc,
		logger:                logger,
		raceSubjectPrefix:     raceSubjectPrefix,
		failoverSubjectPrefix: failoverSubjectPrefix,
	}
}

// PublishRaceProgress publishes one race progress snapshot.
func (p *Publisher) PublishRaceProgress(progress models.RaceProgress) {
	if p.nc == nil {
		return
	}
	subject := fmt.Sprintf("%s.%s", p.raceSubjectPrefix, progress.RaceID)
	p.publish(subject, progress)
}

// phaseTransition is the wire shape of one failover phase transition.
type phaseTransition struct {
	EventID       string                 `json:"event_id"`
	InstanceID    string                 `json:"instance_id"`
	Phase         models.FailoverPhase   `json:"phase"`
	TriggerReason string                 `json:"trigger_reason"`
	Outcome       models.FailoverOutcome `json:"outcome,omitempty"`
	FailedPhase   models.FailoverPhase   `json:"failed_phase,omitempty"`
}

// PublishPhaseTransition publishes one failover phase transition.
func (p *Publisher) PublishPhaseTransition(event *models.FailoverEvent, phase models.FailoverPhase) {
	if p.nc == nil {
		return
	}
	subject := fmt.Sprintf("%s.%s", p.failoverSubjectPrefix, event.ID)
	p.publish(subject, phaseTransition{
		EventID:       event.ID.String(),
		InstanceID:    event.InstanceID.String(),
		Phase:         phase,
		TriggerReason: event.TriggerReason,
		Outcome:       event.Outcome,
		FailedPhase:   event.FailedPhase,
	})
}

func (p *Publisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal event payload", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
