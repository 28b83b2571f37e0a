package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/gpufleet/lifecycle-controller/internal/config"
	"github.com/gpufleet/lifecycle-controller/internal/models"
	"github.com/gpufleet/lifecycle-controller/internal/standby"
)

// FailoverHandler runs a full failover for a lost instance.
type FailoverHandler interface {
	HandleGPULoss(ctx context.Context, inst *models.Instance, reason string) (*models.FailoverEvent, error)
}

// StandbyAttacher creates a standby for a newly started instance.
type StandbyAttacher interface {
	Attach(ctx context.Context, inst *models.Instance, cfg standby.StandbyConfig) (*models.StandbyUnit, error)
}

// instanceStarted is the wire shape published by the marketplace when a
// rented instance comes up.
type instanceStarted struct {
	Instance models.Instance `json:"instance"`
}

// gpuLossReport is the wire shape published by monitoring when an instance's
// GPU is lost (heartbeat gap, hardware fault, provider pulled out).
type gpuLossReport struct {
	Instance models.Instance `json:"instance"`
	Reason   string          `json:"reason"`
}

// LifecycleConsumer receives instance lifecycle messages over JetStream pull
// subscriptions: instance-started messages attach a standby, GPU-loss reports
// trigger the failover orchestrator.
type LifecycleConsumer struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	logger   *zap.Logger
	cfg      *config.Config
	failover FailoverHandler
	standby  StandbyAttacher

	startedSub   *nats.Subscription
	lostSub      *nats.Subscription
	shutdownChan chan struct{}
}

// NewLifecycleConsumer creates the consumer. Requires a live NATS connection
// with JetStream enabled.
func NewLifecycleConsumer(nc *nats.Conn, cfg *config.Config, failover FailoverHandler, sb StandbyAttacher, logger *zap.Logger) (*LifecycleConsumer, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required for the lifecycle consumer")
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	return &LifecycleConsumer{
		nc:           nc,
		js:           js,
		logger:       logger,
		cfg:          cfg,
		failover:     failover,
		standby:      sb,
		shutdownChan: make(chan struct{}),
	}, nil
}

// StartConsuming creates the durable pull subscriptions and starts the fetch
// loops.
func (lc *LifecycleConsumer) StartConsuming() error {
	var err error

	lc.startedSub, err = lc.js.PullSubscribe(
		lc.cfg.NatsInstanceStartedSubject,
		lc.cfg.NatsQueueGroup+"_started_consumer",
		nats.AckWait(60*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", lc.cfg.NatsInstanceStartedSubject, err)
	}

	lc.lostSub, err = lc.js.PullSubscribe(
		lc.cfg.NatsInstanceLostSubject,
		lc.cfg.NatsQueueGroup+"_lost_consumer",
		nats.AckWait(60*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", lc.cfg.NatsInstanceLostSubject, err)
	}

	lc.logger.Info("Lifecycle consumer subscribed",
		zap.String("started_subject", lc.cfg.NatsInstanceStartedSubject),
		zap.String("lost_subject", lc.cfg.NatsInstanceLostSubject),
	)

	go lc.fetchLoop(lc.startedSub, lc.handleInstanceStarted)
	go lc.fetchLoop(lc.lostSub, lc.handleGPULoss)
	return nil
}

// fetchLoop pulls message batches until shutdown. Fetch timeouts are normal;
// other errors back off before retrying.
func (lc *LifecycleConsumer) fetchLoop(sub *nats.Subscription, handle func(msg *nats.Msg)) {
	for {
		select {
		case <-lc.shutdownChan:
			return
		default:
			msgs, err := sub.Fetch(5, nats.MaxWait(10*time.Second))
			if err != nil {
				if err == nats.ErrTimeout {
					continue
				}
				lc.logger.Error("Error fetching lifecycle messages", zap.Error(err))
				if !sub.IsValid() || lc.nc.Status() != nats.CONNECTED {
					lc.logger.Error("NATS subscription or connection lost, stopping fetch loop")
					return
				}
				time.Sleep(5 * time.Second)
				continue
			}
			for _, msg := range msgs {
				handle(msg)
			}
		}
	}
}

// handleInstanceStarted attaches a standby unit to a freshly started
// instance. Attach is idempotent so redeliveries are safe.
func (lc *LifecycleConsumer) handleInstanceStarted(msg *nats.Msg) {
	var started instanceStarted
	if err := json.Unmarshal(msg.Data, &started); err != nil {
		lc.logger.Error("Failed to unmarshal instance-started message",
			zap.Error(err),
			zap.ByteString("raw_data", msg.Data),
		)
		// ACK poison pills to avoid redelivery loops
		_ = msg.Ack()
		return
	}

	if !lc.cfg.StandbyEnabled {
		lc.logger.Debug("Standby disabled, ignoring instance-started message",
			zap.String("instance_id", started.Instance.ID.String()))
		_ = msg.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lc.cfg.RequestTimeout)
	defer cancel()

	unit, err := lc.standby.Attach(ctx, &started.Instance, standby.StandbyConfig{
		MachineType:  lc.cfg.StandbyMachineType,
		SyncInterval: lc.cfg.StandbySyncInterval,
		Workspace:    "workspaces/" + started.Instance.ID.String(),
	})
	if err != nil {
		lc.logger.Error("Failed to attach standby for started instance",
			zap.String("instance_id", started.Instance.ID.String()),
			zap.Error(err),
		)
		if nakErr := msg.NakWithDelay(30 * time.Second); nakErr != nil {
			lc.logger.Error("Failed to NAK instance-started message", zap.Error(nakErr))
			_ = msg.Ack()
		}
		return
	}

	lc.logger.Info("Standby attached for started instance",
		zap.String("instance_id", started.Instance.ID.String()),
		zap.String("unit_id", unit.ID.String()),
	)
	if err := msg.AckSync(); err != nil {
		lc.logger.Error("Failed to ACK instance-started message", zap.Error(err))
	}
}

// handleGPULoss runs the failover state machine for a reported loss. An
// in-flight failover for the same instance means a duplicate report; those
// are ACKed and dropped.
func (lc *LifecycleConsumer) handleGPULoss(msg *nats.Msg) {
	var report gpuLossReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		lc.logger.Error("Failed to unmarshal GPU loss report",
			zap.Error(err),
			zap.ByteString("raw_data", msg.Data),
		)
		_ = msg.Ack()
		return
	}

	// ACK before the (long) failover run; the event history is the durable
	// record, not NATS redelivery.
	if err := msg.AckSync(); err != nil {
		lc.logger.Error("Failed to ACK GPU loss report", zap.Error(err))
	}

	event, err := lc.failover.HandleGPULoss(context.Background(), &report.Instance, report.Reason)
	if err != nil {
		if errors.Is(err, models.ErrInstanceBusy) {
			lc.logger.Warn("Duplicate GPU loss report for instance already failing over",
				zap.String("instance_id", report.Instance.ID.String()),
			)
			return
		}
		lc.logger.Error("Failover failed",
			zap.String("instance_id", report.Instance.ID.String()),
			zap.Error(err),
		)
		return
	}
	lc.logger.Info("Failover finished",
		zap.String("instance_id", report.Instance.ID.String()),
		zap.String("event_id", event.ID.String()),
		zap.Duration("total_duration", event.TotalDuration()),
	)
}

// Stop signals the fetch loops and drains the subscriptions.
func (lc *LifecycleConsumer) Stop() {
	close(lc.shutdownChan)
	for _, sub := range []*nats.Subscription{lc.startedSub, lc.lostSub} {
		if sub == nil {
			continue
		}
		if err := sub.Drain(); err != nil {
			lc.logger.Error("Error draining lifecycle subscription", zap.Error(err))
			if unsubErr := sub.Unsubscribe(); unsubErr != nil {
				lc.logger.Error("Error unsubscribing lifecycle consumer", zap.Error(unsubErr))
			}
		}
	}
	lc.logger.Info("Lifecycle consumer stopped")
}
