package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/ratepulse/ratepulse/internal/alert"
)

// Job types accepted on the subscription.
const (
	JobTypeRunAlerts   = "run_alerts"
	JobTypeHealthCheck = "health_check"
)

// PubSubHandler handles Pub/Sub messages for the worker.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	job              *AlertJob
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Job              *AlertJob
	Logger           zerolog.Logger
}

// JobMessage is the payload published by Cloud Scheduler.
type JobMessage struct {
	JobType string `json:"job_type"`
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)

	// Passes run one at a time.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 1
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		job:              cfg.Job,
		logger:           cfg.Logger,
	}, nil
}

// Start begins processing Pub/Sub messages.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		logger := h.logger.With().
			Str("message_id", msg.ID).
			Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
			Logger()

		if HandleJob(ctx, h.job, msg.Data, logger) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

// HandleJob processes one job payload and reports whether the message should
// be acknowledged. Alert runs are acknowledged even when they fail: the
// engine does not retry, and the next scheduled message starts a fresh pass.
// Unparsable payloads are acknowledged and logged, since redelivery cannot fix
// them. Only a message that arrives after ctx is done is rejected, so another
// subscriber picks it up.
func HandleJob(ctx context.Context, job *AlertJob, data []byte, logger zerolog.Logger) bool {
	startTime := time.Now()
	logger.Debug().Msg("received pubsub message")

	if ctx.Err() != nil {
		logger.Warn().Err(ctx.Err()).Msg("shutting down, returning message")
		return false
	}

	var jobMsg JobMessage
	if err := json.Unmarshal(data, &jobMsg); err != nil {
		logger.Error().Err(err).Int("bytes", len(data)).Msg("dropping unparsable message")
		return true
	}

	switch jobMsg.JobType {
	case JobTypeRunAlerts:
		_, err := job.Run(ctx)
		if errors.Is(err, ErrRunInProgress) {
			logger.Info().Msg("alert run already in progress, dropping message")
			return true
		}
		if err != nil && alert.IsFatal(err) {
			logger.Error().Err(err).Msg("alert run aborted on credential error")
		}
	case JobTypeHealthCheck:
		logger.Info().Fields(job.MetricsSnapshot()).Msg("worker health")
	default:
		logger.Warn().Str("job_type", jobMsg.JobType).Msg("unknown job type")
		return true // Ack unknown messages to prevent redelivery
	}

	logger.Info().
		Str("job_type", jobMsg.JobType).
		Dur("duration", time.Since(startTime)).
		Msg("job handled")
	return true
}
