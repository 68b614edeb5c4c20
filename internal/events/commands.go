package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

// Controller is the part of the optimizer that commands drive.
type Controller interface {
	Pause(ctx context.Context, id uuid.UUID) (*domain.OptimizationJob, error)
	Resume(ctx context.Context, id uuid.UUID) (*domain.OptimizationJob, error)
	Skip(ctx context.Context, id uuid.UUID, stage int, defaults domain.ParameterSet) (*domain.OptimizationJob, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.OptimizationJob, error)
}

// NewCommandHandler returns an EventHandler applying optimizer commands received on
// CommandRoutingKeys. Commands that can never succeed (unknown job, bad payload) are
// logged and acknowledged; only transient failures are returned for redelivery.
func NewCommandHandler(ctrl Controller, timeout time.Duration, logger *zap.Logger) EventHandler {
	logger = logger.With(zap.String("component", "command_handler"))
	return func(routingKey string, body []byte) error {
		var msg ControlMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			logger.Warn("Dropping malformed command", zap.String("routing_key", routingKey), zap.Error(err))
			return nil
		}
		if msg.JobID == uuid.Nil {
			logger.Warn("Dropping command without job_id", zap.String("routing_key", routingKey))
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var err error
		switch routingKey {
		case RoutingKeyCommandPause:
			_, err = ctrl.Pause(ctx, msg.JobID)
		case RoutingKeyCommandResume:
			_, err = ctrl.Resume(ctx, msg.JobID)
		case RoutingKeyCommandSkip:
			_, err = ctrl.Skip(ctx, msg.JobID, msg.Stage, msg.Defaults)
		case RoutingKeyCommandCancel:
			_, err = ctrl.Cancel(ctx, msg.JobID)
		default:
			logger.Warn("Ignoring unknown command", zap.String("routing_key", routingKey))
			return nil
		}

		switch {
		case err == nil:
			logger.Info("Applied optimizer command",
				zap.String("routing_key", routingKey),
				zap.String("job_id", msg.JobID.String()),
			)
			return nil
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidInput):
			logger.Warn("Rejected optimizer command",
				zap.String("routing_key", routingKey),
				zap.String("job_id", msg.JobID.String()),
				zap.Error(err),
			)
			return nil
		default:
			return fmt.Errorf("%s for job %s: %w", routingKey, msg.JobID, err)
		}
	}
}

// Forward publishes every event read from events until the channel closes or ctx is
// done. Publish failures are logged and do not stop forwarding.
func Forward(ctx context.Context, events <-chan domain.ProgressEvent, pub Publisher, logger *zap.Logger) {
	logger = logger.With(zap.String("component", "event_forwarder"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := pub.PublishProgress(ctx, ev); err != nil {
				logger.Warn("Failed to publish progress event",
					zap.String("job_id", ev.JobID.String()),
					zap.Stringer("type", ev.Type),
					zap.Error(err),
				)
			}
		}
	}
}
