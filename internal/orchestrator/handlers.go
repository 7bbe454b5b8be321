package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
)

// HandleTrigger обрабатывает trigger.received.
//
// Повторная доставка безопасна: execution дедуплицируется по DedupKey.
func (o *Orchestrator) HandleTrigger(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.TriggerReceivedPayload](&delivery.Message)
	if err != nil {
		return err
	}

	o.logger.Debug("received trigger",
		"pipeline_id", payload.PipelineID,
		"trigger", payload.Trigger.Source,
		"revision", payload.Trigger.Revision,
		"dedup_key", payload.Trigger.DedupKey,
	)

	id, err := o.Start(ctx, payload.PipelineID, payload.Trigger)
	if err != nil {
		if errors.Is(err, domain.ErrPipelineNotFound) || errors.Is(err, domain.ErrInvalidDefinition) {
			return fmt.Errorf("%w: %w", mq.ErrPermanent, err)
		}
		return err
	}

	o.logger.Debug("trigger handled", "pipeline_id", payload.PipelineID, "execution_id", id)
	return nil
}

// HandleActionCompleted обрабатывает action.completed.
func (o *Orchestrator) HandleActionCompleted(ctx context.Context, delivery *mq.Delivery) error {
	res, err := mq.ParsePayload[domain.ActionResult](&delivery.Message)
	if err != nil {
		return err
	}

	o.logger.Debug("received action result",
		"execution_id", res.ExecutionID,
		"stage", res.StageName,
		"action", res.ActionName,
		"status", res.Status,
	)

	if err := o.RecordResult(ctx, res); err != nil {
		if errors.Is(err, domain.ErrUnknownExecution) {
			return fmt.Errorf("%w: %w", mq.ErrPermanent, err)
		}
		return err
	}
	return nil
}

// Consumers создаёт consumers trigger.received и action.completed.
func (o *Orchestrator) Consumers(conn *mq.Connection, logger *slog.Logger, concurrency int) []*mq.Consumer {
	return []*mq.Consumer{
		mq.NewConsumer(conn, logger, mq.ConsumerConfig{
			Queue:       mq.QueueTriggersReceived,
			Handler:     o.HandleTrigger,
			Concurrency: concurrency,
		}),
		mq.NewConsumer(conn, logger, mq.ConsumerConfig{
			Queue:       mq.QueueActionsCompleted,
			Handler:     o.HandleActionCompleted,
			Concurrency: concurrency,
		}),
	}
}
