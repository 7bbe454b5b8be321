package worker

import (
	"context"
	"fmt"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
)

// handleActionReady выполняет action из очереди actions.ready.
//
// Остановка воркера возвращает сообщение в очередь без публикации
// результата: action выполнит другой воркер. Action, отменённый
// сигналом execution.cancelled, подтверждается без результата, кроме
// Deploy: его результат (откат) снимает блокировку Deploy pipeline.
func (w *Worker) handleActionReady(ctx context.Context, delivery *mq.Delivery) error {
	job, err := mq.ParsePayload[domain.ActionJob](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse action.ready payload", "error", err)
		return err
	}

	// 1. Выполнение
	jobCtx, release := w.jobs.track(ctx, job.ExecutionID)
	res := w.registry.Execute(jobCtx, job, w.logger)
	cancelled := jobCtx.Err() != nil
	release()

	// 2. Остановка воркера или отмена execution
	if err := ctx.Err(); err != nil {
		w.logger.Info("worker stopping, action returned to queue",
			"execution_id", job.ExecutionID,
			"action", job.Action.Name,
		)
		return err
	}
	if cancelled && job.Action.Kind != domain.ActionKindDeploy {
		w.logger.Info("action cancelled", "execution_id", job.ExecutionID, "action", job.Action.Name)
		return nil
	}

	// 3. Публикация результата
	if err := w.publisher.PublishActionCompleted(ctx, res); err != nil {
		return fmt.Errorf("publish action.completed: %w", err)
	}
	return nil
}

// handleExecutionCancelled отменяет action execution, выполняемые этим воркером.
func (w *Worker) handleExecutionCancelled(_ context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ExecutionCancelledPayload](&delivery.Message)
	if err != nil {
		return err
	}

	if n := w.jobs.Cancel(payload.ExecutionID); n > 0 {
		w.logger.Info("execution cancelled, actions stopped",
			"execution_id", payload.ExecutionID,
			"actions", n,
			"actor", payload.Actor,
		)
	}
	return nil
}
