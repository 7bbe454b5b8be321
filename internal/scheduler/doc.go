// Package scheduler запускает pipelines по расписанию.
//
// Source action с trigger: scheduled задаёт cron-выражение (schedule).
// Каждый тик Scheduler находит последнее срабатывание с прошлого тика
// и публикует trigger.received с DedupKey "{pipeline}:{schedule}:{unix due}".
// Оркестратор дедуплицирует executions по этому ключу, поэтому повторная
// публикация (рестарт, смена лидера, ретрай) не создаёт второй execution.
//
// # Использование
//
//	s := scheduler.New(scheduler.Config{
//	    Pipelines: pipelineRepo,
//	    Emitter:   publisher,
//	    Logger:    logger,
//	})
//	go s.Run(ctx)
//
// # Leader election
//
// В conveyor-scheduler тикает только лидер: процесс, удерживающий
// pg_try_advisory_lock. Курсоры расписаний хранятся в памяти лидера;
// новый лидер просматривает окно Lookback назад.
package scheduler
