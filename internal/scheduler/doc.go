// Package scheduler создаёт runs по расписаниям DAG.
//
// Расписание DAG (ScheduleInterval) — cron-выражение из 5 полей,
// дескриптор (@hourly, @daily, @every 15m) или @once. Объявления DAG
// берутся из dags.Bag, состояние (пауза, next_due_at) — из dag_states.
//
// Структура:
//   - scheduler.go — Tick и обработка одного DAG
//   - cron.go      — разбор расписаний и вычисление следующего запуска
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    DAGs:      bag,
//	    States:    repo.NewDAGStateRepo(pool),
//	    Runs:      repo.NewRunRepo(pool),
//	    Publisher: publisher,
//	    Logger:    logger,
//	})
//
//	if err := sched.Tick(ctx); err != nil {
//	    logger.Error("scheduler tick failed", "error", err)
//	}
//
// Leader election делается в main.go через pg_try_advisory_lock:
// Tick вызывает только лидер.
package scheduler
