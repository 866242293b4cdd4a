// Package worker выполняет notebook-задачи.
//
// # Обзор
//
// Worker — stateless компонент nbflow, который выполняет задачи (tasks),
// созданные Orchestrator'ом:
//
//   - Получает tasks из очереди tasks.ready (event-driven)
//   - Периодически проверяет queued tasks в БД (polling fallback)
//   - Запускает notebook внешним runner'ом (papermill)
//   - Повторяет неудачные попытки по политике задачи из DAG
//   - Публикует результат в tasks.completed
//
// Использование:
//
//	notebooks, err := worker.NewNotebookExecutor("papermill", "notebooks", "output")
//	if err != nil {
//	    return err
//	}
//
//	w := worker.New(worker.Config{
//	    TaskRepo:  taskRepo,
//	    RunRepo:   runRepo,
//	    DAGs:      bag,
//	    Publisher: publisher,
//	    Conn:      mqConn,
//	    Registry:  worker.NewNotebookRegistry(notebooks),
//	    Logger:    logger,
//	})
//
// # Retry
//
// Retry выполняется в процессе (sethvargo/go-retry), а не через requeue
// в RabbitMQ. Политика берётся из TaskDef.Retry:
//   - "exponential": задержка удваивается, не больше MaxDelayMs
//   - "fixed": задержка InitialDelayMs
//
// Каждая попытка записывается в БД (Attempt, RUNNING).
//
// # Ошибки
//
//   - Инфраструктурные (error от Execute): runner не найден, нет каталога
//   - Логические (ExecutionResult.Error): notebook завершился с ненулевым кодом или по таймауту
//
// Обе повторяются, пока не исчерпаны попытки.
package worker
