// Package repo — слой хранения nbflow в Postgres (jackc/pgx/v5).
//
// Таблицы:
//   - runs       — экземпляры выполнения DAG
//   - tasks      — задачи внутри run
//   - dag_states — пауза и расписание DAG (объявления DAG живут в коде)
//
// Репозитории принимают DBTX, поэтому работают с pgxpool.Pool,
// выделенным соединением или pgxmock в тестах.
package repo
