// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go     — Handler с DI (Bag, репозитории, publisher, logger)
//   - routes.go      — регистрация маршрутов
//   - middleware.go  — middleware (recovery, metrics, logging)
//   - response.go    — унифицированные JSON-ответы и обработка ошибок
//   - dto.go         — Data Transfer Objects (request/response)
//   - dag_handler.go — обработчики для /dags
//   - run_handler.go — обработчики для /runs
//
// DAG объявляются в коде, поэтому API их только читает; изменяемое
// состояние DAG (пауза) и runs хранятся в Postgres.
package api
