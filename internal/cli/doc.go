// Package cli реализует инструмент командной строки nbflow.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с nbflow API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для nbflow API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	dags, err := client.ListDAGs("")
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr:
// nbflow run list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - dag: list, show, trigger, pause, unpause
//   - run: list, show, cancel, tasks
//
// Каждая группа создаётся через фабричную функцию (NewDAGCmd, NewRunCmd),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
