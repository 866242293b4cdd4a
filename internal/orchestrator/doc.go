// Package orchestrator управляет выполнением runs.
//
// Orchestrator отвечает за:
//   - Получение новых runs из очереди RabbitMQ
//   - Поиск объявления DAG в Bag и построение графа
//   - Рендеринг параметров notebook (Go templates + sprig)
//   - Создание tasks для задач без незавершённых зависимостей
//   - Отслеживание завершения tasks
//   - Финализацию run (SUCCEEDED/FAILED)
//
// Состояние runs хранится в памяти и восстанавливается из task rows,
// поэтому процесс можно перезапустить в любой момент.
package orchestrator
