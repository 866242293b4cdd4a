// Package engine содержит движок выполнения DAG.
//
// Включает:
//   - validate.go — валидация DAGSpec
//   - dag.go      — построение и обход графа задач
//   - template.go — рендеринг параметров notebook ({{ .Run.LogicalDate }})
//
// Engine отвечает за понимание структуры DAG и определение
// порядка выполнения задач на основе их зависимостей.
package engine
