// Package dags — фабрики для объявления DAG в Go-коде.
//
// Пайплайн объявляется как DAG из notebook-задач:
//
//	dag := dags.CreateDAG("Example_DAG", "@daily").With(func(d *dags.DAG) {
//	    d.RunNotebook("example/prepare.ipynb").
//	        Then(d.RunNotebook("example/report.ipynb"))
//	})
//
// Структура:
//   - dag.go      — CreateDAG, DefaultArgs, Spec()
//   - operator.go — notebook operator, связывание задач (Then, Chain)
//   - bag.go      — реестр объявленных DAG (Bag)
//
// Ошибки объявления (дубликаты ID задач, операторы из чужого DAG)
// накапливаются и возвращаются через DAG.Err(), чтобы объявление
// читалось как конфигурация, без проверки ошибок на каждой строке.
package dags
