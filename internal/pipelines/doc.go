// Package pipelines содержит объявления DAG, которые запускает nbflow.
//
// Каждый пайплайн — функция, возвращающая *dags.DAG. Register добавляет
// все пайплайны в реестр; его вызывают все бинарники при старте.
package pipelines
