package engine

import (
	"fmt"

	"github.com/shaiso/nbflow/internal/domain"
)

// Node — узел в графе.
type Node struct {
	// Task — определение задачи из DAGSpec.
	Task *domain.TaskDef

	// ID — идентификатор узла (совпадает с Task.ID).
	ID string

	// InDegree — количество входящих рёбер (зависимостей).
	InDegree int

	// DependsOn — узлы, от которых зависит этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые зависят от этого узла.
	Dependents []*Node
}

// DAG — направленный ациклический граф задач.
type DAG struct {
	// ID — идентификатор DAG.
	ID string

	// Nodes — все узлы графа (taskID → Node).
	Nodes map[string]*Node

	// RootNodes — узлы без зависимостей (точки входа), в порядке объявления.
	RootNodes []*Node

	// Order — топологически отсортированный список узлов.
	Order []*Node

	// declared — узлы в порядке объявления; обход по нему детерминирован.
	declared []*Node
}

// BuildDAG строит граф из DAGSpec.
func BuildDAG(spec *domain.DAGSpec) (*DAG, error) {
	dag := &DAG{
		ID:        spec.ID,
		Nodes:     make(map[string]*Node, len(spec.Tasks)),
		RootNodes: make([]*Node, 0),
		declared:  make([]*Node, 0, len(spec.Tasks)),
	}

	// Первый проход: создаём все узлы
	for i := range spec.Tasks {
		task := &spec.Tasks[i]
		if _, exists := dag.Nodes[task.ID]; exists {
			return nil, NewValidationError(task.ID, "id",
				fmt.Sprintf("duplicate task ID: %s", task.ID), ErrDuplicateTaskID)
		}
		node := &Node{
			Task:       task,
			ID:         task.ID,
			DependsOn:  make([]*Node, 0),
			Dependents: make([]*Node, 0),
		}
		dag.Nodes[task.ID] = node
		dag.declared = append(dag.declared, node)
	}

	// Второй проход: связываем узлы по зависимостям
	for _, node := range dag.declared {
		for _, depID := range node.Task.DependsOn {
			depNode, exists := dag.Nodes[depID]
			if !exists {
				return nil, NewValidationError(node.ID, "depends_on",
					fmt.Sprintf("depends on unknown task: %s", depID), ErrMissingDependency)
			}
			dag.addEdge(depNode, node)
		}
	}

	dag.findRootNodes()

	// Проверяем на циклы и строим топологический порядок
	order, err := dag.topologicalSort()
	if err != nil {
		return nil, err
	}
	dag.Order = order

	return dag, nil
}

// addEdge добавляет ребро между узлами.
// Дубликаты игнорируются, чтобы не учитывать InDegree дважды.
func (d *DAG) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.ID == from.ID {
			return
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// findRootNodes находит узлы без входящих рёбер.
func (d *DAG) findRootNodes() {
	d.RootNodes = make([]*Node, 0)
	for _, node := range d.declared {
		if node.InDegree == 0 {
			d.RootNodes = append(d.RootNodes, node)
		}
	}
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
// Возвращает ошибку, если обнаружен цикл.
func (d *DAG) topologicalSort() ([]*Node, error) {
	inDegree := make(map[string]int, len(d.Nodes))
	for id, node := range d.Nodes {
		inDegree[id] = node.InDegree
	}

	queue := make([]*Node, len(d.RootNodes))
	copy(queue, d.RootNodes)

	order := make([]*Node, 0, len(d.Nodes))

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, dependent := range node.Dependents {
			inDegree[dependent.ID]--
			if inDegree[dependent.ID] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	// Если не все узлы обработаны — есть цикл
	if len(order) != len(d.Nodes) {
		return nil, ErrCyclicDependency
	}

	return order, nil
}

// GetReadyNodes возвращает узлы, готовые к выполнению.
//
// Узел готов, если:
// - Все его зависимости завершены (в completed)
// - Сам узел ещё не завершён и не в процессе
func (d *DAG) GetReadyNodes(completed, running map[string]bool) []*Node {
	ready := make([]*Node, 0)

	for _, node := range d.declared {
		if completed[node.ID] || running[node.ID] {
			continue
		}

		allDepsCompleted := true
		for _, dep := range node.DependsOn {
			if !completed[dep.ID] {
				allDepsCompleted = false
				break
			}
		}

		if allDepsCompleted {
			ready = append(ready, node)
		}
	}

	return ready
}

// Edges возвращает все рёбра графа в порядке объявления задач.
func (d *DAG) Edges() []domain.Edge {
	edges := make([]domain.Edge, 0)
	for _, node := range d.declared {
		for _, dep := range node.DependsOn {
			edges = append(edges, domain.Edge{From: dep.ID, To: node.ID})
		}
	}
	return edges
}

// GetNode возвращает узел по ID.
func (d *DAG) GetNode(id string) *Node {
	return d.Nodes[id]
}

// Size возвращает количество узлов в графе.
func (d *DAG) Size() int {
	return len(d.Nodes)
}

// IsComplete проверяет, все ли узлы завершены.
func (d *DAG) IsComplete(completed map[string]bool) bool {
	for id := range d.Nodes {
		if !completed[id] {
			return false
		}
	}
	return true
}
