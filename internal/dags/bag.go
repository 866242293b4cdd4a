package dags

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/engine"
)

// Ошибки реестра.
var (
	// ErrDAGNotFound — DAG с таким ID не зарегистрирован.
	ErrDAGNotFound = errors.New("dag not found")

	// ErrDAGExists — DAG с таким ID уже зарегистрирован.
	ErrDAGExists = errors.New("dag already registered")
)

// Bag — реестр объявленных DAG.
//
// Scheduler, orchestrator, worker и API читают объявления DAG из Bag,
// а не из базы данных: код пайплайнов — единственный источник правды.
type Bag struct {
	mu    sync.RWMutex
	dags  map[string]*DAG
	specs map[string]domain.DAGSpec
}

// NewBag создаёт пустой реестр.
func NewBag() *Bag {
	return &Bag{
		dags:  make(map[string]*DAG),
		specs: make(map[string]domain.DAGSpec),
	}
}

// Register валидирует DAG и добавляет его в реестр.
func (b *Bag) Register(d *DAG) error {
	if err := d.Err(); err != nil {
		return fmt.Errorf("declare dag %s: %w", d.ID(), err)
	}

	spec := d.Spec()
	if err := engine.Validate(&spec); err != nil {
		return fmt.Errorf("validate dag %s: %w", d.ID(), err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.dags[d.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDAGExists, d.ID())
	}
	b.dags[d.ID()] = d
	b.specs[d.ID()] = spec
	return nil
}

// MustRegister регистрирует DAG и паникует при ошибке.
// Используется при старте процессов, где невалидный DAG — ошибка сборки.
func (b *Bag) MustRegister(dags ...*DAG) {
	for _, d := range dags {
		if err := b.Register(d); err != nil {
			panic(err)
		}
	}
}

// Get возвращает DAG по ID.
func (b *Bag) Get(dagID string) (*DAG, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d, ok := b.dags[dagID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDAGNotFound, dagID)
	}
	return d, nil
}

// Spec возвращает провалидированный снимок DAG по ID.
func (b *Bag) Spec(dagID string) (domain.DAGSpec, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	spec, ok := b.specs[dagID]
	if !ok {
		return domain.DAGSpec{}, fmt.Errorf("%w: %s", ErrDAGNotFound, dagID)
	}
	return spec, nil
}

// List возвращает снимки всех DAG, отсортированные по ID.
func (b *Bag) List() []domain.DAGSpec {
	b.mu.RLock()
	defer b.mu.RUnlock()

	specs := make([]domain.DAGSpec, 0, len(b.specs))
	for _, spec := range b.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// Len возвращает количество зарегистрированных DAG.
func (b *Bag) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.dags)
}
