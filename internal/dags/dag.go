package dags

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"dario.cat/mergo"
	"github.com/shaiso/nbflow/internal/domain"
)

// Значения default args по умолчанию.
const (
	DefaultOwner      = "nbflow"
	DefaultRetries    = 1
	DefaultRetryDelay = 5 * time.Minute
)

// Ошибки объявления DAG.
var (
	// ErrEmptyDAGID — DAG объявлен без ID.
	ErrEmptyDAGID = errors.New("dag id is empty")

	// ErrDuplicateTaskID — в DAG уже есть задача с таким ID.
	ErrDuplicateTaskID = errors.New("duplicate task id")

	// ErrForeignOperator — оператор принадлежит другому DAG.
	ErrForeignOperator = errors.New("operator belongs to another dag")
)

// DefaultArgs — аргументы, которые наследует каждая задача DAG.
// Значения, заданные на уровне оператора, имеют приоритет.
type DefaultArgs struct {
	// Owner — владелец задач.
	Owner string

	// Retries — количество повторных попыток (не считая первую).
	// 0 — значение по умолчанию, отрицательное значение отключает повторы.
	Retries int

	// RetryDelay — задержка перед повторной попыткой.
	RetryDelay time.Duration

	// RetryExponentialBackoff — удваивать задержку с каждой попыткой.
	RetryExponentialBackoff bool

	// MaxRetryDelay — верхняя граница задержки при exponential backoff.
	MaxRetryDelay time.Duration

	// ExecutionTimeout — таймаут выполнения одной попытки (0 — без таймаута).
	ExecutionTimeout time.Duration

	// Parameters — параметры, передаваемые в каждый notebook.
	Parameters map[string]any
}

// defaultDefaultArgs возвращает default args, применяемые ко всем DAG.
func defaultDefaultArgs() DefaultArgs {
	return DefaultArgs{
		Owner:      DefaultOwner,
		Retries:    DefaultRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// DAG — объявление DAG: расписание и набор задач с зависимостями.
type DAG struct {
	id               string
	scheduleInterval string
	description      string
	tags             []string
	defaultArgs      DefaultArgs

	operators []*Operator
	byID      map[string]*Operator
	errs      []error
}

// Option — опция CreateDAG.
type Option func(*DAG)

// WithDescription задаёт описание DAG.
func WithDescription(description string) Option {
	return func(d *DAG) { d.description = description }
}

// WithTags задаёт метки DAG.
func WithTags(tags ...string) Option {
	return func(d *DAG) { d.tags = append(d.tags, tags...) }
}

// WithDefaultArgs задаёт default args DAG.
// Незаданные поля берутся из значений по умолчанию.
func WithDefaultArgs(args DefaultArgs) Option {
	return func(d *DAG) {
		if err := mergo.Merge(&args, defaultDefaultArgs()); err != nil {
			d.errs = append(d.errs, fmt.Errorf("merge default args: %w", err))
			return
		}
		d.defaultArgs = args
	}
}

// CreateDAG создаёт объявление DAG.
//
// scheduleInterval передаётся как есть: cron-выражение или дескриптор
// ("@hourly"). Проверяет его scheduler, а не объявление.
func CreateDAG(dagID, scheduleInterval string, opts ...Option) *DAG {
	d := &DAG{
		id:               dagID,
		scheduleInterval: scheduleInterval,
		defaultArgs:      defaultDefaultArgs(),
		byID:             make(map[string]*Operator),
	}
	if dagID == "" {
		d.errs = append(d.errs, ErrEmptyDAGID)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// With выполняет объявление задач в контексте DAG и возвращает сам DAG.
func (d *DAG) With(declare func(d *DAG)) *DAG {
	declare(d)
	return d
}

// ID возвращает идентификатор DAG.
func (d *DAG) ID() string {
	return d.id
}

// ScheduleInterval возвращает расписание DAG.
func (d *DAG) ScheduleInterval() string {
	return d.scheduleInterval
}

// DefaultArgs возвращает default args DAG.
func (d *DAG) DefaultArgs() DefaultArgs {
	return d.defaultArgs
}

// Operators возвращает операторы в порядке объявления.
func (d *DAG) Operators() []*Operator {
	return slices.Clone(d.operators)
}

// Operator возвращает оператор по ID задачи.
func (d *DAG) Operator(taskID string) (*Operator, bool) {
	op, ok := d.byID[taskID]
	return op, ok
}

// Err возвращает ошибки, накопленные при объявлении.
func (d *DAG) Err() error {
	return errors.Join(d.errs...)
}

// addOperator регистрирует оператор в DAG.
func (d *DAG) addOperator(op *Operator) {
	if _, exists := d.byID[op.taskID]; exists {
		d.errs = append(d.errs, fmt.Errorf("%w: %s in dag %s", ErrDuplicateTaskID, op.taskID, d.id))
		return
	}
	d.byID[op.taskID] = op
	d.operators = append(d.operators, op)
}

// Spec возвращает снимок объявления в виде domain.DAGSpec.
func (d *DAG) Spec() domain.DAGSpec {
	spec := domain.DAGSpec{
		ID:               d.id,
		Description:      d.description,
		ScheduleInterval: d.scheduleInterval,
		Tags:             slices.Clone(d.tags),
		Tasks:            make([]domain.TaskDef, 0, len(d.operators)),
	}
	for _, op := range d.operators {
		spec.Tasks = append(spec.Tasks, op.taskDef())
	}
	return spec
}
