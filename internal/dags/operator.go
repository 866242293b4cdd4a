package dags

import (
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/gosimple/slug"
	"github.com/shaiso/nbflow/internal/domain"
)

// Operator — задача DAG, запускающая один notebook.
type Operator struct {
	dag      *DAG
	taskID   string
	notebook string
	args     DefaultArgs
	upstream []string
}

// OperatorOption — опция notebook operator.
type OperatorOption func(*Operator)

// WithTaskID задаёт ID задачи вместо выведенного из имени notebook.
func WithTaskID(taskID string) OperatorOption {
	return func(op *Operator) { op.taskID = taskID }
}

// WithParameters задаёт параметры notebook.
// Параметры DAG с теми же ключами перекрываются.
func WithParameters(params map[string]any) OperatorOption {
	return func(op *Operator) { op.args.Parameters = maps.Clone(params) }
}

// WithRetries задаёт количество повторных попыток.
// Отрицательное значение отключает повторы.
func WithRetries(retries int) OperatorOption {
	return func(op *Operator) { op.args.Retries = retries }
}

// WithRetryDelay задаёт задержку перед повторной попыткой.
func WithRetryDelay(delay time.Duration) OperatorOption {
	return func(op *Operator) { op.args.RetryDelay = delay }
}

// WithExecutionTimeout задаёт таймаут выполнения notebook.
func WithExecutionTimeout(timeout time.Duration) OperatorOption {
	return func(op *Operator) { op.args.ExecutionTimeout = timeout }
}

// RunNotebook создаёт notebook operator и добавляет его в DAG.
//
// notebookFilename — путь к notebook относительно каталога notebooks,
// например "peerscout/peerscout-recommend-reviewing-editors.ipynb".
// ID задачи выводится из имени файла без расширения.
func (d *DAG) RunNotebook(notebookFilename string, opts ...OperatorOption) *Operator {
	op := &Operator{
		dag:      d,
		taskID:   TaskIDFromNotebook(notebookFilename),
		notebook: notebookFilename,
	}
	for _, opt := range opts {
		opt(op)
	}

	// Параметры сливаются по ключам, поэтому map DAG копируется,
	// чтобы операторы не делили одну map.
	defaults := d.defaultArgs
	defaults.Parameters = maps.Clone(defaults.Parameters)
	if err := mergo.Merge(&op.args, defaults); err != nil {
		d.errs = append(d.errs, fmt.Errorf("merge args for %s: %w", op.taskID, err))
	}

	if op.taskID == "" {
		d.errs = append(d.errs, fmt.Errorf("cannot derive task id from notebook %q", notebookFilename))
		return op
	}

	d.addOperator(op)
	return op
}

// TaskIDFromNotebook выводит ID задачи из пути к notebook:
// "peerscout/peerscout-recommend.ipynb" → "peerscout-recommend".
func TaskIDFromNotebook(notebookFilename string) string {
	base := path.Base(notebookFilename)
	base = strings.TrimSuffix(base, path.Ext(base))
	return slug.Make(base)
}

// NotebookPath собирает путь к notebook из частей через "/".
func NotebookPath(parts ...string) string {
	return strings.Join(parts, "/")
}

// TaskID возвращает ID задачи.
func (op *Operator) TaskID() string {
	return op.taskID
}

// Notebook возвращает путь к notebook.
func (op *Operator) Notebook() string {
	return op.notebook
}

// Upstream возвращает ID задач, от которых зависит оператор.
func (op *Operator) Upstream() []string {
	return slices.Clone(op.upstream)
}

// Args возвращает итоговые аргументы оператора (после слияния с default args).
func (op *Operator) Args() DefaultArgs {
	return op.args
}

// Then делает next зависимым от op и возвращает next,
// чтобы цепочка читалась слева направо: a.Then(b).Then(c).
func (op *Operator) Then(next *Operator) *Operator {
	if next.dag != op.dag {
		op.dag.errs = append(op.dag.errs,
			fmt.Errorf("%w: %s -> %s", ErrForeignOperator, op.taskID, next.taskID))
		return next
	}
	if !slices.Contains(next.upstream, op.taskID) {
		next.upstream = append(next.upstream, op.taskID)
	}
	return next
}

// Chain связывает операторы последовательно: ops[0] → ops[1] → ...
func Chain(ops ...*Operator) {
	for i := 1; i < len(ops); i++ {
		ops[i-1].Then(ops[i])
	}
}

// taskDef строит определение задачи для DAGSpec.
func (op *Operator) taskDef() domain.TaskDef {
	return domain.TaskDef{
		ID:         op.taskID,
		Type:       domain.TaskTypeNotebook,
		Owner:      op.args.Owner,
		Notebook:   op.notebook,
		Parameters: maps.Clone(op.args.Parameters),
		DependsOn:  slices.Clone(op.upstream),
		Retry:      op.retryPolicy(),
		TimeoutSec: int(op.args.ExecutionTimeout / time.Second),
	}
}

// retryPolicy переводит default args в политику повторов воркера.
func (op *Operator) retryPolicy() *domain.RetryPolicy {
	policy := &domain.RetryPolicy{
		MaxAttempts:    max(op.args.Retries, 0) + 1,
		Backoff:        "fixed",
		InitialDelayMs: int(op.args.RetryDelay / time.Millisecond),
		MaxDelayMs:     int(op.args.MaxRetryDelay / time.Millisecond),
	}
	if op.args.RetryExponentialBackoff {
		policy.Backoff = "exponential"
	}
	return policy
}
