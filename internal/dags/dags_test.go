package dags

import (
	"errors"
	"testing"
	"time"

	"github.com/shaiso/nbflow/internal/engine"
)

func TestTaskIDFromNotebook(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"peerscout/peerscout-recommend-reviewing-editors.ipynb", "peerscout-recommend-reviewing-editors"},
		{"report.ipynb", "report"},
		{"reports/Weekly Report.ipynb", "weekly-report"},
		{"a/b/c/data_load.ipynb", "data_load"},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			if got := TaskIDFromNotebook(tt.filename); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNotebookPath(t *testing.T) {
	if got := NotebookPath("peerscout", "profile.ipynb"); got != "peerscout/profile.ipynb" {
		t.Errorf("unexpected path: %s", got)
	}
}

func TestCreateDAG_Chain(t *testing.T) {
	d := CreateDAG("Example", "@daily").With(func(d *DAG) {
		d.RunNotebook("example/first.ipynb").
			Then(d.RunNotebook("example/second.ipynb")).
			Then(d.RunNotebook("example/third.ipynb"))
	})

	if err := d.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spec := d.Spec()
	if spec.ID != "Example" || spec.ScheduleInterval != "@daily" {
		t.Errorf("unexpected spec header: %+v", spec)
	}
	if len(spec.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(spec.Tasks))
	}

	if len(spec.Tasks[0].DependsOn) != 0 {
		t.Errorf("first task should have no upstream, got %v", spec.Tasks[0].DependsOn)
	}
	if deps := spec.Tasks[1].DependsOn; len(deps) != 1 || deps[0] != "first" {
		t.Errorf("second should depend on first, got %v", deps)
	}
	if deps := spec.Tasks[2].DependsOn; len(deps) != 1 || deps[0] != "second" {
		t.Errorf("third should depend on second, got %v", deps)
	}

	if err := engine.Validate(&spec); err != nil {
		t.Errorf("spec should be valid: %v", err)
	}
}

func TestChain(t *testing.T) {
	d := CreateDAG("Chained", "@hourly")
	a := d.RunNotebook("a.ipynb")
	b := d.RunNotebook("b.ipynb")
	c := d.RunNotebook("c.ipynb")
	Chain(a, b, c)
	// Повторное связывание не дублирует зависимость
	a.Then(b)

	if deps := b.Upstream(); len(deps) != 1 || deps[0] != "a" {
		t.Errorf("b upstream = %v", deps)
	}
	if deps := c.Upstream(); len(deps) != 1 || deps[0] != "b" {
		t.Errorf("c upstream = %v", deps)
	}
}

func TestCreateDAG_DuplicateTaskID(t *testing.T) {
	d := CreateDAG("Dup", "@hourly").With(func(d *DAG) {
		d.RunNotebook("x/report.ipynb")
		d.RunNotebook("y/report.ipynb")
	})

	if !errors.Is(d.Err(), ErrDuplicateTaskID) {
		t.Errorf("expected ErrDuplicateTaskID, got %v", d.Err())
	}
	if len(d.Operators()) != 1 {
		t.Errorf("duplicate operator should not be added, got %d", len(d.Operators()))
	}
}

func TestCreateDAG_WithTaskID(t *testing.T) {
	d := CreateDAG("Custom", "@hourly").With(func(d *DAG) {
		d.RunNotebook("x/report.ipynb")
		d.RunNotebook("y/report.ipynb", WithTaskID("report-y"))
	})

	if err := d.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := d.Operator("report-y"); !ok {
		t.Error("operator report-y should exist")
	}
}

func TestCreateDAG_EmptyID(t *testing.T) {
	d := CreateDAG("", "@hourly")
	if !errors.Is(d.Err(), ErrEmptyDAGID) {
		t.Errorf("expected ErrEmptyDAGID, got %v", d.Err())
	}
}

func TestThen_ForeignOperator(t *testing.T) {
	d1 := CreateDAG("One", "@hourly")
	d2 := CreateDAG("Two", "@hourly")

	a := d1.RunNotebook("a.ipynb")
	b := d2.RunNotebook("b.ipynb")
	a.Then(b)

	if !errors.Is(d1.Err(), ErrForeignOperator) {
		t.Errorf("expected ErrForeignOperator, got %v", d1.Err())
	}
	if len(b.Upstream()) != 0 {
		t.Error("foreign edge must not be recorded")
	}
}

func TestDefaultArgs_Merge(t *testing.T) {
	d := CreateDAG("Args", "@hourly", WithDefaultArgs(DefaultArgs{
		Owner:                   "data-science",
		Retries:                 3,
		RetryExponentialBackoff: true,
		MaxRetryDelay:           time.Hour,
		Parameters:              map[string]any{"env": "prod", "limit": 100},
	})).With(func(d *DAG) {
		d.RunNotebook("inherit.ipynb")
		d.RunNotebook("override.ipynb",
			WithRetries(-1),
			WithRetryDelay(time.Second),
			WithExecutionTimeout(90*time.Second),
			WithParameters(map[string]any{"limit": 5}),
		)
	})

	if err := d.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Незаданные поля DAG берутся из значений по умолчанию
	if d.DefaultArgs().RetryDelay != DefaultRetryDelay {
		t.Errorf("expected default retry delay, got %v", d.DefaultArgs().RetryDelay)
	}

	spec := d.Spec()
	inherit, override := spec.Tasks[0], spec.Tasks[1]

	if inherit.Owner != "data-science" {
		t.Errorf("owner should be inherited, got %q", inherit.Owner)
	}
	if inherit.Retry.MaxAttempts != 4 {
		t.Errorf("expected 4 attempts, got %d", inherit.Retry.MaxAttempts)
	}
	if inherit.Retry.Backoff != "exponential" {
		t.Errorf("expected exponential backoff, got %s", inherit.Retry.Backoff)
	}
	if inherit.Retry.InitialDelayMs != int(DefaultRetryDelay/time.Millisecond) {
		t.Errorf("unexpected initial delay: %d", inherit.Retry.InitialDelayMs)
	}
	if inherit.Retry.MaxDelayMs != int(time.Hour/time.Millisecond) {
		t.Errorf("unexpected max delay: %d", inherit.Retry.MaxDelayMs)
	}
	if inherit.Parameters["limit"] != 100 || inherit.Parameters["env"] != "prod" {
		t.Errorf("parameters should be inherited, got %v", inherit.Parameters)
	}
	if inherit.TimeoutSec != 0 {
		t.Errorf("expected no timeout, got %d", inherit.TimeoutSec)
	}

	if override.Retry.MaxAttempts != 1 {
		t.Errorf("negative retries should disable retry, got %d attempts", override.Retry.MaxAttempts)
	}
	if override.Retry.InitialDelayMs != 1000 {
		t.Errorf("expected 1000ms delay, got %d", override.Retry.InitialDelayMs)
	}
	if override.TimeoutSec != 90 {
		t.Errorf("expected 90s timeout, got %d", override.TimeoutSec)
	}
	if override.Parameters["limit"] != 5 {
		t.Errorf("operator parameter should win, got %v", override.Parameters["limit"])
	}
	if override.Parameters["env"] != "prod" {
		t.Errorf("missing keys should be filled from dag, got %v", override.Parameters)
	}

	// Map DAG не изменяется операторами
	if d.DefaultArgs().Parameters["limit"] != 100 {
		t.Error("dag parameters must not be mutated by operators")
	}
}

func TestBag(t *testing.T) {
	bag := NewBag()

	good := CreateDAG("B_DAG", "@hourly").With(func(d *DAG) { d.RunNotebook("b.ipynb") })
	other := CreateDAG("A_DAG", "0 3 * * *").With(func(d *DAG) { d.RunNotebook("a.ipynb") })

	if err := bag.Register(good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := bag.Register(other); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := bag.Register(good); !errors.Is(err, ErrDAGExists) {
		t.Errorf("expected ErrDAGExists, got %v", err)
	}

	empty := CreateDAG("Empty", "@hourly")
	if err := bag.Register(empty); !errors.Is(err, engine.ErrEmptyTasks) {
		t.Errorf("expected ErrEmptyTasks, got %v", err)
	}

	if _, err := bag.Get("missing"); !errors.Is(err, ErrDAGNotFound) {
		t.Errorf("expected ErrDAGNotFound, got %v", err)
	}
	if _, err := bag.Spec("missing"); !errors.Is(err, ErrDAGNotFound) {
		t.Errorf("expected ErrDAGNotFound, got %v", err)
	}

	specs := bag.List()
	if len(specs) != 2 || specs[0].ID != "A_DAG" || specs[1].ID != "B_DAG" {
		t.Errorf("expected sorted [A_DAG B_DAG], got %v", specs)
	}
	if bag.Len() != 2 {
		t.Errorf("expected 2 dags, got %d", bag.Len())
	}
}

func TestBag_MustRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid dag")
		}
	}()
	NewBag().MustRegister(CreateDAG("", "@hourly"))
}
