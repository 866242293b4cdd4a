package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/mq"
	"github.com/shaiso/nbflow/internal/repo"
)

// --- NotebookExecutor Tests ---

func newNotebookTask(params map[string]any) *domain.Task {
	return &domain.Task{
		ID:       uuid.New(),
		RunID:    uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		TaskID:   "recommend",
		Notebook: "peerscout/recommend.ipynb",
		Type:     domain.TaskTypeNotebook,
		Payload: map[string]any{
			"notebook":   "peerscout/recommend.ipynb",
			"parameters": params,
		},
	}
}

func TestNewNotebookExecutor(t *testing.T) {
	e, err := NewNotebookExecutor(`papermill --log-output --kernel "python 3"`, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"papermill", "--log-output", "--kernel", "python 3"}
	if strings.Join(e.runner, "|") != strings.Join(want, "|") {
		t.Errorf("expected runner %q, got %q", want, e.runner)
	}
	if e.notebookDir != DefaultNotebookDir || e.outputDir != DefaultOutputDir {
		t.Errorf("expected default dirs, got %s %s", e.notebookDir, e.outputDir)
	}

	if _, err := NewNotebookExecutor("   ", "", ""); !errors.Is(err, ErrEmptyRunner) {
		t.Errorf("expected ErrEmptyRunner, got %v", err)
	}
	if _, err := NewNotebookExecutor(`papermill "unterminated`, "", ""); err == nil {
		t.Error("expected parse error for unterminated quote")
	}
}

func TestNotebookExecutor_Command(t *testing.T) {
	e, err := NewNotebookExecutor("papermill", "/srv/notebooks", "/srv/output")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	task := newNotebookTask(map[string]any{
		"limit":   float64(10),
		"dry_run": true,
		"env":     "prod",
		"ids":     []any{"a", "b"},
	})

	argv, err := e.Command(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"papermill",
		filepath.Join("/srv/notebooks", "peerscout", "recommend.ipynb"),
		filepath.Join("/srv/output", "11111111-1111-1111-1111-111111111111", "recommend.ipynb"),
		"-p", "dry_run", "true",
		"-p", "env", "prod",
		"-p", "ids", `["a","b"]`,
		"-p", "limit", "10",
	}
	if strings.Join(argv, " ") != strings.Join(want, " ") {
		t.Errorf("unexpected argv:\n got %q\nwant %q", argv, want)
	}
}

func TestNotebookExecutor_CommandMissingNotebook(t *testing.T) {
	e, _ := NewNotebookExecutor("papermill", "", "")
	task := &domain.Task{RunID: uuid.New(), TaskID: "x"}

	if _, err := e.Command(task); !errors.Is(err, ErrMissingNotebook) {
		t.Errorf("expected ErrMissingNotebook, got %v", err)
	}
}

func TestNotebookExecutor_Execute(t *testing.T) {
	tests := []struct {
		name      string
		runner    string
		timeout   float64
		wantError string
	}{
		{name: "success", runner: "true"},
		{name: "non-zero exit", runner: `sh -c "echo kernel died >&2; exit 3"`, wantError: "exit code 3: kernel died"},
		{name: "timeout", runner: `sh -c "exec sleep 5"`, timeout: 1, wantError: "execution timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := t.TempDir()
			e, err := NewNotebookExecutor(tt.runner, t.TempDir(), out)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			task := newNotebookTask(nil)
			if tt.timeout > 0 {
				task.Payload["timeout_sec"] = tt.timeout
			}

			result, err := e.Execute(context.Background(), task)
			if err != nil {
				t.Fatalf("unexpected infrastructure error: %v", err)
			}

			if tt.wantError == "" {
				if result.Error != "" {
					t.Fatalf("unexpected execution error: %s", result.Error)
				}
			} else if !strings.Contains(result.Error, tt.wantError) {
				t.Fatalf("expected error containing %q, got %q", tt.wantError, result.Error)
			}

			if result.Outputs["output_path"] != e.OutputPath(task) {
				t.Errorf("unexpected output path: %v", result.Outputs["output_path"])
			}
		})
	}
}

func TestNotebookExecutor_RunnerNotFound(t *testing.T) {
	e, _ := NewNotebookExecutor("nbflow-runner-that-does-not-exist", t.TempDir(), t.TempDir())

	if _, err := e.Execute(context.Background(), newNotebookTask(nil)); err == nil {
		t.Error("expected infrastructure error for missing runner")
	}
}

func TestTail(t *testing.T) {
	long := strings.Repeat("x", outputTailLen) + "END"
	got := tail(long)
	if !strings.HasPrefix(got, "...") || !strings.HasSuffix(got, "END") {
		t.Errorf("unexpected tail: %q", got[:10])
	}
	if len(got) != outputTailLen+3 {
		t.Errorf("expected len %d, got %d", outputTailLen+3, len(got))
	}
}

// --- Backoff Tests ---

func collectDelays(t *testing.T, policy *domain.RetryPolicy) []time.Duration {
	t.Helper()
	b := NewBackoff(policy)
	var delays []time.Duration
	for i := 0; i < 20; i++ {
		d, stop := b.Next()
		if stop {
			return delays
		}
		delays = append(delays, d)
	}
	t.Fatal("backoff did not stop")
	return nil
}

func TestNewBackoff_Exponential(t *testing.T) {
	delays := collectDelays(t, &domain.RetryPolicy{
		MaxAttempts:    7,
		Backoff:        "exponential",
		InitialDelayMs: 1000,
		MaxDelayMs:     10000,
	})

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected %d retries, got %v", len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("retry %d: expected %v, got %v", i+1, want[i], delays[i])
		}
	}
}

func TestNewBackoff_Fixed(t *testing.T) {
	delays := collectDelays(t, &domain.RetryPolicy{
		MaxAttempts:    3,
		Backoff:        "fixed",
		InitialDelayMs: 2000,
	})

	if len(delays) != 2 {
		t.Fatalf("expected 2 retries, got %v", delays)
	}
	for _, d := range delays {
		if d != 2*time.Second {
			t.Errorf("expected 2s, got %v", d)
		}
	}
}

func TestNewBackoff_NoRetry(t *testing.T) {
	for _, policy := range []*domain.RetryPolicy{nil, {MaxAttempts: 1}, {MaxAttempts: 0}} {
		if delays := collectDelays(t, policy); len(delays) != 0 {
			t.Errorf("expected no retries for %+v, got %v", policy, delays)
		}
	}
}

// --- Worker Tests ---

type fakeTasks struct {
	mu      sync.Mutex
	tasks   map[uuid.UUID]domain.Task
	updates []domain.TaskStatus
}

func newFakeTasks(tasks ...domain.Task) *fakeTasks {
	f := &fakeTasks{tasks: make(map[uuid.UUID]domain.Task)}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeTasks) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &t, nil
}

func (f *fakeTasks) ListQueued(_ context.Context, limit int) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, t := range f.tasks {
		if t.Status == domain.TaskStatusQueued && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTasks) Update(_ context.Context, task *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = *task
	f.updates = append(f.updates, task.Status)
	return nil
}

type fakeRuns map[uuid.UUID]domain.Run

func (f fakeRuns) GetByID(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	r, ok := f[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &r, nil
}

type fakeDAGs map[string]domain.DAGSpec

func (f fakeDAGs) Spec(dagID string) (domain.DAGSpec, error) {
	s, ok := f[dagID]
	if !ok {
		return domain.DAGSpec{}, errors.New("dag not found")
	}
	return s, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads []mq.TaskCompletedPayload
}

func (f *fakePublisher) PublishTaskCompleted(_ context.Context, p mq.TaskCompletedPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	return nil
}

// flakyExecutor падает первые failures раз.
type flakyExecutor struct {
	failures int
	calls    int
}

func (e *flakyExecutor) Execute(_ context.Context, _ *domain.Task) (*ExecutionResult, error) {
	e.calls++
	if e.calls <= e.failures {
		return &ExecutionResult{Error: "notebook failed"}, nil
	}
	return &ExecutionResult{Outputs: map[string]any{"output_path": "out.ipynb"}}, nil
}

type workerHarness struct {
	worker    *Worker
	tasks     *fakeTasks
	publisher *fakePublisher
	executor  *flakyExecutor
	task      domain.Task
}

func newWorkerHarness(failures int, retry *domain.RetryPolicy) *workerHarness {
	run := domain.Run{ID: uuid.New(), DAGID: "dag"}
	task := domain.Task{
		ID:     uuid.New(),
		RunID:  run.ID,
		TaskID: "report",
		Type:   domain.TaskTypeNotebook,
		Status: domain.TaskStatusQueued,
	}

	h := &workerHarness{
		tasks:     newFakeTasks(task),
		publisher: &fakePublisher{},
		executor:  &flakyExecutor{failures: failures},
		task:      task,
	}

	registry := NewRegistry()
	registry.Register(domain.TaskTypeNotebook, h.executor)

	h.worker = New(Config{
		TaskRepo: h.tasks,
		RunRepo:  fakeRuns{run.ID: run},
		DAGs: fakeDAGs{"dag": {
			ID:    "dag",
			Tasks: []domain.TaskDef{{ID: "report", Type: domain.TaskTypeNotebook, Retry: retry}},
		}},
		Publisher: h.publisher,
		Registry:  registry,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func TestProcessTask_RetryThenSucceed(t *testing.T) {
	h := newWorkerHarness(2, &domain.RetryPolicy{MaxAttempts: 3, Backoff: "fixed", InitialDelayMs: 1})

	if err := h.worker.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := h.tasks.GetByID(context.Background(), h.task.ID)
	if got.Status != domain.TaskStatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", got.Status)
	}
	if got.Attempt != 3 {
		t.Errorf("expected 3 attempts, got %d", got.Attempt)
	}
	if h.executor.calls != 3 {
		t.Errorf("expected 3 executions, got %d", h.executor.calls)
	}

	if len(h.publisher.payloads) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(h.publisher.payloads))
	}
	p := h.publisher.payloads[0]
	if p.Status != string(domain.TaskStatusSucceeded) || p.DAGTaskID != "report" || p.Attempt != 3 {
		t.Errorf("unexpected completion payload: %+v", p)
	}
}

func TestProcessTask_RetryExhausted(t *testing.T) {
	h := newWorkerHarness(5, &domain.RetryPolicy{MaxAttempts: 2, Backoff: "exponential", InitialDelayMs: 1})

	if err := h.worker.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := h.tasks.GetByID(context.Background(), h.task.ID)
	if got.Status != domain.TaskStatusFailed {
		t.Errorf("expected FAILED, got %s", got.Status)
	}
	if got.Error != "notebook failed" {
		t.Errorf("unexpected error text: %q", got.Error)
	}
	if h.executor.calls != 2 {
		t.Errorf("expected 2 executions, got %d", h.executor.calls)
	}
	if p := h.publisher.payloads[0]; p.Status != string(domain.TaskStatusFailed) || p.Error != "notebook failed" {
		t.Errorf("unexpected completion payload: %+v", p)
	}
}

func TestProcessTask_NoPolicySingleAttempt(t *testing.T) {
	h := newWorkerHarness(1, nil)

	if err := h.worker.processTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.executor.calls != 1 {
		t.Errorf("expected 1 execution without policy, got %d", h.executor.calls)
	}
}

func TestProcessTask_NotQueued(t *testing.T) {
	h := newWorkerHarness(0, nil)
	task := h.task
	task.Status = domain.TaskStatusRunning
	h.tasks.tasks[task.ID] = task

	if err := h.worker.processTask(context.Background(), task.ID); !errors.Is(err, ErrTaskNotQueued) {
		t.Errorf("expected ErrTaskNotQueued, got %v", err)
	}
	if h.executor.calls != 0 {
		t.Error("executor must not run for non-queued task")
	}
}

func TestProcessTask_NotFound(t *testing.T) {
	h := newWorkerHarness(0, nil)

	if err := h.worker.processTask(context.Background(), uuid.New()); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestProcessTask_UnknownType(t *testing.T) {
	h := newWorkerHarness(0, nil)
	task := h.task
	task.Type = "shell"
	h.tasks.tasks[task.ID] = task

	if err := h.worker.processTask(context.Background(), task.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := h.tasks.GetByID(context.Background(), task.ID)
	if got.Status != domain.TaskStatusFailed || !strings.Contains(got.Error, "unknown task type") {
		t.Errorf("expected FAILED with unknown type, got %s %q", got.Status, got.Error)
	}
}

func TestHandleTaskReady_AcksNotQueued(t *testing.T) {
	h := newWorkerHarness(0, nil)
	delivery := &mq.Delivery{Message: *mq.NewMessage(mq.MessageTypeTaskReady, mq.TaskReadyPayload{
		TaskID: uuid.New(),
		RunID:  h.task.RunID,
	})}

	if err := h.worker.handleTaskReady(context.Background(), delivery); err != nil {
		t.Errorf("missing task should be acked, got %v", err)
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	w := New(Config{})

	if w.pollInterval != defaultPollInterval {
		t.Errorf("expected default poll interval %v, got %v", defaultPollInterval, w.pollInterval)
	}
	if w.batchSize != defaultBatchSize {
		t.Errorf("expected default batch size %d, got %d", defaultBatchSize, w.batchSize)
	}
	if w.registry == nil {
		t.Error("registry should be initialized")
	}
	if _, err := w.registry.Get(domain.TaskTypeNotebook); !errors.Is(err, ErrUnknownTaskType) {
		t.Errorf("empty registry should not know notebook type, got %v", err)
	}
}

func TestWorker_StartStopPollingOnly(t *testing.T) {
	h := newWorkerHarness(0, nil)
	h.worker.pollInterval = 10 * time.Millisecond

	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := h.tasks.GetByID(context.Background(), h.task.ID)
		if got.Status == domain.TaskStatusSucceeded {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.worker.Stop()
	if !h.worker.IsStopped() {
		t.Error("worker should be stopped")
	}

	got, _ := h.tasks.GetByID(context.Background(), h.task.ID)
	if got.Status != domain.TaskStatusSucceeded {
		t.Errorf("polling should execute queued task, got %s", got.Status)
	}
}
