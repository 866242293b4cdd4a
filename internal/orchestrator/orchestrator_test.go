package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shaiso/nbflow/internal/domain"
	"github.com/shaiso/nbflow/internal/mq"
	"github.com/shaiso/nbflow/internal/repo"
	"github.com/shaiso/nbflow/internal/telemetry"
)

// --- Fakes ---

type fakeRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]domain.Run
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: make(map[uuid.UUID]domain.Run)}
}

func (f *fakeRuns) put(run domain.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
}

func (f *fakeRuns) get(id uuid.UUID) domain.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id]
}

func (f *fakeRuns) GetByID(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &run, nil
}

func (f *fakeRuns) List(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Run
	for _, run := range f.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (f *fakeRuns) ListPending(ctx context.Context, _ int) ([]domain.Run, error) {
	return f.List(ctx, repo.RunFilter{Status: domain.RunStatusPending})
}

func (f *fakeRuns) Update(_ context.Context, run *domain.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[run.ID]; !ok {
		return repo.ErrNotFound
	}
	f.runs[run.ID] = *run
	return nil
}

type fakeTasks struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]domain.Task
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[uuid.UUID]domain.Task)}
}

func (f *fakeTasks) Create(_ context.Context, task *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.tasks {
		if existing.RunID == task.RunID && existing.TaskID == task.TaskID {
			return repo.ErrAlreadyExists
		}
	}
	f.tasks[task.ID] = *task
	return nil
}

func (f *fakeTasks) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &task, nil
}

func (f *fakeTasks) ListByRunID(_ context.Context, runID uuid.UUID) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, task := range f.tasks {
		if task.RunID == runID {
			out = append(out, task)
		}
	}
	return out, nil
}

// byTaskID ищет task row по ID задачи DAG.
func (f *fakeTasks) byTaskID(runID uuid.UUID, taskID string) (domain.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range f.tasks {
		if task.RunID == runID && task.TaskID == taskID {
			return task, true
		}
	}
	return domain.Task{}, false
}

// finish имитирует worker: переводит task в итоговый статус.
func (f *fakeTasks) finish(t *testing.T, runID uuid.UUID, taskID string, status domain.TaskStatus, outputs map[string]any, errMsg string) domain.Task {
	t.Helper()
	task, ok := f.byTaskID(runID, taskID)
	if !ok {
		t.Fatalf("task %s was not dispatched", taskID)
	}
	task.Status = status
	task.Attempt = 1
	task.Outputs = outputs
	task.Error = errMsg

	f.mu.Lock()
	f.tasks[task.ID] = task
	f.mu.Unlock()
	return task
}

func (f *fakeTasks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeDAGs map[string]domain.DAGSpec

func (f fakeDAGs) Spec(dagID string) (domain.DAGSpec, error) {
	spec, ok := f[dagID]
	if !ok {
		return domain.DAGSpec{}, errors.New("dag not found")
	}
	return spec, nil
}

type fakePublisher struct {
	mu    sync.Mutex
	ready []uuid.UUID
}

func (f *fakePublisher) PublishTaskReady(_ context.Context, taskID, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, taskID)
	return nil
}

// --- Helpers ---

const testDAGID = "Test_Report"

func chainSpec() domain.DAGSpec {
	return domain.DAGSpec{
		ID:               testDAGID,
		ScheduleInterval: "@hourly",
		Tasks: []domain.TaskDef{
			{
				ID:       "extract",
				Type:     domain.TaskTypeNotebook,
				Notebook: "report/extract.ipynb",
				Parameters: map[string]any{
					"dag":        "{{ .DAG.ID }}",
					"date":       `{{ .Run.LogicalDate.Format "2006-01-02" }}`,
					"manuscript": "{{ .Run.Conf.manuscript_id }}",
					"limit":      100,
				},
				TimeoutSec: 600,
			},
			{
				ID:        "publish",
				Type:      domain.TaskTypeNotebook,
				Notebook:  "report/publish.ipynb",
				DependsOn: []string{"extract"},
				Parameters: map[string]any{
					"input": "{{ .Tasks.extract.Outputs.output_notebook }}",
					"env":   "{{ .Env.NBFLOW_ENV }}",
				},
			},
		},
	}
}

type fixture struct {
	orch      *Orchestrator
	runs      *fakeRuns
	tasks     *fakeTasks
	publisher *fakePublisher
}

func newFixture(specs ...domain.DAGSpec) *fixture {
	dagSource := make(fakeDAGs)
	for _, spec := range specs {
		dagSource[spec.ID] = spec
	}

	f := &fixture{
		runs:      newFakeRuns(),
		tasks:     newFakeTasks(),
		publisher: &fakePublisher{},
	}
	f.orch = New(Config{
		RunRepo:   f.runs,
		TaskRepo:  f.tasks,
		DAGs:      dagSource,
		Publisher: f.publisher,
		Env:       map[string]string{"NBFLOW_ENV": "staging"},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func (f *fixture) pendingRun(dagID string) domain.Run {
	run := domain.Run{
		ID:          uuid.New(),
		DAGID:       dagID,
		Status:      domain.RunStatusPending,
		LogicalDate: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		Conf:        map[string]any{"manuscript_id": "12345"},
		CreatedAt:   time.Now(),
	}
	f.runs.put(run)
	return run
}

func (f *fixture) complete(t *testing.T, task domain.Task) {
	t.Helper()
	err := f.orch.processTaskCompleted(context.Background(), mq.TaskCompletedPayload{
		TaskID:    task.ID,
		RunID:     task.RunID,
		DAGTaskID: task.TaskID,
		Status:    string(task.Status),
		Error:     task.Error,
		Attempt:   task.Attempt,
	})
	if err != nil {
		t.Fatalf("processTaskCompleted: %v", err)
	}
}

// --- RunState Tests ---

func TestNewRunState(t *testing.T) {
	run := &domain.Run{ID: uuid.New()}
	state := NewRunState(run, chainSpec())

	if state.Run != run {
		t.Error("Run should be set")
	}
	if state.completed == nil || state.running == nil || state.failed == nil || state.tasks == nil {
		t.Error("maps should be initialized")
	}
}

func TestRunState_Initialize_EmptySpec(t *testing.T) {
	state := NewRunState(&domain.Run{ID: uuid.New()}, domain.DAGSpec{ID: "Empty"})

	if err := state.Initialize(nil); !errors.Is(err, ErrInvalidDAG) {
		t.Errorf("expected ErrInvalidDAG, got %v", err)
	}
}

func TestRunState_Initialize(t *testing.T) {
	run := &domain.Run{
		ID:    uuid.New(),
		DAGID: testDAGID,
		Conf:  map[string]any{"key": "value"},
	}
	state := NewRunState(run, chainSpec())

	if err := state.Initialize(map[string]string{"NBFLOW_ENV": "prod"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.DAG == nil || state.DAG.Size() != 2 {
		t.Fatal("DAG should be built with 2 nodes")
	}
	if state.Context.Run.Conf["key"] != "value" {
		t.Error("context should carry run conf")
	}
	if state.Context.Run.ID != run.ID.String() {
		t.Errorf("unexpected run id in context: %s", state.Context.Run.ID)
	}
	if state.Context.Env["NBFLOW_ENV"] != "prod" {
		t.Error("context should carry env")
	}
}

func TestRunState_Lifecycle(t *testing.T) {
	state := NewRunState(&domain.Run{ID: uuid.New()}, chainSpec())
	if err := state.Initialize(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ready := state.GetReadyTasks()
	if len(ready) != 1 || ready[0].ID != "extract" {
		t.Fatalf("expected [extract] ready, got %d nodes", len(ready))
	}

	task := &domain.Task{ID: uuid.New(), TaskID: "extract"}
	state.MarkTaskRunning("extract", task)
	if !state.IsTaskRunning("extract") || state.GetTask("extract") != task {
		t.Error("extract should be running with its task row")
	}
	if len(state.GetReadyTasks()) != 0 {
		t.Error("nothing should be ready while extract runs")
	}

	state.MarkTaskCompleted("extract", map[string]any{"output_notebook": "/out/extract.ipynb"})
	if state.IsTaskRunning("extract") || !state.IsTaskFinished("extract") {
		t.Error("extract should be finished")
	}
	if got := state.Context.Tasks["extract"].Outputs["output_notebook"]; got != "/out/extract.ipynb" {
		t.Errorf("outputs should be in context, got %v", got)
	}

	ready = state.GetReadyTasks()
	if len(ready) != 1 || ready[0].ID != "publish" {
		t.Fatal("publish should be ready after extract")
	}
	if state.IsComplete() {
		t.Error("run should not be complete yet")
	}

	state.MarkTaskCompleted("publish", nil)
	if !state.IsComplete() || state.HasFailed() {
		t.Error("run should be complete without failures")
	}

	stats := state.Stats()
	if stats.TotalTasks != 2 || stats.CompletedTasks != 2 || stats.PendingTasks != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRunState_MarkTaskFailed(t *testing.T) {
	state := NewRunState(&domain.Run{ID: uuid.New()}, chainSpec())
	_ = state.Initialize(nil)

	state.MarkTaskRunning("extract", nil)
	state.MarkTaskFailed("extract", "exit code 1")

	if !state.HasFailed() {
		t.Error("state should have failed tasks")
	}
	if failed := state.GetFailedTasks(); len(failed) != 1 || failed[0] != "extract" {
		t.Errorf("unexpected failed tasks: %v", failed)
	}
	if msg := state.FailureMessage(); msg != "task extract failed: exit code 1" {
		t.Errorf("unexpected failure message: %q", msg)
	}
	if state.Context.Tasks["extract"].Status != "FAILED" {
		t.Error("context should record FAILED status")
	}
	// Упавшая задача не запускается снова, downstream не готов
	if ready := state.GetReadyTasks(); len(ready) != 0 {
		t.Errorf("expected nothing ready, got %d", len(ready))
	}
}

func TestRunState_RestoreFromTasks(t *testing.T) {
	state := NewRunState(&domain.Run{ID: uuid.New()}, chainSpec())
	_ = state.Initialize(nil)

	state.RestoreFromTasks([]domain.Task{
		{ID: uuid.New(), TaskID: "extract", Status: domain.TaskStatusSucceeded,
			Outputs: map[string]any{"output_notebook": "/out/x.ipynb"}},
		{ID: uuid.New(), TaskID: "publish", Status: domain.TaskStatusQueued},
	})

	if !state.IsTaskFinished("extract") {
		t.Error("extract should be restored as completed")
	}
	if !state.IsTaskRunning("publish") {
		t.Error("queued task should be restored as in flight")
	}
	if len(state.GetReadyTasks()) != 0 {
		t.Error("restored in-flight task must not be dispatched again")
	}
}

// --- Orchestrator Tests ---

func TestNew_Defaults(t *testing.T) {
	o := New(Config{})

	if o.pollInterval != defaultPollInterval {
		t.Errorf("expected poll interval %v, got %v", defaultPollInterval, o.pollInterval)
	}
	if o.batchSize != defaultBatchSize {
		t.Errorf("expected batch size %d, got %d", defaultBatchSize, o.batchSize)
	}
	if o.logger == nil {
		t.Error("logger should default to slog.Default")
	}
}

func TestProcessRun_ChainSucceeds(t *testing.T) {
	f := newFixture(chainSpec())
	run := f.pendingRun(testDAGID)
	ctx := context.Background()

	before := testutil.ToFloat64(telemetry.RunsFinished.WithLabelValues(testDAGID, "SUCCEEDED"))

	if err := f.orch.processRun(ctx, run.ID); err != nil {
		t.Fatalf("processRun: %v", err)
	}

	if got := f.runs.get(run.ID); got.Status != domain.RunStatusRunning || got.StartedAt == nil {
		t.Fatalf("run should be RUNNING, got %s", got.Status)
	}
	if !f.orch.isRunActive(run.ID) {
		t.Error("run should be active")
	}

	extract, ok := f.tasks.byTaskID(run.ID, "extract")
	if !ok {
		t.Fatal("extract task should be created")
	}
	if extract.Status != domain.TaskStatusQueued || extract.Notebook != "report/extract.ipynb" {
		t.Errorf("unexpected task: %+v", extract)
	}
	params := extract.Payload["parameters"].(map[string]any)
	if params["dag"] != testDAGID || params["date"] != "2026-03-10" || params["manuscript"] != "12345" {
		t.Errorf("parameters not rendered: %v", params)
	}
	if params["limit"] != 100 {
		t.Errorf("non-string parameter should be kept, got %v", params["limit"])
	}
	if extract.Payload["timeout_sec"] != 600 || extract.Payload["dag_id"] != testDAGID {
		t.Errorf("unexpected payload: %v", extract.Payload)
	}
	if _, ok := f.tasks.byTaskID(run.ID, "publish"); ok {
		t.Error("publish must wait for extract")
	}
	if len(f.publisher.ready) != 1 || f.publisher.ready[0] != extract.ID {
		t.Errorf("expected task.ready for extract, got %v", f.publisher.ready)
	}

	f.complete(t, f.tasks.finish(t, run.ID, "extract", domain.TaskStatusSucceeded,
		map[string]any{"output_notebook": "/out/extract.ipynb"}, ""))

	publish, ok := f.tasks.byTaskID(run.ID, "publish")
	if !ok {
		t.Fatal("publish task should be created after extract")
	}
	params = publish.Payload["parameters"].(map[string]any)
	if params["input"] != "/out/extract.ipynb" || params["env"] != "staging" {
		t.Errorf("downstream parameters not rendered: %v", params)
	}
	if _, ok := publish.Payload["timeout_sec"]; ok {
		t.Error("timeout_sec should be omitted when not set")
	}

	f.complete(t, f.tasks.finish(t, run.ID, "publish", domain.TaskStatusSucceeded, nil, ""))

	got := f.runs.get(run.ID)
	if got.Status != domain.RunStatusSucceeded || got.FinishedAt == nil {
		t.Errorf("run should be SUCCEEDED, got %s", got.Status)
	}
	if f.orch.isRunActive(run.ID) {
		t.Error("finished run should be removed from active runs")
	}
	if after := testutil.ToFloat64(telemetry.RunsFinished.WithLabelValues(testDAGID, "SUCCEEDED")); after != before+1 {
		t.Errorf("expected runs_finished to grow by 1, got %v → %v", before, after)
	}
}

func TestProcessRun_TaskFailureFailsRun(t *testing.T) {
	f := newFixture(chainSpec())
	run := f.pendingRun(testDAGID)

	if err := f.orch.processRun(context.Background(), run.ID); err != nil {
		t.Fatalf("processRun: %v", err)
	}

	f.complete(t, f.tasks.finish(t, run.ID, "extract", domain.TaskStatusFailed, nil, "execution failed: exit code 1"))

	got := f.runs.get(run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("run should be FAILED, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "task extract failed") {
		t.Errorf("unexpected run error: %q", got.Error)
	}
	if _, ok := f.tasks.byTaskID(run.ID, "publish"); ok {
		t.Error("downstream task must not be dispatched after failure")
	}
}

func TestProcessRun_UnknownDAG(t *testing.T) {
	f := newFixture()
	run := f.pendingRun("Removed_DAG")

	err := f.orch.processRun(context.Background(), run.ID)
	if !errors.Is(err, ErrRunFailedEarly) {
		t.Fatalf("expected ErrRunFailedEarly, got %v", err)
	}

	got := f.runs.get(run.ID)
	if got.Status != domain.RunStatusFailed || !strings.Contains(got.Error, "dag not found") {
		t.Errorf("run should fail early, got %s %q", got.Status, got.Error)
	}
	if f.orch.isRunActive(run.ID) {
		t.Error("failed run must not stay active")
	}
}

func TestProcessRun_NotPending(t *testing.T) {
	f := newFixture(chainSpec())
	run := f.pendingRun(testDAGID)
	run.Status = domain.RunStatusSucceeded
	f.runs.put(run)

	if err := f.orch.processRun(context.Background(), run.ID); !errors.Is(err, ErrRunNotPending) {
		t.Errorf("expected ErrRunNotPending, got %v", err)
	}
	if err := f.orch.processRun(context.Background(), uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestProcessRun_TemplateErrorFailsRun(t *testing.T) {
	spec := chainSpec()
	spec.Tasks[0].Parameters = map[string]any{"broken": "{{ .Run.Conf"}
	f := newFixture(spec)
	run := f.pendingRun(testDAGID)

	if err := f.orch.processRun(context.Background(), run.ID); err != nil {
		t.Fatalf("processRun: %v", err)
	}

	got := f.runs.get(run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Errorf("run should be FAILED on template error, got %s", got.Status)
	}
	if f.tasks.count() != 0 {
		t.Error("no task rows should be created")
	}
}

func TestProcessRun_ParallelRoots(t *testing.T) {
	spec := domain.DAGSpec{
		ID: "Fan_In",
		Tasks: []domain.TaskDef{
			{ID: "left", Type: domain.TaskTypeNotebook, Notebook: "left.ipynb"},
			{ID: "right", Type: domain.TaskTypeNotebook, Notebook: "right.ipynb"},
			{ID: "join", Type: domain.TaskTypeNotebook, Notebook: "join.ipynb", DependsOn: []string{"left", "right"}},
		},
	}
	f := newFixture(spec)
	run := f.pendingRun("Fan_In")

	if err := f.orch.processRun(context.Background(), run.ID); err != nil {
		t.Fatalf("processRun: %v", err)
	}
	if f.tasks.count() != 2 {
		t.Fatalf("expected both roots dispatched, got %d tasks", f.tasks.count())
	}

	f.complete(t, f.tasks.finish(t, run.ID, "left", domain.TaskStatusSucceeded, nil, ""))
	if _, ok := f.tasks.byTaskID(run.ID, "join"); ok {
		t.Error("join must wait for right")
	}

	f.complete(t, f.tasks.finish(t, run.ID, "right", domain.TaskStatusSucceeded, nil, ""))
	if _, ok := f.tasks.byTaskID(run.ID, "join"); !ok {
		t.Error("join should be dispatched after both roots")
	}
}

func TestProcessTaskCompleted_CancelledRunDropped(t *testing.T) {
	f := newFixture(chainSpec())
	run := f.pendingRun(testDAGID)

	if err := f.orch.processRun(context.Background(), run.ID); err != nil {
		t.Fatalf("processRun: %v", err)
	}

	// Отмена через API
	cancelled := f.runs.get(run.ID)
	cancelled.MarkCancelled()
	f.runs.put(cancelled)

	f.complete(t, f.tasks.finish(t, run.ID, "extract", domain.TaskStatusSucceeded, nil, ""))

	if f.orch.isRunActive(run.ID) {
		t.Error("cancelled run should be dropped from memory")
	}
	if got := f.runs.get(run.ID); got.Status != domain.RunStatusCancelled {
		t.Errorf("cancelled status must be kept, got %s", got.Status)
	}
	if _, ok := f.tasks.byTaskID(run.ID, "publish"); ok {
		t.Error("cancelled run must not dispatch more tasks")
	}
}

func TestSyncRun_RestoresAfterRestart(t *testing.T) {
	f := newFixture(chainSpec())
	run := f.pendingRun(testDAGID)
	run.MarkRunning()
	f.runs.put(run)

	// Задача завершилась, пока оркестратор был выключен
	done := domain.Task{
		ID:      uuid.New(),
		RunID:   run.ID,
		TaskID:  "extract",
		Type:    domain.TaskTypeNotebook,
		Status:  domain.TaskStatusSucceeded,
		Outputs: map[string]any{"output_notebook": "/out/restored.ipynb"},
	}
	if err := f.tasks.Create(context.Background(), &done); err != nil {
		t.Fatal(err)
	}

	f.orch.poll(context.Background())

	publish, ok := f.tasks.byTaskID(run.ID, "publish")
	if !ok {
		t.Fatal("publish should be dispatched after restore")
	}
	params := publish.Payload["parameters"].(map[string]any)
	if params["input"] != "/out/restored.ipynb" {
		t.Errorf("restored outputs should be available, got %v", params["input"])
	}
	if !f.orch.isRunActive(run.ID) {
		t.Error("restored run should be active")
	}
	if stats, ok := f.orch.GetActiveRunStats(run.ID); !ok || stats.CompletedTasks != 1 || stats.RunningTasks != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestPoll_PicksUpPendingRuns(t *testing.T) {
	f := newFixture(chainSpec())
	run := f.pendingRun(testDAGID)

	f.orch.poll(context.Background())

	if got := f.runs.get(run.ID); got.Status != domain.RunStatusRunning {
		t.Errorf("run should be started by poll, got %s", got.Status)
	}
	if f.orch.ActiveRunsCount() != 1 {
		t.Errorf("expected 1 active run, got %d", f.orch.ActiveRunsCount())
	}

	// Повторный poll не создаёт дубликатов
	f.orch.poll(context.Background())
	if f.tasks.count() != 1 {
		t.Errorf("expected 1 task after second poll, got %d", f.tasks.count())
	}
}

func TestHandleTaskCompleted_Message(t *testing.T) {
	f := newFixture(chainSpec())
	run := f.pendingRun(testDAGID)

	if err := f.orch.processRun(context.Background(), run.ID); err != nil {
		t.Fatalf("processRun: %v", err)
	}
	extract := f.tasks.finish(t, run.ID, "extract", domain.TaskStatusSucceeded, nil, "")

	msg := mq.NewMessage(mq.MessageTypeTaskCompleted, mq.TaskCompletedPayload{
		TaskID:    extract.ID,
		RunID:     run.ID,
		DAGTaskID: "extract",
		Status:    string(domain.TaskStatusSucceeded),
		Attempt:   1,
	})
	if err := f.orch.handleTaskCompleted(context.Background(), &mq.Delivery{Message: *msg}); err != nil {
		t.Fatalf("handleTaskCompleted: %v", err)
	}
	if _, ok := f.tasks.byTaskID(run.ID, "publish"); !ok {
		t.Error("publish should be dispatched")
	}

	// Неизвестный task подтверждается без ошибки
	unknown := mq.NewMessage(mq.MessageTypeTaskCompleted, mq.TaskCompletedPayload{
		TaskID: uuid.New(),
		RunID:  run.ID,
	})
	if err := f.orch.handleTaskCompleted(context.Background(), &mq.Delivery{Message: *unknown}); err != nil {
		t.Errorf("unknown task should be acked, got %v", err)
	}
}

func TestHandleRunPending_UnknownDAGAcked(t *testing.T) {
	f := newFixture()
	run := f.pendingRun("Removed_DAG")

	msg := mq.NewMessage(mq.MessageTypeRunPending, mq.RunPendingPayload{RunID: run.ID, DAGID: run.DAGID})
	if err := f.orch.handleRunPending(context.Background(), &mq.Delivery{Message: *msg}); err != nil {
		t.Errorf("early failure should be acked, got %v", err)
	}
	if got := f.runs.get(run.ID); got.Status != domain.RunStatusFailed {
		t.Errorf("run should be FAILED, got %s", got.Status)
	}
}

func TestOrchestrator_StartStopPollingOnly(t *testing.T) {
	f := newFixture(chainSpec())
	f.orch.pollInterval = 10 * time.Millisecond
	run := f.pendingRun(testDAGID)

	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.runs.get(run.ID).Status != domain.RunStatusRunning && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	f.orch.Stop()

	if !f.orch.IsStopped() {
		t.Error("orchestrator should be stopped")
	}
	if got := f.runs.get(run.ID); got.Status != domain.RunStatusRunning {
		t.Errorf("run should be started by polling, got %s", got.Status)
	}
}
