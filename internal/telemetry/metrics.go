package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nbflow"

var (
	// SchedulerTicks — количество тиков планировщика.
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Number of scheduler ticks.",
	})

	// InvalidSchedules — DAG, пропущенные из-за невалидного расписания.
	InvalidSchedules = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "invalid_schedules_total",
		Help:      "Number of times a DAG was skipped because its schedule could not be parsed.",
	}, []string{"dag_id"})

	// RunsCreated — созданные runs по источнику (schedule, manual).
	RunsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_created_total",
		Help:      "Number of DAG runs created.",
	}, []string{"dag_id", "trigger"})

	// RunsFinished — завершённые runs по итоговому статусу.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_finished_total",
		Help:      "Number of DAG runs that reached a final status.",
	}, []string{"dag_id", "status"})

	// TasksExecuted — выполненные попытки задач по результату.
	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_executed_total",
		Help:      "Number of task executions by final status.",
	}, []string{"type", "status"})

	// TaskDuration — длительность выполнения задач.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Task execution duration including retries.",
		Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
	}, []string{"type"})

	// HTTPRequests — запросы к API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Number of HTTP requests by method and status code.",
	}, []string{"method", "code"})
)
