package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/shlex"
	"github.com/shaiso/nbflow/internal/domain"
)

// Значения по умолчанию для NotebookExecutor.
const (
	DefaultNotebookRunner = "papermill"
	DefaultNotebookDir    = "notebooks"
	DefaultOutputDir      = "output"

	// outputTailLen — сколько последних байт вывода runner'а попадает в ошибку.
	outputTailLen = 2048

	waitDelay = 5 * time.Second
)

// NotebookExecutor — executor для задач типа "notebook".
//
// Запускает внешний runner (по умолчанию papermill):
//
//	<runner> <notebook_dir>/<notebook> <output_dir>/<run_id>/<task_id>.ipynb -p key value ...
//
// Payload:
//   - notebook (string): путь к notebook относительно notebook_dir (обязательно)
//   - parameters (map): параметры notebook, передаются через -p
//   - timeout_sec (number): таймаут выполнения (0 — без таймаута)
//
// Outputs:
//   - output_path (string): путь к выполненному notebook
//   - duration_ms (int64): длительность выполнения
type NotebookExecutor struct {
	runner      []string
	notebookDir string
	outputDir   string
}

// NewNotebookExecutor создаёт executor.
// runner — командная строка, разбирается по правилам shell (google/shlex).
func NewNotebookExecutor(runner, notebookDir, outputDir string) (*NotebookExecutor, error) {
	args, err := shlex.Split(runner)
	if err != nil {
		return nil, fmt.Errorf("parse runner command %q: %w", runner, err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyRunner
	}

	if notebookDir == "" {
		notebookDir = DefaultNotebookDir
	}
	if outputDir == "" {
		outputDir = DefaultOutputDir
	}

	return &NotebookExecutor{
		runner:      args,
		notebookDir: notebookDir,
		outputDir:   outputDir,
	}, nil
}

// OutputPath возвращает путь к выходному notebook задачи.
func (e *NotebookExecutor) OutputPath(task *domain.Task) string {
	return filepath.Join(e.outputDir, task.RunID.String(), task.TaskID+".ipynb")
}

// Command строит argv для запуска notebook.
// Параметры передаются в порядке ключей, чтобы команда была детерминированной.
func (e *NotebookExecutor) Command(task *domain.Task) ([]string, error) {
	notebook := getString(task.Payload, "notebook", task.Notebook)
	if notebook == "" {
		return nil, ErrMissingNotebook
	}

	argv := make([]string, 0, len(e.runner)+2)
	argv = append(argv, e.runner...)
	argv = append(argv, filepath.Join(e.notebookDir, filepath.FromSlash(notebook)), e.OutputPath(task))

	params, _ := task.Payload["parameters"].(map[string]any)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		value, err := formatParameter(params[k])
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", k, err)
		}
		argv = append(argv, "-p", k, value)
	}
	return argv, nil
}

// Execute запускает notebook.
func (e *NotebookExecutor) Execute(ctx context.Context, task *domain.Task) (*ExecutionResult, error) {
	argv, err := e.Command(task)
	if err != nil {
		return nil, err
	}

	if timeout := getTimeout(task.Payload); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	outputPath := e.OutputPath(task)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	// Дочерние процессы runner'а могут держать pipe после его завершения
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	outputs := map[string]any{
		"output_path": outputPath,
		"duration_ms": duration.Milliseconds(),
	}

	if runErr == nil {
		return &ExecutionResult{Outputs: outputs}, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ExecutionResult{
			Outputs: outputs,
			Error:   fmt.Sprintf("%v after %s: %s", ErrExecutionTimeout, duration.Round(time.Millisecond), tail(output.String())),
		}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		outputs["exit_code"] = exitErr.ExitCode()
		return &ExecutionResult{
			Outputs: outputs,
			Error:   fmt.Sprintf("%v: exit code %d: %s", ErrExecutionFailed, exitErr.ExitCode(), tail(output.String())),
		}, nil
	}

	// Runner не найден или не запустился
	return nil, fmt.Errorf("run %s: %w", argv[0], runErr)
}

// formatParameter переводит значение параметра в строку для -p.
// Скаляры передаются как есть, списки и map — как JSON.
func formatParameter(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "None", nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// getString извлекает строку из map или возвращает defaultVal.
func getString(m map[string]any, key, defaultVal string) string {
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok && s != "" {
			return s
		}
	}
	return defaultVal
}

// getTimeout извлекает таймаут из payload (0 — без таймаута).
func getTimeout(payload map[string]any) time.Duration {
	switch v := payload["timeout_sec"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return 0
}

// tail возвращает последние outputTailLen байт вывода.
func tail(s string) string {
	if len(s) <= outputTailLen {
		return s
	}
	return "..." + s[len(s)-outputTailLen:]
}
