package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
)

// Context — контекст для рендеринга параметров notebook.
//
// Используется в Go templates для доступа к данным:
//   - {{ .DAG.ID }}
//   - {{ .Run.LogicalDate | date "2006-01-02" }}
//   - {{ .Run.Conf.manuscript_id }}
//   - {{ .Tasks.task_id.Outputs.output_notebook }}
//   - {{ .Env.VAR_NAME }}
type Context struct {
	// DAG — сведения о DAG.
	DAG DAGContext `json:"dag"`

	// Run — сведения о run.
	Run RunContext `json:"run"`

	// Tasks — результаты выполненных задач.
	Tasks map[string]*TaskContext `json:"tasks"`

	// Env — переменные окружения.
	Env map[string]string `json:"env"`
}

// DAGContext — DAG в шаблонах.
type DAGContext struct {
	ID string `json:"id"`
}

// RunContext — run в шаблонах.
type RunContext struct {
	ID          string         `json:"id"`
	LogicalDate time.Time      `json:"logical_date"`
	Conf        map[string]any `json:"conf"`
}

// TaskContext — результат выполнения задачи для использования в шаблонах.
type TaskContext struct {
	// Outputs — выходные данные задачи.
	Outputs map[string]any `json:"outputs"`

	// Status — статус выполнения: "SUCCEEDED", "FAILED".
	Status string `json:"status"`
}

// NewContext создаёт новый контекст для run.
func NewContext(dagID, runID string, logicalDate time.Time, conf map[string]any) *Context {
	if conf == nil {
		conf = make(map[string]any)
	}
	return &Context{
		DAG: DAGContext{ID: dagID},
		Run: RunContext{
			ID:          runID,
			LogicalDate: logicalDate,
			Conf:        conf,
		},
		Tasks: make(map[string]*TaskContext),
		Env:   make(map[string]string),
	}
}

// AddTaskResult добавляет результат выполнения задачи в контекст.
func (c *Context) AddTaskResult(taskID string, outputs map[string]any, status string) {
	if outputs == nil {
		outputs = make(map[string]any)
	}
	c.Tasks[taskID] = &TaskContext{
		Outputs: outputs,
		Status:  status,
	}
}

// SetEnv устанавливает переменную окружения.
func (c *Context) SetEnv(key, value string) {
	c.Env[key] = value
}

// templateFuncs — sprig плюс функции, которые используют существующие шаблоны.
var templateFuncs = func() template.FuncMap {
	funcs := sprig.TxtFuncMap()

	// json — сериализует значение в JSON строку
	funcs["json"] = func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	}

	// fromJSON — парсит JSON строку
	funcs["fromJSON"] = func(s string) any {
		var result any
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil
		}
		return result
	}

	// coalesce — возвращает первое непустое значение
	funcs["coalesce"] = func(values ...any) any {
		for _, v := range values {
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			return v
		}
		return nil
	}

	return funcs
}()

// Render рендерит строковый шаблон с контекстом.
func Render(tmpl string, ctx *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderValue рендерит произвольное значение.
// Рекурсивно обрабатывает map и slice.
func RenderValue(value any, ctx *Context) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch v := value.(type) {
	case string:
		return Render(v, ctx)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	case []string:
		result := make([]string, len(v))
		for i, val := range v {
			rendered, err := Render(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		// int, float, bool и прочее — как есть
		return value, nil
	}
}

// RenderParameters рендерит параметры notebook.
func RenderParameters(params map[string]any, ctx *Context) (map[string]any, error) {
	if params == nil {
		return make(map[string]any), nil
	}

	rendered, err := RenderValue(params, ctx)
	if err != nil {
		return nil, err
	}

	result, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map, got %T", ErrTemplateRender, rendered)
	}

	return result, nil
}
