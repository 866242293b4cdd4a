package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// DAGResponse — DAG из API.
type DAGResponse struct {
	ID               string   `json:"id"`
	Description      string   `json:"description,omitempty"`
	ScheduleInterval string   `json:"schedule_interval"`
	ScheduleValid    bool     `json:"schedule_valid"`
	Tags             []string `json:"tags,omitempty"`
	TaskCount        int      `json:"task_count"`
	IsPaused         bool     `json:"is_paused"`
	NextDueAt        string   `json:"next_due_at,omitempty"`
	LastRunAt        string   `json:"last_run_at,omitempty"`
	LastRunID        string   `json:"last_run_id,omitempty"`
}

// TaskDefResponse — задача в объявлении DAG.
type TaskDefResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Owner      string         `json:"owner,omitempty"`
	Notebook   string         `json:"notebook"`
	Parameters map[string]any `json:"parameters,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	TimeoutSec int            `json:"timeout_sec,omitempty"`
}

// EdgeResponse — ребро графа.
type EdgeResponse struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DAGDetailResponse — DAG с задачами и рёбрами.
type DAGDetailResponse struct {
	DAGResponse
	Tasks []TaskDefResponse `json:"tasks"`
	Edges []EdgeResponse    `json:"edges"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID              string         `json:"id"`
	DAGID           string         `json:"dag_id"`
	Status          string         `json:"status"`
	LogicalDate     string         `json:"logical_date"`
	Conf            map[string]any `json:"conf,omitempty"`
	StartedAt       string         `json:"started_at,omitempty"`
	FinishedAt      string         `json:"finished_at,omitempty"`
	Error           string         `json:"error,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	ExternalTrigger bool           `json:"external_trigger"`
	CreatedAt       string         `json:"created_at"`
}

// TaskResponse — task из API.
type TaskResponse struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	TaskID     string         `json:"task_id"`
	Notebook   string         `json:"notebook"`
	Type       string         `json:"type"`
	Attempt    int            `json:"attempt"`
	Status     string         `json:"status"`
	Payload    map[string]any `json:"payload,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	StartedAt  string         `json:"started_at,omitempty"`
	FinishedAt string         `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// --- Request types ---

// TriggerRunRequest — ручной запуск DAG.
type TriggerRunRequest struct {
	Conf           map[string]any `json:"conf,omitempty"`
	LogicalDate    string         `json:"logical_date,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	DAGID  string
	Status string
	Limit  int
	Offset int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для nbflow API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- DAGs ---

// ListDAGs возвращает объявленные DAG. Если tag не пустой — фильтрует.
func (c *Client) ListDAGs(tag string) ([]DAGResponse, error) {
	params := url.Values{}
	if tag != "" {
		params.Set("tag", tag)
	}

	var dags []DAGResponse
	err := c.list("/api/v1/dags", params, &dags)
	return dags, err
}

// GetDAG возвращает DAG с задачами.
func (c *Client) GetDAG(id string) (*DAGDetailResponse, error) {
	var dag DAGDetailResponse
	err := c.get("/api/v1/dags/"+url.PathEscape(id), &dag)
	return &dag, err
}

// TriggerDAG создаёт ручной run.
func (c *Client) TriggerDAG(id string, req TriggerRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/dags/"+url.PathEscape(id)+"/runs", req, &run)
	return &run, err
}

// SetDAGPaused ставит DAG на паузу или снимает с неё.
func (c *Client) SetDAGPaused(id string, paused bool) (*DAGResponse, error) {
	var dag DAGResponse
	body := map[string]bool{"is_paused": paused}
	err := c.put("/api/v1/dags/"+url.PathEscape(id)+"/paused", body, &dag)
	return &dag, err
}

// --- Runs ---

// ListRuns возвращает список runs с фильтрацией.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.DAGID != "" {
		params.Set("dag_id", opts.DAGID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// GetRun возвращает run по ID.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/runs/"+url.PathEscape(id), &run)
	return &run, err
}

// CancelRun отменяет run.
func (c *Client) CancelRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs/"+url.PathEscape(id)+"/cancel", nil, &run)
	return &run, err
}

// ListTasks возвращает tasks для run.
func (c *Client) ListTasks(runID string) ([]TaskResponse, error) {
	var tasks []TaskResponse
	err := c.list("/api/v1/runs/"+url.PathEscape(runID)+"/tasks", nil, &tasks)
	return tasks, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
