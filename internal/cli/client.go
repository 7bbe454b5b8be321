package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// PipelineResponse — версия pipeline из API.
type PipelineResponse struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Version         int              `json:"version"`
	Concurrency     string           `json:"concurrency"`
	RestartOnUpdate bool             `json:"restart_on_update,omitempty"`
	Stages          []map[string]any `json:"stages"`
	CreatedAt       string           `json:"created_at"`
}

// PipelineSummary — элемент списка pipelines.
type PipelineSummary struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Version   int      `json:"version"`
	Stages    []string `json:"stages"`
	CreatedAt string   `json:"created_at"`
}

// ActionState — состояние action execution.
type ActionState struct {
	Name     string            `json:"name"`
	Kind     string            `json:"kind"`
	Status   string            `json:"status"`
	Reason   string            `json:"reason,omitempty"`
	Error    string            `json:"error,omitempty"`
	ExitCode *int              `json:"exit_code,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
}

// StageState — состояние стадии execution.
type StageState struct {
	Name    string        `json:"name"`
	Status  string        `json:"status"`
	Actions []ActionState `json:"actions"`
}

// ExecutionResponse — execution из API.
type ExecutionResponse struct {
	ID              string                       `json:"id"`
	PipelineID      string                       `json:"pipeline_id"`
	PipelineName    string                       `json:"pipeline_name"`
	PipelineVersion int                          `json:"pipeline_version"`
	Status          string                       `json:"status"`
	State           string                       `json:"state"`
	StageIndex      int                          `json:"stage_index"`
	Reason          string                       `json:"reason,omitempty"`
	Error           string                       `json:"error,omitempty"`
	Trigger         map[string]any               `json:"trigger"`
	Stages          []StageState                 `json:"stages"`
	Artifacts       map[string]map[string]string `json:"artifacts,omitempty"`
	CreatedAt       string                       `json:"created_at"`
	FinishedAt      string                       `json:"finished_at,omitempty"`
	DurationMs      int64                        `json:"duration_ms,omitempty"`
}

// ExecutionSummary — элемент списка executions.
type ExecutionSummary struct {
	ID              string `json:"id"`
	PipelineID      string `json:"pipeline_id"`
	PipelineVersion int    `json:"pipeline_version"`
	Status          string `json:"status"`
	State           string `json:"state"`
	Revision        string `json:"revision,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// StartExecutionResponse — результат запуска execution.
type StartExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
}

// ApprovalResponse — approval из API.
type ApprovalResponse struct {
	ID          string   `json:"id"`
	ExecutionID string   `json:"execution_id"`
	PipelineID  string   `json:"pipeline_id"`
	StageName   string   `json:"stage_name"`
	ActionName  string   `json:"action_name"`
	Status      string   `json:"status"`
	Approvers   []string `json:"approvers,omitempty"`
	Actor       string   `json:"actor,omitempty"`
	Comment     string   `json:"comment,omitempty"`
	ExpiresAt   string   `json:"expires_at"`
}

// --- Request types ---

// StartExecutionRequest — ручной запуск execution.
type StartExecutionRequest struct {
	Branch         string `json:"branch,omitempty"`
	Revision       string `json:"revision,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// DecisionRequest — решение по approval gate.
type DecisionRequest struct {
	StageName string `json:"stage_name"`
	Decision  string `json:"decision"`
	Comment   string `json:"comment,omitempty"`
}

// ListExecutionsOpts — параметры фильтрации executions.
type ListExecutionsOpts struct {
	PipelineID string
	Status     string
	Limit      int
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

// ClientConfig — параметры подключения к API.
type ClientConfig struct {
	BaseURL string

	// Actor — identity для dev режима (заголовок X-Conveyor-Actor).
	Actor string

	// Token — bearer ID token для OIDC режима.
	Token string
}

// Client — HTTP-клиент для Conveyor API.
type Client struct {
	baseURL    string
	actor      string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(cfg ClientConfig) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.Token,
			TokenType:   "Bearer",
		}))
		httpClient.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		actor:      cfg.Actor,
		httpClient: httpClient,
	}
}

// --- Pipelines ---

// ListPipelines возвращает последние версии pipelines.
func (c *Client) ListPipelines() ([]PipelineSummary, error) {
	var pipelines []PipelineSummary
	err := c.list("/api/v1/pipelines", nil, &pipelines)
	return pipelines, err
}

// GetPipeline возвращает pipeline. version = 0 — последняя версия.
func (c *Client) GetPipeline(id string, version int) (*PipelineResponse, error) {
	path := "/api/v1/pipelines/" + id
	if version > 0 {
		path += "/versions/" + strconv.Itoa(version)
	}
	var p PipelineResponse
	err := c.get(path, &p)
	return &p, err
}

// SavePipeline отправляет определение (YAML или JSON).
func (c *Client) SavePipeline(doc []byte) (*PipelineResponse, error) {
	resp, err := c.doRaw(http.MethodPost, "/api/v1/pipelines", bytes.NewReader(doc), "application/yaml")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var p PipelineResponse
	if err := c.decodeData(resp, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Executions ---

// StartExecution запускает execution pipeline.
func (c *Client) StartExecution(pipelineID string, req StartExecutionRequest) (*StartExecutionResponse, error) {
	var res StartExecutionResponse
	err := c.post("/api/v1/pipelines/"+pipelineID+"/executions", req, &res)
	return &res, err
}

// GetExecution возвращает execution по ID.
func (c *Client) GetExecution(id string) (*ExecutionResponse, error) {
	var exec ExecutionResponse
	err := c.get("/api/v1/executions/"+id, &exec)
	return &exec, err
}

// ListExecutions возвращает executions с фильтрацией.
func (c *Client) ListExecutions(opts ListExecutionsOpts) ([]ExecutionSummary, error) {
	params := url.Values{}
	if opts.PipelineID != "" {
		params.Set("pipeline_id", opts.PipelineID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var execs []ExecutionSummary
	err := c.list("/api/v1/executions", params, &execs)
	return execs, err
}

// CancelExecution отменяет execution.
func (c *Client) CancelExecution(id string) (*ExecutionResponse, error) {
	var exec ExecutionResponse
	err := c.post("/api/v1/executions/"+id+"/cancel", nil, &exec)
	return &exec, err
}

// --- Approvals ---

// ListApprovals возвращает approvals по статусу (пусто = все).
func (c *Client) ListApprovals(status string) ([]ApprovalResponse, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}

	var approvals []ApprovalResponse
	err := c.list("/api/v1/approvals", params, &approvals)
	return approvals, err
}

// Decide отправляет решение по approval gate стадии.
func (c *Client) Decide(executionID string, req DecisionRequest) (*ApprovalResponse, error) {
	var a ApprovalResponse
	err := c.post("/api/v1/executions/"+executionID+"/approvals", req, &a)
	return &a, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
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

	return c.decodeData(resp, result)
}

func (c *Client) decodeData(resp *http.Response, result any) error {
	if err := c.checkError(resp); err != nil {
		return err
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
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.doRaw(method, path, bodyReader, contentType)
}

func (c *Client) doRaw(method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.actor != "" {
		req.Header.Set("X-Conveyor-Actor", c.actor)
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
