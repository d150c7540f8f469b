// Package videoapi предоставляет клиент для внешнего API генерации видео.
package videoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/creditledger/internal/httpclient"
	"github.com/mmeshcher/creditledger/internal/model"
)

// ErrNotConfigured возвращается, если адрес API не задан.
var ErrNotConfigured = errors.New("video api client not configured")

// Client инкапсулирует HTTP-взаимодействие с API генерации видео.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *retryablehttp.Client
}

// SubmitRequest описывает задачу генерации. Params передаются провайдеру как есть,
// prompt добавляется к ним полем "prompt".
type SubmitRequest struct {
	Model       string
	Prompt      string
	Params      json.RawMessage
	CallbackURL string
}

// TaskInfo описывает состояние задачи у провайдера.
type TaskInfo struct {
	TaskID     string
	State      string
	Status     model.JobStatus
	ResultURLs []string
	FailMsg    string
	Progress   int
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createTaskData struct {
	TaskID string `json:"taskId"`
}

type recordData struct {
	TaskID     string          `json:"taskId"`
	State      string          `json:"state"`
	ResultJSON string          `json:"resultJson"`
	FailCode   json.RawMessage `json:"failCode"`
	FailMsg    string          `json:"failMsg"`
	Progress   json.Number     `json:"progress"`
}

type resultJSON struct {
	ResultURLs []string `json:"resultUrls"`
}

// NewClient создаёт HTTP-клиент для обращения к API генерации по указанному адресу.
func NewClient(baseURL, apiKey string, httpClient *retryablehttp.Client) *Client {
	return &Client{
		baseURL:    httpclient.NormalizeBaseURL(baseURL),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// Configured сообщает, задан ли адрес API.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Submit создаёт задачу генерации и возвращает идентификатор, назначенный провайдером.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	input := map[string]any{}
	if len(req.Params) > 0 && !bytes.Equal(bytes.TrimSpace(req.Params), []byte("null")) {
		if err := json.Unmarshal(req.Params, &input); err != nil {
			return "", fmt.Errorf("decode params: %w", err)
		}
	}
	input["prompt"] = req.Prompt

	body, err := json.Marshal(map[string]any{
		"model":       req.Model,
		"callBackUrl": req.CallbackURL,
		"input":       input,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	var data createTaskData
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/createTask", body, &data); err != nil {
		return "", err
	}
	if data.TaskID == "" {
		return "", fmt.Errorf("decode response: empty taskId")
	}

	return data.TaskID, nil
}

// Poll запрашивает текущее состояние задачи.
func (c *Client) Poll(ctx context.Context, taskID string) (*TaskInfo, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	var data recordData
	path := "/api/v1/jobs/recordInfo?taskId=" + url.QueryEscape(taskID)
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	if data.TaskID == "" {
		data.TaskID = taskID
	}

	return data.toTaskInfo()
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rawBody any
	if body != nil {
		rawBody = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, rawBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &httpclient.StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	// Провайдер сообщает ошибки кодом в теле при HTTP 200.
	if env.Code != 0 && env.Code != http.StatusOK {
		return &httpclient.StatusError{StatusCode: env.Code, Body: env.Msg}
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("decode response: empty data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}

	return nil
}

// ParseCallback разбирает тело обратного вызова провайдера. Формат совпадает с ответом recordInfo.
func ParseCallback(payload []byte) (*TaskInfo, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}

	var data recordData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("decode callback data: %w", err)
		}
	}
	if data.TaskID == "" {
		return nil, fmt.Errorf("decode callback: empty taskId")
	}

	// Некоторые обратные вызовы приходят без state: ошибочный код означает провал задачи.
	if data.State == "" && env.Code != 0 && env.Code != http.StatusOK {
		data.State = "fail"
		if data.FailMsg == "" {
			data.FailMsg = env.Msg
		}
	}

	return data.toTaskInfo()
}

func (d recordData) toTaskInfo() (*TaskInfo, error) {
	info := &TaskInfo{
		TaskID:  d.TaskID,
		State:   d.State,
		Status:  MapState(d.State),
		FailMsg: d.FailMsg,
	}

	if p, err := d.Progress.Float64(); err == nil {
		if p > 0 && p <= 1 {
			p *= 100
		}
		info.Progress = int(math.Round(p))
	}

	if strings.TrimSpace(d.ResultJSON) != "" {
		var res resultJSON
		if err := json.Unmarshal([]byte(d.ResultJSON), &res); err != nil {
			return nil, fmt.Errorf("decode resultJson: %w", err)
		}
		info.ResultURLs = res.ResultURLs
	}

	if info.Status == model.JobStatusCompleted {
		info.Progress = 100
	}

	return info, nil
}

// MapState переводит состояние провайдера в статус задачи. Сравнение нечувствительно к регистру;
// неизвестные состояния считаются processing, чтобы не вызвать преждевременный возврат кредитов.
func MapState(state string) model.JobStatus {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "waiting", "queuing", "queued", "pending":
		return model.JobStatusPending
	case "generating", "running", "processing":
		return model.JobStatusProcessing
	case "success", "succeeded", "completed", "done":
		return model.JobStatusCompleted
	case "fail", "failed", "error":
		return model.JobStatusFailed
	}
	return model.JobStatusProcessing
}
