/**
 * Vision Client - Remote recognition model servers
 *
 * Learned recognizers (transformer OCR, CRNN, vision-language models) run as
 * HTTP model servers next to the worker. This client sends a single field crop
 * and reads back text and confidence.
 *
 * Servers answer either synchronously (200) or with an accepted task (202)
 * that is polled until it completes.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
)

const defaultPollInterval = 250 * time.Millisecond

// VisionClient handles communication with one remote recognition server
type VisionClient struct {
	name         string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *logging.Logger
}

// RecognizeRequest represents a request to recognize one field crop
type RecognizeRequest struct {
	Image       string                 `json:"image"`              // Base64 encoded PNG
	Format      string                 `json:"format"`             // "base64"
	Kind        string                 `json:"kind"`               // "text" or "checkbox"
	Field       string                 `json:"field,omitempty"`    // Field name, for server-side routing
	Handwritten bool                   `json:"handwritten"`        // Content is expected to be handwritten
	Language    string                 `json:"language,omitempty"` // e.g. "vi"
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	JobID       string                 `json:"jobId,omitempty"`
}

// RecognizeResponse represents a synchronous response from the recognize endpoint
type RecognizeResponse struct {
	Success bool          `json:"success"`
	Data    RecognizeData `json:"data"`
	Message string        `json:"message"`
}

// RecognizeData contains the recognized content
type RecognizeData struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"` // 0-1
	ModelUsed      string  `json:"modelUsed"`
	ProcessingTime int64   `json:"processingTime"` // milliseconds
}

// AcceptedResponse is returned with 202 when the server queues the crop
type AcceptedResponse struct {
	Success bool `json:"success"`
	Data    struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
	Message string `json:"message"`
}

// TaskStatusResponse represents the response from polling /api/tasks/:taskId
type TaskStatusResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Task TaskInfo `json:"task"`
	} `json:"data"`
	Message string `json:"message"`
}

// TaskInfo contains task status and, once completed, the result
type TaskInfo struct {
	ID       string         `json:"id"`
	Status   string         `json:"status"`   // "pending", "processing", "completed", "failed"
	Progress int            `json:"progress"` // 0-100
	Result   *RecognizeData `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// NewVisionClient creates a client for the server named name at baseURL
func NewVisionClient(name, baseURL string, timeout time.Duration) *VisionClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &VisionClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		pollInterval: defaultPollInterval,
		logger:       logging.NewLogger("VisionClient").With("server", name),
	}
}

// Name returns the server name the client was configured with
func (c *VisionClient) Name() string {
	return c.name
}

// SetPollInterval changes how often accepted tasks are polled
func (c *VisionClient) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// Recognize sends a crop for recognition, waiting for queued tasks to finish
func (c *VisionClient) Recognize(ctx context.Context, req *RecognizeRequest) (*RecognizeData, error) {
	endpoint := fmt.Sprintf("%s/api/recognize", c.baseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "form-extraction-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("recognize-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out RecognizeResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if !out.Success {
			return nil, fmt.Errorf("%s recognition failed: %s", c.name, out.Message)
		}
		c.logger.Debug("Recognition complete",
			"field", req.Field,
			"modelUsed", out.Data.ModelUsed,
			"confidence", out.Data.Confidence,
			"processingTime", out.Data.ProcessingTime)
		return &out.Data, nil

	case http.StatusAccepted:
		var accepted AcceptedResponse
		if err := json.Unmarshal(body, &accepted); err != nil {
			return nil, fmt.Errorf("failed to parse accepted response: %w", err)
		}
		if accepted.Data.TaskID == "" {
			return nil, fmt.Errorf("%s accepted task without id", c.name)
		}
		return c.WaitForTask(ctx, accepted.Data.TaskID)

	default:
		return nil, fmt.Errorf("%s returned error status %d: %s", c.name, resp.StatusCode, string(body))
	}
}

// RecognizePNG is a convenience method that handles base64 encoding
func (c *VisionClient) RecognizePNG(ctx context.Context, png []byte, kind, field string, handwritten bool) (*RecognizeData, error) {
	return c.Recognize(ctx, &RecognizeRequest{
		Image:       base64.StdEncoding.EncodeToString(png),
		Format:      "base64",
		Kind:        kind,
		Field:       field,
		Handwritten: handwritten,
		Language:    "vi",
	})
}

// GetTaskStatus polls for the status of a queued task
func (c *VisionClient) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatusResponse, error) {
	endpoint := fmt.Sprintf("%s/api/tasks/%s", c.baseURL, taskID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("X-Source", "form-extraction-worker")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status check failed with status %d: %s", resp.StatusCode, string(body))
	}

	var status TaskStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &status, nil
}

// WaitForTask polls the task status until completion or context cancellation
func (c *VisionClient) WaitForTask(ctx context.Context, taskID string) (*RecognizeData, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled while waiting for task: %w", ctx.Err())

		case <-ticker.C:
			status, err := c.GetTaskStatus(ctx, taskID)
			if err != nil {
				c.logger.Warn("Failed to get task status", "taskId", taskID, "error", err)
				continue
			}

			task := status.Data.Task
			switch task.Status {
			case "completed":
				if task.Result == nil {
					return nil, fmt.Errorf("task %s completed without result", taskID)
				}
				return task.Result, nil
			case "failed":
				return nil, fmt.Errorf("task failed: %s", task.Error)
			case "pending", "processing":
				continue
			default:
				c.logger.Warn("Unknown task status", "taskId", taskID, "status", task.Status)
			}
		}
	}
}

// HealthCheck verifies the server is available
func (c *VisionClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
