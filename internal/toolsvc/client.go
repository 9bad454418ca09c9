// Package toolsvc is a thin JSON-over-HTTP client for the tool execution
// service that hosts generated tools.
package toolsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ExecutionResult is the service's response to a tool invocation.
type ExecutionResult struct {
	Status          string                 `json:"status"`
	Outputs         map[string]interface{} `json:"outputs,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ExecutionTimeMs float64                `json:"execution_time_ms"`
}

// Client talks to one tool execution service instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// ExecuteTool invokes a hosted tool with the given inputs.
func (c *Client) ExecuteTool(ctx context.Context, toolName string, inputs map[string]interface{}) (*ExecutionResult, error) {
	if toolName == "" {
		return nil, fmt.Errorf("tool name cannot be empty")
	}

	endpoint := c.baseURL + "/tool/" + url.PathEscape(toolName)
	started := time.Now()

	body, err := c.postJSON(ctx, endpoint, inputs)
	if err != nil {
		return nil, fmt.Errorf("executing tool %s: %w", toolName, err)
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding tool response: %w", err)
	}

	// Some tools return bare output values rather than the result
	// envelope; a "status" key marks the envelope form.
	var result ExecutionResult
	if _, ok := envelope["status"]; ok {
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("decoding tool response: %w", err)
		}
	} else {
		result = ExecutionResult{Status: "success", Outputs: envelope}
	}
	if result.ExecutionTimeMs == 0 {
		result.ExecutionTimeMs = float64(time.Since(started).Milliseconds())
	}

	c.logger.Info("tool executed",
		"tool", toolName,
		"status", result.Status,
		"execution_time_ms", result.ExecutionTimeMs)
	return &result, nil
}

// LoadToolFile asks the service to load a generated tool file from disk.
func (c *Client) LoadToolFile(ctx context.Context, filePath string) error {
	payload := map[string]string{"file_path": filePath}
	if _, err := c.postJSON(ctx, c.baseURL+"/load_tool_file", payload); err != nil {
		return fmt.Errorf("loading tool file %s: %w", filePath, err)
	}
	c.logger.Info("tool file loaded", "file_path", filePath)
	return nil
}

// Health checks the service's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tool service health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tool service unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}

// ToolEndpoint returns the invocation URL for a registered tool.
func (c *Client) ToolEndpoint(toolName string) string {
	return c.baseURL + "/tool/" + url.PathEscape(toolName)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
