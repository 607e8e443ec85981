package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"echo-backend/internal/config"
)

const (
	errKindEmptyResponse = "empty_response"
	errKindModelNotFound = "model_not_found"
	errKindAPIError      = "api_error"
	errKindTimeout       = "timeout"
	errKindConnection    = "connection_error"
)

// GenerationError is the single error type the inference client returns.
// Kind tells callers whether the failure was terminal or exhausted retries.
type GenerationError struct {
	Kind    string
	Status  int
	Message string
}

func (e *GenerationError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func generationErrorKind(err error) string {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Kind
	}
	return ""
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AIClient interface {
	Chat(ctx context.Context, messages []ChatMessage) (string, error)
	Generate(ctx context.Context, prompt string) (string, error)
	Probe(ctx context.Context) map[string]any
}

type OllamaClient struct {
	baseURL         string
	model           string
	temperature     float64
	chatTimeout     time.Duration
	generateTimeout time.Duration
	retryCount      int
	retryDelay      time.Duration
	httpClient      *http.Client
}

func NewOllamaClient(cfg config.Config) *OllamaClient {
	retryCount := cfg.AIRetryCount
	if retryCount < 1 {
		retryCount = 1
	}
	return &OllamaClient{
		baseURL:         strings.TrimRight(strings.TrimSpace(cfg.OllamaBaseURL), "/"),
		model:           strings.TrimSpace(cfg.OllamaModel),
		temperature:     cfg.AITemperature,
		chatTimeout:     time.Duration(cfg.AIChatTimeoutSecs) * time.Second,
		generateTimeout: time.Duration(cfg.AIGenTimeoutSecs) * time.Second,
		retryCount:      retryCount,
		retryDelay:      time.Duration(cfg.AIRetryDelaySecs) * time.Second,
		httpClient:      &http.Client{},
	}
}

func (c *OllamaClient) Model() string {
	return c.model
}

func (c *OllamaClient) options() map[string]any {
	return map[string]any{
		"temperature": c.temperature,
		"stop":        []string{"User:", "Human:", "###"},
	}
}

// Chat sends a role-tagged conversation to /api/chat. An empty reply is
// terminal here: the model answered, it just answered with nothing.
func (c *OllamaClient) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	payload := map[string]any{
		"model":    c.model,
		"messages": messages,
		"stream":   false,
		"options":  c.options(),
	}
	return c.callWithRetry(ctx, "/api/chat", payload, c.chatTimeout, func(body []byte) (string, error) {
		var parsed struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", &GenerationError{Kind: errKindAPIError, Message: "unparseable chat response: " + err.Error()}
		}
		content := strings.TrimSpace(parsed.Message.Content)
		if content == "" {
			return "", &GenerationError{Kind: errKindEmptyResponse, Message: "model returned an empty chat reply"}
		}
		return content, nil
	}, false)
}

// Generate sends a single prompt to /api/generate. Empty replies are retried
// within the attempt budget since long-form generation occasionally stalls.
func (c *OllamaClient) Generate(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model":   c.model,
		"prompt":  prompt,
		"stream":  false,
		"options": c.options(),
	}
	return c.callWithRetry(ctx, "/api/generate", payload, c.generateTimeout, func(body []byte) (string, error) {
		var parsed struct {
			Response string `json:"response"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", &GenerationError{Kind: errKindAPIError, Message: "unparseable generate response: " + err.Error()}
		}
		response := strings.TrimSpace(parsed.Response)
		if response == "" {
			return "", &GenerationError{Kind: errKindEmptyResponse, Message: "model produced no output"}
		}
		return response, nil
	}, true)
}

func (c *OllamaClient) callWithRetry(
	ctx context.Context,
	path string,
	payload map[string]any,
	timeout time.Duration,
	extract func(body []byte) (string, error),
	retryEmpty bool,
) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryCount; attempt++ {
		result, err := c.callOnce(ctx, path, payload, timeout, extract)
		if err == nil {
			return result, nil
		}
		lastErr = err

		kind := generationErrorKind(err)
		retryable := kind == errKindTimeout || kind == errKindConnection ||
			(retryEmpty && kind == errKindEmptyResponse)
		if !retryable || attempt == c.retryCount {
			break
		}
		log.Printf("ollama %s attempt %d/%d failed (%s), retrying", path, attempt, c.retryCount, kind)
		select {
		case <-ctx.Done():
			return "", &GenerationError{Kind: errKindTimeout, Message: ctx.Err().Error()}
		case <-time.After(c.retryDelay):
		}
	}
	return "", lastErr
}

func (c *OllamaClient) callOnce(
	ctx context.Context,
	path string,
	payload map[string]any,
	timeout time.Duration,
	extract func(body []byte) (string, error),
) (string, error) {
	bodyRaw, err := json.Marshal(payload)
	if err != nil {
		return "", &GenerationError{Kind: errKindAPIError, Message: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyRaw))
	if err != nil {
		return "", &GenerationError{Kind: errKindConnection, Message: err.Error()}
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return "", classifyTransportError(err)
	}

	switch {
	case response.StatusCode == http.StatusNotFound:
		return "", &GenerationError{
			Kind:    errKindModelNotFound,
			Status:  response.StatusCode,
			Message: fmt.Sprintf("model %q not found on inference server", c.model),
		}
	case response.StatusCode != http.StatusOK:
		return "", &GenerationError{
			Kind:    errKindAPIError,
			Status:  response.StatusCode,
			Message: strings.TrimSpace(string(responseBody)),
		}
	}
	return extract(responseBody)
}

func classifyTransportError(err error) *GenerationError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &GenerationError{Kind: errKindTimeout, Message: "inference request timed out"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &GenerationError{Kind: errKindTimeout, Message: "inference request timed out"}
	}
	return &GenerationError{Kind: errKindConnection, Message: err.Error()}
}

// Probe gathers non-fatal diagnostics about the inference server: the tag
// list plus one-shot chat and generate pings. Used when the configured model
// turns out to be missing.
func (c *OllamaClient) Probe(ctx context.Context) map[string]any {
	result := map[string]any{
		"base_url": c.baseURL,
		"model":    c.model,
	}

	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	tagsRequest, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		result["tags_error"] = err.Error()
	} else if response, err := c.httpClient.Do(tagsRequest); err != nil {
		result["tags_error"] = err.Error()
	} else {
		body, readErr := io.ReadAll(response.Body)
		response.Body.Close()
		result["tags_status"] = response.StatusCode
		if readErr != nil {
			result["tags_error"] = readErr.Error()
		} else {
			var parsed struct {
				Models []struct {
					Name string `json:"name"`
				} `json:"models"`
			}
			if json.Unmarshal(body, &parsed) == nil {
				names := make([]string, 0, len(parsed.Models))
				for _, m := range parsed.Models {
					names = append(names, m.Name)
				}
				result["available_models"] = names
			}
		}
	}

	single := &OllamaClient{
		baseURL:         c.baseURL,
		model:           c.model,
		temperature:     c.temperature,
		chatTimeout:     15 * time.Second,
		generateTimeout: 15 * time.Second,
		retryCount:      1,
		retryDelay:      0,
		httpClient:      c.httpClient,
	}
	if _, err := single.Chat(probeCtx, []ChatMessage{{Role: "user", Content: "ping"}}); err != nil {
		result["chat_error"] = err.Error()
	} else {
		result["chat_ok"] = true
	}
	if _, err := single.Generate(probeCtx, "ping"); err != nil {
		result["generate_error"] = err.Error()
	} else {
		result["generate_ok"] = true
	}
	return result
}

// MockAIClient serves local development and tests without an inference server.
type MockAIClient struct {
	ChatReply     string
	GenerateReply string
	Err           error
	ChatCalls     int
	GenerateCalls int
}

func (m *MockAIClient) Chat(_ context.Context, messages []ChatMessage) (string, error) {
	m.ChatCalls++
	if m.Err != nil {
		return "", m.Err
	}
	if m.ChatReply != "" {
		return m.ChatReply, nil
	}
	last := ""
	for _, msg := range messages {
		if msg.Role == "user" {
			last = msg.Content
		}
	}
	return "Mock reply: " + last, nil
}

func (m *MockAIClient) Generate(_ context.Context, prompt string) (string, error) {
	m.GenerateCalls++
	if m.Err != nil {
		return "", m.Err
	}
	if m.GenerateReply != "" {
		return m.GenerateReply, nil
	}
	return "Mock analysis for: " + truncateForLog(prompt, 80), nil
}

func (m *MockAIClient) Probe(_ context.Context) map[string]any {
	return map[string]any{"mock": true}
}

// estimateTokens approximates usage at four characters per token since the
// inference API reports none.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func truncateForLog(value string, limit int) string {
	trimmed := strings.TrimSpace(value)
	if limit <= 0 || len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[:limit] + "...(truncated)"
}
