// Package ollama speaks the local backend's HTTP API and translates between
// the OpenAI-compatible surface and Ollama's native one.
//
// Responsibilities:
//   - Request translation, including multimodal content and image ingestion
//   - Response and stream-frame translation back to the OpenAI shape
//   - Bounded backend concurrency via a weighted semaphore
//   - Typed BackendError taxonomy carrying the client-facing HTTP mapping
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"aiproxy/internal/metrics"
	"aiproxy/internal/openai"
)

// BackendError reports a failed backend interaction along with the status
// and error type the client should see.
type BackendError struct {
	Message    string
	Type       string
	StatusCode int
	Param      string
}

func (e *BackendError) Error() string { return e.Message }

// Client talks to one Ollama instance. Concurrency toward the backend is
// bounded by a weighted semaphore; Acquire blocks until a permit frees up or
// the caller's context is cancelled.
type Client struct {
	baseURL    string
	httpClient *http.Client
	imgClient  *http.Client
	sem        *semaphore.Weighted
	log        *zap.Logger
}

// NewClient builds a client for the given base URL admitting at most
// maxConcurrent simultaneous backend calls.
func NewClient(baseURL string, maxConcurrent int64, log *zap.Logger) *Client {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		imgClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		sem: semaphore.NewWeighted(maxConcurrent),
		log: log,
	}
}

// ─── Request translation ─────────────────────────────────────────────────────

// translate converts the OpenAI request into Ollama's native shape.
// Multimodal messages split into joined text plus a base64 image list.
func (c *Client) translate(req *openai.ChatCompletionRequest, stream bool) (*chatRequest, error) {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if !m.Content.IsMultimodal() {
			messages = append(messages, chatMessage{Role: m.Role, Content: m.Content.Text})
			continue
		}
		var texts []string
		var images []string
		for _, part := range m.Content.Parts {
			switch part.Type {
			case "text":
				if part.Text != "" {
					texts = append(texts, part.Text)
				}
			case "image_url":
				if part.ImageURL == nil || part.ImageURL.URL == "" {
					continue
				}
				data, err := c.processImage(part.ImageURL.URL)
				if err != nil {
					return nil, err
				}
				images = append(images, data)
			}
		}
		messages = append(messages, chatMessage{
			Role:    m.Role,
			Content: strings.Join(texts, " "),
			Images:  images,
		})
	}

	out := &chatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}

	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		options["num_predict"] = *req.MaxTokens
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		options["stop"] = []string(req.Stop)
	}
	if len(options) > 0 {
		out.Options = options
	}

	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		out.Format = "json"
	}
	return out, nil
}

// processImage turns an image reference into the base64 payload Ollama
// expects. data: URLs are unwrapped; anything else is fetched. A reference
// that cannot be resolved is the client's fault.
func (c *Client) processImage(url string) (string, error) {
	if strings.HasPrefix(url, "data:") {
		_, data, ok := strings.Cut(url, ",")
		if !ok || data == "" {
			return "", &BackendError{
				Message:    "Malformed image data URL",
				Type:       "invalid_request_error",
				StatusCode: http.StatusBadRequest,
				Param:      "image_url",
			}
		}
		return data, nil
	}

	resp, err := c.imgClient.Get(url)
	if err != nil {
		return "", &BackendError{
			Message:    fmt.Sprintf("Unable to fetch image from %s", url),
			Type:       "invalid_request_error",
			StatusCode: http.StatusBadRequest,
			Param:      "image_url",
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &BackendError{
			Message:    fmt.Sprintf("Unable to fetch image from %s", url),
			Type:       "invalid_request_error",
			StatusCode: http.StatusBadRequest,
			Param:      "image_url",
		}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &BackendError{
			Message:    fmt.Sprintf("Unable to fetch image from %s", url),
			Type:       "invalid_request_error",
			StatusCode: http.StatusBadRequest,
			Param:      "image_url",
		}
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ─── Buffered completion ─────────────────────────────────────────────────────

// Chat performs a buffered completion. The semaphore is held for the whole
// backend call.
func (c *Client) Chat(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	payload, err := c.translate(req, false)
	if err != nil {
		return nil, err
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire backend permit: %w", err)
	}
	// The gauge counts permit holders, not queued callers.
	metrics.BackendInFlight.Inc()
	defer func() {
		c.sem.Release(1)
		metrics.BackendInFlight.Dec()
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, connectError()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode, req.Model)
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.log.Warn("undecodable backend response", zap.Error(err))
		return nil, &BackendError{
			Message:    "Ollama server error",
			Type:       "server_error",
			StatusCode: http.StatusBadGateway,
		}
	}
	return ToResponse(&out, req.Model), nil
}

// ─── Streaming completion ────────────────────────────────────────────────────

// Stream yields decoded backend frames. Close always releases the permit
// and the connection, so it is safe on every path including cancellation.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	release func()
	closed  bool
}

// Next returns the next frame, io.EOF at end of stream, or the transport
// error that interrupted it.
func (s *Stream) Next() (*ChatResponse, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame ChatResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			// Skip garbage lines the way the backend's own clients do.
			continue
		}
		return &frame, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close releases the backend permit and the underlying connection.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.body.Close()
	s.release()
	return err
}

// ChatStream opens a streaming completion. On success the caller owns the
// returned Stream and must Close it. On failure the permit is already
// released and the error carries the taxonomy for the in-stream error frame.
func (c *Client) ChatStream(ctx context.Context, req *openai.ChatCompletionRequest) (*Stream, error) {
	payload, err := c.translate(req, true)
	if err != nil {
		return nil, err
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire backend permit: %w", err)
	}
	metrics.BackendInFlight.Inc()
	release := func() {
		c.sem.Release(1)
		metrics.BackendInFlight.Dec()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		release()
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		release()
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		release()
		return nil, connectError()
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		release()
		return nil, statusError(resp.StatusCode, req.Model)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Stream{
		body:    resp.Body,
		scanner: scanner,
		release: release,
	}, nil
}

// ─── Models ──────────────────────────────────────────────────────────────────

// ListModels returns the installed models translated to the OpenAI list
// shape.
func (c *Client) ListModels(ctx context.Context) (*openai.ModelList, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, connectError()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, "")
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &BackendError{
			Message:    "Ollama server error",
			Type:       "server_error",
			StatusCode: http.StatusBadGateway,
		}
	}

	list := &openai.ModelList{Object: "list", Data: make([]openai.Model, 0, len(tags.Models))}
	for _, m := range tags.Models {
		list.Data = append(list.Data, openai.Model{
			ID:      m.Name,
			Object:  "model",
			OwnedBy: "ollama",
		})
	}
	return list, nil
}

// ─── Response translation ────────────────────────────────────────────────────

var stopReason = "stop"

// ToResponse converts a buffered backend answer to the OpenAI shape.
func ToResponse(resp *ChatResponse, model string) *openai.ChatCompletionResponse {
	role := "assistant"
	content := ""
	if resp.Message != nil {
		if resp.Message.Role != "" {
			role = resp.Message.Role
		}
		content = resp.Message.Content
	}
	var finish *string
	if resp.Done {
		finish = &stopReason
	}
	return &openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + resp.CreatedAt,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.Choice{{
			Index: 0,
			Message: openai.ChatMessage{
				Role:    role,
				Content: openai.MessageContent{Text: content},
			},
			FinishReason: finish,
		}},
		Usage: &openai.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
}

// ToChunk converts one stream frame to an OpenAI chunk. The terminal frame
// carries no delta content; it gets the finish reason and, when includeUsage
// is set, the usage block.
func ToChunk(frame *ChatResponse, model string, includeUsage bool) *openai.ChatCompletionChunk {
	chunk := &openai.ChatCompletionChunk{
		ID:      "chatcmpl-" + frame.CreatedAt,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
	}
	choice := openai.StreamChoice{Index: 0}
	if frame.Done {
		choice.FinishReason = &stopReason
		if includeUsage {
			chunk.Usage = &openai.Usage{
				PromptTokens:     frame.PromptEvalCount,
				CompletionTokens: frame.EvalCount,
				TotalTokens:      frame.PromptEvalCount + frame.EvalCount,
			}
		}
	} else if frame.Message != nil {
		role := frame.Message.Role
		content := frame.Message.Content
		if role != "" {
			choice.Delta.Role = &role
		}
		choice.Delta.Content = &content
	}
	chunk.Choices = []openai.StreamChoice{choice}
	return chunk
}

// ─── Error taxonomy ──────────────────────────────────────────────────────────

func connectError() *BackendError {
	return &BackendError{
		Message:    "Unable to connect to Ollama server",
		Type:       "server_error",
		StatusCode: http.StatusBadGateway,
	}
}

func statusError(code int, model string) *BackendError {
	switch {
	case code == http.StatusNotFound:
		return &BackendError{
			Message:    fmt.Sprintf("Model '%s' not found", model),
			Type:       "invalid_request_error",
			StatusCode: http.StatusNotFound,
			Param:      "model",
		}
	case code == http.StatusBadRequest:
		return &BackendError{
			Message:    "Invalid request to Ollama",
			Type:       "invalid_request_error",
			StatusCode: http.StatusBadRequest,
		}
	default:
		return &BackendError{
			Message:    "Ollama server error",
			Type:       "server_error",
			StatusCode: http.StatusBadGateway,
		}
	}
}
