package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"aiproxy/internal/config"
	"aiproxy/internal/db"
	"aiproxy/internal/metrics"
	"aiproxy/internal/openai"
)

const testAdminKey = "test-admin-key"

type testEnv struct {
	srv     *Server
	proxy   *httptest.Server
	backend *httptest.Server
	store   db.Store
}

func testConfig(backendURL string) *config.Config {
	return &config.Config{
		Host:                "127.0.0.1",
		Port:                0,
		OllamaBaseURL:       backendURL,
		OllamaMaxConcurrent: 1,
		DatabasePath:        ":memory:",
		DBPoolSize:          20,
		AdminAPIKey:         testAdminKey,

		DefaultRequestsPerMinute: 60,
		DefaultRequestsPerDay:    1000,
		DefaultTokensPerMinute:   100000,
		DefaultTokensPerDay:      1000000,

		MaxUploadSizeMB:   10,
		AllowedImageTypes: []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
	}
}

// newTestEnv stands up the proxy against a mock backend.
func newTestEnv(t *testing.T, backendHandler http.HandlerFunc) *testEnv {
	t.Helper()

	backend := httptest.NewServer(backendHandler)
	t.Cleanup(backend.Close)

	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := New(testConfig(backend.URL), store, nil)
	t.Cleanup(srv.counters.Stop)

	proxy := httptest.NewServer(srv.Router())
	t.Cleanup(proxy.Close)

	return &testEnv{srv: srv, proxy: proxy, backend: backend, store: store}
}

// okBackend answers every chat call with a fixed completion.
func okBackend(promptTokens, evalTokens int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			json.NewEncoder(w).Encode(map[string]any{
				"model":             "llama3",
				"created_at":        "2025-06-01T00:00:00Z",
				"message":           map[string]string{"role": "assistant", "content": "hello back"},
				"done":              true,
				"prompt_eval_count": promptTokens,
				"eval_count":        evalTokens,
			})
		case "/api/tags":
			json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]string{{"name": "llama3"}},
			})
		default:
			w.WriteHeader(404)
		}
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.proxy.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do %s %s: %v", method, path, err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

// provisionUser creates a user through the admin surface and returns its key.
func (e *testEnv) provisionUser(t *testing.T, userID string) string {
	t.Helper()
	resp, raw := e.do(t, "POST", "/admin/users", testAdminKey, map[string]string{"user_id": userID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("provision user: status %d body %s", resp.StatusCode, raw)
	}
	var user db.UserRecord
	if err := json.Unmarshal(raw, &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if !strings.HasPrefix(user.APIKey, "sk-"+userID+"-") {
		t.Fatalf("unexpected key shape %s", user.APIKey)
	}
	return user.APIKey
}

func completionBody(stream bool) map[string]any {
	return map[string]any{
		"model":    "llama3",
		"stream":   stream,
		"messages": []map[string]string{{"role": "user", "content": "say hello"}},
	}
}

// ─── Auth ────────────────────────────────────────────────────────────────────

func TestPublicEndpointsOpen(t *testing.T) {
	env := newTestEnv(t, okBackend(1, 1))

	for _, path := range []string{"/", "/health", "/metrics"} {
		resp, _ := env.do(t, "GET", path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestMissingCredential(t *testing.T) {
	env := newTestEnv(t, okBackend(1, 1))

	resp, raw := env.do(t, "POST", "/v1/chat/completions", "", completionBody(false))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") != "Bearer" {
		t.Error("expected WWW-Authenticate: Bearer header")
	}
	var env2 openai.ErrorEnvelope
	if err := json.Unmarshal(raw, &env2); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, raw)
	}
	if env2.Error.Message == "" {
		t.Error("expected error message in envelope")
	}
}

func TestInvalidCredential(t *testing.T) {
	env := newTestEnv(t, okBackend(1, 1))

	resp, _ := env.do(t, "GET", "/v1/usage", "sk-ghost-deadbeef", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestUserKeyOnAdminPath(t *testing.T) {
	env := newTestEnv(t, okBackend(1, 1))
	key := env.provisionUser(t, "alice")

	resp, _ := env.do(t, "GET", "/admin/users", key, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for user key on admin path, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "GET", "/admin/users", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for missing admin credential, got %d", resp.StatusCode)
	}
}

// ─── Buffered completions ────────────────────────────────────────────────────

func TestBufferedCompletion(t *testing.T) {
	env := newTestEnv(t, okBackend(12, 8))
	key := env.provisionUser(t, "alice")

	resp, raw := env.do(t, "POST", "/v1/chat/completions", key, completionBody(false))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	if id := resp.Header.Get("X-Request-Id"); id == "" {
		t.Error("expected X-Request-Id on response")
	}

	var out openai.ChatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("unexpected object %s", out.Object)
	}
	if out.Choices[0].Message.Content.Text != "hello back" {
		t.Errorf("unexpected content %q", out.Choices[0].Message.Content.Text)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 20 {
		t.Errorf("unexpected usage %+v", out.Usage)
	}

	rows, err := env.store.ListUsage(context.Background(), "alice", 10, 0)
	if err != nil {
		t.Fatalf("ListUsage: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 usage row, got %d", len(rows))
	}
	if rows[0].TotalTokens != 20 || rows[0].PromptTokens != 12 {
		t.Errorf("unexpected row %+v", rows[0])
	}
	if rows[0].RequestID == "" {
		t.Error("expected request id on usage row")
	}
	if rows[0].PromptPreview != "say hello" {
		t.Errorf("unexpected preview %q", rows[0].PromptPreview)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, okBackend(1, 1))
	key := env.provisionUser(t, "alice")

	raw, _ := json.Marshal(completionBody(false))
	req, _ := http.NewRequest("POST", env.proxy.URL+"/v1/chat/completions", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("X-Request-Id", "trace-me-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Request-Id"); got != "trace-me-123" {
		t.Errorf("expected echoed request id, got %q", got)
	}
	rows, _ := env.store.ListUsage(context.Background(), "alice", 10, 0)
	if len(rows) != 1 || rows[0].RequestID != "trace-me-123" {
		t.Errorf("expected request id stored, got %+v", rows)
	}
}

func TestModelNotFound(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	})
	key := env.provisionUser(t, "alice")

	resp, raw := env.do(t, "POST", "/v1/chat/completions", key, completionBody(false))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var envlp openai.ErrorEnvelope
	if err := json.Unmarshal(raw, &envlp); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envlp.Error.Param != "model" || envlp.Error.Type != "invalid_request_error" {
		t.Errorf("unexpected envelope %+v", envlp.Error)
	}

	rows, _ := env.store.ListUsage(context.Background(), "alice", 10, 0)
	if len(rows) != 0 {
		t.Errorf("expected no usage rows for failed request, got %d", len(rows))
	}
}

func TestBackendDown(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	})
	key := env.provisionUser(t, "alice")

	resp, _ := env.do(t, "POST", "/v1/chat/completions", key, completionBody(false))
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
}

func TestMalformedBody(t *testing.T) {
	env := newTestEnv(t, okBackend(1, 1))
	key := env.provisionUser(t, "alice")

	req, _ := http.NewRequest("POST", env.proxy.URL+"/v1/chat/completions", strings.NewReader("{nope"))
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

// ─── Rate limiting ───────────────────────────────────────────────────────────

func TestRateLimitMinuteDimension(t *testing.T) {
	env := newTestEnv(t, okBackend(1, 1))
	key := env.provisionUser(t, "alice")

	two := 2
	err := env.store.UpdateRateLimits(context.Background(), &db.RateLimitRecord{
		UserID:            "alice",
		RequestsPerMinute: &two,
	})
	if err != nil {
		t.Fatalf("UpdateRateLimits: %v", err)
	}

	for i := 0; i < 2; i++ {
		resp, raw := env.do(t, "POST", "/v1/chat/completions", key, completionBody(false))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %s", i, resp.StatusCode, raw)
		}
	}

	resp, raw := env.do(t, "POST", "/v1/chat/completions", key, completionBody(false))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Errorf("expected Retry-After 60, got %q", got)
	}
	var envlp openai.ErrorEnvelope
	if err := json.Unmarshal(raw, &envlp); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if !strings.Contains(envlp.Error.Message, "requests per minute") {
		t.Errorf("expected dimension in message, got %q", envlp.Error.Message)
	}

	// The rejected request leaves no usage row.
	rows, _ := env.store.ListUsage(context.Background(), "alice", 10, 0)
	if len(rows) != 2 {
		t.Errorf("expected 2 usage rows, got %d", len(rows))
	}
}

func TestRateLimitUpdateTakesEffect(t *testing.T) {
	env := newTestEnv(t, okBackend(1, 1))
	key := env.provisionUser(t, "alice")

	resp, _ := env.do(t, "POST", "/v1/chat/completions", key, completionBody(false))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// Admin tightens the ceiling below current consumption; the next
	// admission check must see it.
	resp, _ = env.do(t, "PUT", "/admin/users/alice/limits", testAdminKey,
		map[string]any{"requests_per_minute": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("limits update: got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "POST", "/v1/chat/completions", key, completionBody(false))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429 after tightening, got %d", resp.StatusCode)
	}
}

// ─── Streaming ───────────────────────────────────────────────────────────────

func streamingBackend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			w.WriteHeader(404)
			return
		}
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"created_at": "t1", "message": map[string]string{"role": "assistant", "content": "Hel"}})
		enc.Encode(map[string]any{"created_at": "t2", "message": map[string]string{"content": "lo"}})
		enc.Encode(map[string]any{"created_at": "t3", "done": true, "prompt_eval_count": 9, "eval_count": 5})
	}
}

func TestStreamingCompletion(t *testing.T) {
	env := newTestEnv(t, streamingBackend())
	key := env.provisionUser(t, "alice")

	resp, raw := env.do(t, "POST", "/v1/chat/completions", key, completionBody(true))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event-stream, got %q", ct)
	}

	body := string(raw)
	if got := strings.Count(body, "data: [DONE]\n\n"); got != 1 {
		t.Errorf("expected exactly one terminator, got %d in %q", got, body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("terminator must be last: %q", body)
	}

	var chunks []openai.ChatCompletionChunk
	for _, line := range strings.Split(body, "\n\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "data: [DONE]" {
			continue
		}
		var c openai.ChatCompletionChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &c); err != nil {
			t.Fatalf("decode chunk %q: %v", line, err)
		}
		chunks = append(chunks, c)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if *chunks[0].Choices[0].Delta.Content != "Hel" || *chunks[1].Choices[0].Delta.Content != "lo" {
		t.Error("delta content out of order")
	}
	final := chunks[2]
	if final.Usage == nil || final.Usage.TotalTokens != 14 {
		t.Errorf("expected usage on final chunk, got %+v", final.Usage)
	}

	rows, _ := env.store.ListUsage(context.Background(), "alice", 10, 0)
	if len(rows) != 1 || rows[0].TotalTokens != 14 {
		t.Errorf("expected one usage row with 14 tokens, got %+v", rows)
	}
}

func TestStreamingPreConnectFailure(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	})
	key := env.provisionUser(t, "alice")

	resp, raw := env.do(t, "POST", "/v1/chat/completions", key, completionBody(true))
	// The stream surface answers 200 and carries the error in-band.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with in-stream error, got %d", resp.StatusCode)
	}
	body := string(raw)
	if !strings.Contains(body, "not found") {
		t.Errorf("expected error frame, got %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("expected terminator, got %q", body)
	}

	rows, _ := env.store.ListUsage(context.Background(), "alice", 10, 0)
	if len(rows) != 0 {
		t.Errorf("expected no usage rows, got %d", len(rows))
	}
}

func TestStreamingClientCancellation(t *testing.T) {
	firstFrame := make(chan struct{})
	unblock := make(chan struct{})
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": "Hel"}})
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		close(firstFrame)
		select {
		case <-unblock:
		case <-r.Context().Done():
		}
	})
	defer close(unblock)
	key := env.provisionUser(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	raw, _ := json.Marshal(completionBody(true))
	req, _ := http.NewRequestWithContext(ctx, "POST", env.proxy.URL+"/v1/chat/completions", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+key)

	done := make(chan struct{})
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		close(done)
	}()

	<-firstFrame
	cancel()
	<-done

	// Give the relay a moment to unwind, then confirm nothing was recorded.
	time.Sleep(100 * time.Millisecond)
	rows, _ := env.store.ListUsage(context.Background(), "alice", 10, 0)
	if len(rows) != 0 {
		t.Errorf("expected no usage rows after cancellation, got %d", len(rows))
	}
}

// ─── Concurrency fan-in ──────────────────────────────────────────────────────

func TestConcurrentBufferedCompletions(t *testing.T) {
	env := newTestEnv(t, okBackend(2, 3))
	key := env.provisionUser(t, "alice")

	n := 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, raw := env.do(t, "POST", "/v1/chat/completions", key, completionBody(false))
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("status %d: %s", resp.StatusCode, raw)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	stats, err := env.store.GetUsageStats(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetUsageStats: %v", err)
	}
	if stats.RequestCount != n {
		t.Errorf("expected %d usage rows, got %d", n, stats.RequestCount)
	}

	resp, raw := env.do(t, "GET", "/v1/usage", key, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage: got %d", resp.StatusCode)
	}
	var usage struct {
		RequestCount int `json:"request_count"`
	}
	if err := json.Unmarshal(raw, &usage); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if usage.RequestCount != n {
		t.Errorf("expected request_count %d, got %d", n, usage.RequestCount)
	}
}

// ─── Cost freezing ───────────────────────────────────────────────────────────

func TestPriceChangeDoesNotRewriteHistory(t *testing.T) {
	env := newTestEnv(t, okBackend(1_000_000, 0))
	key := env.provisionUser(t, "alice")

	// Raise the token ceilings so the million-token responses pass admission.
	big := 100_000_000
	if err := env.store.UpdateRateLimits(context.Background(), &db.RateLimitRecord{
		UserID:          "alice",
		TokensPerMinute: &big,
		TokensPerDay:    &big,
	}); err != nil {
		t.Fatalf("UpdateRateLimits: %v", err)
	}

	resp, _ := env.do(t, "POST", "/admin/pricing", testAdminKey, map[string]any{
		"model": "llama3", "input_cost_per_million": 1.0, "output_cost_per_million": 1.0,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("set pricing: got %d", resp.StatusCode)
	}

	if resp, raw := env.do(t, "POST", "/v1/chat/completions", key, completionBody(false)); resp.StatusCode != 200 {
		t.Fatalf("completion: %d %s", resp.StatusCode, raw)
	}

	resp, _ = env.do(t, "PUT", "/admin/pricing/llama3", testAdminKey, map[string]any{
		"input_cost_per_million": 100.0, "output_cost_per_million": 100.0,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update pricing: got %d", resp.StatusCode)
	}

	if resp, raw := env.do(t, "POST", "/v1/chat/completions", key, completionBody(false)); resp.StatusCode != 200 {
		t.Fatalf("second completion: %d %s", resp.StatusCode, raw)
	}

	rows, err := env.store.ListUsage(context.Background(), "alice", 10, 0)
	if err != nil {
		t.Fatalf("ListUsage: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	// Newest first: the second request priced at 100, the first stays at 1.
	if rows[0].Cost != 100.0 {
		t.Errorf("expected new row at 100.0, got %v", rows[0].Cost)
	}
	if rows[1].Cost != 1.0 {
		t.Errorf("expected old row frozen at 1.0, got %v", rows[1].Cost)
	}
}

// ─── Models and usage reads ──────────────────────────────────────────────────

func TestListModels(t *testing.T) {
	env := newTestEnv(t, okBackend(1, 1))
	key := env.provisionUser(t, "alice")

	resp, raw := env.do(t, "GET", "/v1/models", key, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list openai.ModelList
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 1 || list.Data[0].ID != "llama3" {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestUsageHistoryPagination(t *testing.T) {
	env := newTestEnv(t, okBackend(1, 1))
	key := env.provisionUser(t, "alice")

	for i := 0; i < 5; i++ {
		if resp, _ := env.do(t, "POST", "/v1/chat/completions", key, completionBody(false)); resp.StatusCode != 200 {
			t.Fatalf("completion %d failed", i)
		}
	}

	resp, raw := env.do(t, "GET", "/v1/usage/history?limit=2&offset=0", key, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var page struct {
		Limit   int               `json:"limit"`
		Offset  int               `json:"offset"`
		History []*db.UsageRecord `json:"history"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.History) != 2 || page.Limit != 2 {
		t.Errorf("unexpected page %+v", page)
	}

	resp, raw = env.do(t, "GET", "/v1/usage/history?limit=10&offset=4", key, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.History) != 1 {
		t.Errorf("expected 1 remaining row, got %d", len(page.History))
	}
}

func TestUsageSummary(t *testing.T) {
	env := newTestEnv(t, okBackend(3, 4))
	key := env.provisionUser(t, "alice")

	if resp, _ := env.do(t, "POST", "/v1/chat/completions", key, completionBody(false)); resp.StatusCode != 200 {
		t.Fatal("completion failed")
	}

	resp, raw := env.do(t, "GET", "/v1/usage/summary", key, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var summary struct {
		UserID      string                  `json:"user_id"`
		TotalTokens int                     `json:"total_tokens"`
		ByModel     map[string]db.ModelUsage `json:"by_model"`
	}
	if err := json.Unmarshal(raw, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.UserID != "alice" || summary.TotalTokens != 7 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if summary.ByModel["llama3"].RequestCount != 1 {
		t.Errorf("unexpected by_model %+v", summary.ByModel)
	}
}

func TestRequestCounterLabels(t *testing.T) {
	env := newTestEnv(t, okBackend(1, 1))
	key := env.provisionUser(t, "alice")

	counter := metrics.RequestsTotal.WithLabelValues("/v1/models", "200")
	base := testutil.ToFloat64(counter)

	resp, _ := env.do(t, "GET", "/v1/models", key, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if got := testutil.ToFloat64(counter) - base; got != 1 {
		t.Errorf("expected counter to advance by 1, got %v", got)
	}
}

func TestUserPricingReadOnly(t *testing.T) {
	env := newTestEnv(t, okBackend(1, 1))
	key := env.provisionUser(t, "alice")

	env.do(t, "POST", "/admin/pricing", testAdminKey, map[string]any{
		"model": "llama3", "input_cost_per_million": 0.5, "output_cost_per_million": 1.5,
	})

	resp, raw := env.do(t, "GET", "/v1/pricing", key, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Pricing []*db.PricingRecord `json:"pricing"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode pricing: %v", err)
	}
	if len(out.Pricing) != 1 || out.Pricing[0].InputPerMTok != 0.5 {
		t.Errorf("unexpected pricing %+v", out.Pricing)
	}
}
