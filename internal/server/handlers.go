package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"aiproxy/internal/auth"
	"aiproxy/internal/db"
	"aiproxy/internal/ingest"
	"aiproxy/internal/ollama"
	"aiproxy/internal/openai"
	"aiproxy/internal/tracker"
)

// ─── Health ──────────────────────────────────────────────────────────────────

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"service":    "AI Usage Proxy Server",
		"ollama_url": s.cfg.OllamaBaseURL,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// ─── Completions ─────────────────────────────────────────────────────────────

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body", "invalid_request_error", "")
		return
	}
	s.completion(w, r, &req)
}

func (s *Server) handleChatCompletionsUpload(w http.ResponseWriter, r *http.Request) {
	req, err := ingest.Parse(r, s.ingest)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.completion(w, r, req)
}

// completion runs the shared pipeline for both intake forms.
func (s *Server) completion(w http.ResponseWriter, r *http.Request, req *openai.ChatCompletionRequest) {
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "")
		return
	}

	ctx := r.Context()
	user := auth.UserFrom(ctx)
	requestID := RequestIDFrom(ctx)

	if req.Stream {
		stream, err := s.backend.ChatStream(ctx, req)
		if err != nil {
			// The client already asked for a stream; failures surface as an
			// in-stream error frame.
			tracker.WriteSSEHeaders(w)
			tracker.WriteErrorFrame(w, streamErrorEnvelope(err))
			return
		}
		defer stream.Close()
		s.tracker.Relay(ctx, w, stream, req, user.ID, requestID)
		return
	}

	resp, err := s.backend.Chat(ctx, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if resp.Usage != nil {
		preview := tracker.PromptPreview(req.Messages)
		if err := s.tracker.Record(ctx, user.ID, requestID, req.Model, preview, *resp.Usage); err != nil {
			s.log.Error("record usage",
				zap.String("user_id", user.ID),
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamErrorEnvelope converts a stream-open failure into the frame body.
func streamErrorEnvelope(err error) *openai.ErrorEnvelope {
	var be *ollama.BackendError
	if errors.As(err, &be) {
		return openai.NewError(be.Message, be.Type, be.Param)
	}
	return openai.NewError("Unable to connect to Ollama server", "server_error", "")
}

// ─── Models ──────────────────────────────────────────────────────────────────

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.backend.ListModels(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ─── Usage ───────────────────────────────────────────────────────────────────

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFrom(r.Context())
	stats, err := s.store.GetUsageStats(r.Context(), user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":           user.ID,
		"total_tokens":      stats.TotalTokens,
		"prompt_tokens":     stats.PromptTokens,
		"completion_tokens": stats.CompletionTokens,
		"total_cost":        stats.TotalCost,
		"request_count":     stats.RequestCount,
		"by_model":          stats.ByModel,
	})
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFrom(r.Context())
	stats, err := s.store.GetUsageStats(r.Context(), user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      user.ID,
		"total_tokens": stats.TotalTokens,
		"total_cost":   stats.TotalCost,
		"by_model":     stats.ByModel,
	})
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFrom(r.Context())

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.store.ListUsage(r.Context(), user.ID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rows == nil {
		rows = []*db.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": user.ID,
		"limit":   limit,
		"offset":  offset,
		"history": rows,
	})
}

// ─── Pricing (read-only) ─────────────────────────────────────────────────────

func (s *Server) handlePricingList(w http.ResponseWriter, r *http.Request) {
	list, err := s.book.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pricing": list})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
