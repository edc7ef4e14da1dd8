package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"aiproxy/internal/auth"
	"aiproxy/internal/db"
)

// ─── Users ───────────────────────────────────────────────────────────────────

type createUserRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var body createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body", "invalid_request_error", "")
		return
	}
	if body.UserID == "" || len(body.UserID) > 100 {
		writeError(w, http.StatusBadRequest, "user_id must be 1-100 characters", "invalid_request_error", "user_id")
		return
	}

	key, err := auth.GenerateAPIKey(body.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// The insert itself is the existence check; a pre-read would race with
	// concurrent creates for the same id.
	rec := &db.UserRecord{ID: body.UserID, APIKey: key}
	if err := s.store.CreateUser(r.Context(), rec, s.defaultLimits(body.UserID)); err != nil {
		if errors.Is(err, db.ErrExists) {
			writeError(w, http.StatusConflict, "User already exists", "invalid_request_error", "user_id")
			return
		}
		writeDomainError(w, err)
		return
	}

	s.log.Info("user created", zap.String("user_id", body.UserID))
	writeJSON(w, http.StatusOK, rec)
}

// defaultLimits builds the limits row seeded for new users. A configured
// lifetime cap of zero leaves that dimension unbounded.
func (s *Server) defaultLimits(userID string) *db.RateLimitRecord {
	rec := &db.RateLimitRecord{
		UserID:            userID,
		RequestsPerMinute: intp(s.cfg.DefaultRequestsPerMinute),
		RequestsPerDay:    intp(s.cfg.DefaultRequestsPerDay),
		TokensPerMinute:   intp(s.cfg.DefaultTokensPerMinute),
		TokensPerDay:      intp(s.cfg.DefaultTokensPerDay),
	}
	if s.cfg.DefaultTotalTokenLimit > 0 {
		rec.TotalTokenLimit = intp(s.cfg.DefaultTotalTokenLimit)
	}
	return rec
}

func intp(v int) *int { return &v }

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if users == nil {
		users = []*db.UserRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleAdminGetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found", "invalid_request_error", "user_id")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.store.DeleteUser(r.Context(), userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found", "invalid_request_error", "user_id")
			return
		}
		writeDomainError(w, err)
		return
	}
	s.counters.Reset(userID)
	s.log.Info("user deleted", zap.String("user_id", userID))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("User %s deleted successfully", userID),
	})
}

func (s *Server) handleAdminDeleteAllUsers(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.DeleteAllUsers(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Warn("all users deleted", zap.Int("count", count))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Deleted %d users and all associated data", count),
	})
}

func (s *Server) handleAdminUserUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found", "invalid_request_error", "user_id")
			return
		}
		writeDomainError(w, err)
		return
	}

	stats, err := s.store.GetUsageStats(ctx, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var limits *db.RateLimitRecord
	if rec, err := s.store.GetRateLimits(ctx, userID); err == nil {
		limits = rec
	} else if !errors.Is(err, db.ErrNotFound) {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"usage":       stats,
		"rate_limits": limits,
	})
}

// ─── Limits ──────────────────────────────────────────────────────────────────

func (s *Server) handleAdminGetLimits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	rec, err := s.store.GetRateLimits(r.Context(), userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Rate limits not found", "invalid_request_error", "")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAdminPutLimits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found", "invalid_request_error", "user_id")
			return
		}
		writeDomainError(w, err)
		return
	}

	var update db.RateLimitRecord
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body", "invalid_request_error", "")
		return
	}
	if update.RequestsPerMinute == nil && update.RequestsPerDay == nil &&
		update.TokensPerMinute == nil && update.TokensPerDay == nil &&
		update.TotalTokenLimit == nil {
		writeError(w, http.StatusBadRequest, "No fields to update", "invalid_request_error", "")
		return
	}
	update.UserID = userID

	if err := s.store.UpdateRateLimits(ctx, &update); err != nil {
		writeDomainError(w, err)
		return
	}

	// New ceilings apply on the next admission check.
	rec, err := s.store.GetRateLimits(ctx, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info("rate limits updated", zap.String("user_id", userID))
	writeJSON(w, http.StatusOK, rec)
}

// ─── Pricing ─────────────────────────────────────────────────────────────────

type pricingRequest struct {
	Model         string  `json:"model"`
	InputPerMTok  float64 `json:"input_cost_per_million"`
	OutputPerMTok float64 `json:"output_cost_per_million"`
}

func (s *Server) handleAdminCreatePricing(w http.ResponseWriter, r *http.Request) {
	var body pricingRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body", "invalid_request_error", "")
		return
	}
	s.setPricing(w, r, body.Model, body.InputPerMTok, body.OutputPerMTok, http.StatusCreated)
}

func (s *Server) handleAdminPutPricing(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	ctx := r.Context()

	if _, err := s.book.Get(ctx, model); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Pricing not found for model: %s", model), "invalid_request_error", "model")
			return
		}
		writeDomainError(w, err)
		return
	}

	var body pricingRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body", "invalid_request_error", "")
		return
	}
	s.setPricing(w, r, model, body.InputPerMTok, body.OutputPerMTok, http.StatusOK)
}

func (s *Server) setPricing(w http.ResponseWriter, r *http.Request, model string, in, out float64, okStatus int) {
	ctx := r.Context()
	if err := s.book.Set(ctx, model, in, out, "admin"); err != nil {
		if errors.Is(err, db.ErrBusy) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "")
		return
	}
	rec, err := s.book.Get(ctx, model)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info("pricing updated",
		zap.String("model", model),
		zap.Float64("input_per_million", in),
		zap.Float64("output_per_million", out))
	writeJSON(w, okStatus, rec)
}

func (s *Server) handleAdminListPricing(w http.ResponseWriter, r *http.Request) {
	list, err := s.book.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []*db.PricingRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pricing": list})
}

func (s *Server) handleAdminGetPricing(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	rec, err := s.book.Get(r.Context(), model)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Pricing not found for model: %s", model), "invalid_request_error", "model")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAdminDeletePricing(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	if err := s.book.Delete(r.Context(), model); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Pricing not found for model: %s", model), "invalid_request_error", "model")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Pricing for model %s deleted successfully", model),
	})
}

func (s *Server) handleAdminPricingHistoryAll(w http.ResponseWriter, r *http.Request) {
	s.writePricingHistory(w, r, "")
}

func (s *Server) handleAdminPricingHistory(w http.ResponseWriter, r *http.Request) {
	s.writePricingHistory(w, r, chi.URLParam(r, "model"))
}

func (s *Server) writePricingHistory(w http.ResponseWriter, r *http.Request, model string) {
	hist, err := s.book.History(r.Context(), model)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if hist == nil {
		hist = []*db.PricingHistoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": hist})
}
