package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"aiproxy/internal/auth"
	"aiproxy/internal/metrics"
)

type contextKey int

const requestIDKey contextKey = iota

// requestIDHeader is accepted inbound and always set outbound.
const requestIDHeader = "X-Request-Id"

// RequestIDFrom returns the correlation id for the request.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID adopts the client's X-Request-Id or mints a UUID, stores it on
// the context and echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// userAuth resolves the bearer credential to a user and stores it on the
// context. Missing or invalid credentials answer 401 with WWW-Authenticate.
func (s *Server) userAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "Missing or malformed Authorization header", "invalid_request_error", "")
			return
		}
		user, err := s.auth.AuthenticateUser(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredential) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "Invalid API key", "invalid_request_error", "")
				return
			}
			s.log.Error("credential lookup failed", zap.Error(err))
			writeDomainError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

// adminAuth admits only the admin key. A present but wrong credential is a
// 403; an absent one is a 401.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "Missing or malformed Authorization header", "invalid_request_error", "")
			return
		}
		if err := s.auth.AuthenticateAdmin(token); err != nil {
			writeError(w, http.StatusForbidden, "Admin access required", "permission_error", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit runs the five-dimension admission check for completion routes.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFrom(r.Context())
		if user == nil {
			writeError(w, http.StatusUnauthorized, "Authentication required", "invalid_request_error", "")
			return
		}
		if err := s.limiter.Admit(r.Context(), user.ID); err != nil {
			s.log.Info("request rejected by rate limiter",
				zap.String("user_id", user.ID),
				zap.String("request_id", RequestIDFrom(r.Context())),
				zap.Error(err))
			writeDomainError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records the request counter and latency histogram per route
// pattern.
func instrument(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
			metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}
