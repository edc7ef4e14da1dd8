// Package server wires the HTTP surface: the OpenAI-compatible completion
// endpoints, the usage and pricing read endpoints, the admin surface and the
// public health routes.
//
// Middleware order is request-id, then auth, then (for completion routes)
// the rate limiter.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"aiproxy/internal/auth"
	"aiproxy/internal/config"
	"aiproxy/internal/db"
	"aiproxy/internal/ingest"
	"aiproxy/internal/ollama"
	"aiproxy/internal/pricing"
	"aiproxy/internal/ratelimit"
	"aiproxy/internal/tracker"
)

// Server owns the HTTP listener and the request pipeline components.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	store    db.Store
	auth     *auth.Authenticator
	counters *ratelimit.Counters
	limiter  *ratelimit.Limiter
	book     *pricing.Book
	backend  *ollama.Client
	tracker  *tracker.Tracker
	ingest   ingest.Options

	httpServer *http.Server
	mu         sync.Mutex
	running    bool
}

// New assembles the server and its pipeline from configuration.
func New(cfg *config.Config, store db.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	counters := ratelimit.NewCounters()
	limiter := ratelimit.NewLimiter(store, counters, ratelimit.Defaults{
		RequestsPerMinute: cfg.DefaultRequestsPerMinute,
		RequestsPerDay:    cfg.DefaultRequestsPerDay,
		TokensPerMinute:   cfg.DefaultTokensPerMinute,
		TokensPerDay:      cfg.DefaultTokensPerDay,
	})
	book := pricing.NewBook(store)
	backend := ollama.NewClient(cfg.OllamaBaseURL, int64(cfg.OllamaMaxConcurrent), log)

	s := &Server{
		cfg:      cfg,
		log:      log,
		store:    store,
		auth:     auth.New(store, cfg.AdminAPIKey),
		counters: counters,
		limiter:  limiter,
		book:     book,
		backend:  backend,
		tracker:  tracker.New(store, book, limiter, log),
		ingest: ingest.Options{
			MaxUploadBytes: cfg.MaxUploadBytes(),
			AllowedTypes:   cfg.AllowedImageTypes,
		},
	}
	return s
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestID)

	// Public surface.
	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// User surface.
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.userAuth)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.With(instrument("/v1/chat/completions")).
				Post("/chat/completions", s.handleChatCompletions)
			r.With(instrument("/v1/chat/completions/upload")).
				Post("/chat/completions/upload", s.handleChatCompletionsUpload)
		})

		r.With(instrument("/v1/models")).Get("/models", s.handleListModels)
		r.With(instrument("/v1/usage")).Get("/usage", s.handleUsage)
		r.With(instrument("/v1/usage")).Get("/usage/summary", s.handleUsageSummary)
		r.With(instrument("/v1/usage")).Get("/usage/history", s.handleUsageHistory)
		r.With(instrument("/v1/pricing")).Get("/pricing", s.handlePricingList)
	})

	// Admin surface.
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)

		r.Post("/users", s.handleAdminCreateUser)
		r.Get("/users", s.handleAdminListUsers)
		r.Delete("/users", s.handleAdminDeleteAllUsers)
		r.Get("/users/{userID}", s.handleAdminGetUser)
		r.Delete("/users/{userID}", s.handleAdminDeleteUser)
		r.Get("/users/{userID}/usage", s.handleAdminUserUsage)
		r.Get("/users/{userID}/limits", s.handleAdminGetLimits)
		r.Put("/users/{userID}/limits", s.handleAdminPutLimits)

		r.Post("/pricing", s.handleAdminCreatePricing)
		r.Get("/pricing", s.handleAdminListPricing)
		r.Get("/pricing/history/all", s.handleAdminPricingHistoryAll)
		r.Get("/pricing/history/{model}", s.handleAdminPricingHistory)
		r.Get("/pricing/{model}", s.handleAdminGetPricing)
		r.Put("/pricing/{model}", s.handleAdminPutPricing)
		r.Delete("/pricing/{model}", s.handleAdminDeletePricing)
	})

	return r
}

// Start begins serving. It returns once the listener is up; serve errors
// are logged.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
		// No WriteTimeout: SSE responses stay open for the model's
		// generation time.
	}
	s.running = true

	go func() {
		s.log.Info("server listening", zap.String("addr", s.cfg.ListenAddr()))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server terminated", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests and releases the pipeline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.counters.Stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
