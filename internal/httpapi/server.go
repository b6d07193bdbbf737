// Package httpapi exposes the family finance API: versioned transaction and
// category mutations behind If-Match preconditions, idempotent creates, the
// monthly dashboard and identity endpoints.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"contas/internal/cache"
	"contas/internal/core"
	applog "contas/internal/log"
	"contas/internal/middleware/trace"
	"contas/internal/storage"
)

// Store is the persistence surface the API needs. *storage.Repository
// implements it.
type Store interface {
	ResolveSession(ctx context.Context, token string) (core.Session, error)
	GetUser(ctx context.Context, id string) (core.User, error)

	CreateTransaction(ctx context.Context, p storage.CreateTransactionParams) (core.Transaction, bool, error)
	GetTransaction(ctx context.Context, familyID, id string) (core.Transaction, error)
	UpdateTransaction(ctx context.Context, sess core.Session, id string, expectedVersion int64, patch storage.TransactionPatch) (core.Transaction, error)
	DeleteTransaction(ctx context.Context, sess core.Session, id string, expectedVersion int64) error
	ListTransactions(ctx context.Context, familyID string, f storage.TransactionFilter) ([]core.Transaction, string, error)

	CreateCategory(ctx context.Context, p core.Category) (core.Category, bool, error)
	GetCategory(ctx context.Context, familyID, id string) (core.Category, error)
	ListCategories(ctx context.Context, familyID string, f storage.CategoryFilter) ([]core.Category, error)
	UpdateCategory(ctx context.Context, sess core.Session, id string, expectedVersion int64, patch storage.CategoryPatch) (core.Category, error)
	DeleteCategory(ctx context.Context, sess core.Session, id string, expectedVersion int64) error

	MonthDashboard(ctx context.Context, familyID, month string) (storage.Dashboard, error)

	CreateInvite(ctx context.Context, inv core.Invite) (core.Invite, error)
	AcceptInvite(ctx context.Context, userID, token string) (core.Invite, error)
}

// Publisher emits change events after committed transaction mutations.
// Publishing is best effort: a failure is logged, never surfaced.
type Publisher interface {
	PublishTransactionChanged(ctx context.Context, action string, tx core.Transaction) error
}

type Server struct {
	http.Server

	store       Store
	publisher   Publisher
	logger      *applog.Logger
	rateLimiter *rateLimiter

	// Month dashboards are cached per (family, month) and dropped for the
	// whole family on any successful mutation.
	dashCache *cache.LRUCache[storage.Dashboard]

	stopCacheCleanup chan struct{}
	shutdownOnce     sync.Once
}

type sessionKeyType struct{}

var sessionKey sessionKeyType

// NewServer configures routes and middleware, returning a ready-to-run server.
// publisher may be nil when AMQP is not configured.
func NewServer(addr string, store Store, publisher Publisher, logger *applog.Logger) *Server {
	s := &Server{
		store:            store,
		publisher:        publisher,
		logger:           logger.WithComponent(applog.ComponentHTTP),
		rateLimiter:      newRateLimiter(60),
		dashCache:        cache.NewLRUCache[storage.Dashboard](100, 5*time.Minute),
		stopCacheCleanup: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(trace.NewMiddleware(clientIP).Middleware)
	r.Use(applog.Middleware(s.logger))
	r.Use(applog.RequestIDMiddleware(func(req *http.Request) string {
		return trace.GetRequestID(req.Context())
	}))

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.withSession)
		r.Use(s.withRateLimit)

		r.Get("/me", s.handleMe)
		r.Post("/invites/accept", s.handleAcceptInvite)

		// Everything below is family scoped.
		r.Group(func(r chi.Router) {
			r.Use(s.requireFamily)

			r.Route("/transactions", func(r chi.Router) {
				r.Get("/", s.handleListTransactions)
				r.Post("/", s.handleCreateTransaction)
				r.Get("/{id}", s.handleGetTransaction)
				r.Patch("/{id}", s.handleUpdateTransaction)
				r.Delete("/{id}", s.handleDeleteTransaction)
			})

			r.Route("/categories", func(r chi.Router) {
				r.Get("/", s.handleListCategories)
				r.Post("/", s.handleCreateCategory)
				r.Get("/{id}", s.handleGetCategory)
				r.Patch("/{id}", s.handleUpdateCategory)
				r.Delete("/{id}", s.handleDeleteCategory)
			})

			r.Get("/dashboard", s.handleDashboard)
			r.Post("/invites", s.handleCreateInvite)
		})
	})

	s.Server = http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go s.startCacheCleanup()
	return s
}

// withSession resolves the bearer token into a session and rejects
// unauthenticated requests.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "Unauthorized",
				"missing bearer token")
			return
		}
		sess, err := s.store.ResolveSession(r.Context(), token)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireFamily rejects sessions that have not joined a family yet.
func (s *Server) requireFamily(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionFrom(r).FamilyID == "" {
			writeProblem(w, http.StatusForbidden, "forbidden", "Forbidden",
				"join a family before using this endpoint")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit throttles mutating requests per client IP.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPatch, http.MethodDelete:
			ip := clientIP(r)
			if !s.rateLimiter.allow(ip) {
				s.logger.WarnContext(r.Context(), "Rate limit exceeded",
					applog.FieldClientIP, ip, applog.FieldPath, r.URL.Path)
				w.Header().Set("Retry-After", "60")
				writeProblem(w, http.StatusTooManyRequests, "rate-limited", "Too Many Requests",
					"slow down and retry after a minute")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func sessionFrom(r *http.Request) core.Session {
	sess, _ := r.Context().Value(sessionKey).(core.Session)
	return sess
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// invalidateDashboards drops every cached month for the family.
func (s *Server) invalidateDashboards(familyID string) {
	s.dashCache.DeletePrefix(familyID + ":")
}

// publishChange emits a change event without failing the request.
func (s *Server) publishChange(ctx context.Context, action string, tx core.Transaction) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTransactionChanged(ctx, action, tx); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish change event",
			applog.FieldError, err.Error(),
			applog.FieldTransactionID, tx.ID)
	}
}

func (s *Server) startCacheCleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cleaned := s.dashCache.CleanExpired(); cleaned > 0 {
				s.logger.Debug("Cache cleanup completed", "entries_removed", cleaned)
			}
		case <-s.stopCacheCleanup:
			return
		}
	}
}

// Shutdown stops background routines and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.stopCacheCleanup)
		s.rateLimiter.stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
