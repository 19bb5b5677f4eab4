package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"
	"promptsync/internal/domain/ports/repository"
	"promptsync/internal/infra/notify"
	"promptsync/internal/infra/realtime"
	"promptsync/internal/infra/registry"
	"promptsync/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RecurringScheduler owns the recurring job specs behind auto-sync.
// Implemented by the queue.
type RecurringScheduler interface {
	EnsureRecurring(ctx context.Context, id string, typ model.JobType, payload map[string]any, interval time.Duration, priority int) (*model.RecurringJobSpec, error)
	RemoveRecurring(ctx context.Context, id string) error
}

// Server exposes the operator API: sync control, conflict resolution,
// connection and subscription management.
type Server struct {
	orch        *usecase.SyncOrchestrator
	registry    *registry.Registry
	subs        *realtime.Manager
	broadcaster *notify.Broadcaster
	jobs        repository.JobRepository
	recurring   RecurringScheduler
	local       adapter.LocalStore
	auth        *AuthManager
	apiKey      string
	log         *zerolog.Logger
}

func NewServer(
	orch *usecase.SyncOrchestrator,
	reg *registry.Registry,
	subs *realtime.Manager,
	broadcaster *notify.Broadcaster,
	jobs repository.JobRepository,
	recurring RecurringScheduler,
	local adapter.LocalStore,
	auth *AuthManager,
	apiKey string,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		orch:        orch,
		registry:    reg,
		subs:        subs,
		broadcaster: broadcaster,
		jobs:        jobs,
		recurring:   recurring,
		local:       local,
		auth:        auth,
		apiKey:      apiKey,
		log:         logger,
	}
}

// Router builds the chi route tree. The SSE events route skips the
// request timeout so progress streams can outlive it.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID())
	r.Use(Recover(s.log))
	r.Use(RequestLog(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/api/v1/auth/session", s.sessionCreateHandler())
	r.Delete("/api/v1/auth/session", s.sessionDeleteHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(Timeout(30 * time.Second))

			r.Post("/api/v1/sync", s.syncStartHandler())
			r.Get("/api/v1/operations", s.operationsListHandler())
			r.Get("/api/v1/operations/{id}", s.operationGetHandler())
			r.Post("/api/v1/operations/{id}/cancel", s.operationCancelHandler())
			r.Get("/api/v1/operations/{id}/conflicts", s.conflictsListHandler())
			r.Post("/api/v1/operations/{id}/conflicts/{conflictID}/resolve", s.conflictResolveHandler())

			r.Get("/api/v1/conflicts", s.realtimeConflictsHandler())
			r.Post("/api/v1/conflicts/{conflictID}/resolve", s.realtimeConflictResolveHandler())

			r.Post("/api/v1/jobs/retry-failed", s.retryFailedHandler())

			r.Get("/api/v1/connections", s.connectionsListHandler())
			r.Post("/api/v1/connections", s.connectionCreateHandler())
			r.Get("/api/v1/connections/{id}", s.connectionGetHandler())
			r.Delete("/api/v1/connections/{id}", s.connectionDeleteHandler())

			r.Get("/api/v1/subscriptions", s.subscriptionsListHandler())
			r.Post("/api/v1/subscriptions", s.subscriptionCreateHandler())
			r.Delete("/api/v1/subscriptions/{connectionID}/{table}", s.subscriptionDeleteHandler())

			r.Get("/api/v1/prompts", s.promptsListHandler())
		})

		r.Get("/api/v1/operations/{id}/events", s.operationEventsHandler())
	})

	return r
}

// authMiddleware accepts either the static API key or a minted session
// token on every operator route.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bearerMatchesAPIKey(r) {
			next.ServeHTTP(w, r)
			return
		}
		if s.auth != nil {
			if _, err := s.auth.ParseFromRequest(r); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

func (s *Server) bearerMatchesAPIKey(r *http.Request) bool {
	if s.apiKey == "" {
		return false
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return false
	}
	parts := strings.Split(authHeader, " ")
	return len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" && parts[1] == s.apiKey
}
