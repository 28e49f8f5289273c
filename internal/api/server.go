package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"post-dispatch/internal/apierror"
	"post-dispatch/internal/config"
	"post-dispatch/internal/health"
	"post-dispatch/internal/jobqueue"
	"post-dispatch/internal/models"
	"post-dispatch/internal/ratelimit"
	"post-dispatch/internal/registry"
	"post-dispatch/internal/store"
	"post-dispatch/internal/telemetry"
	"post-dispatch/internal/workerauth"
)

// Finalizer persists the authoritative business outcome of a dispatch,
// independently of queue bookkeeping.
type Finalizer interface {
	CompletePost(ctx context.Context, p store.CompletePostParams) (store.CompleteResult, error)
	FailPost(ctx context.Context, p store.FailPostParams) (bool, error)
	RecordProgress(ctx context.Context, p store.ProgressParams) error
	GetExecutionStats(ctx context.Context, f store.StatsFilter) (store.ExecutionStats, error)
}

// Server wires the producer and worker-callback HTTP surface.
type Server struct {
	cfg       config.Config
	queue     *jobqueue.Coordinator
	finalizer Finalizer
	registry  *registry.Registry
	health    *health.Aggregator
	verifier  *workerauth.Verifier
	limiter   *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, q *jobqueue.Coordinator, fin Finalizer, reg *registry.Registry, agg *health.Aggregator, verifier *workerauth.Verifier, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:       cfg,
		queue:     q,
		finalizer: fin,
		registry:  reg,
		health:    agg,
		verifier:  verifier,
		limiter:   limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/jobs", s.handleEnqueue)
	r.Get("/api/queues/stats", s.handleQueueStats)
	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		r.Use(s.rateLimit)
		r.Post("/api/workers/claim", s.handleClaim)
		r.Post("/api/callbacks/jobs/{jobID}/complete", s.handleComplete)
		r.Post("/api/callbacks/jobs/{jobID}/fail", s.handleFail)
		r.Post("/api/callbacks/jobs/{jobID}/progress", s.handleProgress)
		r.Post("/api/callbacks/heartbeat", s.handleHeartbeat)
		r.Get("/api/callbacks/stats", s.handleStats)
	})
	return r
}

// rateLimit bounds callback traffic per worker. Limiter failures fail open:
// a broken bucket must not take the callback path down with it.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		id, ok := workerauth.FromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.AllowWorker(r.Context(), id.WorkerID)
		if err == nil && !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"success":false,"error":"rate limited"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type enqueueRequest struct {
	ScheduledPostID string               `json:"scheduled_post_id"`
	Platform        string               `json:"platform"`
	Region          string               `json:"region"`
	AccountID       string               `json:"account_id"`
	Content         models.PostContent   `json:"content"`
	Target          models.TargetAccount `json:"target_account"`
	IdempotencyKey  string               `json:"idempotency_key"`
	MaxRetries      int                  `json:"max_retries"`
	ScheduledTime   time.Time            `json:"scheduled_time"`
	Timezone        string               `json:"timezone"`
}

type enqueueResponse struct {
	Job        *models.Job `json:"job"`
	Idempotent bool        `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.New(apierror.CodeValidationError, "invalid json"))
		return
	}
	if !models.ValidPlatform(req.Platform) {
		apierror.Write(w, apierror.Newf(apierror.CodeValidationError, "unsupported platform: %s", req.Platform))
		return
	}
	if req.IdempotencyKey == "" {
		apierror.Write(w, apierror.New(apierror.CodeValidationError, "idempotency_key is required"))
		return
	}
	if req.Region == "" {
		req.Region = "default"
	}

	payload := models.PostJobPayload{
		ScheduledPostID: req.ScheduledPostID,
		Platform:        req.Platform,
		Region:          req.Region,
		AccountID:       req.AccountID,
		Content:         req.Content,
		Target:          req.Target,
		IdempotencyKey:  req.IdempotencyKey,
		MaxRetries:      req.MaxRetries,
		ScheduledTime:   req.ScheduledTime,
		Timezone:        req.Timezone,
	}
	job, idempotent, err := s.queue.Enqueue(r.Context(), req.Platform, req.Region, payload, jobqueue.EnqueueOptions{})
	if err != nil {
		if errors.Is(err, jobqueue.ErrUnavailable) {
			apierror.Write(w, apierror.New(apierror.CodeUnavailable, "queue backend unavailable"))
			return
		}
		log.Printf("enqueue %s: %v", req.IdempotencyKey, err)
		apierror.Write(w, apierror.New(apierror.CodeInternal, "failed to enqueue job"))
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context(), r.URL.Query().Get("platform"), r.URL.Query().Get("region"))
	if err != nil {
		apierror.Write(w, apierror.New(apierror.CodeUnavailable, "queue backend unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats, "generated_at": time.Now()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Report(r.Context()))
}

type claimRequest struct {
	Platform string `json:"platform"`
	Region   string `json:"region"`
	Limit    int    `json:"limit"`
}

// handleClaim is the worker pull: it atomically claims up to limit waiting
// jobs for the calling worker, capped by the per-pull maximum.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, _ := workerauth.FromContext(r.Context())

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.New(apierror.CodeValidationError, "invalid json"))
		return
	}
	if !models.ValidPlatform(req.Platform) {
		apierror.Write(w, apierror.Newf(apierror.CodeValidationError, "unsupported platform: %s", req.Platform))
		return
	}
	if !id.AllowsPlatform(req.Platform) {
		apierror.Write(w, apierror.Newf(apierror.CodePlatformUnauthorized, "worker not authorized for platform: %s", req.Platform))
		return
	}
	if req.Region == "" {
		req.Region = id.Region
	}
	limit := req.Limit
	if limit <= 0 || limit > s.cfg.MaxJobsPerPull {
		limit = s.cfg.MaxJobsPerPull
	}

	jobs, err := s.queue.Claim(r.Context(), req.Platform, req.Region, id.WorkerID, limit)
	if err != nil {
		log.Printf("claim failed for worker %s: %v", id.WorkerID, err)
		apierror.Write(w, apierror.New(apierror.CodeUnavailable, "queue backend unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobs":    jobs,
		"count":   len(jobs),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
