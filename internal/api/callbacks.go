package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"post-dispatch/internal/apierror"
	"post-dispatch/internal/models"
	"post-dispatch/internal/registry"
	"post-dispatch/internal/store"
	"post-dispatch/internal/telemetry"
	"post-dispatch/internal/workerauth"
)

// resolveOwnedJob runs the shared callback validation pipeline: resolve the
// job, check ownership, check platform authorization, and, when a lock
// token is supplied, check it against the token stored at claim time.
func (s *Server) resolveOwnedJob(r *http.Request, lockToken string, checkToken bool) (*models.Job, workerauth.Identity, error) {
	id, _ := workerauth.FromContext(r.Context())
	jobID := chi.URLParam(r, "jobID")

	job, err := s.queue.FindByID(r.Context(), jobID)
	if err != nil {
		return nil, id, apierror.New(apierror.CodeUnavailable, "queue backend unavailable")
	}
	if job == nil {
		return nil, id, apierror.New(apierror.CodeNotFound, "job not found")
	}
	if job.OwnerWorkerID == "" || job.OwnerWorkerID != id.WorkerID {
		return nil, id, apierror.New(apierror.CodeNotAssigned, "job not assigned to this worker")
	}
	if !id.AllowsPlatform(job.Payload.Platform) {
		return nil, id, apierror.Newf(apierror.CodePlatformUnauthorized, "worker not authorized for platform: %s", job.Payload.Platform)
	}
	if checkToken && lockToken != "" && lockToken != job.LockToken {
		return nil, id, apierror.New(apierror.CodeStaleLock, "invalid lock token - job may have been reclaimed")
	}
	return job, id, nil
}

type completeRequest struct {
	PlatformPostID string         `json:"platform_post_id"`
	PlatformURL    string         `json:"platform_url"`
	Analytics      map[string]any `json:"analytics"`
	ExecutionMS    int64          `json:"execution_ms"`
	LockToken      string         `json:"lock_token"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.New(apierror.CodeValidationError, "invalid json"))
		return
	}
	job, id, err := s.resolveOwnedJob(r, req.LockToken, true)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	// The business record is written first; the queue is only touched once
	// that write succeeded.
	result, err := s.finalizer.CompletePost(r.Context(), store.CompletePostParams{
		PostID:         job.Payload.ScheduledPostID,
		JobID:          job.ID,
		WorkerID:       id.WorkerID,
		Region:         id.Region,
		PlatformPostID: req.PlatformPostID,
		PlatformURL:    req.PlatformURL,
		Analytics:      req.Analytics,
		ExecutionMS:    req.ExecutionMS,
	})
	if err != nil {
		log.Printf("complete callback %s: finalizer failed: %v", job.ID, err)
		apierror.Write(w, apierror.New(apierror.CodeInternal, "failed to process job completion"))
		return
	}

	// Queue bookkeeping is best-effort: the durable post record is the
	// source of truth, so a queue-side failure must not fail the worker.
	if !result.AlreadyResolved {
		if err := s.queue.Finalize(r.Context(), job.ID, models.PostJobResult{
			Success:        true,
			PlatformPostID: req.PlatformPostID,
			PlatformURL:    req.PlatformURL,
			ExecutionMS:    req.ExecutionMS,
			Region:         id.Region,
		}, req.LockToken); err != nil {
			telemetry.FinalizeMismatch.Inc()
			log.Printf("complete callback %s: queue finalize failed: %v", job.ID, err)
		}
	}

	telemetry.CallbackCompletions.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job_id":  job.ID,
		"result": map[string]any{
			"post_id":          result.PostID,
			"platform_post_id": req.PlatformPostID,
			"platform_url":     req.PlatformURL,
			"status":           "posted",
		},
		"processed_at": time.Now(),
	})
}

type failRequest struct {
	Error         string          `json:"error"`
	ErrorCode     string          `json:"error_code"`
	ShouldRetry   *bool           `json:"should_retry"`
	RetryAfterMS  int64           `json:"retry_after_ms"`
	ExecutionMS   int64           `json:"execution_ms"`
	PlatformError json.RawMessage `json:"platform_error"`
	LockToken     string          `json:"lock_token"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.New(apierror.CodeValidationError, "invalid json"))
		return
	}
	if req.Error == "" {
		apierror.Write(w, apierror.New(apierror.CodeValidationError, "error message is required"))
		return
	}
	job, id, err := s.resolveOwnedJob(r, req.LockToken, true)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	shouldRetry := req.ShouldRetry == nil || *req.ShouldRetry
	willRetry, err := s.finalizer.FailPost(r.Context(), store.FailPostParams{
		PostID:       job.Payload.ScheduledPostID,
		JobID:        job.ID,
		WorkerID:     id.WorkerID,
		Region:       id.Region,
		ErrorMessage: req.Error,
		ErrorCode:    req.ErrorCode,
		ShouldRetry:  shouldRetry,
		Attempts:     job.Attempts,
		MaxRetries:   job.MaxRetries,
		ExecutionMS:  req.ExecutionMS,
	})
	if err != nil {
		log.Printf("fail callback %s: finalizer failed: %v", job.ID, err)
		apierror.Write(w, apierror.New(apierror.CodeInternal, "failed to process job failure"))
		return
	}

	status := "failed"
	if willRetry {
		// Re-enqueue is the queue janitor's job: once the claim lease lapses
		// the job returns to waiting with its attempt count bumped.
		status = "retrying"
	} else {
		if err := s.queue.Finalize(r.Context(), job.ID, models.PostJobResult{
			Success:     false,
			Error:       req.Error,
			ExecutionMS: req.ExecutionMS,
			Region:      id.Region,
		}, req.LockToken); err != nil {
			telemetry.FinalizeMismatch.Inc()
			log.Printf("fail callback %s: queue finalize failed: %v", job.ID, err)
		}
	}

	telemetry.CallbackFailures.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job_id":  job.ID,
		"result": map[string]any{
			"will_retry": willRetry,
			"error":      req.Error,
			"error_code": req.ErrorCode,
			"status":     status,
		},
		"processed_at": time.Now(),
	})
}

type progressRequest struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Percent int    `json:"percent"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.New(apierror.CodeValidationError, "invalid json"))
		return
	}
	if !models.ValidProgressStatus(req.Status) {
		apierror.Write(w, apierror.Newf(apierror.CodeValidationError, "invalid status: %q", req.Status))
		return
	}
	// Progress does not require a lock token and never mutates claim state.
	job, id, err := s.resolveOwnedJob(r, "", false)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	if err := s.queue.UpdateProgress(r.Context(), job.ID, req.Status, req.Message, req.Percent); err != nil {
		log.Printf("progress callback %s: %v", job.ID, err)
	}
	if err := s.finalizer.RecordProgress(r.Context(), store.ProgressParams{
		PostID:   job.Payload.ScheduledPostID,
		WorkerID: id.WorkerID,
		Status:   req.Status,
		Message:  req.Message,
		Percent:  req.Percent,
	}); err != nil {
		log.Printf("progress callback %s: finalizer failed: %v", job.ID, err)
		apierror.Write(w, apierror.New(apierror.CodeInternal, "failed to record progress"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job_id":  job.ID,
		"progress": map[string]any{
			"status":    req.Status,
			"message":   req.Message,
			"percent":   req.Percent,
			"worker_id": id.WorkerID,
			"region":    id.Region,
		},
		"updated_at": time.Now(),
	})
}

type heartbeatRequest struct {
	Region         string `json:"region"`
	Status         string `json:"status"`
	JobsInProgress int    `json:"jobs_in_progress"`
	AvgLatencyMS   int    `json:"avg_latency_ms"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, _ := workerauth.FromContext(r.Context())

	// An empty heartbeat body is fine; defaults are filled from the identity.
	var req heartbeatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Region == "" {
		req.Region = id.Region
	}
	if req.Status == "" {
		req.Status = "active"
	}

	if err := s.registry.Heartbeat(r.Context(), registry.WorkerEntry{
		WorkerID:       id.WorkerID,
		Region:         req.Region,
		Status:         req.Status,
		Platforms:      id.Platforms,
		JobsInProgress: req.JobsInProgress,
		AvgLatencyMS:   req.AvgLatencyMS,
	}); err != nil {
		log.Printf("heartbeat from %s: %v", id.WorkerID, err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"worker": map[string]any{
			"id":        id.WorkerID,
			"region":    req.Region,
			"platforms": id.Platforms,
			"status":    req.Status,
		},
		"received_at": time.Now(),
		"instructions": map[string]any{
			"continue_processing": true,
			"max_jobs_per_pull":   s.cfg.MaxJobsPerPull,
			"heartbeat_interval":  s.cfg.HeartbeatEvery.Milliseconds(),
		},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id, _ := workerauth.FromContext(r.Context())

	filter := store.StatsFilter{WorkerID: id.WorkerID, Region: id.Region}
	timeframe := r.URL.Query().Get("timeframe")
	now := time.Now()
	switch timeframe {
	case "1h":
		filter.Since = now.Add(-time.Hour)
		filter.Until = now
	case "24h":
		filter.Since = now.Add(-24 * time.Hour)
		filter.Until = now
	case "7d":
		filter.Since = now.Add(-7 * 24 * time.Hour)
		filter.Until = now
	case "":
	default:
		apierror.Write(w, apierror.Newf(apierror.CodeValidationError, "invalid timeframe: %q", timeframe))
		return
	}

	stats, err := s.finalizer.GetExecutionStats(r.Context(), filter)
	if err != nil {
		log.Printf("stats for %s: %v", id.WorkerID, err)
		apierror.Write(w, apierror.New(apierror.CodeInternal, "failed to get execution statistics"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
		"worker": map[string]any{
			"id":        id.WorkerID,
			"region":    id.Region,
			"platforms": id.Platforms,
		},
		"timeframe":    timeframe,
		"generated_at": now,
	})
}
