package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"post-dispatch/internal/config"
	"post-dispatch/internal/jobqueue"
	"post-dispatch/internal/models"
	"post-dispatch/internal/ratelimit"
	"post-dispatch/internal/redisconn"
	"post-dispatch/internal/registry"
	"post-dispatch/internal/store"
	"post-dispatch/internal/workerauth"
)

type fakeFinalizer struct {
	completeCalls   []store.CompletePostParams
	alreadyResolved bool
	completeErr     error

	failCalls     []store.FailPostParams
	failWillRetry bool
	failErr       error

	progressCalls []store.ProgressParams
	statsFilter   store.StatsFilter
	stats         store.ExecutionStats
}

func (f *fakeFinalizer) CompletePost(_ context.Context, p store.CompletePostParams) (store.CompleteResult, error) {
	if f.completeErr != nil {
		return store.CompleteResult{}, f.completeErr
	}
	f.completeCalls = append(f.completeCalls, p)
	return store.CompleteResult{PostID: p.PostID, AlreadyResolved: f.alreadyResolved}, nil
}

func (f *fakeFinalizer) FailPost(_ context.Context, p store.FailPostParams) (bool, error) {
	if f.failErr != nil {
		return false, f.failErr
	}
	f.failCalls = append(f.failCalls, p)
	return f.failWillRetry, nil
}

func (f *fakeFinalizer) RecordProgress(_ context.Context, p store.ProgressParams) error {
	f.progressCalls = append(f.progressCalls, p)
	return nil
}

func (f *fakeFinalizer) GetExecutionStats(_ context.Context, filter store.StatsFilter) (store.ExecutionStats, error) {
	f.statsFilter = filter
	return f.stats, nil
}

type testEnv struct {
	mr       *miniredis.Miniredis
	queue    *jobqueue.Coordinator
	reg      *registry.Registry
	fin      *fakeFinalizer
	verifier *workerauth.Verifier
	handler  http.Handler
	cfg      config.Config
}

func newTestEnv(t *testing.T, limiter *ratelimit.TokenBucket) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	conn, err := redisconn.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redisconn: %v", err)
	}

	cfg := config.Config{
		MaxJobsPerPull: 5,
		HeartbeatEvery: time.Minute,
		HeartbeatTTL:   3 * time.Minute,
	}
	env := &testEnv{
		mr:       mr,
		queue:    jobqueue.New(conn, jobqueue.Options{}),
		reg:      registry.New(conn, cfg.HeartbeatTTL),
		fin:      &fakeFinalizer{},
		verifier: workerauth.NewVerifier("test-secret"),
		cfg:      cfg,
	}
	env.handler = New(cfg, env.queue, env.fin, env.reg, nil, env.verifier, limiter).Router()
	return env
}

func (e *testEnv) token(t *testing.T, workerID, region string, platforms ...string) string {
	t.Helper()
	token, err := e.verifier.Mint(workerauth.Identity{
		WorkerID:  workerID,
		Region:    region,
		Platforms: platforms,
	}, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// enqueueAndClaim seeds one waiting job and claims it for the worker,
// returning the minted lock token.
func (e *testEnv) enqueueAndClaim(t *testing.T, platform, region, jobID, workerID string) string {
	t.Helper()
	ctx := context.Background()
	payload := models.PostJobPayload{
		ScheduledPostID: "post-" + jobID,
		AccountID:       "acct-1",
		IdempotencyKey:  jobID,
	}
	if _, _, err := e.queue.Enqueue(ctx, platform, region, payload, jobqueue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	jobs, err := e.queue.Claim(ctx, platform, region, workerID, 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim: jobs=%d err=%v", len(jobs), err)
	}
	return jobs[0].LockToken
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestCallbacksRequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.request(t, http.MethodPost, "/api/callbacks/jobs/j1/complete", "", map[string]any{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCompleteCallback(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "worker-a", "us-east", models.PlatformFacebook)
	lock := env.enqueueAndClaim(t, models.PlatformFacebook, "us-east", "job-1", "worker-a")

	rec := env.request(t, http.MethodPost, "/api/callbacks/jobs/job-1/complete", token, map[string]any{
		"platform_post_id": "fb_123",
		"platform_url":     "https://facebook.com/fb_123",
		"execution_ms":     1200,
		"lock_token":       lock,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	if len(env.fin.completeCalls) != 1 {
		t.Fatalf("finalizer calls = %d", len(env.fin.completeCalls))
	}
	call := env.fin.completeCalls[0]
	if call.PostID != "post-job-1" || call.WorkerID != "worker-a" || call.PlatformPostID != "fb_123" {
		t.Fatalf("finalizer params = %+v", call)
	}

	job, err := env.queue.FindByID(context.Background(), "job-1")
	if err != nil || job == nil {
		t.Fatalf("find job: %v", err)
	}
	if job.State != models.StateCompleted {
		t.Fatalf("queue state = %s", job.State)
	}

	body := decodeBody(t, rec)
	result := body["result"].(map[string]any)
	if result["status"] != "posted" {
		t.Fatalf("result status = %v", result["status"])
	}
}

func TestCompleteDuplicateSkipsQueueFinalize(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "worker-a", "us-east", models.PlatformFacebook)
	lock := env.enqueueAndClaim(t, models.PlatformFacebook, "us-east", "job-1", "worker-a")

	// The store reports the post as already resolved; the queue must not be
	// finalized again.
	env.fin.alreadyResolved = true
	rec := env.request(t, http.MethodPost, "/api/callbacks/jobs/job-1/complete", token, map[string]any{
		"platform_post_id": "fb_123",
		"lock_token":       lock,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	job, err := env.queue.FindByID(context.Background(), "job-1")
	if err != nil || job == nil {
		t.Fatalf("find job: %v", err)
	}
	if job.State != models.StateActive {
		t.Fatalf("queue was finalized on a duplicate callback: state = %s", job.State)
	}
}

func TestCompleteSucceedsWhenQueueFinalizeFails(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "worker-a", "us-east", models.PlatformFacebook)
	lock := env.enqueueAndClaim(t, models.PlatformFacebook, "us-east", "job-1", "worker-a")

	// Wreck the terminal zset so the queue-side move cannot succeed. The
	// post record is the source of truth; the worker still gets a 200.
	if _, err := env.mr.Lpush("posts:facebook:us-east:completed", "sentinel"); err != nil {
		t.Fatalf("lpush: %v", err)
	}

	rec := env.request(t, http.MethodPost, "/api/callbacks/jobs/job-1/complete", token, map[string]any{
		"platform_post_id": "fb_123",
		"lock_token":       lock,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(env.fin.completeCalls) != 1 {
		t.Fatalf("finalizer calls = %d", len(env.fin.completeCalls))
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("body = %+v", body)
	}
	result := body["result"].(map[string]any)
	if result["status"] != "posted" {
		t.Fatalf("result = %+v", result)
	}
}

func TestCompleteValidationPipeline(t *testing.T) {
	env := newTestEnv(t, nil)
	lock := env.enqueueAndClaim(t, models.PlatformFacebook, "us-east", "job-1", "worker-a")

	// Unknown job.
	token := env.token(t, "worker-a", "us-east", models.PlatformFacebook)
	rec := env.request(t, http.MethodPost, "/api/callbacks/jobs/no-such-job/complete", token, map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d", rec.Code)
	}

	// Different worker.
	other := env.token(t, "worker-b", "us-east", models.PlatformFacebook)
	rec = env.request(t, http.MethodPost, "/api/callbacks/jobs/job-1/complete", other, map[string]any{
		"lock_token": lock,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong worker status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "NotAssigned" {
		t.Fatalf("code = %v", body["code"])
	}

	// Owner without a platform grant.
	ungranted := env.token(t, "worker-a", "us-east", models.PlatformTwitter)
	rec = env.request(t, http.MethodPost, "/api/callbacks/jobs/job-1/complete", ungranted, map[string]any{
		"lock_token": lock,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("platform status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "PlatformUnauthorized" {
		t.Fatalf("code = %v", body["code"])
	}

	// Stale lock token.
	rec = env.request(t, http.MethodPost, "/api/callbacks/jobs/job-1/complete", token, map[string]any{
		"lock_token": "stale-token",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stale lock status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "StaleLock" {
		t.Fatalf("code = %v", body["code"])
	}

	if len(env.fin.completeCalls) != 0 {
		t.Fatalf("finalizer reached despite failing validation")
	}
}

func TestFailCallbackPermanent(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "worker-a", "us-east", models.PlatformFacebook)
	lock := env.enqueueAndClaim(t, models.PlatformFacebook, "us-east", "job-1", "worker-a")

	shouldRetry := false
	rec := env.request(t, http.MethodPost, "/api/callbacks/jobs/job-1/fail", token, map[string]any{
		"error":        "access token revoked",
		"error_code":   "AUTH_REVOKED",
		"should_retry": shouldRetry,
		"lock_token":   lock,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	if len(env.fin.failCalls) != 1 {
		t.Fatalf("finalizer calls = %d", len(env.fin.failCalls))
	}
	if env.fin.failCalls[0].ShouldRetry {
		t.Fatalf("should_retry not propagated")
	}

	body := decodeBody(t, rec)
	result := body["result"].(map[string]any)
	if result["status"] != "failed" || result["will_retry"] != false {
		t.Fatalf("result = %+v", result)
	}

	job, err := env.queue.FindByID(context.Background(), "job-1")
	if err != nil || job == nil {
		t.Fatalf("find job: %v", err)
	}
	if job.State != models.StateFailed {
		t.Fatalf("queue state = %s", job.State)
	}
}

func TestFailCallbackRetryLeavesJobClaimed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fin.failWillRetry = true
	token := env.token(t, "worker-a", "us-east", models.PlatformFacebook)
	lock := env.enqueueAndClaim(t, models.PlatformFacebook, "us-east", "job-1", "worker-a")

	rec := env.request(t, http.MethodPost, "/api/callbacks/jobs/job-1/fail", token, map[string]any{
		"error":      "platform timeout",
		"lock_token": lock,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body := decodeBody(t, rec)
	result := body["result"].(map[string]any)
	if result["status"] != "retrying" || result["will_retry"] != true {
		t.Fatalf("result = %+v", result)
	}

	// Requeue happens via lease expiry, not here.
	job, err := env.queue.FindByID(context.Background(), "job-1")
	if err != nil || job == nil {
		t.Fatalf("find job: %v", err)
	}
	if job.State != models.StateActive {
		t.Fatalf("queue state = %s", job.State)
	}
}

func TestFailCallbackRequiresErrorMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "worker-a", "us-east", models.PlatformFacebook)
	env.enqueueAndClaim(t, models.PlatformFacebook, "us-east", "job-1", "worker-a")

	rec := env.request(t, http.MethodPost, "/api/callbacks/jobs/job-1/fail", token, map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestProgressCallback(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "worker-a", "us-east", models.PlatformFacebook)
	env.enqueueAndClaim(t, models.PlatformFacebook, "us-east", "job-1", "worker-a")

	rec := env.request(t, http.MethodPost, "/api/callbacks/jobs/job-1/progress", token, map[string]any{
		"status": "launching",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status accepted: %d", rec.Code)
	}

	rec = env.request(t, http.MethodPost, "/api/callbacks/jobs/job-1/progress", token, map[string]any{
		"status":  "uploading",
		"message": "uploading media",
		"percent": 40,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(env.fin.progressCalls) != 1 {
		t.Fatalf("progress calls = %d", len(env.fin.progressCalls))
	}
	if env.fin.progressCalls[0].Status != "uploading" || env.fin.progressCalls[0].Percent != 40 {
		t.Fatalf("progress params = %+v", env.fin.progressCalls[0])
	}
}

func TestHeartbeatUpdatesRoster(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "worker-a", "us-east", models.PlatformFacebook)

	rec := env.request(t, http.MethodPost, "/api/callbacks/heartbeat", token, map[string]any{
		"jobs_in_progress": 2,
		"avg_latency_ms":   150,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body := decodeBody(t, rec)
	instr := body["instructions"].(map[string]any)
	if instr["max_jobs_per_pull"] != float64(env.cfg.MaxJobsPerPull) {
		t.Fatalf("max_jobs_per_pull = %v", instr["max_jobs_per_pull"])
	}
	if instr["heartbeat_interval"] != float64(60000) {
		t.Fatalf("heartbeat_interval = %v", instr["heartbeat_interval"])
	}

	entries, err := env.reg.List(context.Background())
	if err != nil {
		t.Fatalf("list roster: %v", err)
	}
	if len(entries) != 1 || entries[0].WorkerID != "worker-a" {
		t.Fatalf("roster = %+v", entries)
	}
	if entries[0].Region != "us-east" || entries[0].JobsInProgress != 2 {
		t.Fatalf("roster entry = %+v", entries[0])
	}
}

func TestWorkerStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fin.stats = store.ExecutionStats{TotalJobs: 10, SuccessfulJobs: 9, SuccessRate: 0.9}
	token := env.token(t, "worker-a", "us-east", models.PlatformFacebook)

	rec := env.request(t, http.MethodGet, "/api/callbacks/stats?timeframe=48h", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid timeframe accepted: %d", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/api/callbacks/stats?timeframe=24h", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.fin.statsFilter.WorkerID != "worker-a" || env.fin.statsFilter.Region != "us-east" {
		t.Fatalf("stats filter = %+v", env.fin.statsFilter)
	}
	if env.fin.statsFilter.Since.IsZero() {
		t.Fatalf("timeframe window not applied")
	}

	body := decodeBody(t, rec)
	stats := body["stats"].(map[string]any)
	if stats["total_jobs"] != float64(10) {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	conn, err := redisconn.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redisconn: %v", err)
	}
	limiter := ratelimit.NewTokenBucket(conn.Get(), 1, 0.001, time.Minute)

	env := newTestEnv(t, limiter)
	token := env.token(t, "worker-a", "us-east", models.PlatformFacebook)

	rec := env.request(t, http.MethodPost, "/api/callbacks/heartbeat", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec = env.request(t, http.MethodPost, "/api/callbacks/heartbeat", token, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", rec.Code)
	}
}
