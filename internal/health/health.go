package health

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"post-dispatch/internal/jobqueue"
	"post-dispatch/internal/registry"
	"post-dispatch/internal/telemetry"
)

// Status is the three-valued health classification.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Check is one component probe result. Never persisted.
type Check struct {
	Component    string         `json:"component"`
	Status       Status         `json:"status"`
	ResponseTime int64          `json:"response_time_ms"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	CheckedAt    time.Time      `json:"checked_at"`
}

// Metrics are derived figures attached to a report.
type Metrics struct {
	TotalWorkers    int    `json:"total_workers"`
	OnlineWorkers   int    `json:"online_workers"`
	ActiveJobs      int    `json:"active_jobs"`
	QueueHealth     Status `json:"queue_health"`
	AvgResponseTime int    `json:"average_response_time_ms"`
}

// Report aggregates all current component checks plus derived metrics and
// human-readable alerts.
type Report struct {
	Overall     Status    `json:"overall"`
	Components  []Check   `json:"components"`
	Metrics     Metrics   `json:"metrics"`
	Alerts      []string  `json:"alerts"`
	GeneratedAt time.Time `json:"generated_at"`
}

// DatabaseProber performs one representative read against the database.
type DatabaseProber interface {
	Ping(ctx context.Context) error
}

// Roster exposes the worker registry reads the aggregator needs.
type Roster interface {
	List(ctx context.Context) ([]registry.WorkerEntry, error)
	Stats(ctx context.Context) (registry.RosterStats, error)
}

// QueueInspector reads queue statistics.
type QueueInspector interface {
	Stats(ctx context.Context, platformFilter, regionFilter string) (map[string]jobqueue.QueueCounts, error)
}

// Options tune probe cadence and the platform reachability target.
type Options struct {
	ProbeURL  string
	Interval  time.Duration
	CacheTTL  time.Duration
	WorkerTTL time.Duration
}

// Aggregator runs the five component probes concurrently and shares a
// short-lived roster snapshot between the autonomous loop and on-demand
// callers so repeated reports within the window cost one roster query.
type Aggregator struct {
	db         DatabaseProber
	roster     Roster
	queues     QueueInspector
	httpClient *http.Client
	opts       Options

	mu   sync.Mutex
	snap snapshot
}

type snapshot struct {
	workers   []registry.WorkerEntry
	stats     registry.RosterStats
	fetchedAt time.Time
}

// New builds an aggregator. One per process.
func New(db DatabaseProber, roster Roster, queues QueueInspector, opts Options) *Aggregator {
	if opts.Interval == 0 {
		opts.Interval = time.Minute
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.WorkerTTL == 0 {
		opts.WorkerTTL = 3 * time.Minute
	}
	if opts.ProbeURL == "" {
		opts.ProbeURL = "https://graph.facebook.com/v18.0/"
	}
	return &Aggregator{
		db:         db,
		roster:     roster,
		queues:     queues,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		opts:       opts,
	}
}

// Run drives the autonomous probe loop until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := a.Report(ctx)
			switch report.Overall {
			case Unhealthy:
				log.Printf("health: system unhealthy, alerts=%v", report.Alerts)
			case Degraded:
				log.Printf("health: system degraded, alerts=%v", report.Alerts)
			}
		}
	}
}

// Report generates a fresh health report. Probes run concurrently; the
// worker roster snapshot is cached for Options.CacheTTL across all callers.
func (a *Aggregator) Report(ctx context.Context) Report {
	a.refreshSnapshot(ctx)
	snap := a.currentSnapshot()

	checks := make([]Check, 5)
	var wg sync.WaitGroup
	probes := []func(context.Context) Check{
		a.checkDatabase,
		func(ctx context.Context) Check { return a.checkWorkers(snap) },
		a.checkQueues,
		a.checkPlatformAPI,
		func(ctx context.Context) Check { return a.checkStorage(snap) },
	}
	for i, probe := range probes {
		wg.Add(1)
		go func(slot int, p func(context.Context) Check) {
			defer wg.Done()
			checks[slot] = p(ctx)
		}(i, probe)
	}
	wg.Wait()

	overall := overallStatus(checks)
	metrics := Metrics{
		TotalWorkers:    snap.stats.Total,
		OnlineWorkers:   snap.stats.Online,
		ActiveJobs:      snap.stats.JobsInProgress,
		QueueHealth:     checks[2].Status,
		AvgResponseTime: snap.stats.AvgLatencyMS,
	}

	telemetry.HealthStatusGauge.Set(statusValue(overall))
	return Report{
		Overall:     overall,
		Components:  checks,
		Metrics:     metrics,
		Alerts:      buildAlerts(checks, metrics),
		GeneratedAt: time.Now(),
	}
}

func (a *Aggregator) refreshSnapshot(ctx context.Context) {
	a.mu.Lock()
	fresh := time.Since(a.snap.fetchedAt) < a.opts.CacheTTL
	a.mu.Unlock()
	if fresh {
		return
	}

	workers, err := a.roster.List(ctx)
	if err != nil {
		return
	}
	stats, err := a.roster.Stats(ctx)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.snap = snapshot{workers: workers, stats: stats, fetchedAt: time.Now()}
	a.mu.Unlock()
}

func (a *Aggregator) currentSnapshot() snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

func (a *Aggregator) checkDatabase(ctx context.Context) Check {
	start := time.Now()
	err := a.db.Ping(ctx)
	elapsed := time.Since(start)
	check := Check{
		Component:    "database",
		ResponseTime: elapsed.Milliseconds(),
		CheckedAt:    time.Now(),
	}
	if err != nil {
		check.Status = Unhealthy
		check.Error = err.Error()
		return check
	}
	switch {
	case elapsed > 2*time.Second:
		check.Status = Unhealthy
	case elapsed > time.Second:
		check.Status = Degraded
	default:
		check.Status = Healthy
	}
	return check
}

func (a *Aggregator) checkWorkers(snap snapshot) Check {
	total := snap.stats.Total
	ratio := 0.0
	if total > 0 {
		ratio = float64(snap.stats.Healthy) / float64(total)
	}
	status := Healthy
	if ratio < 0.5 {
		status = Unhealthy
	} else if ratio < 0.8 {
		status = Degraded
	}
	return Check{
		Component: "workers",
		Status:    status,
		Details: map[string]any{
			"total_workers":   total,
			"online_workers":  snap.stats.Online,
			"healthy_workers": snap.stats.Healthy,
			"healthy_ratio":   int(ratio * 100),
		},
		CheckedAt: time.Now(),
	}
}

func (a *Aggregator) checkQueues(ctx context.Context) Check {
	start := time.Now()
	stats, err := a.queues.Stats(ctx, "", "")
	check := Check{
		Component:    "queue",
		ResponseTime: time.Since(start).Milliseconds(),
		CheckedAt:    time.Now(),
	}
	if err != nil {
		check.Status = Unhealthy
		check.Error = err.Error()
		return check
	}
	var totalWaiting, totalFailed int64
	for _, counts := range stats {
		totalWaiting += counts.Waiting
		totalFailed += counts.Failed
	}
	telemetry.WaitingJobsGauge.Set(float64(totalWaiting))
	switch {
	case totalWaiting > 100 || totalFailed > 50:
		check.Status = Unhealthy
	case totalWaiting > 50 || totalFailed > 20:
		check.Status = Degraded
	default:
		check.Status = Healthy
	}
	check.Details = map[string]any{
		"total_waiting": totalWaiting,
		"total_failed":  totalFailed,
		"queues":        len(stats),
	}
	return check
}

// checkPlatformAPI probes reachability of the external platform API without
// an auth token: any 2xx-4xx means the service is reachable, 5xx is
// degraded, and only network-level failures are unhealthy.
func (a *Aggregator) checkPlatformAPI(ctx context.Context) Check {
	start := time.Now()
	check := Check{Component: "platform_api", CheckedAt: time.Now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.opts.ProbeURL, nil)
	if err != nil {
		check.Status = Unhealthy
		check.Error = err.Error()
		return check
	}
	req.Header.Set("User-Agent", "post-dispatch-healthcheck/1.0")

	resp, err := a.httpClient.Do(req)
	elapsed := time.Since(start)
	check.ResponseTime = elapsed.Milliseconds()
	if err != nil {
		check.Status = Unhealthy
		check.Error = err.Error()
		return check
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		check.Status = Degraded
	case elapsed > 3*time.Second:
		check.Status = Degraded
	default:
		check.Status = Healthy
	}
	check.Details = map[string]any{
		"endpoint":    a.opts.ProbeURL,
		"http_status": resp.StatusCode,
		"reachable":   true,
	}
	return check
}

func (a *Aggregator) checkStorage(snap snapshot) Check {
	start := time.Now()
	// Reuses the cached roster snapshot; no duplicate query.
	stats := snap.stats
	elapsed := time.Since(start)
	status := Healthy
	if elapsed > time.Second {
		status = Degraded
	}
	return Check{
		Component:    "storage",
		Status:       status,
		ResponseTime: elapsed.Milliseconds(),
		Details: map[string]any{
			"workers":        stats.Total,
			"active_workers": stats.Healthy,
		},
		CheckedAt: time.Now(),
	}
}

// overallStatus: any unhealthy component makes the system unhealthy, any
// degraded component makes it degraded, otherwise healthy.
func overallStatus(checks []Check) Status {
	degraded := 0
	for _, c := range checks {
		if c.Status == Unhealthy {
			return Unhealthy
		}
		if c.Status == Degraded {
			degraded++
		}
	}
	if degraded > 0 {
		return Degraded
	}
	return Healthy
}

func buildAlerts(checks []Check, metrics Metrics) []string {
	alerts := []string{}
	for _, c := range checks {
		switch c.Status {
		case Unhealthy:
			msg := c.Error
			if msg == "" {
				msg = "critical issue detected"
			}
			alerts = append(alerts, fmt.Sprintf("CRITICAL: %s is unhealthy: %s", c.Component, msg))
		case Degraded:
			alerts = append(alerts, fmt.Sprintf("WARNING: %s is degraded", c.Component))
		}
	}
	if metrics.OnlineWorkers == 0 {
		alerts = append(alerts, "CRITICAL: no workers online, auto-posting is offline")
	} else if metrics.OnlineWorkers < metrics.TotalWorkers/2 {
		alerts = append(alerts, "WARNING: less than 50% of workers are online")
	}
	if metrics.ActiveJobs > 100 {
		alerts = append(alerts, "WARNING: high job volume, consider adding workers")
	}
	if metrics.AvgResponseTime > 5000 {
		alerts = append(alerts, "WARNING: high average worker response time")
	}
	return alerts
}

func statusValue(s Status) float64 {
	switch s {
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 0
	}
}
