package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"post-dispatch/internal/redisconn"
)

const indexKey = "workers:index"

func beatKey(workerID string) string { return "workers:beat:" + workerID }

// WorkerEntry is one roster row, refreshed by heartbeats.
type WorkerEntry struct {
	WorkerID       string    `json:"worker_id"`
	Region         string    `json:"region"`
	Status         string    `json:"status"`
	Platforms      []string  `json:"platforms"`
	JobsInProgress int       `json:"jobs_in_progress"`
	AvgLatencyMS   int       `json:"avg_latency_ms"`
	LastSeen       time.Time `json:"last_seen"`
}

// Online reports whether the worker heartbeated within the liveness window.
func (e WorkerEntry) Online(ttl time.Duration) bool {
	return time.Since(e.LastSeen) <= ttl
}

// RosterStats aggregates the roster for health reporting.
type RosterStats struct {
	Total          int
	Online         int
	Healthy        int
	JobsInProgress int
	AvgLatencyMS   int
}

// Registry tracks the remote worker roster in Redis. Entries live only as
// long as heartbeats keep arriving.
type Registry struct {
	conn *redisconn.Manager
	ttl  time.Duration
}

func New(conn *redisconn.Manager, ttl time.Duration) *Registry {
	if ttl == 0 {
		ttl = 3 * time.Minute
	}
	return &Registry{conn: conn, ttl: ttl}
}

// Heartbeat upserts a worker's roster entry and refreshes its liveness TTL.
func (r *Registry) Heartbeat(ctx context.Context, e WorkerEntry) error {
	now := time.Now()
	client := r.conn.Get()
	pipe := client.TxPipeline()
	pipe.HSet(ctx, beatKey(e.WorkerID),
		"worker_id", e.WorkerID,
		"region", e.Region,
		"status", e.Status,
		"platforms", strings.Join(e.Platforms, ","),
		"jobs_in_progress", e.JobsInProgress,
		"avg_latency_ms", e.AvgLatencyMS,
		"last_seen", now.UnixMilli(),
	)
	pipe.Expire(ctx, beatKey(e.WorkerID), r.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(now.UnixMilli()), Member: e.WorkerID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// List returns all roster entries whose hashes are still alive; ids whose
// TTL lapsed are pruned from the index as a side effect.
func (r *Registry) List(ctx context.Context) ([]WorkerEntry, error) {
	client := r.conn.Get()
	ids, err := client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read worker index: %w", err)
	}
	entries := make([]WorkerEntry, 0, len(ids))
	for _, id := range ids {
		fields, err := client.HGetAll(ctx, beatKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			client.ZRem(ctx, indexKey, id)
			continue
		}
		entry := WorkerEntry{
			WorkerID: fields["worker_id"],
			Region:   fields["region"],
			Status:   fields["status"],
		}
		if fields["platforms"] != "" {
			entry.Platforms = strings.Split(fields["platforms"], ",")
		}
		entry.JobsInProgress, _ = strconv.Atoi(fields["jobs_in_progress"])
		entry.AvgLatencyMS, _ = strconv.Atoi(fields["avg_latency_ms"])
		if ms, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
			entry.LastSeen = time.UnixMilli(ms)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Stats summarizes the roster.
func (r *Registry) Stats(ctx context.Context) (RosterStats, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return RosterStats{}, err
	}
	stats := RosterStats{Total: len(entries)}
	latencySum := 0
	for _, e := range entries {
		if e.Online(r.ttl) {
			stats.Online++
			latencySum += e.AvgLatencyMS
			if e.Status == "active" {
				stats.Healthy++
			}
		}
		stats.JobsInProgress += e.JobsInProgress
	}
	// Offline workers report stale latency; only live entries feed the average.
	if stats.Online > 0 {
		stats.AvgLatencyMS = latencySum / stats.Online
	}
	return stats, nil
}
