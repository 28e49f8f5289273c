package redisconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Manager owns the single shared Redis connection for the process. The
// client is created lazily on first Get and re-created after Close.
type Manager struct {
	url string

	mu     sync.Mutex
	client *redis.Client

	lastPing    time.Duration
	lastError   string
	lastChecked time.Time
}

// New builds a manager for the given connection URL. The URL is validated
// here so a malformed value fails at startup rather than on first use.
func New(url string) (*Manager, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	if _, err := redis.ParseURL(url); err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Manager{url: url}, nil
}

// Get returns the shared client, creating it on first call.
func (m *Manager) Get() *redis.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		opts, _ := redis.ParseURL(m.url)
		m.client = redis.NewClient(opts)
	}
	return m.client
}

// IsHealthy performs a round-trip probe. Transport errors are swallowed
// into false; latency and the last error are retained for health reporting.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	client := m.Get()
	start := time.Now()
	err := client.Ping(ctx).Err()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPing = time.Since(start)
	m.lastChecked = time.Now()
	if err != nil {
		m.lastError = err.Error()
		return false
	}
	m.lastError = ""
	return true
}

// Probe reports the latency and error of the most recent health check.
func (m *Manager) Probe() (latency time.Duration, lastError string, checkedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPing, m.lastError, m.lastChecked
}

// Close gracefully closes and clears the client so a subsequent Get
// re-creates it.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}
