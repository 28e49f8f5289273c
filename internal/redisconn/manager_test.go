package redisconn

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("not-a-redis-url"); err == nil {
		t.Fatalf("expected error for malformed url")
	}
}

func TestIsHealthy(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	m, err := New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !m.IsHealthy(ctx) {
		t.Fatalf("expected healthy connection")
	}
	latency, lastError, checkedAt := m.Probe()
	if latency < 0 || lastError != "" || checkedAt.IsZero() {
		t.Fatalf("probe = %v %q %v", latency, lastError, checkedAt)
	}

	// The server going away flips the health check without panicking.
	mr.Close()
	if m.IsHealthy(ctx) {
		t.Fatalf("expected unhealthy after server shutdown")
	}
	_, lastError, _ = m.Probe()
	if lastError == "" {
		t.Fatalf("last error not recorded")
	}
}

func TestCloseAllowsReconnect(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	m, err := New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := m.Get().Ping(ctx).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Get().Ping(ctx).Err(); err != nil {
		t.Fatalf("ping after reconnect: %v", err)
	}
}
