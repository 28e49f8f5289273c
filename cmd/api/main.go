package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "post-dispatch/internal/api"
	"post-dispatch/internal/config"
	"post-dispatch/internal/health"
	"post-dispatch/internal/jobqueue"
	"post-dispatch/internal/ratelimit"
	"post-dispatch/internal/redisconn"
	"post-dispatch/internal/registry"
	"post-dispatch/internal/store"
	"post-dispatch/internal/workerauth"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	conn, err := redisconn.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	defer conn.Close()

	queue := jobqueue.New(conn, jobqueue.Options{
		ClaimLease:   cfg.ClaimLease,
		CompletedCap: cfg.CompletedCap,
		FailedCap:    cfg.FailedCap,
		MaxRetries:   cfg.MaxRetries,
	})
	roster := registry.New(conn, cfg.HeartbeatTTL)
	limiter := ratelimit.NewTokenBucket(conn.Get(), cfg.RateLimitCap, cfg.RateLimitRefill, time.Hour)
	verifier := workerauth.NewVerifier(cfg.WorkerJWTSecret)

	agg := health.New(st, roster, queue, health.Options{
		ProbeURL:  cfg.PlatformProbeURL,
		WorkerTTL: cfg.HeartbeatTTL,
	})
	go agg.Run(ctx)

	go promoteLoop(ctx, queue, cfg.PromoteInterval)
	go requeueLoop(ctx, queue, cfg.RequeueInterval)
	go cleanupLoop(ctx, queue, cfg.CleanupInterval, cfg.CleanupRetention)

	server := api.New(cfg, queue, st, roster, agg, verifier, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("coordinator listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// promoteLoop moves delayed jobs whose scheduled time has arrived into their
// waiting lists.
func promoteLoop(ctx context.Context, q *jobqueue.Coordinator, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := q.PromoteDelayed(ctx, now, 100); err != nil {
				log.Printf("promote delayed: %v", err)
			} else if n > 0 {
				log.Printf("promoted %d delayed jobs", n)
			}
		}
	}
}

// requeueLoop returns jobs whose claim lease lapsed to the waiting list so
// another worker can pick them up.
func requeueLoop(ctx context.Context, q *jobqueue.Coordinator, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ids, err := q.RequeueExpired(ctx, now, 100)
			if err != nil {
				log.Printf("requeue expired: %v", err)
				continue
			}
			for _, id := range ids {
				log.Printf("requeued job %s after lease expiry", id)
			}
		}
	}
}

func cleanupLoop(ctx context.Context, q *jobqueue.Coordinator, every, retention time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Cleanup(ctx, retention); err != nil {
				log.Printf("cleanup: %v", err)
			}
		}
	}
}
