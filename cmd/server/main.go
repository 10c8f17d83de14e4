package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broadcast-relay/internal/platform/config"
	"broadcast-relay/internal/platform/logger"
	"broadcast-relay/internal/platform/metrics"
	"broadcast-relay/internal/relay"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	reapInterval := config.GetEnvDuration("REAP_INTERVAL", relay.DefaultReapInterval)
	opts := relay.Options{
		RingCapacity:   config.GetEnvInt("RING_CAPACITY", relay.DefaultRingCapacity),
		QueueCapacity:  config.GetEnvInt("QUEUE_CAPACITY", relay.DefaultQueueCapacity),
		MaxFrameBytes:  config.GetEnvInt("MAX_FRAME_BYTES", relay.DefaultMaxFrameBytes),
		SessionTimeout: config.GetEnvDuration("SESSION_TIMEOUT", relay.DefaultSessionTimeout),
		GracePeriod:    config.GetEnvDuration("GRACE_PERIOD", relay.DefaultGracePeriod),
		Clock:          relay.SystemClock{},
	}

	log := logger.New(logLevel, logFormat)

	repo := relay.NewInMemoryRepository(opts.RingCapacity, opts.QueueCapacity)
	svc := relay.NewService(repo, opts, log)
	met := metrics.New()
	reaper := relay.NewReaper(svc, reapInterval, log, met)
	h := relay.NewHandler(svc, log, met)
	h.ListenPollInterval = config.GetEnvDuration("LISTEN_POLL_INTERVAL", relay.DefaultListenPollInterval)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetStoreSizes(repo.ActiveSessionCount(), repo.QueueCount()) }).ServeHTTP(w, r)
	})
	h.RegisterRoutes(r)

	addr := ":" + port
	// Websocket listeners are hijacked and ignore Shutdown; cancelling the
	// base context ends their poll loops.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	reaper.Start()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"session_timeout", opts.SessionTimeout.String(),
		"grace_period", opts.GracePeriod.String(),
		"reap_interval", reapInterval.String(),
		"queue_capacity", opts.QueueCapacity,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := reaper.Stop(ctx); err != nil {
		log.Error("reaper stop error", "error", err)
	}
	svc.Shutdown()

	log.Info("server stopped")
}
