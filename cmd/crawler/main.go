// Command crawler runs a crawl worker: it consumes keyword search tasks from
// the shared Redis queue, crawls the upstream search API and pushes results
// back, exposing Prometheus metrics and a health endpoint while it runs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/animetop/mercari-crawler/internal/api"
	"github.com/animetop/mercari-crawler/internal/auth"
	"github.com/animetop/mercari-crawler/internal/capture"
	"github.com/animetop/mercari-crawler/internal/config"
	"github.com/animetop/mercari-crawler/internal/engine"
	"github.com/animetop/mercari-crawler/internal/metrics"
	"github.com/animetop/mercari-crawler/internal/queue"
	"github.com/animetop/mercari-crawler/internal/ratelimit"
	"github.com/animetop/mercari-crawler/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("crawler exited with error")
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger.Init(logger.Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Info().
		Str("redis_addr", cfg.Redis.Addr).
		Int("rate", cfg.RateLimit.Rate).
		Int("burst", cfg.RateLimit.Burst).
		Int("max_concurrent", cfg.Crawler.MaxConcurrentTasks).
		Msg("crawler starting")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	q := queue.New(rdb)
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	delayer := ratelimit.NewAdaptiveDelayer(limiter)

	m := metrics.NewMetrics("")

	authn := auth.New(&capture.RodCapturer{BinPath: os.Getenv("CHROME_BIN")}, cfg.TokenMaxAge())
	client := api.NewClient(authn, api.WithRequestObserver(m.RecordAPIRequest))

	eng := engine.New(engine.Config{
		MaxConcurrentTasks: cfg.Crawler.MaxConcurrentTasks,
		PopTimeout:         cfg.PopTimeoutDuration(),
	}, q, delayer, client, authn, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsSrv := startMetricsServer(cfg.Metrics.Port, m)
	healthSrv := startHealthServer(cfg.Health.Port, eng)

	err = eng.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if serr := healthSrv.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("health server shutdown failed")
	}
	if serr := metricsSrv.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("metrics server shutdown failed")
	}

	return err
}

func startMetricsServer(port int, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Int("port", port).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func newHealthMux(eng *engine.Engine) *http.ServeMux {
	healthHandler := func(w http.ResponseWriter, r *http.Request) {
		snapshot := eng.HealthCheck(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !snapshot.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			log.Warn().Err(err).Msg("health response encode failed")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if !eng.HealthCheck(r.Context()).Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "Not Ready")
			return
		}
		fmt.Fprintln(w, "OK")
	})
	return mux
}

func startHealthServer(port int, eng *engine.Engine) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           newHealthMux(eng),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Int("port", port).Msg("health server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server failed")
		}
	}()
	return srv
}
