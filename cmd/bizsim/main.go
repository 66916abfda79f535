// Package main is the entry point for the business-simulation match bot.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"bizsim/internal/ai"
	"bizsim/internal/bot"
	"bizsim/internal/broadcast"
	"bizsim/internal/cache"
	"bizsim/internal/config"
	"bizsim/internal/pkg/db"
	"bizsim/internal/pkg/lock"
	"bizsim/internal/pkg/worker"
	"bizsim/internal/repository"
	"bizsim/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(level)
	}
	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store
	var store repository.Store
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := db.Open(ctx, &cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open database")
		}
		defer pool.Close()
		store = repository.NewPostgres(pool.Pool)
	default:
		log.Warn().Msg("Using in-memory store, matches are lost on restart")
		store = repository.NewMemory()
	}

	// Ephemeral cache
	var resultCache cache.Cache
	if cfg.Redis.Addr != "" {
		client, err := cache.NewRedisClient(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer client.Close()
		resultCache = cache.NewRedis(client)
	} else {
		resultCache = cache.NewMemory(time.Now)
	}

	// Telegram first, since it is also an event target
	telegramBot, err := bot.New(&bot.Dependencies{Config: cfg})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}
	events := broadcast.NewFanout(telegramBot.Notifier())

	if cfg.RabbitMQ.URL != "" {
		conn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer conn.Close()
		publisher, err := broadcast.NewAMQP(conn, cfg.RabbitMQ.Exchange)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open event exchange")
		}
		defer publisher.Close()
		events.Add(publisher)
	}

	// Inference
	jobs := worker.New(cfg.Inference.QueueSize, cfg.Inference.Workers)
	jobs.Start(ctx)

	var limiter *rate.Limiter
	if cfg.Inference.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Inference.RatePerSecond), cfg.Inference.Burst)
	}
	runner := ai.NewRunner(ai.RetryPolicy{
		MaxAttempts:     cfg.Inference.MaxAttempts,
		InitialInterval: cfg.Inference.InitialBackoff,
		MaxInterval:     cfg.Inference.MaxBackoff,
		RequestTimeout:  cfg.Inference.RequestTimeout,
	}, limiter, ai.NewAdapters())

	orch := service.NewOrchestrator(service.Deps{
		Store:     store,
		Cache:     resultCache,
		Events:    events,
		Providers: ai.NewClients(&http.Client{}),
		Runner:    runner,
		Jobs:      jobs,
		Locks:     lock.NewKeyLock(),
	}, service.SettingsFrom(cfg))
	telegramBot.Attach(orch)

	// Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics server listening")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go telegramBot.Start()

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	telegramBot.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Inference.ShutdownTimeout)
	defer shutdownCancel()
	if err := jobs.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Inference jobs abandoned at shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	log.Info().Msg("Bot stopped gracefully")
}
