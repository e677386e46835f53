package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/signal-relay-go/internal/config"
	"github.com/openclaw/signal-relay-go/internal/database"
	"github.com/openclaw/signal-relay-go/internal/handler"
	"github.com/openclaw/signal-relay-go/internal/jobs"
	"github.com/openclaw/signal-relay-go/internal/middleware"
	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/redis"
	"github.com/openclaw/signal-relay-go/internal/registry"
	"github.com/openclaw/signal-relay-go/internal/relay"
	"github.com/openclaw/signal-relay-go/internal/repository"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	deviceRepo := repository.NewDeviceRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)
	signalRepo := repository.NewSignalRepository(db.DB)

	broker := relay.NewBroker(redisClient)
	defer broker.Close()

	signalRelay := relay.New(signalRepo, broker)

	iceServers := iceServersFromConfig(cfg)
	reg := registry.New(deviceRepo, sessionRepo, signalRelay, cfg.SessionTTL(), iceServers)

	authMiddleware := middleware.NewAuthMiddleware(reg, deviceRepo)
	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	deviceHandler := handler.NewDeviceHandler(reg, authMiddleware)
	sessionHandler := handler.NewSessionHandler(reg, authMiddleware, iceServers)
	signalHandler := handler.NewSignalHandler(signalRelay, sessionRepo, authMiddleware)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(rateLimitMiddleware.Handler)

		r.Mount("/devices", deviceHandler.Routes())
		r.Mount("/sessions", sessionHandler.Routes())
		r.Mount("/relay", signalHandler.Routes())
		r.Get("/ice-config", sessionHandler.ICEConfig)
	})

	sweeper := jobs.NewSweeper(
		signalRepo, sessionRepo, deviceRepo, signalRelay,
		cfg.SignalRetention(), config.SweeperInterval,
	)
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func iceServersFromConfig(cfg *config.Config) []model.ICEServer {
	servers := []model.ICEServer{{URLs: cfg.STUNServers}}
	if cfg.TURNServer != "" {
		servers = append(servers, model.ICEServer{
			URLs:       []string{cfg.TURNServer},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		})
	}
	return servers
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
