package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rollsync/rollsync/internal/api"
	"github.com/rollsync/rollsync/internal/auth"
	"github.com/rollsync/rollsync/internal/config"
	"github.com/rollsync/rollsync/internal/database"
	"github.com/rollsync/rollsync/internal/engine"
	"github.com/rollsync/rollsync/internal/hub"
	"github.com/rollsync/rollsync/internal/reconcile"
	"github.com/rollsync/rollsync/internal/store"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create postgres pool: %v", err)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to create redis client: %v", err)
	}
	defer redisClient.Close()

	// Wire the sync core: rooms, engine, reconciliation
	rooms := hub.New()
	syncEngine := engine.New(
		store.NewRedisRecordCache(redisClient),
		store.NewPostgresRecordStore(postgresPool),
		rooms,
		engine.Options{
			Shards:    cfg.EngineShards,
			RetryMax:  cfg.StoreRetryMax,
			RetryBase: cfg.StoreRetryBase,
		},
	)
	reconciler := reconcile.New(syncEngine, cfg.CatchUpDeltaThreshold)
	apiServer := api.NewServer(syncEngine, reconciler, rooms)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	// Initialize HTTP Server
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	// Health check endpoints
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Route("/v1", func(r chi.Router) {
		r.Use(verifier.Middleware)
		apiServer.Routes(r)
	})

	// Start Server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("Starting server on port %s", cfg.ServerPort)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	// Drain pending durable writes before exiting
	syncEngine.Close()

	log.Println("Server stopped gracefully")
}
