package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bookworm/api/internal/app"
	"bookworm/api/internal/authpw"
	"bookworm/api/internal/billing"
	"bookworm/api/internal/config"
	"bookworm/api/internal/export"
	"bookworm/api/internal/genbackend"
	"bookworm/api/internal/search"
	"bookworm/api/internal/session"
	"bookworm/api/internal/store"
)

const defaultSystemPrompt = "You are a careful creative-writing assistant. " +
	"Treat the provided canon as established fact and never contradict it."

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	var engine search.Searcher
	var indexer search.Indexer
	if meiliClient != nil {
		engine = meiliClient
		indexer = meiliClient
	}
	searchService := search.NewService(engine, search.NewPGFallback(db))

	var sessionBackend session.Backend = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for session storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		sessionBackend = redisStore
	} else {
		log.Printf("Using PostgreSQL for session storage")
	}

	systemPrompt := defaultSystemPrompt
	if cfg.SystemPromptFile != "" {
		raw, err := os.ReadFile(cfg.SystemPromptFile)
		if err != nil {
			log.Fatalf("read system prompt file: %v", err)
		}
		systemPrompt = strings.TrimSpace(string(raw))
	}

	service := app.NewService(app.ServiceOptions{
		Store:          dataStore,
		Sessions:       session.NewManager(sessionBackend, cfg.SessionTTL),
		Accounts:       authpw.NewService(dataStore),
		Backend:        genbackend.NewClient(cfg.GenerationURL, cfg.GenerationAPIKey, cfg.GenerationTimeout),
		Searcher:       searchService,
		Indexer:        indexer,
		Exporter:       export.NewService(dataStore),
		Billing:        billing.NewService(dataStore),
		OwnerCode:      cfg.OwnerCode,
		BillingToken:   cfg.BillingToken,
		AnonGeneration: cfg.AnonymousGeneration,
		SystemPrompt:   systemPrompt,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Book Worm API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
