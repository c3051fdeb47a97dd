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

	"farpedia/api/internal/app"
	"farpedia/api/internal/auth"
	"farpedia/api/internal/cache"
	"farpedia/api/internal/config"
	"farpedia/api/internal/neynar"
	"farpedia/api/internal/points"
	"farpedia/api/internal/retry"
	"farpedia/api/internal/search"
	"farpedia/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if strings.TrimSpace(cfg.SupabaseURL) == "" || strings.TrimSpace(cfg.SupabaseKey) == "" {
		log.Fatal("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")
	}

	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}
	dataStore := store.New(cfg.SupabaseURL, cfg.SupabaseKey, httpClient)
	verifier := auth.NewVerifier(cfg.QuickAuthIssuer, httpClient)

	policy := retry.Policy{
		Attempts:  cfg.RetryAttempts,
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  5 * time.Second,
	}
	reputation := neynar.New(cfg.NeynarBaseURL, cfg.NeynarAPIKey, httpClient, policy)

	ledger := points.New(dataStore)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore)
	if meiliClient != nil && meiliClient.Healthy() {
		if articles, err := dataStore.ListArticles(ctx, store.ArticleFilter{PublishedOnly: true, Limit: 200}); err != nil {
			log.Printf("WARNING: search reindex skipped: %v", err)
		} else {
			searchService.ReindexAll(articles)
		}
	}

	var profileCache *cache.Redis
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for profile caching")
		c, err := cache.NewRedis(cfg.RedisURL, cfg.UserCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer c.Close()
		profileCache = c
	}

	opts := app.Options{
		AdminFIDs:             cfg.AdminFIDs,
		TrustedFIDs:           cfg.TrustedFIDs,
		AutoAdminMinFollowers: cfg.AutoAdminMinFollower,
		MinScore:              cfg.MinNeynarScore,
		PointsInitial:         cfg.PointsInitial,
		PointsEdit:            cfg.PointsEdit,
		PointsReview:          cfg.PointsReview,
		PointsLike:            cfg.PointsLike,
	}

	var service *app.Service
	if profileCache != nil {
		service = app.NewService(dataStore, verifier, reputation, ledger, searchService, profileCache, opts)
	} else {
		service = app.NewService(dataStore, verifier, reputation, ledger, searchService, nil, opts)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.CanonicalHost)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Farpedia API listening on %s", cfg.Addr)
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
