package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"botsmith/internal/ratelimit"
	"botsmith/internal/servicetoken"
	"botsmith/internal/util"
	"botsmith/pkg/ai"
	"botsmith/pkg/secretbox"
	"botsmith/pkg/storage"
	"botsmith/pkg/store"
	"botsmith/services/chat/internal/app"
	"botsmith/services/chat/internal/config"
	"botsmith/services/chat/internal/knowledge"
	"botsmith/services/chat/internal/server"
	"botsmith/services/chat/internal/tools"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	storeOpts := []store.GormStoreOption{store.WithEmbeddingDim(cfg.EmbeddingDim)}
	if cfg.ConnectorSecretKey != "" {
		box, err := secretbox.New(cfg.ConnectorSecretKey)
		if err != nil {
			util.Fatal("failed to init connector secret box", "err", err)
		}
		storeOpts = append(storeOpts, store.WithSecrets(box))
	}
	dataStore, err := store.NewGormStore(cfg.DatabaseURL, storeOpts...)
	if err != nil {
		util.Fatal("failed to init postgres store", "err", err)
	}

	window := time.Duration(cfg.RateLimitWindowSeconds) * time.Second
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "chat", window)
	if err != nil {
		util.Fatal("failed to init rate limiter", "err", err)
	}

	generator, embedder, err := buildAIClients(cfg)
	if err != nil {
		util.Fatal("failed to init AI clients", "err", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init object store", "err", err)
		}
		objects = minioStore
	}

	fetcher := knowledge.NewFetcher(objects, time.Duration(cfg.FetchTimeoutMillis)*time.Millisecond)
	retriever := knowledge.NewRetriever(dataStore, embedder, fetcher, knowledge.RetrieverConfig{
		MatchCount:     cfg.MatchCount,
		MaxTotalChars:  cfg.MaxContextChars,
		MaxPerDocChars: cfg.MaxPerDocChars,
	})

	var toolset *tools.Toolset
	if cfg.GoogleClientID != "" || cfg.GoogleClientSecret != "" {
		gcal := tools.NewGoogleCalendarClient(cfg.GoogleClientID, cfg.GoogleClientSecret)
		toolset = tools.NewToolset(dataStore, dataStore, limiter, gcal)
	} else {
		toolset = tools.NewToolset(dataStore, dataStore, limiter, nil)
	}

	appCore, err := app.New(app.Config{
		Store:       dataStore,
		Limiter:     limiter,
		Retriever:   retriever,
		Toolset:     toolset,
		Generator:   generator,
		Environment: cfg.Environment,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	var tokenVerifier *servicetoken.Verifier
	if cfg.InternalJWTPublicKeyPath != "" {
		verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyKeys)
		if err != nil {
			util.Fatal("failed to parse verify keys", "err", err)
		}
		tokenVerifier, err = servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
			PublicKeyPath:      cfg.InternalJWTPublicKeyPath,
			VerifyPublicKeyMap: verifyKeys,
			DefaultKeyID:       cfg.InternalJWTKeyID,
			Audience:           "chat",
			AllowedIssuers:     splitCSV(cfg.InternalJWTIssuers),
		})
		if err != nil {
			util.Fatal("failed to init service token verifier", "err", err)
		}
	}

	trustedProxy, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		Store:         dataStore,
		TokenVerifier: tokenVerifier,
		TrustedProxy:  trustedProxy,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: SSE streams run until the model finishes or
		// the client disconnects.
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("chat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func buildAIClients(cfg config.FileConfig) (ai.Generator, ai.Embedder, error) {
	var generator ai.Generator
	switch cfg.GenerationProvider {
	case "", "openai_compat":
		generator = ai.NewOpenAICompatGenerator(cfg.GenerationBaseURL, cfg.GenerationAPIKey, cfg.GenerationModel)
	case "ollama":
		generator = ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.GenerationBaseURL), cfg.GenerationModel)
	default:
		return nil, nil, fmt.Errorf("unknown generation provider %q", cfg.GenerationProvider)
	}

	var embedder ai.Embedder
	switch cfg.EmbeddingProvider {
	case "", "none":
		// Embeddings disabled: retrieval always uses raw extraction.
	case "openai_compat":
		embedder = ai.NewOpenAICompatEmbedder(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel)
	case "ollama":
		embedder = ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.EmbeddingBaseURL), cfg.EmbeddingModel, cfg.EmbeddingDim)
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
	return generator, embedder, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
