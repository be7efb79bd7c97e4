package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fmaa-ecosystem/fmaa/internal/auth"
	"github.com/fmaa-ecosystem/fmaa/internal/config"
	"github.com/fmaa-ecosystem/fmaa/internal/mcp"
	"github.com/fmaa-ecosystem/fmaa/internal/ratelimit"
	"github.com/fmaa-ecosystem/fmaa/internal/server"
	"github.com/fmaa-ecosystem/fmaa/internal/service/agents"
	"github.com/fmaa-ecosystem/fmaa/internal/service/fleet"
	"github.com/fmaa-ecosystem/fmaa/internal/service/health"
	"github.com/fmaa-ecosystem/fmaa/internal/service/inference"
	"github.com/fmaa-ecosystem/fmaa/internal/service/lifecycle"
	"github.com/fmaa-ecosystem/fmaa/internal/service/recommend"
	"github.com/fmaa-ecosystem/fmaa/internal/service/sentiment"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
	"github.com/fmaa-ecosystem/fmaa/internal/storage/sqlite"
	"github.com/fmaa-ecosystem/fmaa/internal/telemetry"
	"github.com/fmaa-ecosystem/fmaa/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("FMAA_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("fmaa starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		store.Close(context.Background())
		return fmt.Errorf("auth: %w", err)
	}
	identity := auth.NewJWTIdentity(jwtMgr, store, 30*time.Second)

	provider, err := newInferenceProvider(cfg, store, logger)
	if err != nil {
		store.Close(context.Background())
		return fmt.Errorf("inference: %w", err)
	}

	journal, err := lifecycle.OpenJournal(logger, lifecycle.JournalConfig{
		Dir:      cfg.JournalDir,
		SyncMode: cfg.JournalSyncMode,
	})
	if err != nil {
		store.Close(context.Background())
		return fmt.Errorf("journal: %w", err)
	}
	orch := lifecycle.New(store, journal, logger)

	// Re-apply terminal writes a crashed process journaled but never stored.
	if n, err := orch.ReplayPending(ctx); err != nil {
		logger.Warn("journal replay failed", "error", err)
	} else if n > 0 {
		logger.Info("journal replay complete", "intents", n)
	}

	limiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		closeJournal(journal, logger)
		store.Close(context.Background())
		return fmt.Errorf("rate limiter: %w", err)
	}

	agentSvc := agents.New(store, logger)
	monitor := health.NewService(health.NewEngine(store, agentSvc, logger), orch, logger)
	aggregator := fleet.NewAggregator(store, cfg.ReportLocation(), logger)

	mcpSrv := mcp.New(monitor, aggregator, agentSvc, logger, version)

	srv := server.New(server.ServerConfig{
		Store:               store,
		Identity:            identity,
		JWTMgr:              jwtMgr,
		Agents:              agentSvc,
		Sentiment:           sentiment.New(agentSvc, provider, orch, logger),
		Recommend:           recommend.New(agentSvc, provider, orch, logger),
		Monitor:             monitor,
		Fleet:               aggregator,
		Logger:              logger,
		Inference:           provider,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		TrustProxy:          cfg.TrustProxy,
	})

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminEmail, cfg.AdminAPIKey); err != nil {
		slog.Warn("admin seed failed", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. In-flight requests may still
	// append to the journal, so HTTP drains first.
	slog.Info("fmaa shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	closeJournal(journal, logger)

	if err := limiter.Close(); err != nil {
		slog.Warn("rate limiter close error", "error", err)
	}

	storeCtx, storeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	store.Close(storeCtx)
	storeCancel()

	otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := otelShutdown(otelCtx); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}
	otelCancel()

	slog.Info("fmaa stopped")
	return runErr
}

// openStore connects the configured backend and applies its migrations.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Store {
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		if err := s.RunMigrations(ctx, migrations.SQLite()); err != nil {
			s.Close(context.Background())
			return nil, fmt.Errorf("sqlite migrations: %w", err)
		}
		logger.Info("store: sqlite", "path", cfg.SQLitePath)
		return s, nil
	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		// RunMigrations tracks applied files in schema_migrations and skips
		// duplicates, so errors here are real failures.
		if err := db.RunMigrations(ctx, migrations.Postgres()); err != nil {
			db.Close(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		// The vector extension may have just been created; reconnect so every
		// connection registers its types.
		db.ResetPool()
		logger.Info("store: postgres")
		return db, nil
	}
}

// newInferenceProvider selects the inference backend.
// Provider selection: "huggingface", "ollama", "noop", or "auto" (default).
// Auto mode uses HuggingFace when an API key is present, then Ollama if
// reachable (embeddings only), else noop. Embeddings are always served
// through the two-level cache.
func newInferenceProvider(cfg config.Config, store storage.EmbeddingStore, logger *slog.Logger) (inference.Provider, error) {
	hf := func() *inference.HuggingFace {
		return inference.NewHuggingFace(inference.HuggingFaceConfig{
			BaseURL:      cfg.HuggingFaceURL,
			APIKey:       cfg.HuggingFaceAPIKey,
			Timeout:      cfg.InferenceTimeout,
			FailureRatio: cfg.BreakerFailureRate,
			Logger:       logger,
		})
	}
	ollama := func() *inference.Ollama {
		return inference.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.InferenceTimeout)
	}

	var (
		name       string
		classifier inference.Classifier
		embedder   inference.Embedder
	)
	switch cfg.InferenceProvider {
	case "huggingface":
		if cfg.HuggingFaceAPIKey == "" {
			logger.Warn("HUGGINGFACE_API_KEY is empty; anonymous HuggingFace requests are heavily rate limited")
		}
		p := hf()
		name, classifier, embedder = "huggingface", p, p
	case "ollama":
		name, classifier, embedder = "ollama", inference.NoopProvider{}, ollama()
		logger.Warn("inference: ollama serves embeddings only; sentiment uses the noop classifier")
	case "noop":
		name, classifier, embedder = "noop", inference.NoopProvider{}, inference.NoopProvider{}
	default:
		switch o := ollama(); {
		case cfg.HuggingFaceAPIKey != "":
			p := hf()
			name, classifier, embedder = "huggingface", p, p
		case ollamaReachable(o):
			name, classifier, embedder = "ollama", inference.NoopProvider{}, o
		default:
			logger.Warn("no inference provider available, using noop (neutral sentiment, zero vectors)")
			name, classifier, embedder = "noop", inference.NoopProvider{}, inference.NoopProvider{}
		}
	}

	cached, err := inference.NewCachedEmbedder(embedder, cfg.EmbeddingCacheSize, store, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("inference provider", "provider", name, "embedding_cache", cfg.EmbeddingCacheSize)
	return inference.NewComposite(name, classifier, cached), nil
}

func ollamaReachable(o *inference.Ollama) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return o.Ready(ctx) == nil
}

// newLimiter builds the configured rate limiter backend.
func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	switch cfg.RateLimitBackend {
	case "redis":
		l, err := ratelimit.NewRedisLimiterFromURL(ctx, cfg.RedisURL, cfg.RateLimitMax, cfg.RateLimitWindow)
		if err != nil {
			return nil, err
		}
		logger.Info("rate limiting: redis (sliding window)", "max", cfg.RateLimitMax, "window", cfg.RateLimitWindow)
		return l, nil
	case "noop":
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}, nil
	default:
		logger.Info("rate limiting: memory (in-process token bucket)", "max", cfg.RateLimitMax, "window", cfg.RateLimitWindow)
		return ratelimit.NewMemoryLimiter(cfg.RateLimitMax, cfg.RateLimitWindow), nil
	}
}

func closeJournal(j *lifecycle.Journal, logger *slog.Logger) {
	if j == nil {
		return
	}
	if err := j.Close(); err != nil {
		logger.Error("journal close error", "error", err)
	}
}
