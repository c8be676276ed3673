package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"getqr/internal/ratelimit"
	"getqr/internal/util"
	"getqr/pkg/analytics"
	"getqr/pkg/cache"
	"getqr/pkg/events"
	"getqr/pkg/queue"
	"getqr/pkg/storage"
	"getqr/pkg/store"
	"getqr/services/qr/internal/app"
	"getqr/services/qr/internal/config"
	"getqr/services/qr/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	durations := map[string]time.Duration{}
	for name, raw := range map[string]string{
		"anonymousCreateWindow": cfg.AnonymousCreateWindow,
		"draftTTL":              cfg.DraftTTL,
		"sessionTTL":            cfg.SessionTTL,
		"linkCacheTTL":          cfg.LinkCacheTTL,
		"uploadProcessTimeout":  cfg.UploadProcessTimeout,
		"jwtLeeway":             cfg.JWTLeeway,
	} {
		d, err := config.ParseDuration(name, raw)
		if err != nil {
			log.Fatalf("failed to parse %s: %v", name, err)
		}
		durations[name] = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dataStore store.Store
	if cfg.DatabaseDriver == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	} else {
		gormStore, err := store.NewGormStore(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init %s store: %v", cfg.DatabaseDriver, err)
		}
		dataStore = gormStore
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()

	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, durations["sessionTTL"], store.NewRedisTokenRevoker(redisClient), store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   durations["jwtLeeway"],
	})
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}

	createLimiter, err := ratelimit.NewSlidingWindowLimiter(redisClient, "getqr:ratelimit:anonymous-create",
		cfg.AnonymousCreateLimit, durations["anonymousCreateWindow"])
	if err != nil {
		log.Fatalf("failed to init create limiter: %v", err)
	}

	objects, err := storage.NewMinioStore(storage.MinioOptions{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		UseSSL:        cfg.MinioUseSSL,
		PublicBaseURL: cfg.FilesPublicBaseURL,
	})
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}

	cleanupQueue, err := queue.NewCleanupQueue(queue.Config{
		Client:     redisClient,
		Stream:     cfg.CleanupStream,
		Group:      cfg.CleanupGroup,
		MaxRetries: cfg.CleanupMaxRetries,
	})
	if err != nil {
		log.Fatalf("failed to init cleanup queue: %v", err)
	}

	var publisher events.Publisher = events.Nop{}
	if strings.TrimSpace(cfg.AMQPURL) != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventsExchange)
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		publisher = amqpPublisher
	} else {
		logger.Warn("amqpURL not set; lifecycle events are dropped")
	}
	defer publisher.Close()

	appCfg := app.Config{
		Store:          dataStore,
		Sessions:       sessions,
		Objects:        objects,
		KV:             cache.NewRedisKV(redisClient),
		Limiter:        createLimiter,
		Cleaner:        cleanupQueue,
		Events:         publisher,
		ShortDomain:    cfg.ShortDomain,
		AppBaseURL:     cfg.AppBaseURL,
		DraftTTL:       durations["draftTTL"],
		LinkCacheTTL:   durations["linkCacheTTL"],
		MaxUploadBytes: cfg.MaxUploadBytes,
		ProcessTimeout: durations["uploadProcessTimeout"],
		MaxImageSide:   cfg.MaxImageSide,
	}
	if strings.TrimSpace(cfg.AnalyticsBaseURL) != "" {
		analyticsClient, err := analytics.NewClient(cfg.AnalyticsBaseURL, cfg.AnalyticsToken, cfg.AnalyticsDatasources)
		if err != nil {
			log.Fatalf("failed to init analytics client: %v", err)
		}
		appCfg.Analytics = analyticsClient
	} else {
		logger.Warn("analyticsBaseURL not set; stats and clear analytics are unavailable")
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	cleanupQueue.Start(ctx, cfg.CleanupWorkers, appCore.HandleCleanup)

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Sessions:                 sessions,
		Redis:                    redisClient,
		TrustedProxies:           trusted,
		CORSAllowedOrigins:       cfg.CORSAllowedOrigins,
		CookieDomain:             cfg.CookieDomain,
		CookieSecure:             cfg.CookieSecure,
		CookieSameSite:           sameSite(cfg.CookieSameSite),
		SessionTTL:               durations["sessionTTL"],
		SIDTTL:                   durations["draftTTL"],
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
		MaxUploadBytes:           cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "err", err)
		}
		if err := appCore.Shutdown(shutdownCtx); err != nil {
			logger.Error("upload processing did not finish", "err", err)
		}
	}()

	slog.Info("qr server listening", "addr", addr, "short_domain", cfg.ShortDomain)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		stop()
	}
	<-shutdownDone
}

func sameSite(mode string) http.SameSite {
	switch strings.ToLower(mode) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}
