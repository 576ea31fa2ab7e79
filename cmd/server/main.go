package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"backoffice/backend/internal/analytics"
	"backoffice/backend/internal/assistant"
	"backoffice/backend/internal/cache"
	"backoffice/backend/internal/config"
	"backoffice/backend/internal/httpapi"
	"backoffice/backend/internal/service"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/store/memory"
	pgstore "backoffice/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("schema migration failed")
		}
		if err := pg.VerifySchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("schema verification failed")
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info().Msg("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info().Msg("repository: in-memory")
	}

	dashboardCache := cache.DashboardCache(cache.NoopDashboardCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisDashboardCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, dashboard cache disabled")
			_ = redisCache.Close()
		} else {
			dashboardCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info().Str("addr", cfg.RedisAddr).Msg("cache: redis")
		}
	} else {
		log.Info().Msg("cache: noop")
	}

	dashboard := analytics.NewEngine(repo, dashboardCache, time.Duration(cfg.DashboardCacheTTLSeconds)*time.Second)

	var generator assistant.Generator
	if cfg.GeminiAPIKey != "" {
		gemini, err := assistant.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			log.Warn().Err(err).Msg("gemini client unavailable, analysis will degrade")
		} else {
			generator = gemini
			closers = append(closers, gemini.Close)
			log.Info().Str("model", cfg.GeminiModel).Msg("assistant: gemini")
		}
	} else {
		log.Info().Msg("assistant: disabled")
	}
	aiTimeout := time.Duration(cfg.AITimeoutSeconds) * time.Second
	advisor := assistant.New(generator, aiTimeout)

	svc := service.New(repo, dashboard, advisor, service.Options{
		DefaultTaxRatePercent: cfg.DefaultTaxRatePercent,
		RefundRestock:         cfg.RefundRestock,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)

	created, err := auth.EnsureAdmin(ctx, cfg.AdminBootstrapPassword)
	switch {
	case err != nil && cfg.IsDevelopment():
		log.Warn().Err(err).Msg("no admin account; set ADMIN_BOOTSTRAP_PASSWORD to create one")
	case err != nil:
		log.Fatal().Err(err).Msg("admin bootstrap failed")
	case created:
		log.Info().Msg("bootstrapped admin account")
	}

	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout(aiTimeout),
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Msgf("back-office backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AdminBootstrapPassword != "" && len(cfg.AdminBootstrapPassword) < 8 {
		return fmt.Errorf("ADMIN_BOOTSTRAP_PASSWORD must be at least 8 characters")
	}
	return nil
}

// writeTimeout leaves room for the analysis call to finish before the
// connection is cut.
func writeTimeout(aiTimeout time.Duration) time.Duration {
	if aiTimeout <= 0 {
		aiTimeout = 20 * time.Second
	}
	return aiTimeout + 10*time.Second
}
