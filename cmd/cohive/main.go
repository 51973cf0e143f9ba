// Package main provides the cohive server entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"

	"github.com/thebtf/cohive/internal/assistant"
	"github.com/thebtf/cohive/internal/auth"
	"github.com/thebtf/cohive/internal/config"
	"github.com/thebtf/cohive/internal/db/gorm"
	"github.com/thebtf/cohive/internal/sandbox"
	"github.com/thebtf/cohive/internal/watcher"
	"github.com/thebtf/cohive/internal/worker"
)

// Version is set at build time via ldflags.
var Version = "dev"

// errConfigChanged stops the server so that a process manager restarts it
// with the new settings.
var errConfigChanged = errors.New("config file changed")

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	port := flag.Int("port", 0, "HTTP port (overrides COHIVE_PORT)")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directories")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if cfg.JWTSecret == "" {
		log.Fatal().Msg("COHIVE_JWT_SECRET is required")
	}

	if err := run(cfg, *debug); err != nil && !errors.Is(err, errConfigChanged) {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
}

func run(cfg *config.Config, debug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gormLevel := logger.Silent
	if debug {
		gormLevel = logger.Info
	}
	store, err := gorm.NewStore(gorm.Config{
		DSN:      cfg.DatabaseURL,
		MaxConns: cfg.MaxConns,
		LogLevel: gormLevel,
	})
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer store.Close()

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL())
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}

	var revocations auth.RevocationList
	if cfg.RedisURL != "" {
		redisList := auth.NewRedisRevocationList(auth.NewRedisPool(cfg.RedisURL))
		defer redisList.Close()
		if err := redisList.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, logouts will fail until it recovers")
		}
		revocations = redisList
	} else {
		log.Warn().Msg("COHIVE_REDIS_URL not set, token revocations are kept in memory")
		revocations = auth.NewMemoryRevocationList()
	}

	var generator assistant.Generator
	if cfg.GeminiAPIKey != "" {
		generator, err = assistant.NewGemini(assistant.GeminiConfig{
			APIKey:   cfg.GeminiAPIKey,
			Model:    cfg.GeminiModel,
			Endpoint: cfg.GeminiEndpoint,
		})
		if err != nil {
			return fmt.Errorf("gemini client: %w", err)
		}
	} else {
		log.Warn().Msg("No Gemini API key configured, AI requests will fail")
	}

	budget, err := assistant.NewBudget(cfg.MaxPromptTokens)
	if err != nil {
		return fmt.Errorf("prompt budget: %w", err)
	}

	runtime, err := sandbox.NewLocal(cfg.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if cfg.DisableExec {
		runtime.NoExec = true
		log.Warn().Msg("Command execution disabled, install and run requests will fail")
	}

	svc := worker.NewService(worker.Options{
		Version:     Version,
		Config:      cfg,
		Users:       gorm.NewUserStore(store),
		Projects:    gorm.NewProjectStore(store),
		Tokens:      tokens,
		Revocations: revocations,
		Generator:   generator,
		Budget:      budget,
		Runtime:     runtime,
		Store:       store,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx, fmt.Sprintf(":%d", cfg.Port))
	})

	settings := config.SettingsPath()
	changed := make(chan struct{}, 1)
	w, err := watcher.New(settings, func(c watcher.Change) {
		log.Warn().Str("path", settings).Stringer("change", c).Msg("Config file changed, shutting down for restart")
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher")
	} else {
		g.Go(func() error {
			return w.Run(gctx)
		})
		g.Go(func() error {
			select {
			case <-changed:
				return errConfigChanged
			case <-gctx.Done():
				return nil
			}
		})
		log.Info().Str("path", settings).Msg("Config file watcher started")
	}

	err = g.Wait()
	log.Info().Msg("Shutting down cohive")
	return err
}
