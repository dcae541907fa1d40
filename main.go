package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"capguard/config"
	"capguard/internal/api"
	"capguard/internal/auth"
	"capguard/internal/cache"
	"capguard/internal/core"
	"capguard/internal/database"
	"capguard/internal/events"
	"capguard/internal/logging"
	"capguard/internal/position"
	"capguard/internal/safety"
	"capguard/internal/vault"

	"github.com/rs/zerolog/log"
)

func main() {
	// Load and validate configuration; a malformed tier table or threshold
	// ordering is fatal here, before any trading decision can be made
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("capguard starting")

	// Optional: overlay secrets from Vault
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("vault client initialization failed")
	}
	if cfg.VaultConfig.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		creds, err := vaultClient.LoadCredentials(ctx)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("loading credentials from vault failed")
		}
		creds.Apply(cfg)
		logger.Info().Msg("credentials loaded from vault")
	}

	eventBus := events.NewEventBus()

	// Build the control plane around the persisted state file
	stateStore := safety.NewFileStore(cfg.PersistenceConfig.StatePath)
	plane, err := core.New(cfg, stateStore, eventBus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("control plane initialization failed")
	}

	// Optional: Postgres audit trail
	var auditRepo *database.AuditRepository
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(cfg.DatabaseConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = db.RunMigrations(ctx)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("database migrations failed")
		}

		auditRepo = database.NewAuditRepository(db)
		plane.Machine.SetAuditSink(auditRepo)
	}

	// Optional: publish state to Redis for read-only observer processes
	if cfg.RedisConfig.Enabled {
		publisher, err := cache.NewObserverPublisher(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("observer publishing unavailable")
		} else {
			defer publisher.Close()
			publisher.AttachTo(eventBus)
			eventBus.SubscribeAll(func(events.Event) {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				publisher.PublishStatus(ctx, plane.Status())
			})
		}
	}

	// Periodic position-cap enforcement reads back the reported positions
	scheduler := position.NewScheduler(plane.Enforcer, plane.Capital, eventBus,
		time.Duration(cfg.PositionConfig.EnforceIntervalSecs)*time.Second,
		cfg.PositionConfig.MaxPositions, cfg.PositionConfig.DustThresholdUSD, logger)
	scheduler.Start()
	defer scheduler.Stop()

	// Operator API
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		var jwtManager *auth.JWTManager
		if cfg.AuthConfig.Enabled {
			if cfg.AuthConfig.JWTSecret == "" {
				logger.Fatal().Msg("auth enabled without a JWT secret")
			}
			jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.TokenDuration)
		}
		server = api.NewServer(cfg.ServerConfig, plane, eventBus, jwtManager, auditRepo, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP server stopped")
			}
		}()
	}

	logger.Info().
		Str("state", plane.Machine.State().String()).
		Str("state_path", cfg.PersistenceConfig.StatePath).
		Msg("capguard ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}

	logger.Info().Msg("shutdown complete")
}
