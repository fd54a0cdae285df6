package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/clients"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/config"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/dpop"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/events"
	httptransport "github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/http"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/http/handler"
	httpmiddleware "github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/http/middleware"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/keys"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/repository"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/server"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/service"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/store"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newPGXPool,
			newKeyRepository,
			newTokenRepository,
			newSessionRepository,
			newUserRepository,
			newReplayRepository,
			newComplianceRepository,
			newParStore,
			newCodeStore,
			newDeviceCodeStore,
			newPublisher,
			newDPoPVerifier,
			newKeyManager,
			newRotator,
			newClientRegistry,
			newTokenService,
			newSessionService,
			newComplianceService,
			handler.NewAuthHandler,
			handler.NewSessionHandler,
			handler.NewComplianceHandler,
			newAuthMiddleware,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startJanitor, startRotator, startReplaySweeper, startComplianceSweeper, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := repository.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newKeyRepository(pool *pgxpool.Pool) repository.KeyRepository {
	return repository.NewPostgresKeyRepo(pool)
}

func newTokenRepository(pool *pgxpool.Pool) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool)
}

func newSessionRepository(pool *pgxpool.Pool) repository.SessionRepository {
	return repository.NewPostgresSessionRepo(pool)
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newReplayRepository(pool *pgxpool.Pool) repository.ReplayRepository {
	return repository.NewPostgresReplayRepo(pool)
}

func newComplianceRepository(pool *pgxpool.Pool) repository.ComplianceRepository {
	return repository.NewPostgresComplianceRepo(pool)
}

func newParStore() *store.ParStore {
	return store.NewParStore()
}

func newCodeStore() *store.CodeStore {
	return store.NewCodeStore()
}

func newDeviceCodeStore() *store.DeviceCodeStore {
	return store.NewDeviceCodeStore()
}

func newPublisher() events.Publisher {
	return events.NewLogPublisher()
}

func newDPoPVerifier(cfg config.Config, replays repository.ReplayRepository) *dpop.Verifier {
	return dpop.NewVerifier(replays, cfg.DPoPProofMaxSkew, cfg.JTIRecordTTL)
}

func newKeyManager(cfg config.Config, repo repository.KeyRepository) *keys.Manager {
	return keys.NewManager(repo, cfg.KeyRotationAge, cfg.KeyExpiryGrace)
}

func newRotator(cfg config.Config, repo repository.KeyRepository, manager *keys.Manager) *keys.Rotator {
	return keys.NewRotator(repo, manager, cfg.KeyRotationAge, cfg.KeyExpiryGrace, cfg.RotationInterval)
}

func newClientRegistry(cfg config.Config) (*clients.Registry, error) {
	registry := clients.NewRegistry()
	if cfg.ClientRegistryJSON != "" {
		if err := registry.FromJSON([]byte(cfg.ClientRegistryJSON)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func newTokenService(
	cfg config.Config,
	manager *keys.Manager,
	verifier *dpop.Verifier,
	tokens repository.TokenRepository,
	sessions repository.SessionRepository,
	users repository.UserRepository,
	par *store.ParStore,
	codes *store.CodeStore,
	devices *store.DeviceCodeStore,
	publisher events.Publisher,
) *service.TokenService {
	return service.NewTokenService(cfg, manager, verifier, tokens, sessions, users, par, codes, devices, publisher)
}

func newSessionService(sessions repository.SessionRepository, tokens repository.TokenRepository, publisher events.Publisher) *service.SessionService {
	return service.NewSessionService(sessions, tokens, publisher)
}

func newComplianceService(cfg config.Config, repo repository.ComplianceRepository, users repository.UserRepository, sessions *service.SessionService, publisher events.Publisher) *service.ComplianceService {
	return service.NewComplianceService(cfg, repo, users, sessions, publisher)
}

func newAuthMiddleware(tokens *service.TokenService) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Tokens: tokens}
}

func startJanitor(lc fx.Lifecycle, par *store.ParStore, codes *store.CodeStore, devices *store.DeviceCodeStore) {
	var janitor *store.Janitor
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			janitor = store.NewJanitor(time.Minute, par, codes, devices)
			return nil
		},
		OnStop: func(context.Context) error {
			if janitor != nil {
				janitor.Stop()
			}
			return nil
		},
	})
}

func startRotator(lc fx.Lifecycle, rotator *keys.Rotator) {
	runBackground(lc, rotator.Run)
}

func startReplaySweeper(lc fx.Lifecycle, cfg config.Config, verifier *dpop.Verifier) {
	runBackground(lc, func(ctx context.Context) {
		verifier.Run(ctx, cfg.JTIRecordTTL)
	})
}

func startComplianceSweeper(lc fx.Lifecycle, compliance *service.ComplianceService) {
	runBackground(lc, compliance.Run)
}

func runBackground(lc fx.Lifecycle, run func(context.Context)) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})
			go func() {
				run(runCtx)
				close(done)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
