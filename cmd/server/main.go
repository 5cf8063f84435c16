// Command server runs the invitation and entitlement engine: the admin
// API, the public redemption surface, activity ingestion and the audit
// event consumer.
package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/inviterr/inviterr/internal/activity"
	"github.com/inviterr/inviterr/internal/config"
	"github.com/inviterr/inviterr/internal/database"
	"github.com/inviterr/inviterr/internal/entitlement"
	"github.com/inviterr/inviterr/internal/handler"
	"github.com/inviterr/inviterr/internal/invite"
	"github.com/inviterr/inviterr/internal/mediaserver"
	"github.com/inviterr/inviterr/internal/middleware"
	"github.com/inviterr/inviterr/internal/model"
	"github.com/inviterr/inviterr/internal/provision"
	"github.com/inviterr/inviterr/internal/queue"
	"github.com/inviterr/inviterr/internal/repository"
	"github.com/inviterr/inviterr/internal/router"
	"github.com/inviterr/inviterr/internal/service"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if os.Getenv("APP_ENV") == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.Migrate(ctx, db); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("migrate database")
	}
	cancel()

	// Redis backs rate limiting, response caching and entitlement
	// snapshot invalidation. A nil client degrades all three gracefully.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Warn().Msg("redis unavailable, caching and rate limiting disabled")
	}

	// Repositories.
	users := repository.NewUserRepo(db)
	tokens := repository.NewTokenRepo(db)
	invites := repository.NewInvitationRepo(db)
	identities := repository.NewIdentityRepo(db)
	accounts := repository.NewAccountRepo(db)
	servers := repository.NewServerRepo(db)
	tiers := repository.NewTierRepo(db)
	subs := repository.NewSubscriptionRepo(db)
	sessions := repository.NewActivityRepo(db)
	jobs := repository.NewImportJobRepo(db)

	// Entitlement snapshots, invalidated through redis on mutation.
	loader := entitlement.NewLoader(tiers, rdb)

	// One HTTP client per server; the coordinator caps concurrency.
	clients := func(s model.MediaServer) mediaserver.Client {
		return mediaserver.NewHTTPClient(s.BaseURL, s.APIToken, 0)
	}
	coordinator := provision.NewCoordinator(clients, cfg.ProvisionPerServer, log)
	defer coordinator.Close()

	policy, err := invite.ParsePolicy(cfg.RedeemExhaustPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("parse redeem exhaust policy")
	}

	// Eventing is optional: without a broker URL the producers get nil
	// notifiers and redemptions run without emitting events.
	var machineNotify invite.Notifier
	var runnerNotify activity.Notifier
	if cfg.RabbitURL != "" {
		publisher := service.NewPublisher(cfg.RabbitURL, log)
		defer publisher.Close()
		machineNotify = publisher
		runnerNotify = publisher
	}

	machine := invite.NewMachine(invites, accounts, servers, coordinator, loader, machineNotify, policy, log)

	ingest := activity.NewIngestor(sessions, accounts, log)
	history := activity.NewHistoryFetcher(servers, func(s model.MediaServer) mediaserver.HistorySource {
		return mediaserver.NewHTTPClient(s.BaseURL, s.APIToken, 0)
	})
	runner := activity.NewRunner(jobs, ingest, history, runnerNotify, cfg.ImportBatchSize, log)

	// Audit consumer mirrors every domain event to logs/audit.log.
	if cfg.RabbitURL != "" {
		go func() {
			if err := queue.StartAuditConsumer(cfg.RabbitURL, log); err != nil {
				log.Warn().Err(err).Msg("audit consumer stopped")
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true

	if rdb != nil {
		e.Use(middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))
		e.Use(middleware.NewRedisCache(config.LoadCacheConfig(), rdb))
	}

	h := router.Handlers{
		Auth:          handler.NewAuthHandler(cfg, users, tokens),
		Invitations:   handler.NewInvitationHandler(invites, machine),
		Servers:       handler.NewServerHandler(servers, clients),
		Tiers:         handler.NewTierHandler(tiers, loader),
		Identities:    handler.NewIdentityHandler(identities, accounts),
		Subscriptions: handler.NewSubscriptionHandler(subs),
		Activity:      handler.NewActivityHandler(ingest, sessions, jobs, runner, log),
	}

	router.RegisterRoutes(e)
	router.RegisterAuth(e, h.Auth, cfg.JWTSecret)
	router.RegisterPublic(e, h)
	router.RegisterCallbacks(e, h)
	router.RegisterAdmin(e, h, cfg.JWTSecret)

	addr := ":" + cfg.Port
	log.Info().Str("addr", addr).Str("env", cfg.Env).Str("policy", string(policy)).Msg("listening")
	if err := e.Start(addr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
