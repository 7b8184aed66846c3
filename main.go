package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/rs/zerolog"

	"ginger/server/internal/avatar"
	"ginger/server/internal/bus"
	"ginger/server/internal/clock"
	"ginger/server/internal/config"
	"ginger/server/internal/database"
	"ginger/server/internal/handlers"
	"ginger/server/internal/jobs"
	"ginger/server/internal/logging"
	"ginger/server/internal/realtime"
	"ginger/server/internal/routes"
	"ginger/server/internal/store/memory"
	"ginger/server/internal/store/postgres"
	"ginger/server/internal/utils"
	"ginger/server/internal/vibe"
)

func main() {
	// Load environment variables
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", "console")
		bootLog.Fatal().Err(err).Msg("Invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	changes := bus.NewMemory(log)
	defer changes.Close()

	// Signaling rooms span instances when Redis is configured
	var rooms bus.Bus = changes
	if cfg.RedisURL != "" {
		r, err := bus.NewRedis(ctx, cfg.RedisURL, "ginger.", log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer r.Close()
		rooms = r
		log.Info().Msg("✅ Redis room bus connected")
	}

	var store vibe.Store
	switch cfg.Store {
	case config.StoreMemory:
		mem := memory.New(changes, log)
		mem.AutoProfiles = true
		store = mem
		log.Warn().Msg("Using in-memory store; state is lost on restart")
	default:
		// Connect to database
		pool, err := database.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
		go postgres.NewListener(pool, changes, log).Run(ctx)
		store = postgres.New(pool, log)
	}

	var avatars vibe.AvatarResolver
	if cfg.Avatar.Bucket != "" {
		p, err := avatar.New(ctx, avatar.Options{
			Bucket:          cfg.Avatar.Bucket,
			Region:          cfg.Avatar.Region,
			Endpoint:        cfg.Avatar.Endpoint,
			AccessKeyID:     cfg.Avatar.AccessKeyID,
			SecretAccessKey: cfg.Avatar.SecretAccessKey,
			TTL:             cfg.Avatar.URLTTL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure avatar storage")
		}
		avatars = p
	}

	// Realtime hub; a user's flow ends with their last connection
	var manager *vibe.Manager
	hub := realtime.NewHub(log, func(userID string) { manager.Release(userID) })
	media := realtime.NewRemoteMedia(hub, log)

	deps := vibe.NewDeps(vibe.Options{
		Store:   store,
		Avatars: avatars,
		Changes: changes,
		Rooms:   rooms,
		Sink:    hub,
		Clock:   clock.Real(),
		Config:  cfg.Vibe,
		Log:     log,
	})
	manager = vibe.NewManager(deps, media.Device)
	go hub.Run(ctx)
	log.Info().Msg("✅ WebSocket Hub initialized")

	sweeper := jobs.NewReaper(store, clock.Real(), cfg.Reaper, log).WithFlows(manager, hub.IsUserOnline)
	reaper, err := jobs.NewScheduler(sweeper, cfg.Vibe.OpTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule reaper")
	}
	reaper.Start()

	h := handlers.New(handlers.Deps{
		Manager:    manager,
		Relay:      deps.Relay,
		Profiles:   deps.Profiles,
		Matches:    store,
		Hub:        hub,
		Media:      media,
		Commands:   realtime.NewCommands(manager, deps.Relay, hub, log),
		ICEServers: vibe.ICEServers(cfg.STUNURLs),
		Log:        log,
	})

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Ginger Vibe API v1.0",
	})

	// Middleware
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowCredentials: true,
	}))

	// Setup routes
	routes.SetupRoutes(app, h, utils.NewTokens(cfg.JWTSecret))

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	log.Info().Str("port", cfg.Port).Str("store", cfg.Store).Msg("🚀 Server starting")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Error().Err(err).Msg("Server stopped")
	}

	shutdown(manager, reaper, log)
}

func shutdown(manager *vibe.Manager, reaper *jobs.Scheduler, log zerolog.Logger) {
	if err := reaper.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Reaper shutdown")
	}
	// Abandon calls in progress so partners are not left waiting.
	manager.Close()
	log.Info().Msg("👋 Server stopped")
}
