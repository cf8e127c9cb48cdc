package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"
	"github.com/user/pullis/internal/config"
	"github.com/user/pullis/internal/github"
	"github.com/user/pullis/internal/notifier"
	"github.com/user/pullis/internal/slack"
	"github.com/user/pullis/internal/storage"
	"github.com/user/pullis/internal/telegram"
	"github.com/user/pullis/internal/worker"
	"github.com/user/pullis/pkg/logger"
)

const (
	cleanupInterval = time.Hour
	deliveryMaxAge  = 7 * 24 * time.Hour
)

func main() {
	// Parse command-line flags
	configPath := pflag.StringP("config", "c", "", "Path to configuration file")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Fall back to a console logger for the error
		logger.Init("info", "")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	logger.Info().Str("provider", cfg.Delivery.Provider).Msg("Starting pullis")

	// Initialize database
	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()
	logger.Info().Str("path", cfg.Database.Path).Msg("Database initialized")

	repos := storage.NewRepositoryStore(db)
	subs := storage.NewSubscriptionStore(db)
	users := storage.NewUserStore(db)
	mappings := storage.NewUserMappingStore(db)
	deliveries := storage.NewDeliveryLog(db)

	// Initialize GitHub client
	ghClient := github.NewClient(cfg.GitHub.Token)

	// Initialize the delivery backend
	var (
		sender notifier.Sender
		bot    *telegram.Sender
	)
	switch cfg.Delivery.Provider {
	case config.ProviderTelegram:
		bot, err = telegram.NewSender(cfg.Telegram.Token, cfg.Telegram.Debug, users)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
		}
		sender = bot
	default:
		sender = slack.NewSender(slack.NewClient(cfg.Slack.BotToken, cfg.Slack.APIURL))
	}

	// Create notifier
	dispatcher := notifier.NewDispatcher(sender, notifier.DispatcherConfig{
		Timeout:     cfg.Delivery.Timeout,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		MaxBackoff:  cfg.Delivery.MaxBackoff,
	})
	notify := notifier.NewNotifier(subs, mappings, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start background workers for notifications and commands
	pool := worker.NewPool(cfg.Worker.Count, cfg.Worker.QueueSize)
	pool.Start(ctx)

	// Set up HTTP router
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(logger.Middleware)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// GitHub webhook and read API
	r.Route("/api/github", func(r chi.Router) {
		r.Post("/webhook", github.NewWebhookHandler(cfg.GitHub.WebhookSecret, notify, pool, repos, deliveries).ServeHTTP)
		r.Get("/install", github.InstallHandler(cfg.InstallURL()))
		r.Get("/repositories", github.RepositoriesHandler(repos, cfg.Server.APIToken))
	})

	// Slack slash commands; subscriptions are delivered to the channel they name
	if cfg.Delivery.Provider == config.ProviderSlack {
		profiles := slack.NewClient(cfg.Slack.BotToken, cfg.Slack.APIURL)
		commands := slack.NewCommands(users, repos, subs, mappings, ghClient, profiles)
		r.Post("/api/slack/commands", slack.NewCommandHandler(cfg.Slack.SigningSecret, commands, pool).ServeHTTP)
		logger.Info().Msg("Slack commands enabled at /api/slack/commands")
	}

	// Telegram bot commands answer in the chat they came from
	var handlers *telegram.Handlers
	if bot != nil {
		commands := slack.NewCommands(users, repos, subs, mappings, ghClient, nil)
		handlers = telegram.NewHandlers(bot, commands, pool)
		handlers.Start(ctx)
	}

	// Prune old webhook deliveries
	go cleanupDeliveries(ctx, deliveries)

	// Start HTTP server
	server := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("address", cfg.ServerAddress()).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Stop HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Stop Telegram bot
	if handlers != nil {
		handlers.Stop()
	}

	// Drain queued notifications and commands
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Worker pool did not drain in time")
	}

	cancel()
	logger.Info().Msg("Shutdown complete")
}

// cleanupDeliveries prunes old webhook delivery records until ctx is done.
func cleanupDeliveries(ctx context.Context, deliveries *storage.DeliveryLog) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := deliveries.CleanupOlderThan(ctx, deliveryMaxAge)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to clean up webhook deliveries")
				continue
			}
			logger.Debug().Int64("removed", removed).Msg("Cleaned up webhook deliveries")
		}
	}
}
