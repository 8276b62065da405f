package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"gastro-chat/internal/auth"
	"gastro-chat/internal/chat"
	"gastro-chat/internal/config"
	"gastro-chat/internal/db"
	myMiddleware "gastro-chat/internal/middleware"
	"gastro-chat/internal/provider"
	"gastro-chat/internal/relay"

	"github.com/google/uuid"
)

// App is one server instance with every dependency wired.
type App struct {
	Handler  http.Handler
	Hub      *chat.Hub
	Bridge   *relay.Bridge
	Provider *provider.Facade
	Auth     *auth.Service

	database *db.Database
	log      *slog.Logger
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// 1. Durable message log
	database, err := db.NewDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := database.AutoMigrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database ready", slog.String("driver", cfg.Database.Driver))
	repo := chat.NewRepository(database)

	// 2. Hub and relay
	hub := chat.NewHub(
		chat.WithReplayCapacity(cfg.Hub.ReplayCapacity),
		chat.WithSubscriberBuffer(cfg.Hub.SubscriberBuffer),
		chat.WithSweep(cfg.Hub.SweepInterval, cfg.Hub.MaxIdle),
		chat.WithHubLogger(logger.With(slog.String("component", "hub"))),
	)
	transport := relay.Open(ctx, relay.Settings{
		Kind:         cfg.Relay.Kind,
		RedisAddr:    cfg.Relay.RedisAddr,
		RedisChannel: cfg.Relay.RedisChannel,
		AMQPURL:      cfg.Relay.AMQPURL,
		AMQPExchange: cfg.Relay.AMQPExchange,
	}, logger.With(slog.String("component", "relay")))
	bridge := relay.NewBridge(hub, transport, relay.WithLogger(logger.With(slog.String("component", "relay"))))

	// 3. Provider facade
	opts := []provider.Option{
		provider.WithMessageLog(repo),
		provider.WithPublisher(bridge),
		provider.WithSimulationDelay(cfg.WhatsApp.SimulationDelay),
		provider.WithLogger(logger.With(slog.String("component", "provider"))),
	}
	if cfg.WhatsAppConfigured() {
		opts = append(opts, provider.WithTransport(provider.NewCloudTransport(provider.CloudConfig{
			BaseURL:       cfg.WhatsApp.APIURL,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			Token:         cfg.WhatsApp.Token,
		})))
	}
	facade, err := provider.New(opts...)
	if err != nil {
		bridge.Close()
		database.Close()
		return nil, err
	}

	// 4. Operator auth
	hash := cfg.Auth.OperatorPasswordHash
	if hash == "" {
		password := uuid.NewString()
		if hash, err = auth.HashPassword(password); err != nil {
			bridge.Close()
			database.Close()
			return nil, err
		}
		logger.Warn("OPERATOR_PASSWORD_HASH not set, using a one-time password",
			slog.String("username", cfg.Auth.OperatorUsername),
			slog.String("password", password),
		)
	}
	authService := auth.NewService(cfg.Auth.OperatorUsername, hash, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	// 5. HTTP surface
	chatHandler := chat.NewHandler(hub, bridge, repo, facade, chat.HandlerConfig{
		VerifyToken: cfg.WhatsApp.VerifyToken,
		AppSecret:   cfg.WhatsApp.AppSecret,
		Heartbeat:   cfg.Hub.HeartbeatInterval,
		Logger:      logger.With(slog.String("component", "http")),
	})
	router := NewRouter(Deps{
		Chat:           chatHandler,
		Auth:           auth.NewHandler(authService),
		AuthMiddleware: myMiddleware.NewAuthMiddleware(authService, logger),
		RequestLog:     strings.EqualFold(cfg.Log.Level, "debug"),
	})

	return &App{
		Handler:  router,
		Hub:      hub,
		Bridge:   bridge,
		Provider: facade,
		Auth:     authService,
		database: database,
		log:      logger,
	}, nil
}

// Start runs the hub and the relay until ctx ends and makes the startup
// credential check. A failed check leaves the provider in simulation.
func (a *App) Start(ctx context.Context) {
	go a.Hub.Run(ctx)
	go func() {
		if err := a.Bridge.Run(ctx); err != nil {
			a.log.Error("relay stopped", slog.Any("error", err))
		}
	}()

	if !a.Provider.State().Configured {
		a.log.Info("provider running in simulation", slog.String("reason", a.Provider.State().Reason))
		return
	}
	if err := a.Provider.Verify(ctx); err != nil {
		a.log.Warn("provider verification failed, running in simulation", slog.Any("error", err))
		return
	}
	a.log.Info("provider verified, running in production")
}

func (a *App) Close() error {
	if err := a.Bridge.Close(); err != nil {
		a.log.Warn("relay close", slog.Any("error", err))
	}
	return a.database.Close()
}
