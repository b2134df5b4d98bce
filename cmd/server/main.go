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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relay/internal/cache"
	"relay/internal/chat"
	"relay/internal/config"
	"relay/internal/credentials"
	"relay/internal/db"
	"relay/internal/hashing"
	"relay/internal/logger"
	myMiddleware "relay/internal/middleware"
	"relay/internal/paging"
	"relay/internal/presence"
	"relay/internal/token"
	"relay/internal/user"
	"relay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & logging
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	database, err := db.NewDatabase(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect to db: %w", err)
	}
	defer database.Close()
	log.Info("connected to postgres")

	if cfg.MigrationsOnStartup {
		if err := database.Migrate(ctx); err != nil {
			return err
		}
		log.Info("database schema up to date")
	}

	// 3. Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	backend := cache.NewRedis(redisClient)
	registry := presence.NewRegistry(backend, cfg.PresenceTTL)
	if cfg.RedisFlushOnLaunch {
		n, err := registry.Reset(ctx)
		if err != nil {
			return fmt.Errorf("reset presence: %w", err)
		}
		log.Info("presence reset", zap.Int("keys", n))
	}

	// 4. Wire the components
	hub := ws.NewHub(redisClient, cfg.FanoutChannel, log)
	limits := paging.Limits{Default: cfg.DefaultPageLimit, Max: cfg.MaxPageLimit}

	userRepo := user.NewRepository(database.Conn)
	chatRepo := chat.NewRepository(database.Conn)

	notifier := presence.NewNotifier(registry, chatRepo, userRepo, hub, log)
	sessions := presence.NewSessions(registry, notifier)
	creds := credentials.NewProvider(credentials.NewCache(backend, cfg.CredentialsTTL), userRepo, log)
	codec := token.NewCodec(cfg.TokenTTL)

	userService := user.NewService(userRepo, hashing.NewBcrypt(cfg.BcryptCost), codec, creds, registry, sessions, user.Settings{
		MaxFailedLoginAttempts: cfg.MaxFailedLoginAttempts,
		Paging:                 limits,
	}, log)
	chatService := chat.NewService(chatRepo, registry, hub, limits, log)

	gate := myMiddleware.NewGate(codec, creds, userRepo, registry, notifier, sessions, hub, log)
	router := ws.NewRouter(log)
	registerEvents(router, gate, user.NewHandler(userService, hub), chat.NewHandler(chatService))

	wsHandler := ws.NewHandler(hub, router, sessions, registry, cfg.AllowedOrigins, log)

	// 5. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", wsHandler.ServeWs)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Conn.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 6. Start the hub engines and the server
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return hub.SubscribeToRedis(gctx)
	})
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
