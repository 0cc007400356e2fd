package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/NoooNlIoN/kanban-backend/internal/auth"
	"github.com/NoooNlIoN/kanban-backend/internal/config"
	"github.com/NoooNlIoN/kanban-backend/internal/logging"
	"github.com/NoooNlIoN/kanban-backend/internal/permission"
	"github.com/NoooNlIoN/kanban-backend/internal/realtime"
	"github.com/NoooNlIoN/kanban-backend/internal/sequencer"
	"github.com/NoooNlIoN/kanban-backend/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return pool
}

func setupRedis(cfg *config.Config) *goredis.Client {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		os.Exit(1)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *server.Server, seq *sequencer.RedisSequencer, broadcaster *realtime.Broadcaster, monitor *realtime.Monitor, hub *realtime.Hub) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Stop intake first, then the fan-out machinery, then the
		// connections themselves.
		seq.Stop()
		monitor.Stop()
		broadcaster.Stop()
		hub.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	pool := setupDB(cfg)
	defer pool.Close()

	redisClient := setupRedis(cfg)
	defer func() { _ = redisClient.Close() }()

	oracle := permission.NewPostgresOracle(pool)
	verifier := auth.NewJWTVerifier([]byte(cfg.JWTSecret), clock)

	seq := sequencer.NewRedisSequencer(redisClient, cfg.ReplayWindowSize, clock)

	hub := realtime.NewHub(clock, cfg.SendBufferSize, cfg.MaxConnectionsPerUser, cfg.HeartbeatTimeout)
	broadcaster := realtime.NewBroadcaster(hub, oracle, seq, clock)
	seq.OnEvent(broadcaster.HandleEvent)
	go seq.Start(context.Background())

	monitor := realtime.NewMonitor(hub, clock, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	monitor.Start()

	sessions := realtime.NewSessionHandler(hub, broadcaster, verifier, oracle, clock, realtime.SessionConfig{
		AuthTimeout:  cfg.AuthTimeout,
		CommandRate:  cfg.CommandRatePerSecond,
		CommandBurst: cfg.CommandBurst,
	})

	srv := server.NewServer(cfg, sessions, seq)

	done := runGracefulShutdown(srv, seq, broadcaster, monitor, hub)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
