// Package main 井字棋對戰服務啟動入口
//
// 功能：
//  1. HTTP JSON API 與 WebSocket 即時頻道
//  2. 房間清理、配對回合、佇列位置推送等週期工作
//  3. 可選的 PostgreSQL 封存、NATS JetStream 事件與 Redis 限流
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/tictactoe/internal/auth"
	"github.com/koopa0/system-design/tictactoe/internal/config"
	"github.com/koopa0/system-design/tictactoe/internal/events"
	"github.com/koopa0/system-design/tictactoe/internal/game"
	"github.com/koopa0/system-design/tictactoe/internal/handler"
	"github.com/koopa0/system-design/tictactoe/internal/matchmaking"
	"github.com/koopa0/system-design/tictactoe/internal/metrics"
	"github.com/koopa0/system-design/tictactoe/internal/ratelimit"
	"github.com/koopa0/system-design/tictactoe/internal/realtime"
	"github.com/koopa0/system-design/tictactoe/internal/scheduler"
	"github.com/koopa0/system-design/tictactoe/internal/store"
	"github.com/koopa0/system-design/tictactoe/internal/store/migrations"
	"github.com/koopa0/system-design/tictactoe/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置檔路徑")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. 載入配置與日誌
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.Level == "debug")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx := context.Background()
	clock := clockwork.NewRealClock()

	// 2. 指標
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	checks := make(map[string]handler.Check)
	var recorders []game.ResultRecorder

	// 3. 對局封存（可選）
	var archive handler.Archive
	if cfg.Postgres.Enabled {
		pool, err := setupPostgres(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer pool.Close()

		gameStore := store.New(pool, log)
		archive = gameStore
		recorders = append(recorders, gameStore)
		checks["postgres"] = gameStore.Ping
	}

	// 4. 終局事件（可選）
	if cfg.NATS.Enabled {
		publisher, nc, err := events.Connect(cfg.NATS.URL, events.Config{
			StreamName: cfg.NATS.StreamName,
			Subject:    cfg.NATS.Subject,
		}, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer drainNATS(nc, log)

		recorders = append(recorders, publisher)
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats is not connected")
			}
			return nil
		}
	}

	// 5. 限流
	policy := ratelimit.DefaultPolicy()
	policy.PerLevelBonus = cfg.RateLimit.PerLevelBonus
	policy.MaxMultiplier = cfg.RateLimit.MaxMultiplier

	var (
		limitStore ratelimit.Store
		memLimits  *ratelimit.MemoryStore
	)
	switch cfg.RateLimit.Backend {
	case "redis":
		rdb, err := setupRedis(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()

		limitStore = ratelimit.NewRedisStore(rdb, clock)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	default:
		memLimits = ratelimit.NewMemoryStore(clock)
		limitStore = memLimits
	}
	limiter := ratelimit.New(policy, limitStore, log, m)

	// 6. 核心元件
	hub := realtime.NewHub(realtime.HubOptions{
		SendBuffer: cfg.Realtime.SendBuffer,
		Metrics:    m,
		Logger:     log,
	})

	games := game.NewRegistry(game.Options{
		JoinTimeout: cfg.Game.JoinTimeout,
		Retention:   cfg.Game.Retention,
		GracePeriod: cfg.Realtime.GracePeriod,
		Clock:       clock,
		Broadcaster: hub,
		Limiter:     limiter,
		Recorders:   recorders,
		Metrics:     m,
		Logger:      log,
	})

	queue := matchmaking.New(games, matchmaking.Options{
		WidenAfter: cfg.Matchmaking.WidenAfter,
		MaxRadius:  cfg.Matchmaking.MaxRadius,
		MaxWait:    cfg.Matchmaking.MaxWait,
		Clock:      clock,
		Notifier:   hub,
		Metrics:    m,
		Logger:     log,
	})

	tokens := auth.NewManager(cfg.Auth.Secret, cfg.Auth.Issuer, clock)

	ws := realtime.NewServer(realtime.ServerOptions{
		Hub:     hub,
		Games:   games,
		Queue:   queue,
		Tokens:  tokens,
		Limiter: limiter,
		Clock:   clock,
		Logger:  log,
	})

	// 7. 週期工作
	targets := scheduler.Targets{Registry: games, Queue: queue}
	if memLimits != nil {
		targets.Limits = memLimits
	}
	sched, err := scheduler.New(clock, log, scheduler.Jobs(targets, scheduler.Intervals{
		Sweep:       cfg.Game.SweepInterval,
		Pairing:     cfg.Matchmaking.PassInterval,
		QueueUpdate: cfg.Matchmaking.QueueUpdateInterval,
		LimitSweep:  cfg.RateLimit.SweepInterval,
	}, log)...)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	sched.Start()

	// 8. HTTP 服務
	h := handler.New(handler.Options{
		Games:    games,
		Queue:    queue,
		Limiter:  limiter,
		Tokens:   tokens,
		Archive:  archive,
		Realtime: ws,
		Hub:      hub,
		Gatherer: registry,
		Checks:   checks,
		Logger:   log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("tictactoe server starting",
			"port", cfg.Server.Port,
			"rate_limit_backend", cfg.RateLimit.Backend,
			"postgres", cfg.Postgres.Enabled,
			"nats", cfg.NATS.Enabled)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// 9. 等待中斷信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	}

	// 10. 優雅關閉：先停止接受請求，再停週期工作，最後關閉連線與房間
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}
	if err := sched.Shutdown(); err != nil {
		log.Error("scheduler shutdown failed", "error", err)
	}
	hub.Close()
	if err := games.Stop(shutdownCtx); err != nil {
		log.Error("registry stop failed", "error", err)
	}

	log.Info("server stopped")
	return nil
}

// setupPostgres 執行遷移並建立連線池
func setupPostgres(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	dsn := cfg.PostgresDSN()

	migrator, err := migrations.New(dsn, log)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	upErr := migrator.Up()
	if err := migrator.Close(); err != nil {
		log.Warn("close migrator failed", "error", err)
	}
	if upErr != nil {
		return nil, fmt.Errorf("run migrations: %w", upErr)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log.Info("postgres connected", "host", cfg.Postgres.Host, "database", cfg.Postgres.DBName)
	return pool, nil
}

// setupRedis 建立 Redis 客戶端並確認連線
func setupRedis(ctx context.Context, cfg *config.Config, log *slog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info("redis connected", "addr", cfg.Redis.Addr)
	return rdb, nil
}

func drainNATS(nc *nats.Conn, log *slog.Logger) {
	if err := nc.Drain(); err != nil {
		log.Warn("drain nats failed", "error", err)
	}
}
