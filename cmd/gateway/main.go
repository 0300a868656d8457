package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atmx/trade-gateway/internal/api"
	"github.com/atmx/trade-gateway/internal/broker"
	"github.com/atmx/trade-gateway/internal/broker/paper"
	"github.com/atmx/trade-gateway/internal/broker/wsfeed"
	"github.com/atmx/trade-gateway/internal/config"
	"github.com/atmx/trade-gateway/internal/gateway"
	"github.com/atmx/trade-gateway/internal/marketdata"
	"github.com/atmx/trade-gateway/internal/metrics"
	"github.com/atmx/trade-gateway/internal/store"
)

func main() {
	configFile := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configFile, ".env")
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log)

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	var mirror marketdata.TickMirror

	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Postgres.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis.url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			mirror = store.NewRedisTickMirror(rdb, cfg.MarketData.MirrorTTL)
			slog.Info("Redis cache and tick mirror enabled")
		}
	} else {
		slog.Warn("postgres.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if len(cfg.Kafka.Brokers) > 0 {
		w := store.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() { w.Close() })
		st = store.NewJournalStore(st, w)
		slog.Info("Kafka journal enabled", "topic", cfg.Kafka.Topic)
	}

	// --- Brokerage ---
	up := paper.New(cfg.Broker.LoginURL, cfg.Broker.TokenTTL)
	var market broker.MarketDataSource = up
	if cfg.Broker.Mode == config.ModeWSFeed {
		src, err := wsfeed.New(cfg.Broker.FeedURL, cfg.Broker.HandshakeTimeout)
		if err != nil {
			slog.Error("invalid broker.feed_url", "err", err)
			os.Exit(1)
		}
		market = src
	}
	slog.Info("brokerage configured", "mode", cfg.Broker.Mode)

	// --- Gateway ---
	gcfg, err := gateway.FromConfig(cfg)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	gw := gateway.New(gateway.Deps{
		Auth:   up,
		Orders: up,
		Market: market,
		Store:  st,
		Mirror: mirror,
	}, gcfg)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = gw.Start(startCtx)
	cancel()
	if err != nil {
		slog.Error("gateway start failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))
		api.NewHandler(gw).Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		slog.Info("trade-gateway listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down trade-gateway...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := gw.Stop(ctx); err != nil {
		slog.Error("gateway stop error", "err", err)
	}
	slog.Info("trade-gateway stopped")
}

// setupLogging installs the JSON handler as the default logger, teeing to
// a rotating file when log.file is set.
func setupLogging(c config.LogConfig) {
	level, _ := config.ParseLevel(c.Level)
	var out io.Writer = os.Stdout
	if c.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   true,
		})
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
