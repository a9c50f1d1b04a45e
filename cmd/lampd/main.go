package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rmax-ai/lampchain/pkg/api"
	"github.com/rmax-ai/lampchain/pkg/blob"
	"github.com/rmax-ai/lampchain/pkg/lamp"
	"github.com/rmax-ai/lampchain/pkg/store"
	redisstore "github.com/rmax-ai/lampchain/pkg/store/redis"
	supabasestore "github.com/rmax-ai/lampchain/pkg/store/supabase"
	"github.com/rmax-ai/lampchain/pkg/tileproxy"
)

var version = "dev"

const (
	tileCacheMaxAge        = 7 * 24 * time.Hour
	tileCachePruneInterval = time.Hour
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "lampd: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lampd: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("lampd_failed", zap.Error(err))
	}
}

func newLogger(format string) (*zap.Logger, error) {
	if format == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg Config, logger *zap.Logger) error {
	logger = logger.With(zap.String("component", "lampd"))
	logger.Info("system_started", zap.String("version", version), zap.String("store", cfg.Store))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closer, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Error("failed_to_close_store", zap.Error(err))
		} else {
			logger.Info("store_closed")
		}
	}()

	mode, _ := api.ParseOriginMode(cfg.OriginMode)
	srv, err := api.NewServer(st, api.Config{
		Addr:           cfg.Addr,
		OriginMode:     mode,
		TrustProxy:     cfg.TrustProxy,
		WriteRate:      cfg.WriteRate,
		WriteBurst:     cfg.WriteBurst,
		MetricsEnabled: cfg.MetricsEnabled,
		Version:        version,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to init api server: %w", err)
	}

	tiles, tileCache, err := newTileProxy(cfg, logger)
	if err != nil {
		return err
	}
	if tiles != nil {
		srv.Mount(tileproxy.Pattern, tiles)
		logger.Info("tile_proxy_enabled", zap.Bool("cache", tileCache != nil))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start()
	})
	if tileCache != nil {
		g.Go(func() error {
			return tileCache.PruneLoop(gctx, tileCachePruneInterval, logger.Named("tilecache"))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop api server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown_complete")
	return nil
}

// newTileProxy builds the embedded tile proxy, or nil when no key is set.
// The returned cache, when non-nil, must be pruned by the caller.
func newTileProxy(cfg Config, logger *zap.Logger) (*tileproxy.Proxy, *blob.LocalStore, error) {
	if cfg.MapMyIndiaKey == "" {
		return nil, nil, nil
	}
	opts := []tileproxy.Option{tileproxy.WithLogger(logger.Named("tileproxy"))}
	var cache *blob.LocalStore
	if cfg.TileCacheDir != "" {
		cache = blob.NewLocalStore(cfg.TileCacheDir, blob.WithMaxAge(tileCacheMaxAge))
		opts = append(opts, tileproxy.WithCache(cache))
	}
	p, err := tileproxy.New(cfg.MapMyIndiaKey, opts...)
	if err != nil {
		return nil, nil, err
	}
	return p, cache, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openStore returns the configured backend and the resources to release
// on shutdown.
func openStore(ctx context.Context, cfg Config, logger *zap.Logger) (lamp.Store, io.Closer, error) {
	policy, _ := lamp.ParseEdgePolicy(cfg.EdgePolicy)

	switch cfg.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		st := redisstore.NewStore(client,
			redisstore.WithPrefix(cfg.RedisPrefix),
			redisstore.WithEdgePolicy(policy),
			redisstore.WithLogger(logger.Named("redis")),
		)
		logger.Info("store_initialized", zap.String("backend", "redis"), zap.String("addr", cfg.RedisAddr))
		return st, client, nil

	case "supabase":
		st, err := supabasestore.NewStore(cfg.SupabaseURL, cfg.SupabaseKey,
			supabasestore.WithPollInterval(cfg.SupabasePollInterval),
			supabasestore.WithEdgePolicy(policy),
			supabasestore.WithLogger(logger.Named("supabase")),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init supabase store: %w", err)
		}
		go st.Start(ctx)
		logger.Info("store_initialized", zap.String("backend", "supabase"), zap.String("url", cfg.SupabaseURL))
		return st, closerFunc(func() error { return nil }), nil

	default:
		st, err := store.NewStore(cfg.DBPath, store.WithEdgePolicy(policy))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init sqlite store: %w", err)
		}
		logger.Info("store_initialized", zap.String("backend", "sqlite"), zap.String("path", cfg.DBPath))
		return st, st, nil
	}
}
