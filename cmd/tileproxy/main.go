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

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/blob"
	"github.com/rmax-ai/lampchain/pkg/tileproxy"
)

type config struct {
	Port          string        `env:"PORT" envDefault:"8081"`
	Key           string        `env:"MAPMYINDIA_KEY"`
	BaseURL       string        `env:"MAPMYINDIA_BASE_URL"`
	CacheDir      string        `env:"TILE_CACHE_DIR"`
	CacheMaxAge   time.Duration `env:"TILE_CACHE_MAX_AGE" envDefault:"168h"`
	PruneInterval time.Duration `env:"TILE_CACHE_PRUNE_INTERVAL" envDefault:"1h"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func newMux(p *tileproxy.Proxy) *http.ServeMux {
	mux := http.NewServeMux()
	p.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tileproxy: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("invalid_config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []tileproxy.Option{
		tileproxy.WithBaseURL(cfg.BaseURL),
		tileproxy.WithLogger(logger),
	}
	if cfg.CacheDir != "" {
		cache := blob.NewLocalStore(cfg.CacheDir, blob.WithMaxAge(cfg.CacheMaxAge))
		opts = append(opts, tileproxy.WithCache(cache))
		go cache.PruneLoop(ctx, cfg.PruneInterval, logger)
		logger.Info("tile cache enabled", zap.String("dir", cfg.CacheDir), zap.Duration("max_age", cfg.CacheMaxAge))
	}

	p, err := tileproxy.New(cfg.Key, opts...)
	if err != nil {
		logger.Fatal("invalid_config", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newMux(p),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("tile proxy running", zap.String("port", cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server_failed", zap.Error(err))
	}
}
