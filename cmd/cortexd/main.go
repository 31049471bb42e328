// Command cortexd runs the Cortex knowledge engine as an HTTP daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/cortex/config"
	"github.com/becomeliminal/cortex/engine"
	"github.com/becomeliminal/cortex/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		dataDir    = flag.String("data", "", "data directory (overrides config)")
		listen     = flag.String("listen", "", "listen address (overrides config)")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	embedder, err := buildEmbedder(cfg.Embedder)
	if err != nil {
		logger.Fatal("embedder init failed", zap.Error(err))
	}

	eng, err := engine.Open(cfg.DataDir,
		engine.WithLogger(logger),
		engine.WithEmbedder(embedder),
		engine.WithSearchConfig(cfg.SearchConfig()),
		engine.WithBriefingConfig(cfg.BriefingConfig()),
		engine.WithLinkerConfig(cfg.LinkerConfig()),
	)
	if err != nil {
		logger.Fatal("engine open failed", zap.Error(err))
	}
	defer eng.Close()

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.New(eng, logger),
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
