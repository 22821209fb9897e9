package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sultan-labs/sultan/config"
	"github.com/sultan-labs/sultan/logger"
	"github.com/sultan-labs/sultan/network"
	"github.com/sultan-labs/sultan/node"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Optional; environment variables also work without a .env file.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	log, err := logger.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting sultand",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("initial_shards", cfg.InitialShardCount))

	n, err := node.New(cfg, log)
	if err != nil {
		log.Fatal("failed to build node", zap.Error(err))
	}
	defer n.Close()

	router := network.NewRouter(n, n.Hub(), log)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router.SetupRoutes(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		errCh <- n.Run(ctx)
	}()

	log.Info("server running", zap.String("addr", cfg.ListenAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("fatal error", zap.Error(err))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("sultand stopped")
}
