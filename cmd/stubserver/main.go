package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/config"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/devserver"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	server, err := devserver.New(cfg.Auth, cfg.Stub, logger)
	if err != nil {
		logger.Fatal("failed to build stub server", zap.Error(err))
	}

	go func() {
		if err := server.Listen(cfg.Stub.Addr()); err != nil {
			logger.Fatal("stub server listen", zap.Error(err))
		}
	}()

	logger.Info("stub backend running",
		zap.String("addr", cfg.Stub.Addr()),
		zap.String("seed_email", cfg.Stub.SeedEmail))

	waitForShutdown(logger)
	_ = server.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
