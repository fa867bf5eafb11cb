package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/backend"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/config"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/credstore"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/domain"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/events"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/gateway"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/observability"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/push"
	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/session"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := credstore.New(cfg.Store.Path, cfg.Store.Passphrase, logger)
	if err != nil {
		logger.Fatal("failed to open credential store", zap.Error(err))
	}

	dispatcher := events.NewInMemoryDispatcher()
	metrics := observability.NewMetrics()

	machine := session.NewMachine(store, dispatcher, logger)
	httpClient := &http.Client{}

	coordinator := session.NewCoordinator(
		machine, httpClient, cfg.API.BaseURL, cfg.API.RefreshTimeout(), dispatcher, metrics, logger)

	gw := gateway.New(httpClient, gateway.Config{
		BaseURL:           cfg.API.BaseURL,
		RequestTimeout:    cfg.API.RequestTimeout(),
		BackgroundTimeout: cfg.API.BackgroundTimeout(),
	}, machine, coordinator, metrics, logger)

	api := backend.NewClient(gw, cfg.API, cfg.Push, logger)
	reconciler := push.NewReconciler(api, machine, store, dispatcher, cfg.Push, logger)
	reconciler.Start()

	svc := session.NewService(machine, api, reconciler, logger)

	// Stand-in for UI routing: surface the one-time session-expired notice.
	dispatcher.Subscribe(events.EventSessionExpired, func(_ context.Context, event events.Event) error {
		if payload, ok := event.Payload.(events.SessionExpiredPayload); ok {
			logger.Warn("session expired notice", zap.String("message", payload.Message))
		}
		return nil
	})

	if err := machine.Restore(ctx); err != nil {
		logger.Warn("session restore failed", zap.Error(err))
	}

	if machine.State() == domain.StateExpired {
		if _, err := coordinator.Refresh(ctx); err != nil {
			logger.Warn("startup refresh failed", zap.Error(err))
		}
	}

	if machine.State() != domain.StateAuthenticated && cfg.App.LoginEmail != "" {
		if _, err := svc.Login(ctx, cfg.App.LoginEmail, cfg.App.LoginPassword); err != nil {
			logger.Warn("startup login failed", zap.Error(err))
		}
	}

	if cfg.App.DeviceToken != "" {
		reconciler.SetDeviceToken(cfg.App.DeviceToken)
	}

	logger.Info("agent running",
		zap.String("device_id", cfg.App.DeviceID),
		zap.String("state", string(machine.State())))

	<-ctx.Done()
	logger.Info("shutting down")
}
