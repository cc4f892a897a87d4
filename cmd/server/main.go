package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/pkg/logger"
)

func main() {
	// Bootstrap logging so config and wiring failures are visible before the
	// configured logger exists.
	logger.InitBootstrap()

	app, err := initializeApplication()
	if err != nil {
		logger.L().Fatal("initialize application", zap.Error(err))
	}

	if err := logger.Init(logger.OptionsFromConfig(app.Config.Log)); err != nil {
		logger.L().Fatal("initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	app.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("http server listening", zap.String("addr", app.Server.Addr))
		errCh <- app.Server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Error("http server failed", zap.Error(err))
		}
	}

	shutdownTimeout := 30 * time.Second
	if app.Config.Server.ShutdownTimeout > 0 {
		shutdownTimeout = time.Duration(app.Config.Server.ShutdownTimeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.Server.Shutdown(ctx); err != nil {
		logger.L().Error("graceful shutdown failed", zap.Error(err))
	}

	app.Cleanup()
	logger.L().Info("server stopped")
}
