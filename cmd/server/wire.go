//go:build wireinject
// +build wireinject

package main

import (
	"log"
	"net/http"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/handler"
	"github.com/agentgate/agentgate/internal/provider"
	"github.com/agentgate/agentgate/internal/repository"
	"github.com/agentgate/agentgate/internal/server"
	"github.com/agentgate/agentgate/internal/server/middleware"
	"github.com/agentgate/agentgate/internal/service"

	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

type Application struct {
	Config  *config.Config
	Server  *http.Server
	Start   func()
	Cleanup func()
}

func initializeApplication() (*Application, error) {
	wire.Build(
		// Infrastructure layer ProviderSets
		config.ProviderSet,

		// Business layer ProviderSets
		repository.ProviderSet,
		provider.ProviderSet,
		service.ProviderSet,
		middleware.ProviderSet,
		handler.ProviderSet,

		// Server layer ProviderSet
		server.ProviderSet,

		// Lifecycle providers
		provideStart,
		provideCleanup,

		// Application struct
		wire.Struct(new(Application), "Config", "Server", "Start", "Cleanup"),
	)
	return nil, nil
}

// provideStart kicks off the background services once the graph is built.
func provideStart(
	timer *service.TimerService,
	rollup *service.UsageRollupService,
	idempotencyCleanup *service.IdempotencyCleanupService,
) func() {
	return func() {
		timer.Start()
		rollup.Start()
		idempotencyCleanup.Start()
	}
}

func provideCleanup(
	db *repository.DB,
	rdb *redis.Client,
	timer *service.TimerService,
	rollup *service.UsageRollupService,
	idempotencyCleanup *service.IdempotencyCleanupService,
) func() {
	return func() {
		// Cleanup steps in reverse dependency order
		cleanupSteps := []struct {
			name string
			fn   func() error
		}{
			{"IdempotencyCleanupService", func() error {
				if idempotencyCleanup != nil {
					idempotencyCleanup.Stop()
				}
				return nil
			}},
			{"UsageRollupService", func() error {
				if rollup != nil {
					rollup.Stop()
				}
				return nil
			}},
			{"TimerService", func() error {
				if timer != nil {
					timer.Stop()
				}
				return nil
			}},
			{"Redis", func() error {
				if rdb == nil {
					return nil
				}
				return rdb.Close()
			}},
			{"Database", func() error {
				return db.Close()
			}},
		}

		for _, step := range cleanupSteps {
			if err := step.fn(); err != nil {
				log.Printf("[Cleanup] %s failed: %v", step.name, err)
				// Continue with remaining cleanup steps even if one fails
			} else {
				log.Printf("[Cleanup] %s succeeded", step.name)
			}
		}
	}
}
