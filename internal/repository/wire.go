package repository

import (
	"github.com/google/wire"
)

// ProviderSet provides the storage layer for wire.
var ProviderSet = wire.NewSet(
	Open,
	NewRedisClient,
	NewCredentialCache,
	NewTenantRepository,
	NewCredentialRepository,
	NewAgentRepository,
	NewSessionRepository,
	NewMessageRepository,
	NewAttemptRepository,
	NewUsageRepository,
	NewUsageRollupRepository,
	NewIdempotencyRepository,
)
