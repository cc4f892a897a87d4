package middleware

import (
	"github.com/google/wire"
)

// ProviderSet provides the middleware constructors for wire.
var ProviderSet = wire.NewSet(
	NewAPIKeyAuthMiddleware,
)
