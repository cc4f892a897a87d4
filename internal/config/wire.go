package config

import (
	"github.com/google/wire"
)

// ProviderSet provides configuration loading for wire.
var ProviderSet = wire.NewSet(Load)
