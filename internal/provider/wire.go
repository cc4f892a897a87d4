package provider

import (
	"time"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/pkg/httpclient"

	"github.com/google/wire"
)

// NewRegistryFromConfig builds the adapter registry with both vendors
// sharing one pooled upstream HTTP client. Per-attempt deadlines come from
// the caller's context, so the client itself carries no timeout.
func NewRegistryFromConfig(cfg *config.Config) *Registry {
	client := httpclient.GetClient(httpclient.Options{
		MaxIdleConnsPerHost: cfg.Providers.MaxIdleConnsPerHost,
		IdleConnTimeout:     time.Duration(cfg.Providers.IdleConnTimeoutSeconds) * time.Second,
	})

	registry := NewRegistry()
	registry.MustRegister(NewVendorAAdapter(VendorAOptions{
		BaseURL:   cfg.Providers.VendorA.BaseURL,
		APIKey:    cfg.Providers.VendorA.APIKey,
		Model:     cfg.Providers.VendorA.Model,
		MaxTokens: cfg.Providers.VendorA.MaxTokens,
		Client:    client,
	}))
	registry.MustRegister(NewVendorBAdapter(VendorBOptions{
		BaseURL:   cfg.Providers.VendorB.BaseURL,
		APIKey:    cfg.Providers.VendorB.APIKey,
		Model:     cfg.Providers.VendorB.Model,
		MaxTokens: cfg.Providers.VendorB.MaxTokens,
		Client:    client,
	}))
	return registry
}

// NewCallerFromConfig maps the configured retry policy onto a Caller.
func NewCallerFromConfig(cfg *config.Config) *Caller {
	retry := cfg.Gateway.Retry
	return NewCaller(Policy{
		MaxAttempts:       retry.MaxAttempts,
		PerAttemptTimeout: retry.PerAttemptTimeout(),
		BaseBackoff:       retry.BaseBackoff(),
		MaxBackoff:        retry.MaxBackoff(),
		JitterFraction:    retry.JitterFraction,
	})
}

// ProviderSet provides the vendor call path for wire.
var ProviderSet = wire.NewSet(
	NewRegistryFromConfig,
	NewCallerFromConfig,
	NewOrchestrator,
)
