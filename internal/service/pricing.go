package service

import (
	"fmt"
	"math"

	"github.com/agentgate/agentgate/internal/domain"
)

// usdPer1kTokens is the wire-visible price table. Clients see these values
// verbatim through the management plane; usage events are priced from the
// same table so the two can never drift.
var usdPer1kTokens = map[string]float64{
	domain.ProviderVendorA: 0.002,
	domain.ProviderVendorB: 0.003,
}

// ProviderRate returns the USD-per-1k-tokens rate for a provider. An
// unknown provider is a wiring bug, not vendor weather, and fails loudly.
func ProviderRate(provider string) (float64, error) {
	rate, ok := usdPer1kTokens[provider]
	if !ok {
		return 0, fmt.Errorf("no pricing rate for provider %q", provider)
	}
	return rate, nil
}

// CostUSD prices a completed send: round6((tokensIn+tokensOut)/1000 * rate),
// rounded half-to-even at six decimal places.
func CostUSD(provider string, tokensIn, tokensOut int) (float64, error) {
	rate, err := ProviderRate(provider)
	if err != nil {
		return 0, err
	}
	if tokensIn < 0 || tokensOut < 0 {
		return 0, fmt.Errorf("negative token counts: in=%d out=%d", tokensIn, tokensOut)
	}
	raw := float64(tokensIn+tokensOut) / 1000 * rate
	return round6(raw), nil
}

func round6(v float64) float64 {
	return math.RoundToEven(v*1e6) / 1e6
}

// PricingService surfaces the immutable price table to the management plane.
type PricingService struct{}

func NewPricingService() *PricingService {
	return &PricingService{}
}

// Rates returns a copy of the table; callers cannot mutate pricing.
func (s *PricingService) Rates() map[string]float64 {
	out := make(map[string]float64, len(usdPer1kTokens))
	for provider, rate := range usdPer1kTokens {
		out[provider] = rate
	}
	return out
}
