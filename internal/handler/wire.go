package handler

import (
	"github.com/google/wire"
)

// Handlers bundles everything the router mounts.
type Handlers struct {
	Gateway *GatewayHandler
	Agent   *AgentHandler
	Session *SessionHandler
	Usage   *UsageHandler
	Pricing *PricingHandler
	System  *SystemHandler
}

func ProvideHandlers(
	gatewayHandler *GatewayHandler,
	agentHandler *AgentHandler,
	sessionHandler *SessionHandler,
	usageHandler *UsageHandler,
	pricingHandler *PricingHandler,
	systemHandler *SystemHandler,
) *Handlers {
	return &Handlers{
		Gateway: gatewayHandler,
		Agent:   agentHandler,
		Session: sessionHandler,
		Usage:   usageHandler,
		Pricing: pricingHandler,
		System:  systemHandler,
	}
}

// ProviderSet is the wire provider set for all handlers.
var ProviderSet = wire.NewSet(
	NewGatewayHandler,
	NewAgentHandler,
	NewSessionHandler,
	NewUsageHandler,
	NewPricingHandler,
	NewSystemHandler,
	ProvideHandlers,
)
