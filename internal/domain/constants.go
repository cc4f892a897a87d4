package domain

// Status constants
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
	StatusArchived = "archived"
)

// Message role constants
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider constants
const (
	ProviderVendorA = "vendorA"
	ProviderVendorB = "vendorB"
)

// Attempt outcome constants
const (
	AttemptStatusSuccess = "success"
	AttemptStatusFailed  = "failed"
)

// Idempotency scope constants
const (
	IdempotencyScopeSendMessage = "send_message"
)

// MaxIdempotencyKeyLength bounds client-supplied idempotency keys.
const MaxIdempotencyKeyLength = 256

// KnownProviders lists every provider the gateway can route to, in
// registration order.
var KnownProviders = []string{ProviderVendorA, ProviderVendorB}

// IsKnownProvider reports whether name is a routable provider.
func IsKnownProvider(name string) bool {
	for _, p := range KnownProviders {
		if p == name {
			return true
		}
	}
	return false
}
