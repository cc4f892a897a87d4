// Package ctxkey defines typed keys for context.Value (staticcheck SA1029).
package ctxkey

type Key string

const (
	// RequestID is the server-generated or inbound request correlation id.
	RequestID Key = "ctx_request_id"

	// TenantID is the tenant resolved by the API-key auth middleware.
	TenantID Key = "ctx_tenant_id"

	// CredentialID is the credential row that authenticated the request.
	CredentialID Key = "ctx_credential_id"

	// IdempotencyKey is the client-supplied key for the current send, used
	// in request-chain log fields.
	IdempotencyKey Key = "ctx_idempotency_key"

	// Vendor is the provider that ultimately answered the request.
	Vendor Key = "ctx_vendor"
)
