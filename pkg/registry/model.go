package registry

import "time"

// Variant separates the two provider integrations sharing one table.
type Variant string

const (
	// VariantCompliance is the identity-tenant compliance-partner integration.
	VariantCompliance Variant = "compliance"
	// VariantEMM is the enterprise-mobility enrollment-token integration.
	VariantEMM Variant = "emm"
)

// Registration binds one customer-hosted server instance to one external
// provider identity. TenantID is the provider-assigned identifier: an
// identity-tenant id for the compliance variant, an enterprise id for EMM.
type Registration struct {
	ID       string // uuid
	Variant  Variant
	TenantID string

	// OriginURL is the base URL of the customer server that owns this
	// registration; (variant, origin) is unique.
	OriginURL string

	// ServerSecret is generated once at creation and shown exactly once.
	// Reissue means delete and recreate.
	ServerSecret string

	// SetupCompleted flips true after consent plus the first successful sync.
	// Monotonic; never reset.
	SetupCompleted bool

	// AdminConsented is set only by a correlated redirect callback.
	AdminConsented bool

	// PendingConsentToken is present only while a consent flow is
	// outstanding; consumed (cleared) by a matching callback.
	PendingConsentToken string

	// Provider credentials obtained by the token broker; never supplied by
	// the customer server.
	AccessToken          string
	RefreshToken         string
	AccessTokenExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
