// Package credential handles the short-lived session grants that let a
// kiosk, table, or drive-through client open a realtime voice session
// without ever holding the platform's API key.
//
// The server side ([Issuer]) mints an ephemeral realtime secret from the
// provider and pairs it with the restaurant's current menu snapshot. The
// client side ([Client]) fetches that grant over HTTP and satisfies the
// session engine's credential interface.
package credential

import (
	"time"

	"github.com/platevoice/platevoice/internal/menu"
	"github.com/platevoice/platevoice/pkg/realtime"
)

// GrantTTL is the maximum lifetime of an issued credential. The provider
// may return a shorter expiry; it never gets extended past this.
const GrantTTL = 60 * time.Second

// GrantCredential is the wire form of a minted session credential.
type GrantCredential struct {
	Token     string    `json:"token"`
	Model     string    `json:"model"`
	BaseURL   string    `json:"base_url,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Grant is the response body of the credential endpoint: an ephemeral
// credential plus the menu snapshot the session must be configured with.
type Grant struct {
	Credential GrantCredential `json:"credential"`
	Menu       menu.Snapshot   `json:"menu"`
}

// GrantRequest is the request body of the credential endpoint.
type GrantRequest struct {
	RestaurantID string `json:"restaurant_id"`
	Context      string `json:"context"`
}

// realtimeCredential converts the wire form into the transport's type.
func (g GrantCredential) realtimeCredential() realtime.Credential {
	return realtime.Credential{
		Token:     g.Token,
		Model:     g.Model,
		BaseURL:   g.BaseURL,
		ExpiresAt: g.ExpiresAt,
	}
}
