package providers

import (
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"
)

// CanonicalFields is the platform-agnostic triple every provider payload is
// normalized into before the order upsert.
type CanonicalFields struct {
	PlatformOrderID  string
	Status           string
	DeliveryProvider *string
}

// Extractor maps one provider's event payloads to canonical fields. The set
// of extractors is closed: one per supported platform, looked up by name.
// Unmapped platforms or event types yield ok=false and the pipeline records
// nothing for them.
type Extractor interface {
	Extract(eventType string, payload []byte) (CanonicalFields, bool)
}

var extractors = map[string]Extractor{
	models.PlatformGetir:  getirExtractor{},
	models.PlatformMigros: migrosExtractor{},
}

// ForPlatform returns the extractor for a platform, if one exists.
func ForPlatform(platform string) (Extractor, bool) {
	e, ok := extractors[platform]
	return e, ok
}

// IsDeliveryTransition reports whether an event type signals a
// courier/delivery status change rather than an order lifecycle change.
func IsDeliveryTransition(platform, eventType string) bool {
	return platform == models.PlatformMigros && eventType == EventMigrosDeliveryStatusChanged
}

// InboundCredentials is the decrypted inbound-auth blob shape used to
// verify webhook callers.
type InboundCredentials struct {
	XAPIKey   string `json:"x_api_key"`
	BasicAuth string `json:"basic_auth"`
}

// OutboundCredentials is the decrypted outbound blob shape. Which fields
// are present depends on the platform: a static token with its own expiry,
// an OAuth2 client-credentials config, or the migros api-key/secret pair.
type OutboundCredentials struct {
	AccessToken      string `json:"access_token,omitempty"`
	ExpiresAt        int64  `json:"expires_at,omitempty"` // unix millis
	TokenURL         string `json:"token_url,omitempty"`
	ClientID         string `json:"client_id,omitempty"`
	ClientSecret     string `json:"client_secret,omitempty"`
	BaseURL          string `json:"base_url,omitempty"`
	RestaurantAPIKey string `json:"restaurant_api_key,omitempty"`
	SecretKey        string `json:"secret_key,omitempty"`
}
