package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/crypto"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"
)

// Migros webhook event types.
const (
	EventMigrosOrderCreated          = "orderCreated"
	EventMigrosOrderCanceled         = "orderCanceled"
	EventMigrosDeliveryStatusChanged = "deliveryStatusChanged"
)

// MigrosStatusApproved is the orderStatus literal the migros API expects;
// their casing, not ours.
const MigrosStatusApproved = "Approved"

// MigrosOrderCreatedPayload is the orderCreated webhook shape.
type MigrosOrderCreatedPayload struct {
	ID    string `json:"id" binding:"required"`
	Store struct {
		ID string `json:"id" binding:"required"`
	} `json:"store" binding:"required"`
	Status           string  `json:"status"`
	DeliveryProvider *string `json:"deliveryProvider"`
}

// MigrosOrderCanceledPayload is the orderCanceled webhook shape. The
// provider uses Pascal-cased field names on this event only.
type MigrosOrderCanceledPayload struct {
	OrderID string `json:"OrderId" binding:"required"`
	StoreID string `json:"StoreId" binding:"required"`
}

// MigrosDeliveryStatusChangedPayload is the deliveryStatusChanged shape.
type MigrosDeliveryStatusChangedPayload struct {
	OrderID        string `json:"orderId" binding:"required"`
	StoreID        string `json:"storeId" binding:"required"`
	DeliveryStatus string `json:"deliveryStatus" binding:"required"`
}

type migrosExtractor struct{}

func (migrosExtractor) Extract(eventType string, payload []byte) (CanonicalFields, bool) {
	switch eventType {
	case EventMigrosOrderCreated:
		var body MigrosOrderCreatedPayload
		if err := json.Unmarshal(payload, &body); err != nil || body.ID == "" {
			return CanonicalFields{}, false
		}
		status := body.Status
		if status == "" {
			status = models.OrderStatusNewPending
		}
		return CanonicalFields{PlatformOrderID: body.ID, Status: status, DeliveryProvider: body.DeliveryProvider}, true

	case EventMigrosOrderCanceled:
		var body MigrosOrderCanceledPayload
		if err := json.Unmarshal(payload, &body); err != nil || body.OrderID == "" {
			return CanonicalFields{}, false
		}
		return CanonicalFields{PlatformOrderID: body.OrderID, Status: models.OrderStatusCancelled}, true

	case EventMigrosDeliveryStatusChanged:
		var body MigrosDeliveryStatusChangedPayload
		if err := json.Unmarshal(payload, &body); err != nil || body.OrderID == "" {
			return CanonicalFields{}, false
		}
		status := body.DeliveryStatus
		if status == "" {
			status = "DELIVERY"
		}
		return CanonicalFields{PlatformOrderID: body.OrderID, Status: status}, true
	}

	return CanonicalFields{}, false
}

// MigrosClient calls the migros outbound API. The provider requires the
// JSON body to be block-cipher encrypted before transport encoding.
type MigrosClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewMigrosClient creates a migros outbound client. baseURL is the default
// used when the integration's credentials carry none.
func NewMigrosClient(httpClient *http.Client, baseURL string) *MigrosClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &MigrosClient{httpClient: httpClient, baseURL: baseURL}
}

// UpdateOrderStatus marks an order approved on the migros side.
func (c *MigrosClient) UpdateOrderStatus(ctx context.Context, creds OutboundCredentials, platformOrderID, orderStatus string) error {
	if creds.RestaurantAPIKey == "" || creds.SecretKey == "" {
		return apperrors.New(apperrors.CodeConflict, "integration is missing migros outbound credentials")
	}

	body, err := json.Marshal(map[string]string{
		"orderId":     platformOrderID,
		"orderStatus": orderStatus,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal migros body")
	}

	value, err := crypto.EncryptProviderBody(body, creds.SecretKey)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal migros envelope")
	}

	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = c.baseURL
	}

	url := baseURL + "/Order/v2/UpdateOrderStatus"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeUpstream, "failed to build migros request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("XApiKey", creds.RestaurantAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeUpstream, "migros call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apperrors.New(apperrors.CodeUpstream, fmt.Sprintf("migros returned status %d", resp.StatusCode))
	}
	return nil
}
