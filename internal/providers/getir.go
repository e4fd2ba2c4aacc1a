package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"

	"github.com/google/uuid"
)

// Getir webhook event types.
const (
	EventGetirNewOrder    = "newOrder"
	EventGetirCancelOrder = "cancelOrder"
)

// GetirOrderPayload is the shape shared by getir's newOrder and
// cancelOrder webhooks. Unknown fields are carried in the raw payload.
type GetirOrderPayload struct {
	ID         string `json:"id" binding:"required"`
	Restaurant struct {
		ID string `json:"id" binding:"required"`
	} `json:"restaurant" binding:"required"`
}

type getirExtractor struct{}

func (getirExtractor) Extract(eventType string, payload []byte) (CanonicalFields, bool) {
	var body GetirOrderPayload
	if err := json.Unmarshal(payload, &body); err != nil || body.ID == "" {
		return CanonicalFields{}, false
	}

	status := models.OrderStatusReceived
	if eventType == EventGetirCancelOrder {
		status = models.OrderStatusCancelled
	}

	return CanonicalFields{PlatformOrderID: body.ID, Status: status}, true
}

// TokenSource supplies a valid bearer token for an integration. The token
// broker implements it.
type TokenSource interface {
	Token(ctx context.Context, integrationID uuid.UUID) (string, error)
}

// GetirClient calls the getir outbound API with broker-issued bearer
// tokens.
type GetirClient struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

// NewGetirClient creates a getir outbound client.
func NewGetirClient(httpClient *http.Client, baseURL string, tokens TokenSource) *GetirClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GetirClient{httpClient: httpClient, baseURL: baseURL, tokens: tokens}
}

// ApproveOrder approves an order on the getir side.
func (c *GetirClient) ApproveOrder(ctx context.Context, integrationID uuid.UUID, platformOrderID string) error {
	token, err := c.tokens.Token(ctx, integrationID)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/orders/%s/approve", c.baseURL, platformOrderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeUpstream, "failed to build getir approve request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeUpstream, "getir approve call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apperrors.New(apperrors.CodeUpstream, fmt.Sprintf("getir approve returned status %d", resp.StatusCode))
	}
	return nil
}
