package messaging

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Queue message types. The envelope is a tagged union on "type".
const (
	TypeOrderIngest      = "ORDER_INGEST"
	TypeOrderAutoApprove = "ORDER_AUTO_APPROVE"
	TypeOrderAutoAssign  = "ORDER_AUTO_ASSIGN"
)

// Envelope carries only the discriminator; consumers re-unmarshal the body
// into the concrete message once the type is known.
type Envelope struct {
	Type string `json:"type"`
}

// OrderIngestMessage is the canonical ingestion message published by the
// webhook layer after authentication and deduplication.
type OrderIngestMessage struct {
	Type          string          `json:"type"`
	Platform      string          `json:"platform"`
	EventType     string          `json:"eventType"`
	ReceivedAt    string          `json:"receivedAt"`
	Payload       json.RawMessage `json:"payload"`
	IntegrationID uuid.UUID       `json:"integrationId"`
	RestaurantID  uuid.UUID       `json:"restaurantId"`
	TenantID      uuid.UUID       `json:"tenantId"`
}

// Validate checks the required fields of an ingestion message.
func (m *OrderIngestMessage) Validate() error {
	if m.Platform == "" || m.EventType == "" {
		return errors.New("ingest message missing platform or event type")
	}
	if m.IntegrationID == uuid.Nil || m.RestaurantID == uuid.Nil || m.TenantID == uuid.Nil {
		return errors.New("ingest message missing identifiers")
	}
	return nil
}

// OrderAutoApproveMessage triggers the outbound approval call-out.
type OrderAutoApproveMessage struct {
	Type          string    `json:"type"`
	Platform      string    `json:"platform"`
	OrderID       uuid.UUID `json:"orderId"`
	IntegrationID uuid.UUID `json:"integrationId"`
	TenantID      uuid.UUID `json:"tenantId"`
	Attempt       int       `json:"attempt"`
}

// Validate checks the required fields of an auto-approve message.
func (m *OrderAutoApproveMessage) Validate() error {
	if m.Platform == "" || m.OrderID == uuid.Nil || m.IntegrationID == uuid.Nil {
		return errors.New("auto-approve message missing fields")
	}
	return nil
}

// OrderAutoAssignMessage forwards an order to its tenant's dispatch engine.
type OrderAutoAssignMessage struct {
	Type     string    `json:"type"`
	TenantID uuid.UUID `json:"tenantId"`
	OrderID  uuid.UUID `json:"orderId"`
}

// Validate checks the required fields of an auto-assign message.
func (m *OrderAutoAssignMessage) Validate() error {
	if m.TenantID == uuid.Nil || m.OrderID == uuid.Nil {
		return errors.New("auto-assign message missing identifiers")
	}
	return nil
}

// Publisher sends messages to the order queue. The Azure Service Bus
// sender implements it in production; tests substitute an in-memory one.
type Publisher interface {
	Publish(ctx context.Context, body interface{}) error
}
