package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Supported delivery platforms.
const (
	PlatformGetir       = "getir"
	PlatformMigros      = "migros"
	PlatformYemeksepeti = "yemeksepeti"
)

// Order status values. Provider-reported delivery statuses are passed
// through verbatim on delivery status changes, so this list is not closed.
const (
	OrderStatusReceived   = "RECEIVED"
	OrderStatusNewPending = "NEW_PENDING"
	OrderStatusApproved   = "APPROVED"
	OrderStatusAssigned   = "ASSIGNED"
	OrderStatusCancelled  = "CANCELLED"
)

// Courier status values.
const (
	CourierStatusOnline  = "online"
	CourierStatusOffline = "offline"
	CourierStatusBreak   = "break"
)

// Assignment status values. Transitions past "assigned" are driven by the
// courier app, not by the dispatch engine.
const (
	AssignmentStatusAssigned = "assigned"
	AssignmentStatusAccepted = "accepted"
	AssignmentStatusRejected = "rejected"
)

// Order event types, append-only audit trail.
const (
	EventWebhookReceived       = "WEBHOOK_RECEIVED"
	EventDeliveryStatusChanged = "DELIVERY_STATUS_CHANGED"
	EventAutoApproveSucceeded  = "AUTO_APPROVE_SUCCEEDED"
	EventAutoAssignSucceeded   = "AUTO_ASSIGN_SUCCEEDED"
)

// Tenant is the top-level isolation unit owning restaurants and couriers.
type Tenant struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Name      string         `gorm:"not null" json:"name"`
}

// Restaurant belongs to exactly one tenant and carries the coordinates the
// dispatch engine measures courier distance against.
type Restaurant struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name      string         `gorm:"not null" json:"name"`
	Lat       float64        `gorm:"not null" json:"lat"`
	Lon       float64        `gorm:"not null" json:"lon"`
	Tenant    Tenant         `gorm:"foreignKey:TenantID" json:"-"`
}

// Integration is one provider connection for one restaurant. Credential
// blobs are envelope-encrypted and replaced wholesale on update.
type Integration struct {
	ID                   uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt            time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"-"`
	RestaurantID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"restaurant_id"`
	Platform             string         `gorm:"not null;uniqueIndex:idx_platform_restaurant" json:"platform"`
	PlatformRestaurantID string         `gorm:"not null;uniqueIndex:idx_platform_restaurant" json:"platform_restaurant_id"`
	InboundAuthCipher    *string        `gorm:"column:inbound_auth_ciphertext" json:"-"`
	OutboundCredCipher   *string        `gorm:"column:outbound_cred_ciphertext" json:"-"`
	AutoApprove          bool           `gorm:"not null;default:false" json:"auto_approve"`
	AutoPrint            bool           `gorm:"not null;default:false" json:"auto_print"`
	Restaurant           Restaurant     `gorm:"foreignKey:RestaurantID" json:"-"`
}

// Order is the canonical record every provider webhook is normalized into.
// The (platform, platform_order_id) pair is the upsert conflict key.
type Order struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	RestaurantID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"restaurant_id"`
	Platform         string         `gorm:"not null;uniqueIndex:idx_platform_order" json:"platform"`
	PlatformOrderID  string         `gorm:"not null;uniqueIndex:idx_platform_order" json:"platform_order_id"`
	Status           string         `gorm:"not null" json:"status"`
	DeliveryProvider *string        `json:"delivery_provider"`
	RawPayload       []byte         `gorm:"type:jsonb" json:"-"`
}

// OrderEvent is an append-only log entry; rows are never mutated or
// deleted. It is both the audit trail and the stream replay source.
type OrderEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	OrderID   uuid.UUID `gorm:"type:uuid;not null;index" json:"order_id"`
	Type      string    `gorm:"not null" json:"type"`
	Payload   []byte    `gorm:"type:jsonb" json:"payload"`
}

// WebhookReceipt is the idempotency gate: the row is inserted before any
// processing and a unique violation on (platform, dedupe_key) marks the
// event as a duplicate.
type WebhookReceipt struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Platform   string    `gorm:"not null;uniqueIndex:idx_platform_dedupe" json:"platform"`
	DedupeKey  string    `gorm:"not null;uniqueIndex:idx_platform_dedupe" json:"dedupe_key"`
	ReceivedAt time.Time `gorm:"autoCreateTime" json:"received_at"`
}

// Courier belongs to a tenant. Positions come from the CourierLocation log,
// not from the courier row itself.
type Courier struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
	TenantID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name              string         `gorm:"not null" json:"name"`
	Status            string         `gorm:"not null;default:offline" json:"status"`
	AutoAssignEnabled bool           `gorm:"not null;default:false" json:"auto_assign_enabled"`
	Tenant            Tenant         `gorm:"foreignKey:TenantID" json:"-"`
}

// CourierLocation is an append-only position log; the newest row per
// courier is the position used for dispatch scoring.
type CourierLocation struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CourierID  uuid.UUID `gorm:"type:uuid;not null;index" json:"courier_id"`
	Lat        float64   `gorm:"not null" json:"lat"`
	Lon        float64   `gorm:"not null" json:"lon"`
	RecordedAt time.Time `gorm:"not null;index" json:"recorded_at"`
}

// Assignment is created exactly once per successful dispatch decision.
type Assignment struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID    uuid.UUID `gorm:"type:uuid;not null;index" json:"order_id"`
	CourierID  uuid.UUID `gorm:"type:uuid;not null;index" json:"courier_id"`
	Status     string    `gorm:"not null;default:assigned" json:"status"`
	AssignedAt time.Time `gorm:"autoCreateTime" json:"assigned_at"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Tenant{},
		&Restaurant{},
		&Integration{},
		&Order{},
		&OrderEvent{},
		&WebhookReceipt{},
		&Courier{},
		&CourierLocation{},
		&Assignment{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
