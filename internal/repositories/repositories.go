package repositories

import (
	"context"
	"time"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/cache"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const integrationCacheTTL = 5 * time.Minute

// IntegrationRepository provides access to integration records with a
// cache-aside layer on the webhook hot path lookup.
type IntegrationRepository struct {
	db    *gorm.DB
	cache *cache.RedisCache
}

// NewIntegrationRepository creates a new integration repository
func NewIntegrationRepository(db *gorm.DB, c *cache.RedisCache) *IntegrationRepository {
	return &IntegrationRepository{db: db, cache: c}
}

// GetByPlatformRestaurant resolves an integration by its unique
// (platform, platform_restaurant_id) pair.
func (r *IntegrationRepository) GetByPlatformRestaurant(ctx context.Context, platform, platformRestaurantID string) (*models.Integration, error) {
	key := cache.IntegrationCacheKey(platform, platformRestaurantID)

	var cached models.Integration
	if err := r.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	var integration models.Integration
	err := r.db.WithContext(ctx).
		Where("platform = ? AND platform_restaurant_id = ?", platform, platformRestaurantID).
		First(&integration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "integration not found")
		}
		return nil, errors.Wrap(err, "failed to get integration")
	}

	if err := r.cache.Set(ctx, key, &integration, integrationCacheTTL); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache integration")
	}

	return &integration, nil
}

// GetByID gets an integration by primary key.
func (r *IntegrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	var integration models.Integration
	err := r.db.WithContext(ctx).First(&integration, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "integration not found")
		}
		return nil, errors.Wrap(err, "failed to get integration by id")
	}
	return &integration, nil
}

// UpdateInboundCipher replaces the integration's inbound credential blob
// wholesale and invalidates the lookup cache.
func (r *IntegrationRepository) UpdateInboundCipher(ctx context.Context, id uuid.UUID, ciphertext string) error {
	return r.updateCipherColumn(ctx, id, "inbound_auth_ciphertext", ciphertext)
}

// UpdateOutboundCipher replaces the integration's outbound credential blob
// wholesale and invalidates the lookup cache.
func (r *IntegrationRepository) UpdateOutboundCipher(ctx context.Context, id uuid.UUID, ciphertext string) error {
	return r.updateCipherColumn(ctx, id, "outbound_cred_ciphertext", ciphertext)
}

func (r *IntegrationRepository) updateCipherColumn(ctx context.Context, id uuid.UUID, column, ciphertext string) error {
	integration, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	err = r.db.WithContext(ctx).
		Model(&models.Integration{}).
		Where("id = ?", id).
		Update(column, ciphertext).Error
	if err != nil {
		return errors.Wrap(err, "failed to update integration credentials")
	}

	key := cache.IntegrationCacheKey(integration.Platform, integration.PlatformRestaurantID)
	return r.cache.Delete(ctx, key)
}

// RestaurantRepository provides access to restaurant data
type RestaurantRepository struct {
	db *gorm.DB
}

// NewRestaurantRepository creates a new restaurant repository
func NewRestaurantRepository(db *gorm.DB) *RestaurantRepository {
	return &RestaurantRepository{db: db}
}

// GetByID gets a restaurant by ID
func (r *RestaurantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Restaurant, error) {
	var restaurant models.Restaurant
	err := r.db.WithContext(ctx).First(&restaurant, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "restaurant not found")
		}
		return nil, errors.Wrap(err, "failed to get restaurant by id")
	}
	return &restaurant, nil
}

// ReceiptRepository provides the webhook idempotency gate.
type ReceiptRepository struct {
	db *gorm.DB
}

// NewReceiptRepository creates a new receipt repository
func NewReceiptRepository(db *gorm.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

// Insert records a webhook receipt. A unique violation on
// (platform, dedupe_key) is returned as a DUPLICATE error: the event was
// already processed and must be dropped without side effects.
func (r *ReceiptRepository) Insert(ctx context.Context, platform, dedupeKey string) error {
	receipt := &models.WebhookReceipt{
		ID:        uuid.New(),
		Platform:  platform,
		DedupeKey: dedupeKey,
	}
	err := r.db.WithContext(ctx).Create(receipt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperrors.New(apperrors.CodeDuplicate, "webhook already processed")
		}
		return errors.Wrap(err, "failed to insert webhook receipt")
	}
	return nil
}

// OrderRepository owns Order rows; only the pipeline writes through it.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Upsert inserts or updates an order using (platform, platform_order_id)
// as the conflict key. Repeated ingestion of the same platform order
// updates status, delivery hint, raw payload and the updated timestamp
// without creating a second row.
func (r *OrderRepository) Upsert(ctx context.Context, order *models.Order) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "platform"}, {Name: "platform_order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "delivery_provider", "raw_payload", "updated_at",
		}),
	}).Create(order).Error
	if err != nil {
		return errors.Wrap(err, "failed to upsert order")
	}
	return nil
}

// GetByID gets an order by ID
func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).First(&order, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "order not found")
		}
		return nil, errors.Wrap(err, "failed to get order by id")
	}
	return &order, nil
}

// GetScoped gets an order by ID constrained to a tenant.
func (r *OrderRepository) GetScoped(ctx context.Context, id, tenantID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "order not found")
		}
		return nil, errors.Wrap(err, "failed to get scoped order")
	}
	return &order, nil
}

// GetByPlatformOrder resolves an order by its natural key.
func (r *OrderRepository) GetByPlatformOrder(ctx context.Context, platform, platformOrderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("platform = ? AND platform_order_id = ?", platform, platformOrderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "order not found")
		}
		return nil, errors.Wrap(err, "failed to get order by platform key")
	}
	return &order, nil
}

// UpdateStatus transitions an order's status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update order status")
	}
	return nil
}

// FindStaleUnassigned lists orders that have sat without an assignment
// past the cutoff; the worker's fallback job re-fires dispatch for them.
func (r *OrderRepository) FindStaleUnassigned(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("status NOT IN ? AND updated_at < ?",
			[]string{models.OrderStatusAssigned, models.OrderStatusCancelled}, olderThan).
		Where("id NOT IN (?)", r.db.Model(&models.Assignment{}).Select("order_id")).
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale unassigned orders")
	}
	return orders, nil
}

// OrderEventRepository appends to and reads the append-only event log.
type OrderEventRepository struct {
	db *gorm.DB
}

// NewOrderEventRepository creates a new order event repository
func NewOrderEventRepository(db *gorm.DB) *OrderEventRepository {
	return &OrderEventRepository{db: db}
}

// Append writes one event row and returns it. Events are never mutated or
// deleted.
func (r *OrderEventRepository) Append(ctx context.Context, orderID uuid.UUID, eventType string, payload []byte) (*models.OrderEvent, error) {
	event := &models.OrderEvent{
		ID:        uuid.New(),
		CreatedAt: time.Now(),
		OrderID:   orderID,
		Type:      eventType,
		Payload:   payload,
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, errors.Wrap(err, "failed to append order event")
	}
	return event, nil
}

// RecentByTenant returns the newest events across a tenant, newest first.
func (r *OrderEventRepository) RecentByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.OrderEvent, error) {
	var events []models.OrderEvent
	err := r.db.WithContext(ctx).
		Joins("JOIN orders ON orders.id = order_events.order_id").
		Where("orders.tenant_id = ?", tenantID).
		Order("order_events.created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tenant events")
	}
	return events, nil
}

// RecentByRestaurant returns the newest events for one restaurant,
// newest first.
func (r *OrderEventRepository) RecentByRestaurant(ctx context.Context, restaurantID uuid.UUID, limit int) ([]models.OrderEvent, error) {
	var events []models.OrderEvent
	err := r.db.WithContext(ctx).
		Joins("JOIN orders ON orders.id = order_events.order_id").
		Where("orders.restaurant_id = ?", restaurantID).
		Order("order_events.created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list restaurant events")
	}
	return events, nil
}

// DispatchCandidate is a courier eligible for assignment together with its
// most recent known position.
type DispatchCandidate struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// CourierRepository provides courier lookups for dispatch.
type CourierRepository struct {
	db *gorm.DB
}

// NewCourierRepository creates a new courier repository
func NewCourierRepository(db *gorm.DB) *CourierRepository {
	return &CourierRepository{db: db}
}

// GetByID gets a courier by ID
func (r *CourierRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Courier, error) {
	var courier models.Courier
	err := r.db.WithContext(ctx).First(&courier, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "courier not found")
		}
		return nil, errors.Wrap(err, "failed to get courier by id")
	}
	return &courier, nil
}

// UpdateStatus transitions a courier's availability status.
func (r *CourierRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&models.Courier{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update courier status")
	}
	if result.RowsAffected == 0 {
		return apperrors.New(apperrors.CodeNotFound, "courier not found")
	}
	return nil
}

// RecordLocation appends a position report to the courier's location log.
func (r *CourierRepository) RecordLocation(ctx context.Context, courierID uuid.UUID, lat, lon float64) error {
	location := &models.CourierLocation{
		ID:         uuid.New(),
		CourierID:  courierID,
		Lat:        lat,
		Lon:        lon,
		RecordedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(location).Error; err != nil {
		return errors.Wrap(err, "failed to record courier location")
	}
	return nil
}

// ListDispatchable returns the tenant's online, auto-assign couriers
// joined with each one's newest location. Couriers without any recorded
// location are excluded by the inner join and can never be selected.
func (r *CourierRepository) ListDispatchable(ctx context.Context, tenantID uuid.UUID) ([]DispatchCandidate, error) {
	var candidates []DispatchCandidate
	err := r.db.WithContext(ctx).Raw(`
		SELECT c.id, c.name, l.lat, l.lon, l.recorded_at AS last_seen_at
		FROM couriers c
		JOIN courier_locations l ON l.id = (
			SELECT l2.id FROM courier_locations l2
			WHERE l2.courier_id = c.id
			ORDER BY l2.recorded_at DESC
			LIMIT 1
		)
		WHERE c.tenant_id = ?
		  AND c.status = ?
		  AND c.auto_assign_enabled = ?
		  AND c.deleted_at IS NULL`,
		tenantID, models.CourierStatusOnline, true).
		Scan(&candidates).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dispatchable couriers")
	}
	return candidates, nil
}

// AssignmentRepository owns Assignment rows; only the dispatch engine
// writes through it.
type AssignmentRepository struct {
	db *gorm.DB
}

// NewAssignmentRepository creates a new assignment repository
func NewAssignmentRepository(db *gorm.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// ExistsForOrder reports whether the order has ever been assigned.
// Dispatch is single-shot; an existing assignment ends the decision.
func (r *AssignmentRepository) ExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Assignment{}).
		Where("order_id = ?", orderID).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to check existing assignment")
	}
	return count > 0, nil
}

// InFlightCounts returns per-courier counts of assignments still in
// flight (assigned or accepted), used as the dispatch load tiebreak.
func (r *AssignmentRepository) InFlightCounts(ctx context.Context) (map[uuid.UUID]int, error) {
	var rows []struct {
		CourierID uuid.UUID `json:"courier_id"`
		N         int       `json:"n"`
	}
	err := r.db.WithContext(ctx).Raw(`
		SELECT courier_id, COUNT(*) AS n
		FROM assignments
		WHERE status IN (?, ?)
		GROUP BY courier_id`,
		models.AssignmentStatusAssigned, models.AssignmentStatusAccepted).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to count in-flight assignments")
	}

	counts := make(map[uuid.UUID]int, len(rows))
	for _, row := range rows {
		counts[row.CourierID] = row.N
	}
	return counts, nil
}
