package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))

	return db
}

func testMasterKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func seedWorld(t *testing.T, db *gorm.DB) (*models.Tenant, *models.Restaurant, *models.Integration) {
	t.Helper()

	tenant := &models.Tenant{ID: uuid.New(), Name: "tenant"}
	require.NoError(t, db.Create(tenant).Error)

	restaurant := &models.Restaurant{
		ID:       uuid.New(),
		TenantID: tenant.ID,
		Name:     "restaurant",
		Lat:      41.0,
		Lon:      29.0,
	}
	require.NoError(t, db.Create(restaurant).Error)

	integration := &models.Integration{
		ID:                   uuid.New(),
		RestaurantID:         restaurant.ID,
		Platform:             models.PlatformGetir,
		PlatformRestaurantID: "getir-rest-1",
	}
	require.NoError(t, db.Create(integration).Error)

	return tenant, restaurant, integration
}

// capturePublisher records published messages instead of sending them.
type capturePublisher struct {
	mu       sync.Mutex
	messages []interface{}
}

func (p *capturePublisher) Publish(ctx context.Context, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, body)
	return nil
}

func (p *capturePublisher) all() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]interface{}(nil), p.messages...)
}
