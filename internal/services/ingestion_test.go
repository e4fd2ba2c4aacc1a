package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/config"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/cache"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/messaging"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/metrics"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/providers"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/repositories"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newIngestionFixture(t *testing.T, db *gorm.DB, platforms config.PlatformConfig) (*IngestionService, *CredentialService, *capturePublisher) {
	t.Helper()

	integrations := repositories.NewIntegrationRepository(db, cache.Disabled())
	credentials := NewCredentialService(testMasterKey(), integrations)
	publisher := &capturePublisher{}

	svc := NewIngestionService(
		integrations,
		repositories.NewRestaurantRepository(db),
		repositories.NewReceiptRepository(db),
		credentials,
		publisher,
		platforms,
		metrics.NewMetrics(),
	)
	return svc, credentials, publisher
}

func basicHeader(creds string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

func getirRequest(dedupeKey, apiKey, authHeader string) IngestRequest {
	return IngestRequest{
		Platform:             models.PlatformGetir,
		EventType:            providers.EventGetirNewOrder,
		PlatformRestaurantID: "getir-rest-1",
		DedupeKey:            dedupeKey,
		Payload:              json.RawMessage(`{"id":"g-1","restaurant":{"id":"getir-rest-1"}}`),
		APIKey:               apiKey,
		AuthorizationHeader:  authHeader,
	}
}

func TestIngestAuthBeforeDedupe(t *testing.T) {
	db := testDB(t)
	_, _, integration := seedWorld(t, db)
	svc, credentials, publisher := newIngestionFixture(t, db, config.PlatformConfig{})
	ctx := context.Background()

	require.NoError(t, credentials.SetInbound(ctx, integration.ID, providers.InboundCredentials{
		XAPIKey: "key-1",
	}))

	_, err := svc.Ingest(ctx, getirRequest("getir:newOrder:g-1", "wrong-key", ""))
	require.Error(t, err)
	require.Equal(t, apperrors.CodeUnauthorized, apperrors.CodeOf(err))
	require.Empty(t, publisher.all())

	// The failed attempt must not have burned the dedupe key.
	result, err := svc.Ingest(ctx, getirRequest("getir:newOrder:g-1", "key-1", ""))
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.Len(t, publisher.all(), 1)
}

func TestIngestDuplicateAcknowledged(t *testing.T) {
	db := testDB(t)
	tenant, restaurant, integration := seedWorld(t, db)
	svc, credentials, publisher := newIngestionFixture(t, db, config.PlatformConfig{})
	ctx := context.Background()

	require.NoError(t, credentials.SetInbound(ctx, integration.ID, providers.InboundCredentials{
		XAPIKey: "key-1",
	}))

	first, err := svc.Ingest(ctx, getirRequest("getir:newOrder:g-1", "key-1", ""))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := svc.Ingest(ctx, getirRequest("getir:newOrder:g-1", "key-1", ""))
	require.NoError(t, err)
	require.True(t, second.Duplicate)

	messages := publisher.all()
	require.Len(t, messages, 1)

	msg, ok := messages[0].(messaging.OrderIngestMessage)
	require.True(t, ok)
	require.Equal(t, messaging.TypeOrderIngest, msg.Type)
	require.Equal(t, models.PlatformGetir, msg.Platform)
	require.Equal(t, integration.ID, msg.IntegrationID)
	require.Equal(t, restaurant.ID, msg.RestaurantID)
	require.Equal(t, tenant.ID, msg.TenantID)
}

func TestIngestUnknownIntegration(t *testing.T) {
	db := testDB(t)
	seedWorld(t, db)
	svc, _, publisher := newIngestionFixture(t, db, config.PlatformConfig{})

	req := getirRequest("getir:newOrder:g-1", "key-1", "")
	req.PlatformRestaurantID = "unknown-restaurant"

	// Terminal for the caller: providers stop retrying on 404.
	_, err := svc.Ingest(context.Background(), req)
	require.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
	require.Empty(t, publisher.all())
}

func TestIngestGlobalSecretFallback(t *testing.T) {
	db := testDB(t)
	seedWorld(t, db)
	svc, _, publisher := newIngestionFixture(t, db, config.PlatformConfig{
		GetirGlobalAPIKey: "global-key",
	})

	result, err := svc.Ingest(context.Background(), getirRequest("getir:newOrder:g-1", "global-key", ""))
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.Len(t, publisher.all(), 1)
}

func TestIngestMigrosBasicAuth(t *testing.T) {
	db := testDB(t)
	_, restaurant, _ := seedWorld(t, db)

	migros := &models.Integration{
		ID:                   uuid.New(),
		RestaurantID:         restaurant.ID,
		Platform:             models.PlatformMigros,
		PlatformRestaurantID: "migros-rest-1",
	}
	require.NoError(t, db.Create(migros).Error)

	svc, credentials, publisher := newIngestionFixture(t, db, config.PlatformConfig{})
	ctx := context.Background()

	require.NoError(t, credentials.SetInbound(ctx, migros.ID, providers.InboundCredentials{
		BasicAuth: "user:pass",
	}))

	req := IngestRequest{
		Platform:             models.PlatformMigros,
		EventType:            providers.EventMigrosOrderCreated,
		PlatformRestaurantID: "migros-rest-1",
		DedupeKey:            "migros:orderCreated:m-1",
		Payload:              json.RawMessage(`{"id":"m-1","store":{"id":"migros-rest-1"}}`),
		AuthorizationHeader:  basicHeader("user:wrong"),
	}
	_, err := svc.Ingest(ctx, req)
	require.Equal(t, apperrors.CodeUnauthorized, apperrors.CodeOf(err))

	req.AuthorizationHeader = basicHeader("user:pass")
	result, err := svc.Ingest(ctx, req)
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.Len(t, publisher.all(), 1)
}
