package services

import (
	"context"
	"crypto/aes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/config"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/cache"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/messaging"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/metrics"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/providers"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/repositories"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/search"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/tracing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type pipelineFixture struct {
	pipeline    *PipelineService
	credentials *CredentialService
	publisher   *capturePublisher
}

func newPipelineFixture(t *testing.T, db *gorm.DB, getirBaseURL string) *pipelineFixture {
	t.Helper()

	m := metrics.NewMetrics()
	integrations := repositories.NewIntegrationRepository(db, cache.Disabled())
	restaurants := repositories.NewRestaurantRepository(db)
	orders := repositories.NewOrderRepository(db)
	events := repositories.NewOrderEventRepository(db)
	credentials := NewCredentialService(testMasterKey(), integrations)
	publisher := &capturePublisher{}
	stream := NewStreamHub(events, m)
	dispatch := NewDispatchService(
		db, orders, restaurants,
		repositories.NewCourierRepository(db),
		repositories.NewAssignmentRepository(db),
		stream, m)

	elastic, err := search.NewElasticClient(config.ElasticConfig{})
	require.NoError(t, err)
	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)

	broker := NewTokenBroker(integrations, credentials, http.DefaultClient, m)
	getir := providers.NewGetirClient(http.DefaultClient, getirBaseURL, broker)
	migros := providers.NewMigrosClient(http.DefaultClient, "")

	pipeline := NewPipelineService(
		orders, events, integrations, restaurants, credentials,
		publisher, dispatch, stream, elastic, getir, migros, tracer, m)

	return &pipelineFixture{pipeline: pipeline, credentials: credentials, publisher: publisher}
}

func ingestBody(t *testing.T, msg messaging.OrderIngestMessage) []byte {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func TestPipelineIngestFansOut(t *testing.T) {
	db := testDB(t)
	tenant, restaurant, integration := seedWorld(t, db)
	require.NoError(t, db.Model(integration).Update("auto_approve", true).Error)

	fx := newPipelineFixture(t, db, "")
	ctx := context.Background()

	body := ingestBody(t, messaging.OrderIngestMessage{
		Type:          messaging.TypeOrderIngest,
		Platform:      models.PlatformGetir,
		EventType:     providers.EventGetirNewOrder,
		Payload:       json.RawMessage(`{"id":"g-1","restaurant":{"id":"getir-rest-1"}}`),
		IntegrationID: integration.ID,
		RestaurantID:  restaurant.ID,
		TenantID:      tenant.ID,
	})
	require.NoError(t, fx.pipeline.HandleMessage(ctx, body))

	var order models.Order
	require.NoError(t, db.First(&order, "platform_order_id = ?", "g-1").Error)
	require.Equal(t, models.OrderStatusReceived, order.Status)
	require.Equal(t, tenant.ID, order.TenantID)

	var eventCount int64
	require.NoError(t, db.Model(&models.OrderEvent{}).
		Where("order_id = ? AND type = ?", order.ID, models.EventWebhookReceived).
		Count(&eventCount).Error)
	require.EqualValues(t, 1, eventCount)

	var approves, assigns int
	for _, raw := range fx.publisher.all() {
		switch msg := raw.(type) {
		case messaging.OrderAutoApproveMessage:
			approves++
			require.Equal(t, order.ID, msg.OrderID)
		case messaging.OrderAutoAssignMessage:
			assigns++
			require.Equal(t, order.ID, msg.OrderID)
			require.Equal(t, tenant.ID, msg.TenantID)
		}
	}
	require.Equal(t, 1, approves)
	require.Equal(t, 1, assigns)
}

func TestPipelineIngestWithoutAutoApprove(t *testing.T) {
	db := testDB(t)
	tenant, restaurant, integration := seedWorld(t, db)

	fx := newPipelineFixture(t, db, "")

	body := ingestBody(t, messaging.OrderIngestMessage{
		Type:          messaging.TypeOrderIngest,
		Platform:      models.PlatformGetir,
		EventType:     providers.EventGetirNewOrder,
		Payload:       json.RawMessage(`{"id":"g-2","restaurant":{"id":"getir-rest-1"}}`),
		IntegrationID: integration.ID,
		RestaurantID:  restaurant.ID,
		TenantID:      tenant.ID,
	})
	require.NoError(t, fx.pipeline.HandleMessage(context.Background(), body))

	for _, raw := range fx.publisher.all() {
		_, isApprove := raw.(messaging.OrderAutoApproveMessage)
		require.False(t, isApprove)
	}
}

func TestPipelineIngestRedeliverySafe(t *testing.T) {
	db := testDB(t)
	tenant, restaurant, integration := seedWorld(t, db)
	fx := newPipelineFixture(t, db, "")
	ctx := context.Background()

	body := ingestBody(t, messaging.OrderIngestMessage{
		Type:          messaging.TypeOrderIngest,
		Platform:      models.PlatformGetir,
		EventType:     providers.EventGetirNewOrder,
		Payload:       json.RawMessage(`{"id":"g-1","restaurant":{"id":"getir-rest-1"}}`),
		IntegrationID: integration.ID,
		RestaurantID:  restaurant.ID,
		TenantID:      tenant.ID,
	})
	require.NoError(t, fx.pipeline.HandleMessage(ctx, body))
	require.NoError(t, fx.pipeline.HandleMessage(ctx, body))

	var count int64
	require.NoError(t, db.Model(&models.Order{}).Where("platform_order_id = ?", "g-1").Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestPipelineDropsMalformedMessages(t *testing.T) {
	db := testDB(t)
	seedWorld(t, db)
	fx := newPipelineFixture(t, db, "")
	ctx := context.Background()

	require.NoError(t, fx.pipeline.HandleMessage(ctx, []byte("not json")))
	require.NoError(t, fx.pipeline.HandleMessage(ctx, []byte(`{"type":"SOMETHING_ELSE"}`)))
	require.NoError(t, fx.pipeline.HandleMessage(ctx, []byte(`{"type":"ORDER_INGEST"}`)))
	require.Empty(t, fx.publisher.all())
}

func TestPipelineDeliveryStatusTransition(t *testing.T) {
	db := testDB(t)
	tenant, restaurant, _ := seedWorld(t, db)

	migros := &models.Integration{
		ID:                   uuid.New(),
		RestaurantID:         restaurant.ID,
		Platform:             models.PlatformMigros,
		PlatformRestaurantID: "migros-rest-1",
	}
	require.NoError(t, db.Create(migros).Error)

	fx := newPipelineFixture(t, db, "")
	ctx := context.Background()

	body := ingestBody(t, messaging.OrderIngestMessage{
		Type:          messaging.TypeOrderIngest,
		Platform:      models.PlatformMigros,
		EventType:     providers.EventMigrosDeliveryStatusChanged,
		Payload:       json.RawMessage(`{"orderId":"m-1","storeId":"migros-rest-1","deliveryStatus":"COURIER_ON_WAY"}`),
		IntegrationID: migros.ID,
		RestaurantID:  restaurant.ID,
		TenantID:      tenant.ID,
	})
	require.NoError(t, fx.pipeline.HandleMessage(ctx, body))

	var order models.Order
	require.NoError(t, db.First(&order, "platform_order_id = ?", "m-1").Error)
	require.Equal(t, "COURIER_ON_WAY", order.Status)

	var eventCount int64
	require.NoError(t, db.Model(&models.OrderEvent{}).
		Where("order_id = ? AND type = ?", order.ID, models.EventDeliveryStatusChanged).
		Count(&eventCount).Error)
	require.EqualValues(t, 1, eventCount)

	// Delivery transitions re-fire dispatch like any other mapped ingest,
	// so an order that found no courier earlier gets another chance.
	messages := fx.publisher.all()
	require.Len(t, messages, 1)
	assign, ok := messages[0].(messaging.OrderAutoAssignMessage)
	require.True(t, ok)
	require.Equal(t, order.ID, assign.OrderID)
	require.Equal(t, tenant.ID, assign.TenantID)
}

func TestPipelineAutoApproveGetir(t *testing.T) {
	db := testDB(t)
	tenant, restaurant, integration := seedWorld(t, db)

	var approveCalls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&approveCalls, 1)
		require.Equal(t, "/orders/g-9/approve", r.URL.Path)
		require.Equal(t, "Bearer static-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	fx := newPipelineFixture(t, db, server.URL)
	ctx := context.Background()

	require.NoError(t, fx.credentials.SetOutbound(ctx, integration.ID, providers.OutboundCredentials{
		AccessToken: "static-token",
	}))

	order := &models.Order{
		ID: uuid.New(), TenantID: tenant.ID, RestaurantID: restaurant.ID,
		Platform: models.PlatformGetir, PlatformOrderID: "g-9",
		Status: models.OrderStatusReceived,
	}
	require.NoError(t, db.Create(order).Error)

	body, err := json.Marshal(messaging.OrderAutoApproveMessage{
		Type:          messaging.TypeOrderAutoApprove,
		Platform:      models.PlatformGetir,
		OrderID:       order.ID,
		IntegrationID: integration.ID,
		TenantID:      tenant.ID,
	})
	require.NoError(t, err)
	require.NoError(t, fx.pipeline.HandleMessage(ctx, body))

	require.EqualValues(t, 1, atomic.LoadInt64(&approveCalls))

	var updated models.Order
	require.NoError(t, db.First(&updated, "id = ?", order.ID).Error)
	require.Equal(t, models.OrderStatusApproved, updated.Status)

	var eventCount int64
	require.NoError(t, db.Model(&models.OrderEvent{}).
		Where("order_id = ? AND type = ?", order.ID, models.EventAutoApproveSucceeded).
		Count(&eventCount).Error)
	require.EqualValues(t, 1, eventCount)
}

func decryptMigrosBody(t *testing.T, value, secretKey string) []byte {
	t.Helper()

	raw, err := base64.StdEncoding.DecodeString(value)
	require.NoError(t, err)
	block, err := aes.NewCipher([]byte(secretKey))
	require.NoError(t, err)

	out := make([]byte, len(raw))
	for i := 0; i < len(raw); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], raw[i:i+aes.BlockSize])
	}
	pad := int(out[len(out)-1])
	return out[:len(out)-pad]
}

func TestPipelineAutoApproveMigros(t *testing.T) {
	db := testDB(t)
	tenant, restaurant, _ := seedWorld(t, db)

	integration := &models.Integration{
		ID:                   uuid.New(),
		RestaurantID:         restaurant.ID,
		Platform:             models.PlatformMigros,
		PlatformRestaurantID: "migros-rest-1",
	}
	require.NoError(t, db.Create(integration).Error)

	const secretKey = "0123456789abcdef0123456789abcdef"

	var statusCalls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&statusCalls, 1)
		require.Equal(t, "/Order/v2/UpdateOrderStatus", r.URL.Path)
		require.Equal(t, "rest-key", r.Header.Get("XApiKey"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var envelope struct {
			Value string `json:"value"`
		}
		require.NoError(t, json.Unmarshal(raw, &envelope))

		var body struct {
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
		}
		require.NoError(t, json.Unmarshal(decryptMigrosBody(t, envelope.Value, secretKey), &body))
		require.Equal(t, "m-9", body.OrderID)
		// The migros API takes its own casing, not the internal constant.
		require.Equal(t, "Approved", body.OrderStatus)

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	fx := newPipelineFixture(t, db, "")
	ctx := context.Background()

	require.NoError(t, fx.credentials.SetOutbound(ctx, integration.ID, providers.OutboundCredentials{
		RestaurantAPIKey: "rest-key",
		SecretKey:        secretKey,
		BaseURL:          server.URL,
	}))

	order := &models.Order{
		ID: uuid.New(), TenantID: tenant.ID, RestaurantID: restaurant.ID,
		Platform: models.PlatformMigros, PlatformOrderID: "m-9",
		Status: models.OrderStatusNewPending,
	}
	require.NoError(t, db.Create(order).Error)

	body, err := json.Marshal(messaging.OrderAutoApproveMessage{
		Type:          messaging.TypeOrderAutoApprove,
		Platform:      models.PlatformMigros,
		OrderID:       order.ID,
		IntegrationID: integration.ID,
		TenantID:      tenant.ID,
	})
	require.NoError(t, err)
	require.NoError(t, fx.pipeline.HandleMessage(ctx, body))

	require.EqualValues(t, 1, atomic.LoadInt64(&statusCalls))

	var updated models.Order
	require.NoError(t, db.First(&updated, "id = ?", order.ID).Error)
	require.Equal(t, models.OrderStatusApproved, updated.Status)
}

func TestPipelineAutoApproveRetriesUpstreamFailure(t *testing.T) {
	db := testDB(t)
	tenant, restaurant, integration := seedWorld(t, db)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	fx := newPipelineFixture(t, db, server.URL)
	ctx := context.Background()

	require.NoError(t, fx.credentials.SetOutbound(ctx, integration.ID, providers.OutboundCredentials{
		AccessToken: "static-token",
	}))

	order := &models.Order{
		ID: uuid.New(), TenantID: tenant.ID, RestaurantID: restaurant.ID,
		Platform: models.PlatformGetir, PlatformOrderID: "g-9",
		Status: models.OrderStatusReceived,
	}
	require.NoError(t, db.Create(order).Error)

	body, err := json.Marshal(messaging.OrderAutoApproveMessage{
		Type:          messaging.TypeOrderAutoApprove,
		Platform:      models.PlatformGetir,
		OrderID:       order.ID,
		IntegrationID: integration.ID,
		TenantID:      tenant.ID,
	})
	require.NoError(t, err)
	require.NoError(t, fx.pipeline.HandleMessage(ctx, body))

	// The local transition is decoupled from the outbound result.
	var updated models.Order
	require.NoError(t, db.First(&updated, "id = ?", order.ID).Error)
	require.Equal(t, models.OrderStatusApproved, updated.Status)

	messages := fx.publisher.all()
	require.Len(t, messages, 1)
	retry, ok := messages[0].(messaging.OrderAutoApproveMessage)
	require.True(t, ok)
	require.Equal(t, 1, retry.Attempt)
	require.Equal(t, order.ID, retry.OrderID)
}

func TestPipelineAutoAssignRoutesToDispatch(t *testing.T) {
	db := testDB(t)
	tenant, restaurant, _ := seedWorld(t, db)
	fx := newPipelineFixture(t, db, "")
	ctx := context.Background()

	seedCourier(t, db, tenant.ID, "only", 41.0009, 29.0, 0)
	order := seedOrder(t, db, tenant.ID, restaurant.ID, models.OrderStatusReceived)

	body, err := json.Marshal(messaging.OrderAutoAssignMessage{
		Type:     messaging.TypeOrderAutoAssign,
		TenantID: tenant.ID,
		OrderID:  order.ID,
	})
	require.NoError(t, err)
	require.NoError(t, fx.pipeline.HandleMessage(ctx, body))

	var assignment models.Assignment
	require.NoError(t, db.First(&assignment, "order_id = ?", order.ID).Error)
}
