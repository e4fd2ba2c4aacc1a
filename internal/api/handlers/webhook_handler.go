package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/providers"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/services"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// respondError writes the stable JSON error envelope.
func respondError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	c.JSON(apperrors.HTTPStatus(code), gin.H{
		"ok": false,
		"error": gin.H{
			"code":    code,
			"message": apperrors.MessageOf(err),
		},
	})
}

// WebhookHandler handles provider webhook deliveries.
type WebhookHandler struct {
	ingestion *services.IngestionService
	tracer    tracing.Tracer
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(ingestion *services.IngestionService, tracer tracing.Tracer) *WebhookHandler {
	return &WebhookHandler{ingestion: ingestion, tracer: tracer}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandler) RegisterRoutes(router *gin.Engine) {
	webhooks := router.Group("/webhooks")
	{
		webhooks.POST("/getir/newOrder", h.HandleGetirNewOrder)
		webhooks.POST("/getir/cancelOrder", h.HandleGetirCancelOrder)
		webhooks.POST("/migros/orderCreated", h.HandleMigrosOrderCreated)
		webhooks.POST("/migros/orderCanceled", h.HandleMigrosOrderCanceled)
		webhooks.POST("/migros/deliveryStatusChanged", h.HandleMigrosDeliveryStatusChanged)
		webhooks.POST("/yemeksepeti/webhook", h.HandleYemeksepeti)
	}
}

func (h *WebhookHandler) ingest(c *gin.Context, txnName string, req services.IngestRequest) {
	txn := h.tracer.StartTransaction(txnName)
	defer h.tracer.EndTransaction(txn)

	h.tracer.AddAttribute(txn, "platform", req.Platform)
	h.tracer.AddAttribute(txn, "event_type", req.EventType)

	req.APIKey = c.GetHeader("x-api-key")
	req.AuthorizationHeader = c.GetHeader("Authorization")

	result, err := h.ingestion.Ingest(c.Request.Context(), req)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	if result.Duplicate {
		c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *WebhookHandler) bindGetir(c *gin.Context) ([]byte, *providers.GetirOrderPayload, bool) {
	raw, err := c.GetRawData()
	if err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "unreadable request body"))
		return nil, nil, false
	}

	var payload providers.GetirOrderPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ID == "" || payload.Restaurant.ID == "" {
		log.Warn().Err(err).Msg("Rejecting malformed getir webhook")
		respondError(c, apperrors.New(apperrors.CodeValidation, "missing order or restaurant id"))
		return nil, nil, false
	}
	return raw, &payload, true
}

// HandleGetirNewOrder handles getir's newOrder webhook.
func (h *WebhookHandler) HandleGetirNewOrder(c *gin.Context) {
	raw, payload, ok := h.bindGetir(c)
	if !ok {
		return
	}

	h.ingest(c, "webhook/getir/newOrder", services.IngestRequest{
		Platform:             models.PlatformGetir,
		EventType:            providers.EventGetirNewOrder,
		PlatformRestaurantID: payload.Restaurant.ID,
		DedupeKey:            fmt.Sprintf("getir:newOrder:%s", payload.ID),
		Payload:              raw,
	})
}

// HandleGetirCancelOrder handles getir's cancelOrder webhook.
func (h *WebhookHandler) HandleGetirCancelOrder(c *gin.Context) {
	raw, payload, ok := h.bindGetir(c)
	if !ok {
		return
	}

	h.ingest(c, "webhook/getir/cancelOrder", services.IngestRequest{
		Platform:             models.PlatformGetir,
		EventType:            providers.EventGetirCancelOrder,
		PlatformRestaurantID: payload.Restaurant.ID,
		DedupeKey:            fmt.Sprintf("getir:cancelOrder:%s", payload.ID),
		Payload:              raw,
	})
}

// HandleMigrosOrderCreated handles migros's orderCreated webhook.
func (h *WebhookHandler) HandleMigrosOrderCreated(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "unreadable request body"))
		return
	}

	var payload providers.MigrosOrderCreatedPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ID == "" || payload.Store.ID == "" {
		respondError(c, apperrors.New(apperrors.CodeValidation, "missing order or store id"))
		return
	}

	h.ingest(c, "webhook/migros/orderCreated", services.IngestRequest{
		Platform:             models.PlatformMigros,
		EventType:            providers.EventMigrosOrderCreated,
		PlatformRestaurantID: payload.Store.ID,
		DedupeKey:            fmt.Sprintf("migros:orderCreated:%s", payload.ID),
		Payload:              raw,
	})
}

// HandleMigrosOrderCanceled handles migros's orderCanceled webhook.
func (h *WebhookHandler) HandleMigrosOrderCanceled(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "unreadable request body"))
		return
	}

	var payload providers.MigrosOrderCanceledPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.OrderID == "" || payload.StoreID == "" {
		respondError(c, apperrors.New(apperrors.CodeValidation, "missing order or store id"))
		return
	}

	h.ingest(c, "webhook/migros/orderCanceled", services.IngestRequest{
		Platform:             models.PlatformMigros,
		EventType:            providers.EventMigrosOrderCanceled,
		PlatformRestaurantID: payload.StoreID,
		DedupeKey:            fmt.Sprintf("migros:orderCanceled:%s", payload.OrderID),
		Payload:              raw,
	})
}

// HandleMigrosDeliveryStatusChanged handles migros's deliveryStatusChanged
// webhook. The dedupe key includes the status so successive transitions of
// the same order are distinct events.
func (h *WebhookHandler) HandleMigrosDeliveryStatusChanged(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "unreadable request body"))
		return
	}

	var payload providers.MigrosDeliveryStatusChangedPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.OrderID == "" || payload.StoreID == "" || payload.DeliveryStatus == "" {
		respondError(c, apperrors.New(apperrors.CodeValidation, "missing order, store or status"))
		return
	}

	h.ingest(c, "webhook/migros/deliveryStatusChanged", services.IngestRequest{
		Platform:             models.PlatformMigros,
		EventType:            providers.EventMigrosDeliveryStatusChanged,
		PlatformRestaurantID: payload.StoreID,
		DedupeKey:            fmt.Sprintf("migros:deliveryStatus:%s:%s", payload.OrderID, payload.DeliveryStatus),
		Payload:              raw,
	})
}

// HandleYemeksepeti records yemeksepeti deliveries without queueing; the
// platform has no adapter yet, but the receipt keeps an audit trail.
func (h *WebhookHandler) HandleYemeksepeti(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "unreadable request body"))
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "invalid payload"))
		return
	}

	result, err := h.ingestion.RecordUnmapped(c.Request.Context(), models.PlatformYemeksepeti)
	if err != nil {
		respondError(c, err)
		return
	}

	if result.Duplicate {
		c.JSON(http.StatusOK, gin.H{"ok": true, "data": gin.H{"duplicate": true}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": gin.H{"queued": false}})
}
