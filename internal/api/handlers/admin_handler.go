package handlers

import (
	"net/http"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/providers"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/search"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/services"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// AdminHandler serves the admin panel's integration and reporting
// endpoints. Credential responses only ever contain masked values.
type AdminHandler struct {
	credentials *services.CredentialService
	elastic     *search.ElasticClient
	tracer      tracing.Tracer
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(credentials *services.CredentialService, elastic *search.ElasticClient, tracer tracing.Tracer) *AdminHandler {
	return &AdminHandler{credentials: credentials, elastic: elastic, tracer: tracer}
}

// RegisterRoutes registers admin routes
func (h *AdminHandler) RegisterRoutes(router *gin.Engine) {
	admin := router.Group("/admin")
	{
		admin.PUT("/integrations/:id/credentials/inbound", h.HandleSetInboundCredentials)
		admin.PUT("/integrations/:id/credentials/outbound", h.HandleSetOutboundCredentials)
		admin.GET("/integrations/:id/credentials", h.HandleGetMaskedCredentials)
		admin.GET("/orders/search", h.HandleSearchOrders)
	}
}

func parseIntegrationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "invalid integration id"))
		return uuid.Nil, false
	}
	return id, true
}

// HandleSetInboundCredentials replaces an integration's inbound webhook
// credentials.
func (h *AdminHandler) HandleSetInboundCredentials(c *gin.Context) {
	txn := h.tracer.StartTransaction("admin/set-inbound-credentials")
	defer h.tracer.EndTransaction(txn)

	id, ok := parseIntegrationID(c)
	if !ok {
		return
	}

	var creds providers.InboundCredentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "invalid credential body"))
		return
	}

	if err := h.credentials.SetInbound(c.Request.Context(), id, creds); err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	log.Info().Str("integration_id", id.String()).Msg("Inbound credentials rotated")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// HandleSetOutboundCredentials replaces an integration's outbound provider
// credentials.
func (h *AdminHandler) HandleSetOutboundCredentials(c *gin.Context) {
	txn := h.tracer.StartTransaction("admin/set-outbound-credentials")
	defer h.tracer.EndTransaction(txn)

	id, ok := parseIntegrationID(c)
	if !ok {
		return
	}

	var creds providers.OutboundCredentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "invalid credential body"))
		return
	}

	if err := h.credentials.SetOutbound(c.Request.Context(), id, creds); err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	log.Info().Str("integration_id", id.String()).Msg("Outbound credentials rotated")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// HandleGetMaskedCredentials returns the masked inbound credentials for
// display.
func (h *AdminHandler) HandleGetMaskedCredentials(c *gin.Context) {
	id, ok := parseIntegrationID(c)
	if !ok {
		return
	}

	masked, err := h.credentials.MaskedInbound(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "credentials": masked})
}

// HandleSearchOrders runs a free-text search over the indexed orders.
func (h *AdminHandler) HandleSearchOrders(c *gin.Context) {
	txn := h.tracer.StartTransaction("admin/search-orders")
	defer h.tracer.EndTransaction(txn)

	q := c.Query("q")
	if q == "" {
		respondError(c, apperrors.New(apperrors.CodeValidation, "q query parameter is required"))
		return
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  q,
				"fields": []string{"platform_order_id", "status", "platform", "restaurant_name"},
			},
		},
	}

	docs, err := h.elastic.SearchOrders(c.Request.Context(), query)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, apperrors.Wrap(err, apperrors.CodeUpstream, "order search failed"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "results": docs})
}
