package handlers

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StreamHandler serves the live order event feed over SSE.
type StreamHandler struct {
	hub *services.StreamHub
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(hub *services.StreamHub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// RegisterRoutes registers stream routes
func (h *StreamHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/stream/admin", h.HandleAdminStream)
	router.GET("/stream/restaurants/:id", h.HandleRestaurantStream)
}

// HandleAdminStream streams every order event of a tenant.
func (h *StreamHandler) HandleAdminStream(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Query("tenant_id"))
	if err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "tenant_id query parameter is required"))
		return
	}
	h.serve(c, services.ScopeTenant, tenantID)
}

// HandleRestaurantStream streams one restaurant's order events.
func (h *StreamHandler) HandleRestaurantStream(c *gin.Context) {
	restaurantID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "invalid restaurant id"))
		return
	}
	h.serve(c, services.ScopeRestaurant, restaurantID)
}

func (h *StreamHandler) serve(c *gin.Context, scope string, key uuid.UUID) {
	events, cancel, err := h.hub.Subscribe(c.Request.Context(), scope, key)
	if err != nil {
		respondError(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	log.Info().Str("scope", scope).Str("key", key.String()).Msg("Stream subscriber connected")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				// Hub dropped this subscriber for not draining.
				return false
			}
			data, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Msg("Failed to marshal stream event")
				return true
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			return true

		case <-c.Request.Context().Done():
			return false
		}
	})

	log.Info().Str("scope", scope).Str("key", key.String()).Msg("Stream subscriber disconnected")
}
