package handlers

import (
	"net/http"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/repositories"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CourierHandler receives availability and position reports from the
// courier app; the dispatch engine reads what it writes.
type CourierHandler struct {
	couriers *repositories.CourierRepository
}

// NewCourierHandler creates a new courier handler
func NewCourierHandler(couriers *repositories.CourierRepository) *CourierHandler {
	return &CourierHandler{couriers: couriers}
}

// RegisterRoutes registers courier routes
func (h *CourierHandler) RegisterRoutes(router *gin.Engine) {
	couriers := router.Group("/couriers")
	{
		couriers.POST("/:id/location", h.HandleLocation)
		couriers.POST("/:id/status", h.HandleStatus)
	}
}

// LocationRequest is a courier position report.
type LocationRequest struct {
	Lat float64 `json:"lat" binding:"required"`
	Lon float64 `json:"lon" binding:"required"`
}

// StatusRequest is a courier availability change.
type StatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func parseCourierID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "invalid courier id"))
		return uuid.Nil, false
	}
	return id, true
}

// HandleLocation appends a position to the courier's location log.
func (h *CourierHandler) HandleLocation(c *gin.Context) {
	id, ok := parseCourierID(c)
	if !ok {
		return
	}

	var req LocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "lat and lon are required"))
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lon < -180 || req.Lon > 180 {
		respondError(c, apperrors.New(apperrors.CodeValidation, "coordinates out of range"))
		return
	}

	if _, err := h.couriers.GetByID(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	if err := h.couriers.RecordLocation(c.Request.Context(), id, req.Lat, req.Lon); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// HandleStatus transitions the courier's availability.
func (h *CourierHandler) HandleStatus(c *gin.Context) {
	id, ok := parseCourierID(c)
	if !ok {
		return
	}

	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.New(apperrors.CodeValidation, "status is required"))
		return
	}

	switch req.Status {
	case models.CourierStatusOnline, models.CourierStatusOffline, models.CourierStatusBreak:
	default:
		respondError(c, apperrors.New(apperrors.CodeValidation, "unknown courier status"))
		return
	}

	if err := h.couriers.UpdateStatus(c.Request.Context(), id, req.Status); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
