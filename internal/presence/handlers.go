package presence

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PresenceHandlers provides HTTP handlers for presence operations
type PresenceHandlers struct {
	service PresenceManager
	logger  *zap.Logger
}

// NewPresenceHandlers creates new presence handlers
func NewPresenceHandlers(service PresenceManager, logger *zap.Logger) *PresenceHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceHandlers{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers all presence routes under router. writeMiddleware
// runs in front of the mutating routes only.
func (h *PresenceHandlers) RegisterRoutes(router *gin.RouterGroup, writeMiddleware ...gin.HandlerFunc) {
	router.POST("/lockin", append(writeMiddleware, h.LockIn)...)
	router.POST("/done", append(writeMiddleware, h.Done)...)
	router.GET("/active", h.Active)
	router.GET("/nearby", h.Nearby)
}

func (h *PresenceHandlers) LockIn(c *gin.Context) {
	var req LockInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, lat, lon required"})
		return
	}

	user, err := h.service.LockIn(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err, "lockin failed")
		return
	}

	c.JSON(http.StatusOK, user)
}

func (h *PresenceHandlers) Done(c *gin.Context) {
	var req DoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id required"})
		return
	}

	resp, err := h.service.Done(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err, "done failed")
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Active serves the proximity snapshot. nearby=true selects the 100 ft view,
// anything else the 5 mile view.
func (h *PresenceHandlers) Active(c *gin.Context) {
	mode := QueryModeArea
	if c.Query("nearby") == "true" {
		mode = QueryModeNearby
	}

	users, err := h.service.QueryActive(c.Request.Context(), queryFloat(c, "lat"), queryFloat(c, "lon"), mode)
	if err != nil {
		h.writeError(c, err, "query failed")
		return
	}

	c.JSON(http.StatusOK, users)
}

func (h *PresenceHandlers) Nearby(c *gin.Context) {
	users, err := h.service.QueryNearbyExact(c.Request.Context(), queryFloat(c, "lat"), queryFloat(c, "lon"))
	if err != nil {
		h.writeError(c, err, "nearby failed")
		return
	}

	c.JSON(http.StatusOK, users)
}

// writeError maps validation failures to 400 with their message and hides
// everything else behind an opaque 500
func (h *PresenceHandlers) writeError(c *gin.Context, err error, internalMsg string) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Message, "field": verr.Field})
		return
	}

	h.logger.Error("Presence request failed",
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": internalMsg})
}

// queryFloat returns nil when the parameter is absent or not a number
func queryFloat(c *gin.Context, key string) *float64 {
	raw := c.Query(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}
