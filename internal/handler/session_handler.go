package handler

import (
	"net/http"

	"services/session-engine/internal/model"
	"services/session-engine/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionHandler exposes the operator surface of the engine: session state,
// per-symbol quality, subscription diagnostics and the manual ERROR clear.
type SessionHandler struct {
	store       *service.SessionStore
	clock       *service.SessionClock
	boundary    *service.BoundaryService
	coordinator *service.SessionCoordinator
	native      model.Interval
	logger      *zap.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(
	store *service.SessionStore,
	clock *service.SessionClock,
	boundary *service.BoundaryService,
	coordinator *service.SessionCoordinator,
	native model.Interval,
	logger *zap.Logger,
) *SessionHandler {
	return &SessionHandler{
		store:       store,
		clock:       clock,
		boundary:    boundary,
		coordinator: coordinator,
		native:      native,
		logger:      logger,
	}
}

// GetStatus returns the full session snapshot
func (h *SessionHandler) GetStatus(c *gin.Context) {
	status := model.SessionStatus{
		State:    h.boundary.State(),
		Active:   h.store.IsActive(),
		Date:     h.store.Date().Format("2006-01-02"),
		Clock:    h.clock.Now().Format("2006-01-02T15:04:05Z"),
		Symbols:  h.store.Status(h.native),
		Terminal: h.coordinator.Terminal(),
	}
	c.JSON(http.StatusOK, status)
}

// GetQuality returns per-symbol quality scores and active flags
func (h *SessionHandler) GetQuality(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": h.store.Status(h.native)})
}

// GetSubscription returns the downstream subscription diagnostics
func (h *SessionHandler) GetSubscription(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.Downstream().Stats())
}

// ClearError acknowledges the ERROR state. This is the only way out of
// ERROR; the machine never clears it on its own.
func (h *SessionHandler) ClearError(c *gin.Context) {
	if !h.boundary.ClearError() {
		c.JSON(http.StatusConflict, gin.H{"error": "session is not in ERROR state"})
		return
	}

	h.logger.Info("Session error cleared via API")
	c.JSON(http.StatusOK, gin.H{"state": h.boundary.State()})
}

// SignalReady lets a downstream service acknowledge a processed batch over
// HTTP. In-process consumers call the subscription directly.
func (h *SessionHandler) SignalReady(c *gin.Context) {
	h.coordinator.Downstream().SignalReady()
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

// RemoveSymbol evicts a symbol from the store. Removal of a symbol locked by
// an open dependency is refused, not an error.
func (h *SessionHandler) RemoveSymbol(c *gin.Context) {
	symbol := c.Param("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	if !h.store.Remove(symbol) {
		c.JSON(http.StatusConflict, gin.H{"removed": false, "reason": "symbol is locked or unknown"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}
