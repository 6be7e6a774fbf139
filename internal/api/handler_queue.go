package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gym-reserve-backend/internal/engine"
)

type joinQueueRequest struct {
	EquipmentID int64 `json:"equipment_id" binding:"required"`
}

// JoinQueue handles the POST /api/queue request.
func (h *Handler) JoinQueue(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	var req joinQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.engine.JoinQueue(c.Request.Context(), uid, req.EquipmentID)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyQueued {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

type leaveQueueRequest struct {
	ReservationID int64 `json:"reservation_id"`
	EquipmentID   int64 `json:"equipment_id"`
}

// LeaveQueue handles the DELETE /api/queue request. The entry is named by
// reservation id or by equipment id.
func (h *Handler) LeaveQueue(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	var req leaveQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ReservationID == 0 && req.EquipmentID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reservation_id or equipment_id is required"})
		return
	}

	result, err := h.engine.LeaveQueue(c.Request.Context(), uid, engine.ReservationRef{
		ReservationID: req.ReservationID,
		EquipmentID:   req.EquipmentID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
