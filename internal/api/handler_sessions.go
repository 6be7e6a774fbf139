package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gym-reserve-backend/internal/engine"
)

type startSessionRequest struct {
	EquipmentID int64  `json:"equipment_id"`
	NFCTag      string `json:"nfc_tag"`
}

// StartSession handles the POST /api/sessions request. The body names the
// equipment either by id or by the tag the member tapped.
func (h *Handler) StartSession(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.EquipmentID == 0 && req.NFCTag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "equipment_id or nfc_tag is required"})
		return
	}

	result, err := h.engine.StartSession(c.Request.Context(), uid, engine.EquipmentRef{
		ID:     req.EquipmentID,
		NFCTag: req.NFCTag,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// EndSession handles the POST /api/sessions/end request.
func (h *Handler) EndSession(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	eq, err := h.engine.EndSession(c.Request.Context(), uid)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"ended": true}
	if eq != nil {
		resp["equipment_id"] = eq.ID
		resp["equipment_status"] = eq.Status
	}
	c.JSON(http.StatusOK, resp)
}

// Heartbeat handles the POST /api/sessions/heartbeat request. Always 200:
// a heartbeat without an active session is a harmless late ping.
func (h *Handler) Heartbeat(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	active, err := h.engine.Heartbeat(c.Request.Context(), uid)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"active": active})
}

// ExtendSession handles the POST /api/sessions/extend request.
func (h *Handler) ExtendSession(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	sess, err := h.engine.ExtendSession(c.Request.Context(), uid)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":                 sess.ID,
		"allocated_duration_minutes": sess.AllocatedDurationMinutes,
		"expected_end":               sess.ExpectedEnd(),
	})
}
