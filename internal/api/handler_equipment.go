package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gym-reserve-backend/internal/model"
)

// EquipmentResponse represents one equipment unit in list responses.
type EquipmentResponse struct {
	ID                     int64      `json:"id"`
	Name                   string     `json:"name"`
	NFCTagID               string     `json:"nfc_tag_id"`
	Category               string     `json:"category,omitempty"`
	BodyPart               string     `json:"body_part,omitempty"`
	Status                 string     `json:"status"`
	BaseSessionTimeMinutes int        `json:"base_session_time_minutes"`
	ImageURL               string     `json:"image_url,omitempty"`
	WaitingCount           int64      `json:"waiting_count"`
	ExpectedFreeAt         *time.Time `json:"expected_free_at,omitempty"`
}

// GetEquipment handles the GET /api/gyms/:gym_id/equipment request.
func (h *Handler) GetEquipment(c *gin.Context) {
	gymID, err := strconv.ParseInt(c.Param("gym_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gym id"})
		return
	}

	equipment, err := h.store.EquipmentByGym(c.Request.Context(), gymID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve equipment"})
		return
	}

	ids := make([]int64, len(equipment))
	for i, eq := range equipment {
		ids[i] = eq.ID
	}
	counts, err := h.store.WaitingCounts(c.Request.Context(), ids)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to aggregate waitlists"})
		return
	}

	responses := make([]EquipmentResponse, 0, len(equipment))
	for _, eq := range equipment {
		resp := EquipmentResponse{
			ID:                     eq.ID,
			Name:                   eq.Name,
			NFCTagID:               eq.NFCTagID,
			Category:               eq.Category,
			BodyPart:               eq.BodyPart,
			Status:                 eq.Status,
			BaseSessionTimeMinutes: eq.BaseSessionTimeMinutes,
			ImageURL:               eq.ImageURL,
			WaitingCount:           counts[eq.ID],
		}
		if eq.Status == model.StatusInUse {
			if sess, err := h.store.ActiveSessionForEquipment(h.store.DB().WithContext(c.Request.Context()), eq.ID); err == nil && sess != nil {
				end := sess.ExpectedEnd()
				resp.ExpectedFreeAt = &end
			}
		}
		responses = append(responses, resp)
	}
	c.JSON(http.StatusOK, responses)
}

type setStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetEquipmentStatus handles the PATCH /api/equipment/:equipment_id/status
// request: the operator override for pulling a unit from service or
// returning it.
func (h *Handler) SetEquipmentStatus(c *gin.Context) {
	equipmentID, err := strconv.ParseInt(c.Param("equipment_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid equipment id"})
		return
	}

	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	eq, err := h.engine.SetEquipmentStatus(c.Request.Context(), equipmentID, req.Status)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": eq.ID, "status": eq.Status})
}
