package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"gym-reserve-backend/internal/model"
)

// GymResponse represents the API response for a single gym.
type GymResponse struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	TotalEquipment int64  `json:"totalEquipment"`
	Available      int64  `json:"available"`
}

// GetGyms handles the GET /api/gyms request.
func GetGyms(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var gyms []model.Gym
		if err := db.Find(&gyms).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve gyms"})
			return
		}

		type AggRow struct {
			GymID          int64
			TotalEquipment int64
			Available      int64
		}
		var aggs []AggRow
		if err := db.
			Model(&model.Equipment{}).
			Select("gym_id as gym_id, COUNT(*) as total_equipment, COUNT(CASE WHEN status = ? THEN 1 END) as available", model.StatusAvailable).
			Group("gym_id").
			Scan(&aggs).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to aggregate equipment"})
			return
		}

		aggMap := make(map[int64]AggRow, len(aggs))
		for _, a := range aggs {
			aggMap[a.GymID] = a
		}

		responses := make([]GymResponse, 0, len(gyms))
		for _, g := range gyms {
			a := aggMap[g.ID]
			responses = append(responses, GymResponse{
				ID: g.ID, Name: g.Name,
				TotalEquipment: a.TotalEquipment, Available: a.Available,
			})
		}
		c.JSON(http.StatusOK, responses)
	}
}
