package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gym-reserve-backend/internal/model"
	"gym-reserve-backend/internal/notifier"
)

const streamKeepAlive = 25 * time.Second

// StreamEquipment handles GET /api/gyms/:gym_id/equipment/stream: a
// server-sent-events feed of equipment changes. The first frame is a full
// snapshot of the gym; afterwards each state change arrives as an "update"
// event. A reconnecting client passes ?since=<seq> to replay what it missed
// from the ring.
func (h *Handler) StreamEquipment(c *gin.Context) {
	gymID, err := strconv.ParseInt(c.Param("gym_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gym id"})
		return
	}

	var since uint64
	if raw := c.Query("since"); raw != "" {
		since, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since parameter"})
			return
		}
	}

	equipment, err := h.store.EquipmentByGym(c.Request.Context(), gymID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve equipment"})
		return
	}
	ids := make([]int64, len(equipment))
	scoped := make(map[int64]struct{}, len(equipment))
	for i, eq := range equipment {
		ids[i] = eq.ID
		scoped[eq.ID] = struct{}{}
	}
	counts, err := h.store.WaitingCounts(c.Request.Context(), ids)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to aggregate waitlists"})
		return
	}

	// Subscribe before writing the snapshot so no event between snapshot and
	// subscription can be lost.
	backlog, events, cancel := h.bus.Subscribe(since)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	snapshot := make([]notifier.EquipmentPayload, 0, len(equipment))
	for _, eq := range equipment {
		snapshot = append(snapshot, equipmentPayload(eq, counts[eq.ID]))
	}
	writeSSE(c, "snapshot", gin.H{"seq": h.bus.LastSeq(), "equipment": snapshot})
	c.Writer.Flush()

	for _, ev := range backlog {
		if _, ok := scoped[ev.Payload.ID]; !ok {
			continue
		}
		writeSSE(c, ev.Type, ev)
	}
	c.Writer.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, scopedOK := scoped[ev.Payload.ID]; !scopedOK {
				continue
			}
			writeSSE(c, ev.Type, ev)
			c.Writer.Flush()
		case <-keepAlive.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func equipmentPayload(eq model.Equipment, waiting int64) notifier.EquipmentPayload {
	return notifier.EquipmentPayload{
		ID:                     eq.ID,
		Name:                   eq.Name,
		Category:               eq.Category,
		Status:                 eq.Status,
		ImageURL:               eq.ImageURL,
		BaseSessionTimeMinutes: eq.BaseSessionTimeMinutes,
		WaitingCount:           waiting,
	}
}

func writeSSE(c *gin.Context, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, payload)
}
