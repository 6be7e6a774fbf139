package hardware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"gym-reserve-backend/config"
)

// Controller applies lock/unlock state to a physical equipment unit. The
// signal is fire-and-forget: failures are logged and never block the caller.
type Controller interface {
	SetLockState(ctx context.Context, equipmentID int64, locked bool)
}

// NewController builds the controller selected by configuration. An empty
// bridge URL disables hardware signaling.
func NewController(cfg config.HardwareConfig) Controller {
	if cfg.BridgeURL == "" {
		return Nop{}
	}
	return NewHTTP(cfg.BridgeURL, time.Duration(cfg.TimeoutSeconds)*time.Second)
}

// Nop discards all lock signals.
type Nop struct{}

// SetLockState implements Controller.
func (Nop) SetLockState(context.Context, int64, bool) {}

// HTTP relays lock commands to the hardware bridge that holds the device
// connections (one socket per unit controller).
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates an HTTP-backed controller.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// SetLockState implements Controller.
func (h *HTTP) SetLockState(ctx context.Context, equipmentID int64, locked bool) {
	body, err := json.Marshal(map[string]any{"locked": locked})
	if err != nil {
		log.Printf("hardware: marshal lock command for equipment %d: %v", equipmentID, err)
		return
	}

	url := fmt.Sprintf("%s/equipment/%d/lock", h.baseURL, equipmentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("hardware: build lock request for equipment %d: %v", equipmentID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		log.Printf("hardware: lock signal for equipment %d failed: %v", equipmentID, err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		log.Printf("hardware: bridge returned %d for equipment %d", resp.StatusCode, equipmentID)
	}
}
