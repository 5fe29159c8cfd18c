// Package api provides HTTP handlers for the broker server REST API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	broker "github.com/Basilakis/kai-sub001"
	"github.com/Basilakis/kai-sub001/model"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	broker *broker.Broker
	logger broker.Logger
}

// NewHandler creates a new API handler.
func NewHandler(b *broker.Broker, logger broker.Logger) *Handler {
	return &Handler{broker: b, logger: logger}
}

// PublishRequest represents a publish message request.
type PublishRequest struct {
	Queue     string          `json:"queue"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Source    string          `json:"source"`
	Priority  int             `json:"priority"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// ReplayRequest represents a replay request. With IDs set, the listed
// messages are replayed; otherwise all missed messages matching the optional
// queue/type narrowing are.
type ReplayRequest struct {
	Queue string   `json:"queue,omitempty"`
	Type  string   `json:"type,omitempty"`
	IDs   []string `json:"ids,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HandlePublish handles POST /api/v1/publish
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	result, err := h.broker.Publish(r.Context(), broker.PublishRequest{
		Queue:     model.Queue(req.Queue),
		Type:      req.Type,
		Payload:   req.Payload,
		Source:    req.Source,
		Priority:  req.Priority,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.logger.Errorf("Failed to publish message: %v", err)
		h.respondError(w, statusFor(err), "Failed to publish message", codeFor(err))
		return
	}

	h.respondSuccess(w, http.StatusCreated, result, "Message published successfully")
}

// HandleReplay handles POST /api/v1/replay
func (h *Handler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var req ReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	var (
		count int
		err   error
	)
	if len(req.IDs) > 0 {
		count, err = h.broker.ReplayByID(r.Context(), req.IDs)
	} else {
		count, err = h.broker.ReplayMissed(r.Context(), model.Queue(req.Queue), req.Type, nil)
	}
	if err != nil {
		h.logger.Errorf("Replay failed: %v", err)
		h.respondError(w, statusFor(err), "Replay failed", codeFor(err))
		return
	}

	h.respondSuccess(w, http.StatusOK, map[string]int{"replayed": count}, "Replay complete")
}

// HandleStats handles GET /api/v1/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	stats, err := h.broker.GetStats(r.Context())
	if err != nil {
		h.logger.Errorf("Failed to collect stats: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to collect stats", codeFor(err))
		return
	}

	h.respondSuccess(w, http.StatusOK, stats, "")
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.respondSuccess(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"connected": h.broker.IsConnected(),
		"time":      time.Now().UTC().Format(time.RFC3339),
	}, "")
}

func (h *Handler) respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(SuccessResponse{Success: true, Data: data, Message: message}); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code}); err != nil {
		h.logger.Errorf("Failed to encode error response: %v", err)
	}
}

func statusFor(err error) int {
	switch codeFor(err) {
	case broker.ErrCodeValidation:
		return http.StatusBadRequest
	case broker.ErrCodeBufferFull:
		return http.StatusServiceUnavailable
	case broker.ErrCodeClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) string {
	var be *broker.Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}
