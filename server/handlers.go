package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"DrumRoom/core/auth"
	"DrumRoom/core/pattern"
	"DrumRoom/core/room"
	"DrumRoom/logger"
	"DrumRoom/repository"
	"DrumRoom/storage"
)

// BeatExporter 导出节拍到对象存储
type BeatExporter interface {
	Export(ctx context.Context, userID, beatID int64, doc pattern.Document) (*storage.ExportResult, error)
}

// APIHandler holds the dependencies of the REST endpoints. A nil repository
// leaves its routes unregistered.
type APIHandler struct {
	userRepo repository.UserRepository
	beatRepo repository.BeatRepository
	exporter BeatExporter
	issuer   *auth.Issuer
	rooms    *room.Manager
	started  time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(
	userRepo repository.UserRepository,
	beatRepo repository.BeatRepository,
	exporter BeatExporter,
	issuer *auth.Issuer,
	rooms *room.Manager,
) *APIHandler {
	return &APIHandler{
		userRepo: userRepo,
		beatRepo: beatRepo,
		exporter: exporter,
		issuer:   issuer,
		rooms:    rooms,
		started:  time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", logger.ErrorField(err))
	}
}

// HealthHandler 健康检查
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(h.started).Round(time.Second).String(),
		"persistence": h.userRepo != nil,
		"export":      h.exporter != nil,
	}
	if h.rooms != nil {
		resp["rooms"] = h.rooms.GetRegistry().Count()
		resp["connections"] = h.rooms.GetHub().ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
