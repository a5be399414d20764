package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"DrumRoom/core/pattern"
	"DrumRoom/logger"
	"DrumRoom/model"
	"DrumRoom/repository"

	"github.com/gorilla/mux"
)

const maxBeatBody = 1 << 20

// beatRequest 读取并校验请求体中的节拍文档
func beatRequest(w http.ResponseWriter, r *http.Request) (*pattern.Document, bool) {
	var doc pattern.Document
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBeatBody)).Decode(&doc); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	doc.Name = strings.TrimSpace(doc.Name)
	if doc.Name == "" {
		http.Error(w, "Beat name is required", http.StatusBadRequest)
		return nil, false
	}
	if len(doc.Name) > 100 {
		http.Error(w, "Beat name is too long", http.StatusBadRequest)
		return nil, false
	}
	return &doc, true
}

// beatTarget 解析 URL 中的节拍 ID 和当前用户
func beatTarget(w http.ResponseWriter, r *http.Request) (userID, beatID int64, ok bool) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return 0, 0, false
	}
	beatID, err = strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || beatID <= 0 {
		http.Error(w, "Invalid beat ID", http.StatusBadRequest)
		return 0, 0, false
	}
	return userID, beatID, true
}

func (h *APIHandler) beatError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, repository.ErrBeatNotFound) {
		http.Error(w, "Beat not found", http.StatusNotFound)
		return
	}
	logger.Error("[Beats] "+op+" failed", logger.ErrorField(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

// ListBeatsHandler GET /api/beats?limit=&offset=
func (h *APIHandler) ListBeatsHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	beats, err := h.beatRepo.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.beatError(w, "list", err)
		return
	}
	if beats == nil {
		beats = []*model.Beat{}
	}
	writeJSON(w, http.StatusOK, beats)
}

// CreateBeatHandler POST /api/beats
func (h *APIHandler) CreateBeatHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	doc, ok := beatRequest(w, r)
	if !ok {
		return
	}

	beat := &model.Beat{UserID: userID}
	beat.SetDocument(*doc)
	if err := h.beatRepo.Create(r.Context(), beat); err != nil {
		h.beatError(w, "create", err)
		return
	}
	logger.Info("[Beats] beat saved", logger.Int64("userId", userID), logger.Int64("beatId", beat.ID))
	writeJSON(w, http.StatusCreated, beat)
}

// GetBeatHandler GET /api/beats/{id}
func (h *APIHandler) GetBeatHandler(w http.ResponseWriter, r *http.Request) {
	userID, beatID, ok := beatTarget(w, r)
	if !ok {
		return
	}
	beat, err := h.beatRepo.GetByID(r.Context(), userID, beatID)
	if err != nil {
		h.beatError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, beat)
}

// UpdateBeatHandler PUT /api/beats/{id}
func (h *APIHandler) UpdateBeatHandler(w http.ResponseWriter, r *http.Request) {
	userID, beatID, ok := beatTarget(w, r)
	if !ok {
		return
	}
	doc, ok := beatRequest(w, r)
	if !ok {
		return
	}

	beat := &model.Beat{ID: beatID, UserID: userID}
	beat.SetDocument(*doc)
	if err := h.beatRepo.Update(r.Context(), beat); err != nil {
		h.beatError(w, "update", err)
		return
	}
	updated, err := h.beatRepo.GetByID(r.Context(), userID, beatID)
	if err != nil {
		h.beatError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteBeatHandler DELETE /api/beats/{id}
func (h *APIHandler) DeleteBeatHandler(w http.ResponseWriter, r *http.Request) {
	userID, beatID, ok := beatTarget(w, r)
	if !ok {
		return
	}
	if err := h.beatRepo.Delete(r.Context(), userID, beatID); err != nil {
		h.beatError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportBeatHandler POST /api/beats/{id}/export
func (h *APIHandler) ExportBeatHandler(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		http.Error(w, "Export is not configured", http.StatusServiceUnavailable)
		return
	}
	userID, beatID, ok := beatTarget(w, r)
	if !ok {
		return
	}
	beat, err := h.beatRepo.GetByID(r.Context(), userID, beatID)
	if err != nil {
		h.beatError(w, "get", err)
		return
	}
	result, err := h.exporter.Export(r.Context(), userID, beatID, beat.Document())
	if err != nil {
		logger.Error("[Beats] export failed", logger.ErrorField(err), logger.Int64("beatId", beatID))
		http.Error(w, "Export failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}
