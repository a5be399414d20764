package server

import (
	"net/http"
	"strings"

	"DrumRoom/core/protocol"
	"DrumRoom/core/room"
	"DrumRoom/logger"

	"github.com/gorilla/websocket"
)

const maxCheckIDs = 50

// RoomHandler 房间 HTTP 处理器
type RoomHandler struct {
	manager  *room.Manager
	upgrader websocket.Upgrader
}

// NewRoomHandler 创建房间处理器
func NewRoomHandler(manager *room.Manager) *RoomHandler {
	return &RoomHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket 升级连接并交给房间管理器
func (h *RoomHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	client := h.manager.Serve(conn)
	logger.Info("websocket connected",
		logger.ConnID(client.ID()),
		logger.String("remote", r.RemoteAddr))
}

// CheckRoomsHandler GET /api/rooms/check?ids=a,b
func (h *RoomHandler) CheckRoomsHandler(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, raw := range r.URL.Query()["ids"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) > maxCheckIDs {
		http.Error(w, "Too many room ids", http.StatusBadRequest)
		return
	}
	rooms := h.manager.GetRegistry().CheckRooms(r.Context(), ids)
	if rooms == nil {
		rooms = []protocol.RoomStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": rooms})
}
