package room

import (
	"context"
	"errors"
	"strings"
	"time"

	"DrumRoom/core/protocol"
	"DrumRoom/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const disconnectTimeout = 5 * time.Second

// Manager 房间业务入口：把连接上的消息分发到房间表
type Manager struct {
	registry *Registry
	hub      *Hub
}

// NewManager 创建管理器并挂接连接注销与慢连接回调
func NewManager(registry *Registry, hub *Hub) *Manager {
	m := &Manager{registry: registry, hub: hub}
	hub.OnUnregister(m.HandleDisconnect)
	registry.OnSlowPeer(m.dropSlowPeer)
	return m
}

// GetHub 获取 Hub 实例
func (m *Manager) GetHub() *Hub {
	return m.hub
}

// GetRegistry 获取房间表
func (m *Manager) GetRegistry() *Registry {
	return m.registry
}

// Serve 接管一个已升级的 WebSocket 连接，启动读写协程
func (m *Manager) Serve(conn *websocket.Conn) *Client {
	client := NewClient(m.hub, conn, uuid.NewString())
	m.Accept(client)
	go client.WritePump()
	go client.ReadPump(context.Background(), m.HandleMessage)
	return client
}

// Accept registers a new connection and tells it its id.
func (m *Manager) Accept(client *Client) {
	m.hub.Register(client)
	msg, err := protocol.New(protocol.TypeConnect, "", protocol.ConnectPayload{UserID: client.ID()})
	if err != nil {
		return
	}
	client.SendMessage(msg)
}

// HandleDisconnect 连接断开后把它移出所在房间
func (m *Manager) HandleDisconnect(client *Client) {
	roomID := client.RoomID()
	if roomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	m.registry.Disconnect(ctx, client.ID(), roomID)
	client.setRoomID("")
}

func (m *Manager) dropSlowPeer(p Peer) {
	client, ok := p.(*Client)
	if !ok {
		return
	}
	logger.Warn("send buffer full, dropping connection",
		logger.ConnID(client.ID()),
		logger.RoomID(client.RoomID()))
	m.hub.Unregister(client)
}

// ========== 消息分发 ==========

// HandleMessage 处理 WebSocket 消息
func (m *Manager) HandleMessage(ctx context.Context, client *Client, msg *protocol.Message) {
	logger.Debug("message received",
		logger.ConnID(client.ID()),
		logger.String("type", string(msg.Type)),
		logger.String("requestId", msg.RequestID))

	switch msg.Type {
	case protocol.TypeCreateRoom:
		m.handleCreate(ctx, client, msg)
	case protocol.TypeJoinRoom:
		m.handleJoin(ctx, client, msg)
	case protocol.TypeLeaveRoom:
		m.handleLeave(ctx, client, msg)
	case protocol.TypeCheckRooms:
		m.handleCheck(ctx, client, msg)
	case protocol.TypeGetRoomState:
		m.handleGetState(ctx, client, msg)
	default:
		if msg.Type.IsMutation() {
			m.handleChange(ctx, client, msg)
			return
		}
		logger.Debug("ignoring unsupported message type",
			logger.ConnID(client.ID()),
			logger.String("type", string(msg.Type)))
	}
}

func (m *Manager) handleCreate(ctx context.Context, client *Client, msg *protocol.Message) {
	var req protocol.CreateRoomRequest
	if err := msg.Decode(&req); err != nil {
		m.fail(client, msg, protocol.ErrTextBadRequest)
		return
	}
	m.leaveCurrent(ctx, client)

	if _, err := m.registry.CreateRoom(ctx, client, req.Seed, m.joinReply(client, msg)); err != nil {
		logger.Error("failed to create room", logger.ErrorField(err), logger.ConnID(client.ID()))
		m.fail(client, msg, errorText(err))
	}
}

// joinReply 在房间 goroutine 中应答，保证快照先于后续广播到达
func (m *Manager) joinReply(client *Client, req *protocol.Message) func(protocol.RoomState) {
	return func(snap protocol.RoomState) {
		client.setRoomID(snap.ID)
		m.ack(client, req, protocol.Ack{Success: true, RoomID: snap.ID, RoomState: &snap})
	}
}

func (m *Manager) handleJoin(ctx context.Context, client *Client, msg *protocol.Message) {
	var req protocol.JoinRoomRequest
	if err := msg.Decode(&req); err != nil {
		m.fail(client, msg, protocol.ErrTextBadRequest)
		return
	}
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		m.fail(client, msg, protocol.ErrTextInvalidRoomID)
		return
	}
	if client.RoomID() != roomID {
		m.leaveCurrent(ctx, client)
	}

	if _, err := m.registry.JoinRoom(ctx, client, roomID, m.joinReply(client, msg)); err != nil {
		if !errors.Is(err, ErrRoomNotFound) {
			logger.Error("failed to join room", logger.ErrorField(err), logger.RoomID(roomID))
		}
		m.fail(client, msg, errorText(err))
	}
}

func (m *Manager) handleLeave(ctx context.Context, client *Client, msg *protocol.Message) {
	var req protocol.LeaveRoomRequest
	if err := msg.Decode(&req); err != nil {
		m.fail(client, msg, protocol.ErrTextBadRequest)
		return
	}
	roomID := req.RoomID
	if roomID == "" {
		roomID = client.RoomID()
	}
	if err := m.registry.LeaveRoom(ctx, client.ID(), roomID); err != nil {
		m.fail(client, msg, errorText(err))
		return
	}
	if client.RoomID() == roomID {
		client.setRoomID("")
	}
	m.ack(client, msg, protocol.Ack{Success: true, RoomID: roomID})
}

func (m *Manager) handleCheck(ctx context.Context, client *Client, msg *protocol.Message) {
	var req protocol.CheckRoomsRequest
	if err := msg.Decode(&req); err != nil {
		m.fail(client, msg, protocol.ErrTextBadRequest)
		return
	}
	m.ack(client, msg, protocol.Ack{Success: true, Rooms: m.registry.CheckRooms(ctx, req.RoomIDs)})
}

func (m *Manager) handleGetState(ctx context.Context, client *Client, msg *protocol.Message) {
	var req protocol.GetRoomStateRequest
	if err := msg.Decode(&req); err != nil {
		m.fail(client, msg, protocol.ErrTextBadRequest)
		return
	}
	roomID := req.RoomID
	if roomID == "" {
		roomID = client.RoomID()
	}
	reply := func(snap protocol.RoomState) {
		m.ack(client, msg, protocol.Ack{Success: true, RoomID: snap.ID, RoomState: &snap})
	}
	if _, err := m.registry.Snapshot(ctx, client.ID(), roomID, reply); err != nil {
		m.fail(client, msg, errorText(err))
	}
}

// handleChange 变更消息无应答，失败只记录日志
func (m *Manager) handleChange(ctx context.Context, client *Client, msg *protocol.Message) {
	roomID := client.RoomID()
	if roomID == "" || (msg.RoomID != "" && msg.RoomID != roomID) {
		logger.Debug("dropping change from non-member",
			logger.ConnID(client.ID()),
			logger.RoomID(msg.RoomID),
			logger.String("type", string(msg.Type)))
		return
	}
	change, err := protocol.ChangeFrom(msg)
	if err != nil {
		logger.Warn("dropping malformed change",
			logger.ErrorField(err),
			logger.ConnID(client.ID()),
			logger.RoomID(roomID))
		return
	}
	if err := m.registry.Apply(ctx, client.ID(), roomID, change); err != nil {
		logger.Debug("change rejected",
			logger.ErrorField(err),
			logger.ConnID(client.ID()),
			logger.RoomID(roomID),
			logger.String("type", string(msg.Type)))
	}
}

// leaveCurrent 切换房间前显式离开当前房间
func (m *Manager) leaveCurrent(ctx context.Context, client *Client) {
	current := client.RoomID()
	if current == "" {
		return
	}
	if err := m.registry.LeaveRoom(ctx, client.ID(), current); err != nil {
		logger.Warn("failed to leave previous room", logger.ErrorField(err), logger.RoomID(current))
	}
	client.setRoomID("")
}

func (m *Manager) ack(client *Client, req *protocol.Message, ack protocol.Ack) {
	msg, err := protocol.New(protocol.TypeAck, ack.RoomID, ack)
	if err != nil {
		logger.Error("failed to build ack", logger.ErrorField(err))
		return
	}
	msg.RequestID = req.RequestID
	client.SendMessage(msg)
}

func (m *Manager) fail(client *Client, req *protocol.Message, text string) {
	m.ack(client, req, protocol.Ack{Success: false, Error: text})
}

func errorText(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return protocol.ErrTextRoomNotFound
	case errors.Is(err, ErrNotMember):
		return protocol.ErrTextNotMember
	}
	return protocol.ErrTextInternal
}
