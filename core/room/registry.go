package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"DrumRoom/core/pattern"
	"DrumRoom/core/protocol"
	"DrumRoom/logger"

	"github.com/google/uuid"
)

const (
	roomIDLength      = 8
	maxRoomIDAttempts = 100
)

// Store persists room snapshots outside the process. LoadRoom returns nil
// without error when nothing is stored under the id.
type Store interface {
	SaveRoom(ctx context.Context, roomID string, state pattern.State) error
	LoadRoom(ctx context.Context, roomID string) (*pattern.State, error)
	DeleteRoom(ctx context.Context, roomID string) error
	RoomExists(ctx context.Context, roomID string) (bool, error)
}

// Config 房间清理策略
type Config struct {
	// SweepInterval 清理周期
	SweepInterval time.Duration
	// IdleTTL 已修改的空房间在无活动多久后销毁；未修改的空房间在下次清理时立即销毁
	IdleTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		SweepInterval: 30 * time.Second,
		IdleTTL:       2 * time.Minute,
	}
}

// Registry 内存中的房间表，负责房间的创建、加入、离开与销毁
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	store  Store
	cfg    Config
	now    func() time.Time
	onSlow func(Peer)
}

// NewRegistry 创建房间表；store 可以为 nil
func NewRegistry(store Store, cfg Config) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Registry{
		rooms: make(map[string]*Room),
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// OnSlowPeer sets the callback for members whose send buffer is full.
// It must be set before any room is created.
func (r *Registry) OnSlowPeer(fn func(Peer)) {
	r.onSlow = fn
}

func (r *Registry) get(roomID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// Count 当前内存中的房间数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ========== 房间管理 ==========

// generateRoomID 生成未被占用的短房间号
func (r *Registry) generateRoomID(ctx context.Context) (string, error) {
	for i := 0; i < maxRoomIDAttempts; i++ {
		id := uuid.NewString()[:roomIDLength]
		if r.get(id) != nil {
			continue
		}
		if r.store != nil {
			exists, err := r.store.RoomExists(ctx, id)
			if err != nil {
				logger.Warn("room store lookup failed", logger.ErrorField(err), logger.RoomID(id))
			} else if exists {
				continue
			}
		}
		return id, nil
	}
	return "", fmt.Errorf("unable to generate a unique room id after %d attempts", maxRoomIDAttempts)
}

// CreateRoom 创建房间，创建者即为第一个成员。seed 非空时以其为初始状态。
// reply 与 JoinRoom 相同，在房间 goroutine 中以快照调用，可以为 nil
func (r *Registry) CreateRoom(ctx context.Context, peer Peer, seed *pattern.State, reply func(protocol.RoomState)) (protocol.RoomState, error) {
	doc := pattern.NewState()
	if seed != nil {
		doc = pattern.Normalize(*seed)
	}

	var room *Room
	for room == nil {
		id, err := r.generateRoomID(ctx)
		if err != nil {
			return protocol.RoomState{}, err
		}
		r.mu.Lock()
		if _, taken := r.rooms[id]; !taken {
			room = newRoom(id, doc, r.now, r.onSlow, peer)
			r.rooms[id] = room
		}
		r.mu.Unlock()
	}

	logger.Info("room created",
		logger.RoomID(room.id),
		logger.ConnID(peer.ID()),
		logger.Bool("seeded", seed != nil))
	return room.snapshotFor(ctx, peer.ID(), reply)
}

// restore 从持久化快照恢复不在内存中的房间
func (r *Registry) restore(ctx context.Context, roomID string) (*Room, error) {
	if r.store == nil {
		return nil, ErrRoomNotFound
	}
	state, err := r.store.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	if state == nil {
		return nil, ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		return room, nil
	}
	room := newRoom(roomID, pattern.Normalize(*state), r.now, r.onSlow)
	r.rooms[roomID] = room
	logger.Info("room restored from store", logger.RoomID(roomID))
	return room, nil
}

// JoinRoom adds peer to the room and returns the full snapshot. Joining a
// room the peer is already in only returns the snapshot. reply, if set, is
// called with the snapshot before any later change is broadcast.
func (r *Registry) JoinRoom(ctx context.Context, peer Peer, roomID string, reply func(protocol.RoomState)) (protocol.RoomState, error) {
	if roomID == "" {
		return protocol.RoomState{}, ErrRoomNotFound
	}
	// 房间可能恰好在加入前被清理，此时再从存储恢复一次
	for attempt := 0; attempt < 2; attempt++ {
		room := r.get(roomID)
		if room == nil {
			var err error
			if room, err = r.restore(ctx, roomID); err != nil {
				return protocol.RoomState{}, err
			}
		}
		res, err := room.join(ctx, peer, reply)
		if errors.Is(err, ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return protocol.RoomState{}, err
		}
		if !res.already {
			logger.Info("user joined room",
				logger.RoomID(roomID),
				logger.ConnID(peer.ID()),
				logger.Int("userCount", len(res.snapshot.Users)))
		}
		return res.snapshot, nil
	}
	return protocol.RoomState{}, ErrRoomNotFound
}

// LeaveRoom removes the peer. A room emptied by an explicit leave is
// destroyed at once. Leaving a room one is not in is a no-op.
func (r *Registry) LeaveRoom(ctx context.Context, peerID, roomID string) error {
	room := r.get(roomID)
	if room == nil {
		return nil
	}
	remaining, wasMember, err := room.leave(ctx, peerID)
	if err != nil || !wasMember {
		return err
	}
	logger.Info("user left room",
		logger.RoomID(roomID),
		logger.ConnID(peerID),
		logger.Int("userCount", remaining))

	if remaining == 0 && room.closeIf(ctx, nil) {
		r.destroy(ctx, room)
	}
	return nil
}

// Disconnect removes a peer whose connection dropped. An emptied room is
// kept for the sweep so the peer can rejoin after reconnecting.
func (r *Registry) Disconnect(ctx context.Context, peerID, roomID string) {
	room := r.get(roomID)
	if room == nil {
		return
	}
	remaining, wasMember, err := room.leave(ctx, peerID)
	if err != nil || !wasMember {
		return
	}
	logger.Info("user disconnected from room",
		logger.RoomID(roomID),
		logger.ConnID(peerID),
		logger.Int("userCount", remaining))
	if remaining == 0 {
		r.persist(ctx, room)
	}
}

// CheckRooms 批量查询房间状态，不修改任何房间
func (r *Registry) CheckRooms(ctx context.Context, roomIDs []string) []protocol.RoomStatus {
	out := make([]protocol.RoomStatus, 0, len(roomIDs))
	for _, id := range roomIDs {
		status := protocol.RoomStatus{RoomID: id}
		if room := r.get(id); room != nil {
			status.Exists, status.UserCount = room.status(ctx)
		}
		if !status.Exists && id != "" && r.store != nil {
			exists, err := r.store.RoomExists(ctx, id)
			if err != nil {
				logger.Warn("room store lookup failed", logger.ErrorField(err), logger.RoomID(id))
			}
			status.Exists = exists
		}
		out = append(out, status)
	}
	return out
}

// Apply applies a change sent by a member and rebroadcasts it. An add-track
// without an id gets one assigned, and is then echoed to the sender too.
func (r *Registry) Apply(ctx context.Context, peerID, roomID string, change pattern.Change) error {
	room := r.get(roomID)
	if room == nil {
		return ErrRoomNotFound
	}
	includeSender := false
	if at, ok := change.(pattern.AddTrack); ok && at.Track.ID == "" {
		at.Track.ID = uuid.NewString()
		change = at
		includeSender = true
	}
	return room.apply(ctx, peerID, change, includeSender)
}

// Snapshot 返回房间完整状态，仅限成员
func (r *Registry) Snapshot(ctx context.Context, peerID, roomID string, reply func(protocol.RoomState)) (protocol.RoomState, error) {
	room := r.get(roomID)
	if room == nil {
		return protocol.RoomState{}, ErrRoomNotFound
	}
	return room.snapshotFor(ctx, peerID, reply)
}

// ========== 清理 ==========

// Sweep destroys empty rooms that are blank or idle past IdleTTL, and saves
// snapshots of rooms that changed since the previous sweep.
func (r *Registry) Sweep(ctx context.Context) int {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	now := r.now()
	destroyed := 0
	for _, room := range rooms {
		expired := room.closeIf(ctx, func(s *roomState) bool {
			return s.doc.IsBlank() || now.Sub(s.lastActivity) >= r.cfg.IdleTTL
		})
		if expired {
			r.destroy(ctx, room)
			destroyed++
			continue
		}
		r.persist(ctx, room)
	}
	if destroyed > 0 {
		logger.Info("room sweep finished",
			logger.Int("destroyed", destroyed),
			logger.Int("remaining", r.Count()))
	}
	return destroyed
}

// Run 周期性执行清理，直到 ctx 结束
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Close saves every changed room and stops all room goroutines.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	for _, room := range rooms {
		r.persist(ctx, room)
		room.stop()
	}
}

func (r *Registry) persist(ctx context.Context, room *Room) {
	if r.store == nil {
		return
	}
	snap, dirty := room.takeDirty(ctx)
	if !dirty {
		return
	}
	if err := r.store.SaveRoom(ctx, room.id, snap.State); err != nil {
		logger.Warn("failed to save room snapshot", logger.ErrorField(err), logger.RoomID(room.id))
	}
}

func (r *Registry) destroy(ctx context.Context, room *Room) {
	r.mu.Lock()
	if current, ok := r.rooms[room.id]; ok && current == room {
		delete(r.rooms, room.id)
	}
	r.mu.Unlock()
	room.stop()

	if r.store != nil {
		if err := r.store.DeleteRoom(ctx, room.id); err != nil {
			logger.Warn("failed to delete room snapshot", logger.ErrorField(err), logger.RoomID(room.id))
		}
	}
	logger.Info("room destroyed", logger.RoomID(room.id))
}
