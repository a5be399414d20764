package room

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"DrumRoom/core/pattern"
	"DrumRoom/core/protocol"
	"DrumRoom/logger"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("not a member of the room")
	ErrRoomClosed   = errors.New("room closed")
)

// Peer is a room member's connection.
type Peer interface {
	ID() string
	Deliver(data []byte) bool
}

// roomState 只由房间自己的 goroutine 访问
type roomState struct {
	doc          pattern.State
	members      map[string]Peer
	order        []string
	lastActivity time.Time
	dirty        bool
	closed       bool
}

// Room serialises every read and mutation of one room through a single
// goroutine, so changes are applied and broadcast in arrival order.
type Room struct {
	id     string
	inbox  chan func(*roomState)
	quit   chan struct{}
	exited chan struct{}
	state  roomState

	now    func() time.Time
	onSlow func(Peer)
}

// newRoom 启动房间 goroutine；members 在房间对外可见前即已加入
func newRoom(id string, doc pattern.State, now func() time.Time, onSlow func(Peer), members ...Peer) *Room {
	r := &Room{
		id:     id,
		inbox:  make(chan func(*roomState)),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
		state: roomState{
			doc:          doc,
			members:      make(map[string]Peer),
			lastActivity: now(),
			dirty:        !doc.IsBlank(),
		},
		now:    now,
		onSlow: onSlow,
	}
	for _, p := range members {
		r.state.members[p.ID()] = p
		r.state.order = append(r.state.order, p.ID())
	}
	go r.run()
	return r
}

func (r *Room) run() {
	defer close(r.exited)
	for {
		select {
		case fn := <-r.inbox:
			fn(&r.state)
		case <-r.quit:
			return
		}
	}
}

// stop 结束房间 goroutine，已入队的操作会先执行完
func (r *Room) stop() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	<-r.exited
}

// do runs fn on the room goroutine and waits for it to finish.
func (r *Room) do(ctx context.Context, fn func(s *roomState)) error {
	finished := make(chan struct{})
	task := func(s *roomState) {
		fn(s)
		close(finished)
	}
	select {
	case r.inbox <- task:
	case <-r.quit:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (s *roomState) snapshot(id string) protocol.RoomState {
	users := append([]string{}, s.order...)
	return protocol.RoomState{ID: id, Users: users, State: s.doc.Clone()}
}

func (s *roomState) touch(now time.Time) {
	s.lastActivity = now
	s.dirty = true
}

// broadcast 向除 excludeID 外的所有成员投递，慢连接交给 onSlow 处理
func (r *Room) broadcast(s *roomState, msg *protocol.Message, excludeID string) {
	msg.RoomID = r.id
	if msg.Timestamp == 0 {
		msg.Timestamp = r.now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal broadcast", logger.ErrorField(err), logger.RoomID(r.id))
		return
	}
	for _, id := range s.order {
		if id == excludeID {
			continue
		}
		peer := s.members[id]
		if !peer.Deliver(data) && r.onSlow != nil {
			go r.onSlow(peer)
		}
	}
}

func (r *Room) sendTo(peer Peer, msg *protocol.Message) {
	msg.RoomID = r.id
	if msg.Timestamp == 0 {
		msg.Timestamp = r.now().UnixMilli()
	}
	if data, err := json.Marshal(msg); err == nil {
		peer.Deliver(data)
	}
}

func presence(t protocol.MessageType, userID string, count int) *protocol.Message {
	msg, _ := protocol.New(t, "", protocol.PresencePayload{UserID: userID, UserCount: count})
	return msg
}

// ========== 房间操作（均在房间 goroutine 中执行） ==========

type joinResult struct {
	snapshot protocol.RoomState
	already  bool
}

// join adds peer to the room. reply runs on the room goroutine with the
// snapshot, so the peer's answer is queued ahead of any later broadcast.
func (r *Room) join(ctx context.Context, peer Peer, reply func(protocol.RoomState)) (joinResult, error) {
	var res joinResult
	var opErr error
	err := r.do(ctx, func(s *roomState) {
		if s.closed {
			opErr = ErrRoomNotFound
			return
		}
		if _, ok := s.members[peer.ID()]; ok {
			res.already = true
		} else {
			s.members[peer.ID()] = peer
			s.order = append(s.order, peer.ID())
		}
		s.lastActivity = r.now()
		res.snapshot = s.snapshot(r.id)
		if reply != nil {
			reply(res.snapshot)
		}
		if !res.already {
			r.broadcast(s, presence(protocol.TypeUserJoined, peer.ID(), len(s.members)), peer.ID())
		}
	})
	if errors.Is(err, ErrRoomClosed) {
		return res, ErrRoomNotFound
	}
	if err != nil {
		return res, err
	}
	return res, opErr
}

// leave removes the peer and reports how many members remain.
func (r *Room) leave(ctx context.Context, peerID string) (remaining int, wasMember bool, err error) {
	err = r.do(ctx, func(s *roomState) {
		if _, ok := s.members[peerID]; !ok {
			remaining = len(s.members)
			return
		}
		wasMember = true
		delete(s.members, peerID)
		for i, id := range s.order {
			if id == peerID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		s.lastActivity = r.now()
		remaining = len(s.members)
		r.broadcast(s, presence(protocol.TypeUserLeft, peerID, remaining), peerID)
	})
	if errors.Is(err, ErrRoomClosed) {
		err = nil
	}
	return remaining, wasMember, err
}

// apply runs one change from a member and rebroadcasts it. includeSender is
// set when the server altered the change (e.g. assigned a track id).
func (r *Room) apply(ctx context.Context, senderID string, change pattern.Change, includeSender bool) error {
	var opErr error
	err := r.do(ctx, func(s *roomState) {
		if s.closed {
			opErr = ErrRoomNotFound
			return
		}
		sender, ok := s.members[senderID]
		if !ok {
			opErr = ErrNotMember
			return
		}

		if fx, ok := change.(pattern.EffectStateApply); ok {
			if errs := pattern.ValidateEffects(fx.Effects); len(errs) > 0 {
				msg, _ := protocol.New(protocol.TypeEffectStateError, r.id, protocol.EffectStateErrorPayload{TrackID: fx.TrackID, Errors: errs})
				r.sendTo(sender, msg)
				return
			}
		}
		if fx, ok := change.(pattern.EffectChainUpdate); ok {
			if errs := pattern.ValidateEffects(fx.Enabled); len(errs) > 0 {
				logger.Warn("dropping invalid effect chain update",
					logger.RoomID(r.id),
					logger.String("trackId", fx.TrackID),
					logger.Any("errors", errs))
				return
			}
		}
		if at, ok := change.(pattern.AddTrack); ok && s.doc.HasTrack(at.Track.ID) {
			logger.Debug("dropping add-track with existing id",
				logger.RoomID(r.id),
				logger.String("trackId", at.Track.ID))
			return
		}

		next, changed := pattern.Apply(s.doc, change)
		if changed {
			s.doc = next
			s.touch(r.now())
		}

		t, payload, err := protocol.BroadcastFor(change, s.doc)
		if err != nil {
			logger.Warn("no broadcast for change", logger.ErrorField(err), logger.RoomID(r.id))
			return
		}
		msg, err := protocol.New(t, r.id, payload)
		if err != nil {
			logger.Warn("failed to build broadcast", logger.ErrorField(err), logger.RoomID(r.id))
			return
		}
		exclude := senderID
		if includeSender {
			exclude = ""
		}
		r.broadcast(s, msg, exclude)
	})
	if errors.Is(err, ErrRoomClosed) {
		return ErrRoomNotFound
	}
	if err != nil {
		return err
	}
	return opErr
}

func (r *Room) snapshotFor(ctx context.Context, peerID string, reply func(protocol.RoomState)) (protocol.RoomState, error) {
	var snap protocol.RoomState
	var opErr error
	err := r.do(ctx, func(s *roomState) {
		if s.closed {
			opErr = ErrRoomNotFound
			return
		}
		if _, ok := s.members[peerID]; !ok {
			opErr = ErrNotMember
			return
		}
		snap = s.snapshot(r.id)
		if reply != nil {
			reply(snap)
		}
	})
	if errors.Is(err, ErrRoomClosed) {
		return snap, ErrRoomNotFound
	}
	if err != nil {
		return snap, err
	}
	return snap, opErr
}

// status 返回房间是否存在及成员数
func (r *Room) status(ctx context.Context) (exists bool, users int) {
	err := r.do(ctx, func(s *roomState) {
		exists = !s.closed
		users = len(s.members)
	})
	if err != nil {
		return false, 0
	}
	return exists, users
}

// closeIf marks the room closed when it has no members and cond holds for
// its state. Once closed, every later operation reports ErrRoomNotFound.
func (r *Room) closeIf(ctx context.Context, cond func(s *roomState) bool) bool {
	closed := false
	err := r.do(ctx, func(s *roomState) {
		if s.closed || len(s.members) > 0 {
			return
		}
		if cond == nil || cond(s) {
			s.closed = true
			closed = true
		}
	})
	return err == nil && closed
}

// takeDirty returns a snapshot when the room changed since the last call.
func (r *Room) takeDirty(ctx context.Context) (protocol.RoomState, bool) {
	var snap protocol.RoomState
	dirty := false
	r.do(ctx, func(s *roomState) {
		if s.closed || !s.dirty {
			return
		}
		s.dirty = false
		dirty = true
		snap = s.snapshot(r.id)
	})
	return snap, dirty
}
