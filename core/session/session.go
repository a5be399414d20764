// Package session is the client side of a room: it owns the websocket,
// room membership and reconnection, and keeps a mirror.Mirror in sync.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"DrumRoom/core/mirror"
	"DrumRoom/core/pattern"
	"DrumRoom/core/protocol"
	"DrumRoom/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnectionState 对外暴露的连接状态
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnected    ConnectionState = "connected"
	StateSyncing      ConnectionState = "syncing"
	StateFailed       ConnectionState = "failed"
)

// ReconnectPhase 重连状态机的阶段
type ReconnectPhase string

const (
	PhaseIdle       ReconnectPhase = "idle"
	PhaseBackoff    ReconnectPhase = "backoff-waiting"
	PhaseAttempting ReconnectPhase = "attempting"
)

// Options 会话参数，零值字段使用默认值
type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	// RequestTimeout 用于 create-room / join-room 和每次重连拨号
	RequestTimeout time.Duration
	// CheckTimeout 用于 check-rooms / leave-room / get-room-state
	CheckTimeout time.Duration

	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxReconnectDuration time.Duration
	// SyncGrace 重新加入房间后保持 syncing 的时间
	SyncGrace time.Duration
	// HeartbeatInterval 应用层 ping 间隔，负数表示关闭
	HeartbeatInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 5 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxReconnectDuration <= 0 {
		o.MaxReconnectDuration = 5 * time.Minute
	}
	if o.SyncGrace <= 0 {
		o.SyncGrace = 5 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
}

// Status is a point-in-time view of the session.
type Status struct {
	State  ConnectionState
	Phase  ReconnectPhase
	RoomID string
	UserID string
	// Cause 为 failed 的原因：ErrRoomNotFound、ErrReconnectExhausted 或请求错误
	Cause error
}

type pendingRequest struct {
	done chan error
	// handle 在读协程中执行，先于之后到达的任何广播
	handle func(protocol.Ack) error
}

// Manager 客户端会话管理器
type Manager struct {
	opts   Options
	mirror *mirror.Mirror

	mu      sync.Mutex
	conn    *conn
	gen     uint64
	state   ConnectionState
	phase   ReconnectPhase
	cause   error
	userID  string
	roomID  string
	epoch   uint64
	pending map[string]*pendingRequest
	closed  bool
	done    chan struct{}

	// 唯一的定时器：退避等待与同步宽限期共用
	timer    *time.Timer
	timerSeq uint64
	attempt  int
	started  time.Time

	onStatus  func(Status)
	onMessage func(*protocol.Message)
}

// New 创建会话；m 为 nil 时新建一个镜像
func New(opts Options, m *mirror.Mirror) *Manager {
	opts.setDefaults()
	if m == nil {
		m = mirror.New()
	}
	return &Manager{
		opts:    opts,
		mirror:  m,
		state:   StateDisconnected,
		phase:   PhaseIdle,
		pending: make(map[string]*pendingRequest),
		done:    make(chan struct{}),
	}
}

// Mirror 本地状态镜像
func (m *Manager) Mirror() *mirror.Mirror {
	return m.mirror
}

// OnStatus registers a callback run after every state or phase change.
func (m *Manager) OnStatus(fn func(Status)) {
	m.mu.Lock()
	m.onStatus = fn
	m.mu.Unlock()
}

// OnMessage registers a callback run for every inbound non-ack message,
// after it has been applied to the mirror.
func (m *Manager) OnMessage(fn func(*protocol.Message)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return Status{State: m.state, Phase: m.phase, RoomID: m.roomID, UserID: m.userID, Cause: m.cause}
}

func (m *Manager) notify() {
	m.mu.Lock()
	fn := m.onStatus
	st := m.statusLocked()
	m.mu.Unlock()
	logger.Debug("session status",
		logger.String("state", string(st.State)),
		logger.String("phase", string(st.Phase)),
		logger.RoomID(st.RoomID))
	if fn != nil {
		fn(st)
	}
}

// ========== 连接 ==========

// Connect dials the server. A failed initial connect is returned to the
// caller and does not start the reconnect loop. While the loop is running
// a failed manual connect leaves it untouched.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	c, err := dial(ctx, m.opts.Dialer, m.opts.URL, m.opts.Header)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed || m.conn != nil {
		closed := m.closed
		m.mu.Unlock()
		c.close()
		if closed {
			return ErrClosed
		}
		return nil
	}
	// 手动连接成功，结束重连循环；进行中的拨号会看到 phase 已变并丢弃结果
	m.stopTimerLocked()
	m.phase = PhaseIdle
	m.installLocked(c)
	m.cause = nil
	roomID := m.roomID
	epoch, gen := m.epoch, m.gen
	if roomID != "" {
		// 重连耗尽后手动重连，仍按重新加入处理
		m.state = StateSyncing
	} else {
		m.state = StateConnected
	}
	m.mu.Unlock()

	logger.Info("connected to server", logger.String("url", m.opts.URL))
	m.notify()
	if roomID != "" {
		go m.rejoin(roomID, epoch, gen)
	}
	return nil
}

func (m *Manager) installLocked(c *conn) {
	m.gen++
	m.conn = c
	gen := m.gen
	go m.read(c, gen)
	if m.opts.HeartbeatInterval > 0 {
		go m.heartbeat(c, gen)
	}
}

func (m *Manager) read(c *conn, gen uint64) {
	err := c.readLoop(m.handle)
	m.connectionLost(c, gen, err)
}

func (m *Manager) heartbeat(c *conn, gen uint64) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			current := m.gen == gen && m.conn == c
			m.mu.Unlock()
			if !current {
				return
			}
			if err := c.send(&protocol.Message{Type: protocol.TypePing, RequestID: uuid.NewString()}); err != nil {
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *Manager) connectionLost(c *conn, gen uint64, err error) {
	c.close()

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	pending := m.pending
	m.pending = make(map[string]*pendingRequest)
	m.state = StateDisconnected
	m.cause = nil
	m.phase = PhaseBackoff
	m.attempt = 0
	m.started = time.Now()
	m.scheduleLocked(m.backoff(0), m.attemptReconnect)
	m.mu.Unlock()

	for _, p := range pending {
		p.done <- ErrNotConnected
	}
	logger.Warn("connection lost, reconnecting", logger.ErrorField(err))
	m.notify()
}

// backoff 第 n 次重试前的等待时间：从 InitialBackoff 开始翻倍，不超过 MaxBackoff
func (m *Manager) backoff(n int) time.Duration {
	d := m.opts.InitialBackoff
	for i := 0; i < n && d < m.opts.MaxBackoff; i++ {
		d *= 2
	}
	if d > m.opts.MaxBackoff {
		d = m.opts.MaxBackoff
	}
	return d
}

// scheduleLocked replaces the session timer. A callback from a replaced
// timer sees a stale seq and returns.
func (m *Manager) scheduleLocked(d time.Duration, fn func(seq uint64)) {
	m.stopTimerLocked()
	seq := m.timerSeq
	m.timer = time.AfterFunc(d, func() { fn(seq) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) attemptReconnect(seq uint64) {
	m.mu.Lock()
	if m.closed || seq != m.timerSeq || m.phase != PhaseBackoff {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.phase = PhaseAttempting
	attempt := m.attempt
	m.mu.Unlock()
	m.notify()

	logger.Info("reconnect attempt", logger.Int("attempt", attempt+1))
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	c, err := dial(ctx, m.opts.Dialer, m.opts.URL, m.opts.Header)
	cancel()

	m.mu.Lock()
	if m.closed || m.phase != PhaseAttempting {
		m.mu.Unlock()
		if c != nil {
			c.close()
		}
		return
	}

	if err != nil {
		m.attempt++
		elapsed := time.Since(m.started)
		if elapsed >= m.opts.MaxReconnectDuration {
			m.phase = PhaseIdle
			m.state = StateFailed
			m.cause = ErrReconnectExhausted
			m.mu.Unlock()
			logger.Error("giving up reconnecting", logger.Duration("elapsed", elapsed), logger.ErrorField(err))
			m.notify()
			return
		}
		delay := m.backoff(m.attempt)
		if remaining := m.opts.MaxReconnectDuration - elapsed; delay > remaining {
			delay = remaining
		}
		m.phase = PhaseBackoff
		m.scheduleLocked(delay, m.attemptReconnect)
		m.mu.Unlock()
		logger.Debug("reconnect failed", logger.ErrorField(err), logger.Duration("retryIn", delay))
		m.notify()
		return
	}

	m.phase = PhaseIdle
	m.installLocked(c)
	roomID := m.roomID
	if roomID == "" {
		m.state = StateConnected
		m.mu.Unlock()
		logger.Info("reconnected")
		m.notify()
		return
	}
	m.state = StateSyncing
	epoch, gen := m.epoch, m.gen
	m.mu.Unlock()
	logger.Info("reconnected, rejoining room", logger.RoomID(roomID))
	m.notify()
	go m.rejoin(roomID, epoch, gen)
}

// rejoin 重连后重新加入原房间，用服务端快照覆盖本地镜像
func (m *Manager) rejoin(roomID string, epoch, gen uint64) {
	if !m.current(epoch, gen) {
		return
	}
	err := m.request(context.Background(), protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: roomID}, m.opts.RequestTimeout,
		m.rejoinAck(epoch, gen))

	m.mu.Lock()
	if m.closed || m.epoch != epoch || m.gen != gen || errors.Is(err, ErrNotConnected) {
		m.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		m.scheduleLocked(m.opts.SyncGrace, m.settle)
		m.mu.Unlock()
		logger.Info("room state resynced", logger.RoomID(roomID))
		return
	case errors.Is(err, ErrRoomNotFound):
		m.roomID = ""
		m.state = StateFailed
		m.cause = ErrRoomNotFound
		logger.Warn("room no longer exists after reconnect", logger.RoomID(roomID))
	default:
		m.state = StateFailed
		m.cause = err
		logger.Error("rejoin failed", logger.ErrorField(err), logger.RoomID(roomID))
	}
	m.mu.Unlock()
	m.notify()
}

// rejoinAck 处理重新加入的应答；期间离开或切换了房间时应答作废，
// 并通知服务端撤销刚授予的成员身份
func (m *Manager) rejoinAck(epoch, gen uint64) func(protocol.Ack) error {
	return func(ack protocol.Ack) error {
		if err := ackError(ack); err != nil {
			return err
		}
		if ack.RoomState == nil {
			return &ServerError{Text: "join answer without room state"}
		}
		m.mu.Lock()
		sameConn := m.gen == gen
		current := sameConn && m.epoch == epoch
		m.mu.Unlock()
		if !current {
			if sameConn {
				m.leaveStale(ack.RoomState.ID)
			}
			return ErrSuperseded
		}
		m.mirror.SyncFromServer(*ack.RoomState)
		return nil
	}
}

func (m *Manager) current(epoch, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.epoch == epoch && m.gen == gen
}

// leaveStale 撤销一个已作废应答在服务端留下的成员身份。
// 会话当前仍在该房间时不发送。
func (m *Manager) leaveStale(roomID string) {
	m.mu.Lock()
	c := m.conn
	inRoom := m.roomID == roomID
	m.mu.Unlock()
	if c == nil || inRoom || roomID == "" {
		return
	}
	logger.Debug("dropping stale membership", logger.RoomID(roomID))
	leave, err := protocol.New(protocol.TypeLeaveRoom, roomID, protocol.LeaveRoomRequest{RoomID: roomID})
	if err != nil {
		return
	}
	if err := c.send(leave); err != nil {
		logger.Debug("stale leave not sent", logger.ErrorField(err), logger.RoomID(roomID))
	}
}

func (m *Manager) settle(seq uint64) {
	m.mu.Lock()
	if m.closed || seq != m.timerSeq || m.state != StateSyncing {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = StateConnected
	m.mu.Unlock()
	m.notify()
}

// Close 关闭会话，取消定时器和所有未完成的请求
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopTimerLocked()
	c := m.conn
	m.conn = nil
	pending := m.pending
	m.pending = make(map[string]*pendingRequest)
	m.state = StateDisconnected
	m.phase = PhaseIdle
	close(m.done)
	m.mu.Unlock()

	for _, p := range pending {
		p.done <- ErrClosed
	}
	if c != nil {
		c.close()
	}
}

// ========== 请求/应答 ==========

func (m *Manager) request(ctx context.Context, t protocol.MessageType, payload any, timeout time.Duration, handle func(protocol.Ack) error) error {
	m.mu.Lock()
	c := m.conn
	if c == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	id := uuid.NewString()
	p := &pendingRequest{done: make(chan error, 1), handle: handle}
	m.pending[id] = p
	roomID := m.roomID
	m.mu.Unlock()

	msg, err := protocol.New(t, roomID, payload)
	if err != nil {
		m.take(id)
		return err
	}
	msg.RequestID = id
	logger.Debug("sending request", logger.String("type", string(t)), logger.String("requestId", id))
	if err := c.send(msg); err != nil {
		m.take(id)
		return ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-p.done:
		return err
	case <-timer.C:
		m.take(id)
		return ErrRequestTimeout
	case <-ctx.Done():
		m.take(id)
		return ctx.Err()
	}
}

func (m *Manager) take(id string) *pendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pending[id]
	delete(m.pending, id)
	return p
}

func ackError(ack protocol.Ack) error {
	if ack.Success {
		return nil
	}
	switch ack.Error {
	case protocol.ErrTextRoomNotFound:
		return ErrRoomNotFound
	case protocol.ErrTextInvalidRoomID:
		return ErrInvalidRoomID
	}
	return &ServerError{Text: ack.Error}
}

// CreateRoom creates a room with a blank pattern and enters it.
func (m *Manager) CreateRoom(ctx context.Context) (protocol.RoomState, error) {
	return m.create(ctx, nil)
}

// RecreateRoom creates a new room seeded with the local pattern. It backs
// the recovery offered when a rejoin fails with ErrRoomNotFound.
func (m *Manager) RecreateRoom(ctx context.Context) (protocol.RoomState, error) {
	seed := m.mirror.State()
	return m.create(ctx, &seed)
}

func (m *Manager) create(ctx context.Context, seed *pattern.State) (protocol.RoomState, error) {
	epoch := m.nextEpoch()
	var snap protocol.RoomState
	err := m.request(ctx, protocol.TypeCreateRoom, protocol.CreateRoomRequest{Seed: seed}, m.opts.RequestTimeout,
		m.enterRoom(epoch, &snap))
	return snap, err
}

// JoinRoom joins an existing room and replaces the mirror with its state.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) (protocol.RoomState, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return protocol.RoomState{}, ErrInvalidRoomID
	}
	epoch := m.nextEpoch()
	var snap protocol.RoomState
	err := m.request(ctx, protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: roomID}, m.opts.RequestTimeout,
		m.enterRoom(epoch, &snap))
	return snap, err
}

func (m *Manager) nextEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	return m.epoch
}

// enterRoom returns the ack handler for create and join. An answer that
// arrives after a newer create, join or leave is ignored, and the server is
// told to drop the membership it just granted.
func (m *Manager) enterRoom(epoch uint64, out *protocol.RoomState) func(protocol.Ack) error {
	return func(ack protocol.Ack) error {
		if err := ackError(ack); err != nil {
			return err
		}
		if ack.RoomState == nil {
			return &ServerError{Text: "answer without room state"}
		}
		snap := *ack.RoomState

		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			logger.Debug("ignoring stale room answer", logger.RoomID(snap.ID))
			m.leaveStale(snap.ID)
			return ErrSuperseded
		}
		m.roomID = snap.ID
		m.state = StateConnected
		m.cause = nil
		m.stopTimerLocked()
		m.mu.Unlock()

		m.mirror.SyncFromServer(snap)
		*out = snap
		logger.Info("entered room", logger.RoomID(snap.ID), logger.Int("users", len(snap.Users)))
		m.notify()
		return nil
	}
}

// LeaveRoom stops all sends for the current room at once and discards the
// mirror, then tells the server.
func (m *Manager) LeaveRoom(ctx context.Context) error {
	m.mu.Lock()
	roomID := m.roomID
	m.roomID = ""
	m.epoch++
	if m.conn != nil && (m.state == StateSyncing || m.state == StateFailed) {
		m.stopTimerLocked()
		m.state = StateConnected
		m.cause = nil
	}
	m.mu.Unlock()

	m.mirror.Reset()
	m.notify()
	if roomID == "" {
		return nil
	}
	return m.request(ctx, protocol.TypeLeaveRoom, protocol.LeaveRoomRequest{RoomID: roomID}, m.opts.CheckTimeout,
		func(ack protocol.Ack) error { return ackError(ack) })
}

// CheckRooms 批量查询房间是否存在
func (m *Manager) CheckRooms(ctx context.Context, roomIDs []string) ([]protocol.RoomStatus, error) {
	var rooms []protocol.RoomStatus
	err := m.request(ctx, protocol.TypeCheckRooms, protocol.CheckRoomsRequest{RoomIDs: roomIDs}, m.opts.CheckTimeout,
		func(ack protocol.Ack) error {
			if err := ackError(ack); err != nil {
				return err
			}
			rooms = ack.Rooms
			return nil
		})
	return rooms, err
}

// Resync 主动拉取房间完整状态覆盖本地镜像
func (m *Manager) Resync(ctx context.Context) error {
	m.mu.Lock()
	roomID, epoch := m.roomID, m.epoch
	m.mu.Unlock()
	if roomID == "" {
		return ErrRoomNotFound
	}
	return m.request(ctx, protocol.TypeGetRoomState, protocol.GetRoomStateRequest{RoomID: roomID}, m.opts.CheckTimeout,
		func(ack protocol.Ack) error {
			if err := ackError(ack); err != nil {
				return err
			}
			if ack.RoomState == nil {
				return &ServerError{Text: "answer without room state"}
			}
			m.mu.Lock()
			current := m.epoch == epoch
			m.mu.Unlock()
			if !current {
				return ErrSuperseded
			}
			m.mirror.SyncFromServer(*ack.RoomState)
			return nil
		})
}

// ========== 变更 ==========

// Send applies c to the mirror and forwards it to the room. The edit is
// only sent while connected and in a room; otherwise it stays local and is
// never replayed. Send reports whether the change went out.
func (m *Manager) Send(c pattern.Change) bool {
	if at, ok := c.(pattern.AddTrack); ok && at.Track.ID == "" {
		at.Track.ID = uuid.NewString()
		c = at
	}
	m.mirror.Apply(c)

	m.mu.Lock()
	conn, roomID := m.conn, m.roomID
	ready := conn != nil && roomID != "" && m.state == StateConnected
	m.mu.Unlock()
	if !ready {
		logger.Debug("change kept local, not connected to a room", logger.RoomID(roomID))
		return false
	}

	t, payload, err := protocol.RequestFor(c)
	if err != nil {
		logger.Warn("unsupported change", logger.ErrorField(err))
		return false
	}
	msg, err := protocol.New(t, roomID, payload)
	if err != nil {
		return false
	}
	if err := conn.send(msg); err != nil {
		logger.Debug("send failed", logger.ErrorField(err), logger.String("type", string(t)))
		return false
	}
	logger.Debug("change sent", logger.String("type", string(t)), logger.RoomID(roomID))
	return true
}

// ========== 入站消息 ==========

func (m *Manager) handle(msg *protocol.Message) {
	logger.Debug("message received",
		logger.String("type", string(msg.Type)),
		logger.RoomID(msg.RoomID))

	switch msg.Type {
	case protocol.TypeAck:
		p := m.take(msg.RequestID)
		if p == nil {
			return
		}
		var ack protocol.Ack
		if err := msg.Decode(&ack); err != nil {
			p.done <- err
			return
		}
		p.done <- p.handle(ack)
		return

	case protocol.TypePong:
		return

	case protocol.TypeConnect:
		var p protocol.ConnectPayload
		if err := msg.Decode(&p); err == nil {
			m.mu.Lock()
			m.userID = p.UserID
			m.mu.Unlock()
		}

	case protocol.TypeUserJoined, protocol.TypeUserLeft:
		if !m.inRoom(msg.RoomID) {
			return
		}
		var p protocol.PresencePayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		if msg.Type == protocol.TypeUserJoined {
			m.mirror.SetUsers(p.UserID, "")
		} else {
			m.mirror.SetUsers("", p.UserID)
		}

	case protocol.TypeEffectStateError:
		var p protocol.EffectStateErrorPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		logger.Warn("effect state rejected by server",
			logger.String("trackId", p.TrackID),
			logger.Any("errors", p.Errors))

	default:
		if !m.inRoom(msg.RoomID) {
			return
		}
		change, err := protocol.ChangeFrom(msg)
		if err != nil {
			logger.Warn("ignoring undecodable broadcast", logger.ErrorField(err), logger.String("type", string(msg.Type)))
			return
		}
		m.mirror.Apply(change)
	}

	m.mu.Lock()
	fn := m.onMessage
	m.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (m *Manager) inRoom(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID != "" && (roomID == "" || roomID == m.roomID)
}
