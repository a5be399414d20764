// Package mirror keeps a client's local copy of the room document.
package mirror

import (
	"sync"

	"DrumRoom/core/pattern"
	"DrumRoom/core/protocol"
)

// Mirror 客户端本地状态镜像。每次修改都生成新的 State，读者拿到的永远是完整快照
type Mirror struct {
	mu     sync.RWMutex
	state  pattern.State
	roomID string
	users  []string

	version  uint64
	onChange func(pattern.State)
}

// New 返回一个默认状态的镜像
func New() *Mirror {
	return &Mirror{state: pattern.NewState()}
}

// OnChange registers fn to be called after every update. It runs outside
// the lock with the new state.
func (m *Mirror) OnChange(fn func(pattern.State)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// State 当前状态。返回值在调用者手中不会再被修改
func (m *Mirror) State() pattern.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Mirror) RoomID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roomID
}

// Users 当前房间成员
func (m *Mirror) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.users...)
}

// Version 每次状态替换递增
func (m *Mirror) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Apply runs a change through the reducer, used both for optimistic local
// edits and for inbound broadcasts. It reports whether the state changed.
func (m *Mirror) Apply(c pattern.Change) bool {
	m.mu.Lock()
	next, changed := pattern.Apply(m.state, c)
	if !changed {
		m.mu.Unlock()
		return false
	}
	m.state = next
	m.version++
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(next)
	}
	return true
}

// SyncFromServer replaces the whole mirror with an authoritative snapshot.
// It is the only wholesale overwrite and runs on join, create and rejoin.
func (m *Mirror) SyncFromServer(snap protocol.RoomState) {
	m.replace(pattern.Normalize(snap.State), snap.ID, snap.Users)
}

// LoadDocument 用保存的节拍替换本地状态，不会广播
func (m *Mirror) LoadDocument(doc pattern.Document) {
	m.mu.RLock()
	roomID, users := m.roomID, m.users
	m.mu.RUnlock()
	m.replace(doc.State(), roomID, users)
}

// Reset 离开房间后恢复默认状态
func (m *Mirror) Reset() {
	m.replace(pattern.NewState(), "", nil)
}

// SetUsers 根据 user-joined / user-left 更新成员列表
func (m *Mirror) SetUsers(add, remove string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.users)+1)
	present := false
	for _, u := range m.users {
		if u == remove {
			continue
		}
		if u == add {
			present = true
		}
		users = append(users, u)
	}
	if add != "" && !present {
		users = append(users, add)
	}
	m.users = users
}

func (m *Mirror) replace(s pattern.State, roomID string, users []string) {
	m.mu.Lock()
	m.state = s
	m.roomID = roomID
	m.users = append([]string(nil), users...)
	m.version++
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}
