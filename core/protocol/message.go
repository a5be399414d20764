// Package protocol defines the JSON messages exchanged between room clients
// and the server over a websocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"DrumRoom/core/pattern"
)

// MessageType 消息类型
type MessageType string

const (
	// 连接生命周期
	TypeConnect MessageType = "connect"
	TypePing    MessageType = "ping"
	TypePong    MessageType = "pong"
	TypeAck     MessageType = "ack"

	// 请求/应答
	TypeCreateRoom   MessageType = "create-room"
	TypeJoinRoom     MessageType = "join-room"
	TypeLeaveRoom    MessageType = "leave-room"
	TypeCheckRooms   MessageType = "check-rooms"
	TypeGetRoomState MessageType = "get-room-state"

	// 客户端 -> 服务端（无应答）
	TypePatternChange     MessageType = "pattern-change"
	TypeSetBPM            MessageType = "set-bpm"
	TypeSetMeasureCount   MessageType = "set-measure-count"
	TypeTransportCommand  MessageType = "transport-command"
	TypeAddTrack          MessageType = "add-track"
	TypeRemoveTrack       MessageType = "remove-track"
	TypeUpdateTrackSound  MessageType = "update-track-sound"
	TypeUpdateTrackVolume MessageType = "update-track-volume"
	TypeEffectChainUpdate MessageType = "effect-chain-update"
	TypeEffectReset       MessageType = "effect-reset"
	TypeEffectStateApply  MessageType = "effect-state-apply"

	// 服务端 -> 客户端广播
	TypeUserJoined         MessageType = "user-joined"
	TypeUserLeft           MessageType = "user-left"
	TypePatternUpdate      MessageType = "pattern-update"
	TypeBPMChange          MessageType = "bpm-change"
	TypeMeasureCountChange MessageType = "measure-count-change"
	TypeTransportSync      MessageType = "transport-sync"
	TypeTrackAdded         MessageType = "track-added"
	TypeTrackRemoved       MessageType = "track-removed"
	TypeTrackSoundUpdated  MessageType = "track-sound-updated"
	TypeTrackVolumeUpdated MessageType = "track-volume-updated"
	TypeEffectStateError   MessageType = "effect-state-error"
)

// Message is the envelope of every frame. RequestID correlates a request
// with its ack.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// New builds a message with a marshalled payload; a nil payload leaves
// Data empty.
func New(t MessageType, roomID string, payload any) (*Message, error) {
	msg := &Message{Type: t, RoomID: roomID, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v. Payloads that were double encoded
// as a JSON string are unwrapped first.
func (m *Message) Decode(v any) error {
	data := m.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err == nil {
			data = []byte(inner)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// IsRequest reports whether the type expects an ack.
func (t MessageType) IsRequest() bool {
	switch t {
	case TypeCreateRoom, TypeJoinRoom, TypeLeaveRoom, TypeCheckRooms, TypeGetRoomState:
		return true
	}
	return false
}

// IsMutation reports whether the type is a client change request.
func (t MessageType) IsMutation() bool {
	switch t {
	case TypePatternChange, TypeSetBPM, TypeSetMeasureCount, TypeTransportCommand,
		TypeAddTrack, TypeRemoveTrack, TypeUpdateTrackSound, TypeUpdateTrackVolume,
		TypeEffectChainUpdate, TypeEffectReset, TypeEffectStateApply:
		return true
	}
	return false
}

// RoomState is the full snapshot sent on create, join and get-room-state.
type RoomState struct {
	ID    string   `json:"id"`
	Users []string `json:"users"`
	pattern.State
}
