package protocol

import (
	"DrumRoom/core/pattern"
)

// ========== 请求 ==========

type CreateRoomRequest struct {
	// Seed optionally initialises the new room from a client's local state.
	Seed *pattern.State `json:"seed,omitempty"`
}

type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
}

type LeaveRoomRequest struct {
	RoomID string `json:"roomId"`
}

type CheckRoomsRequest struct {
	RoomIDs []string `json:"roomIds"`
}

type GetRoomStateRequest struct {
	RoomID string `json:"roomId"`
}

// ========== 应答 ==========

// Ack answers every request. Only the fields relevant to the request are set.
type Ack struct {
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
	RoomID    string       `json:"roomId,omitempty"`
	RoomState *RoomState   `json:"roomState,omitempty"`
	Rooms     []RoomStatus `json:"rooms,omitempty"`
}

// RoomStatus is one entry of a check-rooms answer.
type RoomStatus struct {
	RoomID    string `json:"roomId"`
	Exists    bool   `json:"exists"`
	UserCount int    `json:"userCount"`
}

// Error strings carried by failed acks.
const (
	ErrTextRoomNotFound  = "Room not found"
	ErrTextInvalidRoomID = "Invalid room id"
	ErrTextNotMember     = "Not a member of this room"
	ErrTextBadRequest    = "Malformed request"
	ErrTextInternal      = "Internal server error"
)

// ========== 变更 ==========

type PatternChangePayload struct {
	Change pattern.NoteChange `json:"change"`
}

type BPMPayload struct {
	BPM int `json:"bpm"`
}

type MeasureCountPayload struct {
	MeasureCount int `json:"measureCount"`
}

type TransportPayload struct {
	Command pattern.TransportCommand `json:"command"`
}

// TrackData is the wire form of a track; a missing volume means full volume.
type TrackData struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Color     string   `json:"color"`
	SoundFile string   `json:"soundFile"`
	Volume    *float64 `json:"volume,omitempty"`
}

func (d TrackData) Track() pattern.Track {
	vol := pattern.DefaultVolume
	if d.Volume != nil {
		vol = *d.Volume
	}
	return pattern.Track{ID: d.ID, Name: d.Name, Color: d.Color, SoundFile: d.SoundFile, Volume: pattern.ClampVolume(vol)}
}

func TrackDataFrom(t pattern.Track) TrackData {
	vol := t.Volume
	return TrackData{ID: t.ID, Name: t.Name, Color: t.Color, SoundFile: t.SoundFile, Volume: &vol}
}

type AddTrackPayload struct {
	TrackData TrackData `json:"trackData"`
}

type TrackPayload struct {
	TrackID string `json:"trackId"`
}

type TrackSoundPayload struct {
	TrackID   string `json:"trackId"`
	SoundFile string `json:"soundFile"`
}

type TrackVolumePayload struct {
	TrackID string  `json:"trackId"`
	Volume  float64 `json:"volume"`
}

type EffectChainPayload struct {
	TrackID        string               `json:"trackId"`
	EnabledEffects pattern.TrackEffects `json:"enabledEffects"`
}

type EffectStatePayload struct {
	TrackID        string               `json:"trackId"`
	EffectsState   pattern.TrackEffects `json:"effectsState"`
	EnabledEffects pattern.EnabledSet   `json:"enabledEffects,omitempty"`
}

type EffectStateErrorPayload struct {
	TrackID string   `json:"trackId"`
	Errors  []string `json:"errors"`
}

// ========== 通知 ==========

type ConnectPayload struct {
	UserID string `json:"userId"`
}

type PresencePayload struct {
	UserID    string `json:"userId"`
	UserCount int    `json:"userCount"`
}
