package pattern

import (
	"encoding/json"
	"fmt"
)

// Change is a single mutation of the pattern document. Every change is
// idempotent when re-applied to the state it produced.
type Change interface {
	apply(s *State) bool
}

// Apply returns the state after the change and whether anything changed.
// The input state is never modified.
func Apply(s State, c Change) (State, bool) {
	if c == nil {
		return s, false
	}
	next := s.Clone()
	if !c.apply(&next) {
		return s, false
	}
	return next, true
}

// ========== 音符变更 ==========

// NoteChangeType pattern-change 的子类型
type NoteChangeType string

const (
	AddNoteChange            NoteChangeType = "add-note"
	RemoveNoteChange         NoteChangeType = "remove-note"
	UpdateNoteVelocityChange NoteChangeType = "update-note-velocity"
	MoveNoteChange           NoteChangeType = "move-note"
	ClearTrackChange         NoteChangeType = "clear-track"
)

// NoteChange is the payload of pattern-change / pattern-update.
type NoteChange struct {
	Type     NoteChangeType
	TrackID  string
	Tick     int
	Velocity int
	FromTick int
	ToTick   int
}

func AddNote(trackID string, tick, velocity int) NoteChange {
	return NoteChange{Type: AddNoteChange, TrackID: trackID, Tick: tick, Velocity: velocity}
}

func RemoveNote(trackID string, tick int) NoteChange {
	return NoteChange{Type: RemoveNoteChange, TrackID: trackID, Tick: tick}
}

func UpdateNoteVelocity(trackID string, tick, velocity int) NoteChange {
	return NoteChange{Type: UpdateNoteVelocityChange, TrackID: trackID, Tick: tick, Velocity: velocity}
}

func MoveNote(trackID string, fromTick, toTick int) NoteChange {
	return NoteChange{Type: MoveNoteChange, TrackID: trackID, FromTick: fromTick, ToTick: toTick}
}

func ClearTrack(trackID string) NoteChange {
	return NoteChange{Type: ClearTrackChange, TrackID: trackID}
}

type noteChangeWire struct {
	Type     NoteChangeType `json:"type"`
	TrackID  string         `json:"trackId"`
	Tick     *int           `json:"tick,omitempty"`
	Velocity *int           `json:"velocity,omitempty"`
	FromTick *int           `json:"fromTick,omitempty"`
	ToTick   *int           `json:"toTick,omitempty"`
}

// MarshalJSON only emits the fields that belong to the change type.
func (c NoteChange) MarshalJSON() ([]byte, error) {
	w := noteChangeWire{Type: c.Type, TrackID: c.TrackID}
	switch c.Type {
	case AddNoteChange, UpdateNoteVelocityChange:
		tick, vel := c.Tick, ClampVelocity(c.Velocity)
		w.Tick, w.Velocity = &tick, &vel
	case RemoveNoteChange:
		tick := c.Tick
		w.Tick = &tick
	case MoveNoteChange:
		from, to := c.FromTick, c.ToTick
		w.FromTick, w.ToTick = &from, &to
	}
	return json.Marshal(w)
}

func (c *NoteChange) UnmarshalJSON(data []byte) error {
	var w noteChangeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = NoteChange{Type: w.Type, TrackID: w.TrackID}
	if w.Tick != nil {
		c.Tick = *w.Tick
	}
	if w.Velocity != nil {
		c.Velocity = *w.Velocity
	}
	if w.FromTick != nil {
		c.FromTick = *w.FromTick
	}
	if w.ToTick != nil {
		c.ToTick = *w.ToTick
	}
	return c.Validate()
}

// Validate 检查子类型与必填字段
func (c NoteChange) Validate() error {
	if c.TrackID == "" {
		return fmt.Errorf("pattern change %q without trackId", c.Type)
	}
	switch c.Type {
	case AddNoteChange, RemoveNoteChange, UpdateNoteVelocityChange, MoveNoteChange, ClearTrackChange:
		return nil
	}
	return fmt.Errorf("unknown pattern change type: %q", c.Type)
}

func (c NoteChange) apply(s *State) bool {
	if s.trackIndex(c.TrackID) < 0 {
		return false
	}
	notes := s.Pattern[c.TrackID]
	total := s.TotalTicks()

	switch c.Type {
	case AddNoteChange:
		tick := clampTick(c.Tick, total)
		if indexOfTick(notes, tick) >= 0 {
			return false
		}
		s.Pattern[c.TrackID] = insertNote(notes, Note{Tick: tick, Velocity: ClampVelocity(c.Velocity)})
		return true

	case RemoveNoteChange:
		i := findNote(notes, c.Tick, total)
		if i < 0 {
			return false
		}
		s.Pattern[c.TrackID] = append(notes[:i], notes[i+1:]...)
		return true

	case UpdateNoteVelocityChange:
		i := findNote(notes, c.Tick, total)
		v := ClampVelocity(c.Velocity)
		if i < 0 || notes[i].Velocity == v {
			return false
		}
		notes[i].Velocity = v
		return true

	case MoveNoteChange:
		from := findNote(notes, c.FromTick, total)
		if from < 0 {
			return false
		}
		to := clampTick(c.ToTick, total)
		if to == notes[from].Tick {
			return false
		}
		moved := Note{Tick: to, Velocity: notes[from].Velocity}
		notes = append(notes[:from], notes[from+1:]...)
		if i := indexOfTick(notes, to); i >= 0 {
			notes = append(notes[:i], notes[i+1:]...)
		}
		s.Pattern[c.TrackID] = insertNote(notes, moved)
		return true

	case ClearTrackChange:
		if len(notes) == 0 {
			return false
		}
		s.Pattern[c.TrackID] = []Note{}
		return true
	}
	return false
}

// ========== 走带与速度 ==========

// SetBPM replaces the tempo, clamped into [60,300].
type SetBPM struct {
	BPM int
}

func (c SetBPM) apply(s *State) bool {
	bpm := ClampBPM(c.BPM)
	if s.BPM == bpm {
		return false
	}
	s.BPM = bpm
	return true
}

// SetMeasureCount replaces the loop length, clamped into [1,16]. Notes past
// the new loop end stay stored.
type SetMeasureCount struct {
	MeasureCount int
}

func (c SetMeasureCount) apply(s *State) bool {
	n := ClampMeasureCount(c.MeasureCount)
	if s.MeasureCount == n {
		return false
	}
	s.MeasureCount = n
	return true
}

// TransportAction 走带指令
type TransportAction string

const (
	TransportPlay  TransportAction = "play"
	TransportPause TransportAction = "pause"
	TransportStop  TransportAction = "stop"
)

// TransportCommand controls playback. Tick optionally reports the position
// at which play or pause happened.
type TransportCommand struct {
	Type TransportAction `json:"type"`
	Tick *int            `json:"tick,omitempty"`
}

func (c TransportCommand) apply(s *State) bool {
	before := s.Transport()
	switch c.Type {
	case TransportPlay:
		s.IsPlaying = true
	case TransportPause:
		s.IsPlaying = false
	case TransportStop:
		s.IsPlaying = false
		s.CurrentTick = 0
		return before != s.Transport()
	default:
		return false
	}
	if c.Tick != nil {
		s.CurrentTick = clampTick(*c.Tick, s.TotalTicks())
	}
	return before != s.Transport()
}

// ========== 轨道 ==========

// AddTrack appends a track. The id must be set and unused.
type AddTrack struct {
	Track Track
}

func (c AddTrack) apply(s *State) bool {
	t := c.Track
	if t.ID == "" || s.trackIndex(t.ID) >= 0 {
		return false
	}
	t.Volume = ClampVolume(t.Volume)
	s.Tracks = append(s.Tracks, t)
	s.Pattern[t.ID] = []Note{}
	s.TrackEffects[t.ID] = DefaultEffects()
	s.EnabledEffects[t.ID] = EnabledSet{}
	return true
}

// RemoveTrack deletes the track together with its notes and effects.
type RemoveTrack struct {
	TrackID string
}

func (c RemoveTrack) apply(s *State) bool {
	i := s.trackIndex(c.TrackID)
	if i < 0 {
		return false
	}
	s.Tracks = append(s.Tracks[:i], s.Tracks[i+1:]...)
	delete(s.Pattern, c.TrackID)
	delete(s.TrackEffects, c.TrackID)
	delete(s.EnabledEffects, c.TrackID)
	return true
}

type UpdateTrackSound struct {
	TrackID   string
	SoundFile string
}

func (c UpdateTrackSound) apply(s *State) bool {
	i := s.trackIndex(c.TrackID)
	if i < 0 || s.Tracks[i].SoundFile == c.SoundFile {
		return false
	}
	s.Tracks[i].SoundFile = c.SoundFile
	return true
}

type UpdateTrackVolume struct {
	TrackID string
	Volume  float64
}

func (c UpdateTrackVolume) apply(s *State) bool {
	i := s.trackIndex(c.TrackID)
	v := ClampVolume(c.Volume)
	if i < 0 || s.Tracks[i].Volume == v {
		return false
	}
	s.Tracks[i].Volume = v
	return true
}

// ========== 效果器 ==========

// EffectChainUpdate replaces the listed bundles and makes exactly the listed
// effect types enabled. Unlisted bundles keep their values but are disabled.
type EffectChainUpdate struct {
	TrackID string
	Enabled TrackEffects
}

func (c EffectChainUpdate) apply(s *State) bool {
	if s.trackIndex(c.TrackID) < 0 {
		return false
	}
	fx := s.TrackEffects[c.TrackID]
	if fx == nil {
		fx = DefaultEffects()
	}
	enabled := EnabledSet{}
	for effect, b := range c.Enabled {
		if _, known := effectRules[effect]; !known {
			continue
		}
		fx[effect] = normalizeBundle(effect, b)
		enabled[effect] = true
	}
	s.TrackEffects[c.TrackID] = fx
	s.EnabledEffects[c.TrackID] = enabled
	return true
}

// EffectReset restores every bundle of the track to its defaults.
type EffectReset struct {
	TrackID string
}

func (c EffectReset) apply(s *State) bool {
	if s.trackIndex(c.TrackID) < 0 {
		return false
	}
	s.TrackEffects[c.TrackID] = DefaultEffects()
	s.EnabledEffects[c.TrackID] = EnabledSet{}
	return true
}

// EffectStateApply atomically replaces the whole effect state of a track;
// enabled effects are the ones that differ from their defaults.
type EffectStateApply struct {
	TrackID string
	Effects TrackEffects
}

func (c EffectStateApply) apply(s *State) bool {
	if s.trackIndex(c.TrackID) < 0 {
		return false
	}
	fx := DefaultEffects()
	for effect, b := range c.Effects {
		if _, known := fx[effect]; known {
			fx[effect] = normalizeBundle(effect, b)
		}
	}
	s.TrackEffects[c.TrackID] = fx
	s.EnabledEffects[c.TrackID] = enabledFrom(fx)
	return true
}
