// Package pattern holds the drum pattern document and the pure reducer that
// mutates it. Nothing in this package performs I/O; the server room actor and
// the client mirror both feed changes through Apply.
package pattern

import (
	"sort"
)

const (
	MinBPM     = 60
	MaxBPM     = 300
	DefaultBPM = 120

	MinMeasureCount     = 1
	MaxMeasureCount     = 16
	DefaultMeasureCount = 4
)

// State 房间的权威文档：音符、轨道、走带状态、效果器
type State struct {
	BPM            int                     `json:"bpm"`
	MeasureCount   int                     `json:"measureCount"`
	IsPlaying      bool                    `json:"isPlaying"`
	CurrentTick    int                     `json:"currentTick"`
	Pattern        map[string][]Note       `json:"pattern"`
	Tracks         []Track                 `json:"tracks"`
	TrackEffects   map[string]TrackEffects `json:"trackEffects"`
	EnabledEffects map[string]EnabledSet   `json:"enabledEffects"`
}

// Transport is the playback part of the state.
type Transport struct {
	IsPlaying   bool `json:"isPlaying"`
	CurrentTick int  `json:"currentTick"`
	BPM         int  `json:"bpm"`
}

// NewState returns the state a freshly created room starts with.
func NewState() State {
	s := State{
		BPM:            DefaultBPM,
		MeasureCount:   DefaultMeasureCount,
		Pattern:        map[string][]Note{},
		Tracks:         DefaultTracks(),
		TrackEffects:   map[string]TrackEffects{},
		EnabledEffects: map[string]EnabledSet{},
	}
	for _, t := range s.Tracks {
		s.Pattern[t.ID] = []Note{}
		s.TrackEffects[t.ID] = DefaultEffects()
		s.EnabledEffects[t.ID] = EnabledSet{}
	}
	return s
}

func ClampBPM(bpm int) int {
	if bpm < MinBPM {
		return MinBPM
	}
	if bpm > MaxBPM {
		return MaxBPM
	}
	return bpm
}

func ClampMeasureCount(n int) int {
	if n < MinMeasureCount {
		return MinMeasureCount
	}
	if n > MaxMeasureCount {
		return MaxMeasureCount
	}
	return n
}

// TotalTicks returns the loop length for the current measure count.
func (s State) TotalTicks() int {
	return TotalTicks(s.MeasureCount)
}

func (s State) Transport() Transport {
	return Transport{IsPlaying: s.IsPlaying, CurrentTick: s.CurrentTick, BPM: s.BPM}
}

// Clone 深拷贝，Apply 在副本上修改以保证写时复制
func (s State) Clone() State {
	out := s
	out.Pattern = make(map[string][]Note, len(s.Pattern))
	for id, notes := range s.Pattern {
		out.Pattern[id] = append([]Note{}, notes...)
	}
	out.Tracks = append([]Track{}, s.Tracks...)
	out.TrackEffects = make(map[string]TrackEffects, len(s.TrackEffects))
	for id, fx := range s.TrackEffects {
		out.TrackEffects[id] = fx.Clone()
	}
	out.EnabledEffects = make(map[string]EnabledSet, len(s.EnabledEffects))
	for id, en := range s.EnabledEffects {
		out.EnabledEffects[id] = en.Clone()
	}
	return out
}

// Normalize repairs a state that came from outside (a snapshot, a seed or a
// stored beat): values are clamped, duplicate and orphaned notes are dropped,
// and every track gets a full effect bundle set.
func Normalize(in State) State {
	s := in.Clone()
	if s.BPM == 0 {
		s.BPM = DefaultBPM
	}
	s.BPM = ClampBPM(s.BPM)
	if s.MeasureCount == 0 {
		s.MeasureCount = DefaultMeasureCount
	}
	s.MeasureCount = ClampMeasureCount(s.MeasureCount)
	if s.CurrentTick < 0 {
		s.CurrentTick = 0
	}

	seen := map[string]bool{}
	tracks := make([]Track, 0, len(s.Tracks))
	for _, t := range s.Tracks {
		if t.ID == "" || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		t.Volume = ClampVolume(t.Volume)
		tracks = append(tracks, t)
	}
	s.Tracks = tracks

	pattern := make(map[string][]Note, len(tracks))
	effects := make(map[string]TrackEffects, len(tracks))
	enabled := make(map[string]EnabledSet, len(tracks))
	for _, t := range tracks {
		notes := []Note{}
		for _, n := range s.Pattern[t.ID] {
			if n.Tick < 0 {
				continue
			}
			n.Velocity = ClampVelocity(n.Velocity)
			if indexOfTick(notes, n.Tick) < 0 {
				notes = append(notes, n)
			}
		}
		sortNotes(notes)
		pattern[t.ID] = notes

		fx := DefaultEffects()
		for effect, b := range s.TrackEffects[t.ID] {
			if _, known := fx[effect]; known {
				fx[effect] = normalizeBundle(effect, b)
			}
		}
		effects[t.ID] = fx

		en := EnabledSet{}
		if given, ok := s.EnabledEffects[t.ID]; ok {
			for effect, on := range given {
				if _, known := fx[effect]; known && on {
					en[effect] = true
				}
			}
		} else {
			en = enabledFrom(fx)
		}
		enabled[t.ID] = en
	}
	s.Pattern = pattern
	s.TrackEffects = effects
	s.EnabledEffects = enabled
	return s
}

// IsBlank reports whether the state is indistinguishable from a new room.
func (s State) IsBlank() bool {
	if s.BPM != DefaultBPM || s.MeasureCount != DefaultMeasureCount {
		return false
	}
	defaults := DefaultTracks()
	if len(s.Tracks) != len(defaults) {
		return false
	}
	for i, t := range s.Tracks {
		if t.ID != defaults[i].ID || t.SoundFile != defaults[i].SoundFile {
			return false
		}
	}
	for _, notes := range s.Pattern {
		if len(notes) > 0 {
			return false
		}
	}
	for _, en := range s.EnabledEffects {
		if len(en) > 0 {
			return false
		}
	}
	return true
}

// NoteCount 全部音符数量
func (s State) NoteCount() int {
	total := 0
	for _, notes := range s.Pattern {
		total += len(notes)
	}
	return total
}

func sortNotes(notes []Note) {
	sort.Slice(notes, func(i, j int) bool { return notes[i].Tick < notes[j].Tick })
}

// insertNote keeps the slice sorted by tick.
func insertNote(notes []Note, n Note) []Note {
	i := sort.Search(len(notes), func(i int) bool { return notes[i].Tick >= n.Tick })
	notes = append(notes, Note{})
	copy(notes[i+1:], notes[i:])
	notes[i] = n
	return notes
}
