package pattern

// Track 一个音色轨道
type Track struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Color     string  `json:"color"`
	SoundFile string  `json:"soundFile"`
	Volume    float64 `json:"volume"`
}

const DefaultVolume = 1.0

// DefaultTracks returns the four tracks every new room starts with.
func DefaultTracks() []Track {
	return []Track{
		{ID: "kick", Name: "Kick", Color: "#e74c3c", SoundFile: "kicks/Ac_K.wav", Volume: DefaultVolume},
		{ID: "snare", Name: "Snare", Color: "#f39c12", SoundFile: "snares/Box_Snr2.wav", Volume: DefaultVolume},
		{ID: "hihat", Name: "Hi-Hat", Color: "#2ecc71", SoundFile: "hihats/Jls_H.wav", Volume: DefaultVolume},
		{ID: "openhat", Name: "Open Hat", Color: "#3498db", SoundFile: "cymbals/CL_OHH1.wav", Volume: DefaultVolume},
	}
}

// ClampVolume 音量限制在 [0,1]
func ClampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *State) trackIndex(id string) int {
	for i, t := range s.Tracks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// HasTrack reports whether a track with the id exists.
func (s State) HasTrack(id string) bool {
	return s.trackIndex(id) >= 0
}
