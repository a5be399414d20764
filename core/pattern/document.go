package pattern

// Document is the storable shape of a beat: what the persistence layer saves
// and what a local load feeds back into the mirror.
type Document struct {
	Name         string                  `json:"name"`
	PatternData  map[string][]Note       `json:"patternData"`
	TracksConfig []Track                 `json:"tracksConfig"`
	BPM          int                     `json:"bpm"`
	MeasureCount int                     `json:"measureCount"`
	EffectsState map[string]TrackEffects `json:"effectsState"`
}

// DocumentFromState captures the state under a name. Disabled effects are
// stored with their default parameters.
func DocumentFromState(name string, s State) Document {
	s = s.Clone()
	effects := make(map[string]TrackEffects, len(s.Tracks))
	for _, t := range s.Tracks {
		effects[t.ID] = Effective(s.TrackEffects[t.ID], s.EnabledEffects[t.ID])
	}
	return Document{
		Name:         name,
		PatternData:  s.Pattern,
		TracksConfig: s.Tracks,
		BPM:          s.BPM,
		MeasureCount: s.MeasureCount,
		EffectsState: effects,
	}
}

// State rebuilds a normalized state from the document.
func (d Document) State() State {
	s := State{
		BPM:          d.BPM,
		MeasureCount: d.MeasureCount,
		Pattern:      d.PatternData,
		Tracks:       d.TracksConfig,
		TrackEffects: d.EffectsState,
	}
	if len(s.Tracks) == 0 {
		s.Tracks = DefaultTracks()
	}
	return Normalize(s)
}
