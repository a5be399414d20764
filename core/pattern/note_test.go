package pattern

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestNormalizeNote(t *testing.T) {
	cases := []struct {
		raw     string
		want    Note
		wantErr bool
	}{
		{raw: `240`, want: Note{Tick: 240, Velocity: 4}},
		{raw: `{"tick":240}`, want: Note{Tick: 240, Velocity: 4}},
		{raw: `{"tick":240,"velocity":2}`, want: Note{Tick: 240, Velocity: 2}},
		{raw: `{"tick":0,"velocity":9}`, want: Note{Tick: 0, Velocity: 4}},
		{raw: `{"tick":0,"velocity":-3}`, want: Note{Tick: 0, Velocity: 1}},
		{raw: `{"velocity":2}`, wantErr: true},
		{raw: `"abc"`, wantErr: true},
		{raw: `null`, wantErr: true},
	}
	for _, tc := range cases {
		got, err := NormalizeNote(json.RawMessage(tc.raw))
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: want %+v, got %+v", tc.raw, tc.want, got)
		}
	}
}

func TestLegacyAndCurrentEncodingsAgree(t *testing.T) {
	var legacy, current State
	if err := json.Unmarshal([]byte(`{"bpm":120,"measureCount":4,"pattern":{"kick":[0,960]},"tracks":[{"id":"kick"}]}`), &legacy); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"bpm":120,"measureCount":4,"pattern":{"kick":[{"tick":960,"velocity":4},{"tick":0,"velocity":4}]},"tracks":[{"id":"kick"}]}`), &current); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(Normalize(legacy), Normalize(current)) {
		t.Fatalf("encodings normalized differently:\n%+v\n%+v", Normalize(legacy), Normalize(current))
	}

	out, err := json.Marshal(Normalize(legacy).Pattern["kick"])
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `[{"tick":0,"velocity":4},{"tick":960,"velocity":4}]` {
		t.Fatalf("legacy shape must not be written back, got %s", out)
	}
}

func TestNormalizeRepairsState(t *testing.T) {
	in := State{
		BPM:          5000,
		MeasureCount: 0,
		Tracks: []Track{
			{ID: "kick", Volume: 3},
			{ID: "kick"},
			{ID: ""},
		},
		Pattern: map[string][]Note{
			"kick":  {{Tick: 10, Velocity: 2}, {Tick: 10, Velocity: 4}, {Tick: -1, Velocity: 4}},
			"ghost": {{Tick: 0, Velocity: 4}},
		},
		TrackEffects: map[string]TrackEffects{
			"kick": {EffectReverb: {"wet": 0.3}, "flanger": {"rate": 1.0}},
		},
	}
	s := Normalize(in)
	if s.BPM != 300 || s.MeasureCount != 4 {
		t.Fatalf("unexpected bpm/measures %d/%d", s.BPM, s.MeasureCount)
	}
	if len(s.Tracks) != 1 || s.Tracks[0].Volume != 1 {
		t.Fatalf("unexpected tracks %+v", s.Tracks)
	}
	if _, ok := s.Pattern["ghost"]; ok {
		t.Fatalf("orphan pattern entry kept")
	}
	if got := s.Pattern["kick"]; len(got) != 1 || got[0] != (Note{Tick: 10, Velocity: 2}) {
		t.Fatalf("unexpected notes %v", got)
	}
	if _, ok := s.TrackEffects["kick"]["flanger"]; ok {
		t.Fatalf("unknown effect kept")
	}
	if !s.EnabledEffects["kick"][EffectReverb] {
		t.Fatalf("enabled set should be derived when missing")
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	s := applyAll(NewState(),
		AddNote("kick", 0, 4),
		AddNote("snare", 1920, 2),
		SetBPM{BPM: 98},
		SetMeasureCount{MeasureCount: 2},
		EffectChainUpdate{TrackID: "snare", Enabled: TrackEffects{EffectDelay: {"wet": 0.5}}},
	)
	// a disabled bundle with non-default values must not come back enabled
	s.TrackEffects["kick"][EffectReverb]["wet"] = 0.9

	doc := DocumentFromState("groove", s)
	if doc.Name != "groove" || doc.BPM != 98 || doc.MeasureCount != 2 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if got := doc.EffectsState["kick"][EffectReverb]["wet"]; got != 0.0 {
		t.Fatalf("disabled effect should be stored as default, got %v", got)
	}

	back := doc.State()
	if !reflect.DeepEqual(back.Pattern, s.Pattern) {
		t.Fatalf("pattern changed: %v vs %v", back.Pattern, s.Pattern)
	}
	if !back.EnabledEffects["snare"][EffectDelay] || back.EnabledEffects["kick"][EffectReverb] {
		t.Fatalf("unexpected enabled effects %v", back.EnabledEffects)
	}
}

func TestIsBlank(t *testing.T) {
	cases := []struct {
		name   string
		change Change
	}{
		{"note", AddNote("kick", 0, 4)},
		{"bpm", SetBPM{BPM: 121}},
		{"measures", SetMeasureCount{MeasureCount: 8}},
		{"sound", UpdateTrackSound{TrackID: "kick", SoundFile: "kicks/other.wav"}},
		{"track", RemoveTrack{TrackID: "openhat"}},
		{"effect", EffectChainUpdate{TrackID: "kick", Enabled: TrackEffects{EffectEQ: {"low": 2.0}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := Apply(NewState(), tc.change)
			if s.IsBlank() {
				t.Fatalf("state after %s should not be blank", tc.name)
			}
		})
	}

	s := applyAll(NewState(), AddNote("kick", 0, 4), RemoveNote("kick", 0), TransportCommand{Type: TransportPlay})
	if !s.IsBlank() {
		t.Fatalf("transport and reverted notes keep a room blank")
	}
}
