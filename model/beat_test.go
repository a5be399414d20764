package model

import (
	"testing"

	"DrumRoom/core/pattern"
)

func TestJSONColumnsScan(t *testing.T) {
	var p PatternData
	if err := p.Scan([]byte(`{"kick":[{"tick":0,"velocity":4}]}`)); err != nil {
		t.Fatal(err)
	}
	if len(p["kick"]) != 1 || p["kick"][0].Velocity != 4 {
		t.Fatalf("pattern = %+v", p)
	}

	for _, raw := range []interface{}{nil, []byte(""), "null"} {
		tc := TracksConfig{{ID: "x"}}
		if err := tc.Scan(raw); err != nil || tc != nil {
			t.Errorf("Scan(%v) = %v, %v", raw, tc, err)
		}
	}

	v, err := EffectsState(nil).Value()
	if err != nil || v != nil {
		t.Fatalf("nil value = %v, %v", v, err)
	}
}

func TestBeatDocument(t *testing.T) {
	s := pattern.NewState()
	s, _ = pattern.Apply(s, pattern.AddNote("kick", 0, 3))
	s, _ = pattern.Apply(s, pattern.SetBPM{BPM: 95})

	var b Beat
	b.SetDocument(pattern.DocumentFromState("groove", s))
	if b.Name != "groove" || b.BPM != 95 || len(b.TracksConfig) != 4 {
		t.Fatalf("beat = %+v", b)
	}

	back := b.Document().State()
	if len(back.Pattern["kick"]) != 1 || back.Pattern["kick"][0].Velocity != 3 {
		t.Fatalf("round trip lost the note: %+v", back.Pattern)
	}
}
