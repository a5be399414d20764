package protocol

import (
	"encoding/json"
	"reflect"
	"testing"

	"DrumRoom/core/pattern"
)

func TestRequestAndBroadcastCarryTheSameChange(t *testing.T) {
	changes := []pattern.Change{
		pattern.AddNote("kick", 0, 4),
		pattern.RemoveNote("kick", 0),
		pattern.UpdateNoteVelocity("kick", 0, 2),
		pattern.MoveNote("kick", 10, 50),
		pattern.ClearTrack("kick"),
		pattern.SetBPM{BPM: 140},
		pattern.SetMeasureCount{MeasureCount: 8},
		pattern.TransportCommand{Type: pattern.TransportStop},
		pattern.AddTrack{Track: pattern.Track{ID: "clap", Name: "Clap", SoundFile: "claps/a.wav", Volume: 0.5}},
		pattern.RemoveTrack{TrackID: "clap"},
		pattern.UpdateTrackSound{TrackID: "kick", SoundFile: "kicks/b.wav"},
		pattern.UpdateTrackVolume{TrackID: "kick", Volume: 0.25},
		pattern.EffectChainUpdate{TrackID: "kick", Enabled: pattern.TrackEffects{pattern.EffectReverb: {"wet": 0.5}}},
		pattern.EffectReset{TrackID: "kick"},
		pattern.EffectStateApply{TrackID: "kick", Effects: pattern.TrackEffects{pattern.EffectEQ: {"low": 4.0}}},
	}

	for _, c := range changes {
		reqType, payload, err := RequestFor(c)
		if err != nil {
			t.Fatalf("%T: %v", c, err)
		}
		req := roundTrip(t, reqType, payload)
		fromReq, err := ChangeFrom(req)
		if err != nil {
			t.Fatalf("%s: %v", reqType, err)
		}

		after, _ := pattern.Apply(pattern.NewState(), c)
		bcType, bcPayload, err := BroadcastFor(fromReq, after)
		if err != nil {
			t.Fatalf("%T: %v", c, err)
		}
		fromBroadcast, err := ChangeFrom(roundTrip(t, bcType, bcPayload))
		if err != nil {
			t.Fatalf("%s: %v", bcType, err)
		}

		a, _ := pattern.Apply(pattern.NewState(), fromReq)
		b, _ := pattern.Apply(pattern.NewState(), fromBroadcast)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("%s and %s produce different states", reqType, bcType)
		}
	}
}

func roundTrip(t *testing.T, typ MessageType, payload any) *Message {
	t.Helper()
	msg, err := New(typ, "room1", payload)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var out Message
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	return &out
}

func TestBroadcastCarriesClampedBPM(t *testing.T) {
	after, _ := pattern.Apply(pattern.NewState(), pattern.SetBPM{BPM: 1000})
	typ, payload, err := BroadcastFor(pattern.SetBPM{BPM: 1000}, after)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeBPMChange || payload.(BPMPayload).BPM != 300 {
		t.Fatalf("want bpm-change 300, got %s %+v", typ, payload)
	}
}

func TestPatternUpdateWireShape(t *testing.T) {
	msg := roundTrip(t, TypePatternUpdate, pattern.AddNote("kick", 0, 4))
	if string(msg.Data) != `{"type":"add-note","trackId":"kick","tick":0,"velocity":4}` {
		t.Fatalf("unexpected payload %s", msg.Data)
	}
}

func TestDecodeUnwrapsStringPayload(t *testing.T) {
	msg := &Message{Type: TypeJoinRoom, Data: json.RawMessage(`"{\"roomId\":\"abc12345\"}"`)}
	var req JoinRoomRequest
	if err := msg.Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.RoomID != "abc12345" {
		t.Fatalf("got %q", req.RoomID)
	}
}

func TestChangeFromRejectsBadInput(t *testing.T) {
	cases := []*Message{
		{Type: TypePatternChange, Data: json.RawMessage(`{"change":{"type":"nope","trackId":"kick"}}`)},
		{Type: TypePatternChange, Data: json.RawMessage(`{}`)},
		{Type: TypeSetBPM, Data: json.RawMessage(`{"bpm":"fast"}`)},
		{Type: TypeUserJoined, Data: json.RawMessage(`{}`)},
	}
	for _, msg := range cases {
		if _, err := ChangeFrom(msg); err == nil {
			t.Errorf("%s %s: expected error", msg.Type, msg.Data)
		}
	}
}

func TestSnapshotIsFlat(t *testing.T) {
	snap := RoomState{ID: "abc12345", Users: []string{"u1"}, State: pattern.NewState()}
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "users", "bpm", "measureCount", "isPlaying", "currentTick", "pattern", "tracks", "trackEffects", "enabledEffects"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("snapshot is missing %q", key)
		}
	}
}
