package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"DrumRoom/core/pattern"
	"DrumRoom/core/protocol"
)

type fakePeer struct {
	id  string
	out chan []byte
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, out: make(chan []byte, 64)}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Deliver(data []byte) bool {
	select {
	case p.out <- data:
		return true
	default:
		return false
	}
}

func recv(t *testing.T, p *fakePeer) *protocol.Message {
	t.Helper()
	select {
	case data := <-p.out:
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return &msg
	case <-time.After(time.Second):
		t.Fatalf("%s: timed out waiting for a message", p.id)
	}
	return nil
}

func expectNothing(t *testing.T, p *fakePeer) {
	t.Helper()
	select {
	case data := <-p.out:
		t.Fatalf("%s: unexpected message %s", p.id, data)
	case <-time.After(50 * time.Millisecond):
	}
}

type memStore struct {
	mu    sync.Mutex
	rooms map[string]pattern.State
}

func newMemStore() *memStore {
	return &memStore{rooms: make(map[string]pattern.State)}
}

func (s *memStore) SaveRoom(_ context.Context, roomID string, state pattern.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = state.Clone()
	return nil
}

func (s *memStore) LoadRoom(_ context.Context, roomID string) (*pattern.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	st = st.Clone()
	return &st, nil
}

func (s *memStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}

func (s *memStore) RoomExists(_ context.Context, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok, nil
}

func (s *memStore) has(roomID string) bool {
	ok, _ := s.RoomExists(context.Background(), roomID)
	return ok
}

func newTestRegistry(t *testing.T, store Store) *Registry {
	t.Helper()
	reg := NewRegistry(store, DefaultConfig())
	t.Cleanup(func() { reg.Close(context.Background()) })
	return reg
}

func TestRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	alice := newFakePeer("alice")

	snap, err := reg.CreateRoom(ctx, alice, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.ID) != roomIDLength {
		t.Fatalf("room id %q should have %d characters", snap.ID, roomIDLength)
	}
	if len(snap.Users) != 1 || snap.Users[0] != "alice" {
		t.Fatalf("creator should be the only member, got %v", snap.Users)
	}

	got := reg.CheckRooms(ctx, []string{snap.ID})
	if len(got) != 1 || !got[0].Exists || got[0].UserCount != 1 {
		t.Fatalf("after create: %+v", got)
	}

	if err := reg.LeaveRoom(ctx, "alice", snap.ID); err != nil {
		t.Fatal(err)
	}
	got = reg.CheckRooms(ctx, []string{snap.ID})
	if got[0].Exists {
		t.Fatalf("room should be gone after the last member left: %+v", got)
	}
	if reg.Count() != 0 {
		t.Fatalf("registry still holds %d rooms", reg.Count())
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	alice, bob := newFakePeer("alice"), newFakePeer("bob")

	snap, _ := reg.CreateRoom(ctx, alice, nil, nil)
	if _, err := reg.JoinRoom(ctx, bob, snap.ID, nil); err != nil {
		t.Fatal(err)
	}
	joined := recv(t, alice)
	if joined.Type != protocol.TypeUserJoined {
		t.Fatalf("want user-joined, got %s", joined.Type)
	}

	again, err := reg.JoinRoom(ctx, bob, snap.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Users) != 2 {
		t.Fatalf("rejoin duplicated membership: %v", again.Users)
	}
	expectNothing(t, alice)
}

func TestJoinUnknownRoom(t *testing.T) {
	reg := newTestRegistry(t, nil)
	for _, id := range []string{"", "nope1234"} {
		if _, err := reg.JoinRoom(context.Background(), newFakePeer("x"), id, nil); err != ErrRoomNotFound {
			t.Errorf("join %q: want ErrRoomNotFound, got %v", id, err)
		}
	}
}

func TestLeaveWhenNotMemberIsNoop(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	snap, _ := reg.CreateRoom(ctx, newFakePeer("alice"), nil, nil)

	if err := reg.LeaveRoom(ctx, "mallory", snap.ID); err != nil {
		t.Fatal(err)
	}
	if err := reg.LeaveRoom(ctx, "mallory", "missing1"); err != nil {
		t.Fatal(err)
	}
	if got := reg.CheckRooms(ctx, []string{snap.ID}); got[0].UserCount != 1 {
		t.Fatalf("member count changed: %+v", got)
	}
}

func TestChangeBroadcastsToOthersOnly(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	alice, bob := newFakePeer("alice"), newFakePeer("bob")
	snap, _ := reg.CreateRoom(ctx, alice, nil, nil)
	reg.JoinRoom(ctx, bob, snap.ID, nil)
	recv(t, alice) // user-joined

	if err := reg.Apply(ctx, "alice", snap.ID, pattern.AddNote("kick", 0, 4)); err != nil {
		t.Fatal(err)
	}
	msg := recv(t, bob)
	if msg.Type != protocol.TypePatternUpdate || msg.RoomID != snap.ID {
		t.Fatalf("bob got %s for %q", msg.Type, msg.RoomID)
	}
	expectNothing(t, alice)

	state, _ := reg.Snapshot(ctx, "bob", snap.ID, nil)
	if len(state.Pattern["kick"]) != 1 {
		t.Fatalf("note not stored: %v", state.Pattern)
	}
}

func TestNonMemberChangeIsRejected(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	alice := newFakePeer("alice")
	snap, _ := reg.CreateRoom(ctx, alice, nil, nil)

	if err := reg.Apply(ctx, "mallory", snap.ID, pattern.SetBPM{BPM: 200}); err != ErrNotMember {
		t.Fatalf("want ErrNotMember, got %v", err)
	}
	if err := reg.Apply(ctx, "alice", "missing1", pattern.SetBPM{BPM: 200}); err != ErrRoomNotFound {
		t.Fatalf("want ErrRoomNotFound, got %v", err)
	}
	state, _ := reg.Snapshot(ctx, "alice", snap.ID, nil)
	if state.BPM != pattern.DefaultBPM {
		t.Fatalf("bpm changed to %d", state.BPM)
	}
	expectNothing(t, alice)
}

func TestInvalidEffectStateRepliesToSenderOnly(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	alice, bob := newFakePeer("alice"), newFakePeer("bob")
	snap, _ := reg.CreateRoom(ctx, alice, nil, nil)
	reg.JoinRoom(ctx, bob, snap.ID, nil)
	recv(t, alice)

	bad := pattern.EffectStateApply{TrackID: "kick", Effects: pattern.TrackEffects{pattern.EffectReverb: {"wet": 5.0}}}
	if err := reg.Apply(ctx, "alice", snap.ID, bad); err != nil {
		t.Fatal(err)
	}
	msg := recv(t, alice)
	if msg.Type != protocol.TypeEffectStateError {
		t.Fatalf("want effect-state-error, got %s", msg.Type)
	}
	var payload protocol.EffectStateErrorPayload
	if err := msg.Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.TrackID != "kick" || len(payload.Errors) == 0 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	expectNothing(t, bob)
}

func TestAddTrackWithoutIDIsEchoedToSender(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	alice := newFakePeer("alice")
	snap, _ := reg.CreateRoom(ctx, alice, nil, nil)

	reg.Apply(ctx, "alice", snap.ID, pattern.AddTrack{Track: pattern.Track{Name: "Clap", SoundFile: "claps/a.wav"}})
	msg := recv(t, alice)
	if msg.Type != protocol.TypeTrackAdded {
		t.Fatalf("want track-added, got %s", msg.Type)
	}
	var payload protocol.AddTrackPayload
	msg.Decode(&payload)
	if payload.TrackData.ID == "" {
		t.Fatal("server did not assign a track id")
	}

	// 重复 id 直接丢弃
	reg.Apply(ctx, "alice", snap.ID, pattern.AddTrack{Track: pattern.Track{ID: "kick", Name: "Again"}})
	state, _ := reg.Snapshot(ctx, "alice", snap.ID, nil)
	if len(state.Tracks) != 5 || state.Tracks[0].Name == "Again" {
		t.Fatalf("unexpected tracks %+v", state.Tracks)
	}
}

func TestSeededCreate(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	seed := pattern.NewState()
	seed.BPM = 1000
	seed.Pattern["kick"] = []pattern.Note{{Tick: 0, Velocity: 4}, {Tick: 0, Velocity: 2}}

	snap, err := reg.CreateRoom(ctx, newFakePeer("alice"), &seed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if snap.BPM != pattern.MaxBPM || len(snap.Pattern["kick"]) != 1 {
		t.Fatalf("seed not normalised: bpm=%d kick=%v", snap.BPM, snap.Pattern["kick"])
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := newTestRegistry(t, store)
	now := time.Now()
	reg.now = func() time.Time { return now }

	blank, _ := reg.CreateRoom(ctx, newFakePeer("a"), nil, nil)
	edited, _ := reg.CreateRoom(ctx, newFakePeer("b"), nil, nil)
	reg.Apply(ctx, "b", edited.ID, pattern.AddNote("kick", 0, 4))
	reg.Disconnect(ctx, "a", blank.ID)
	reg.Disconnect(ctx, "b", edited.ID)

	if n := reg.Sweep(ctx); n != 1 {
		t.Fatalf("first sweep destroyed %d rooms, want 1", n)
	}
	if !store.has(edited.ID) {
		t.Fatal("edited room should be saved when it empties")
	}
	st := reg.CheckRooms(ctx, []string{blank.ID, edited.ID})
	if st[0].Exists || !st[1].Exists {
		t.Fatalf("after first sweep: %+v", st)
	}

	now = now.Add(DefaultConfig().IdleTTL)
	if n := reg.Sweep(ctx); n != 1 {
		t.Fatalf("second sweep destroyed %d rooms, want 1", n)
	}
	if store.has(edited.ID) {
		t.Fatal("expired room should be removed from the store")
	}
}

func TestJoinRestoresFromStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	saved := pattern.NewState()
	saved.BPM = 90
	store.SaveRoom(ctx, "cafe0001", saved)

	reg := newTestRegistry(t, store)
	if got := reg.CheckRooms(ctx, []string{"cafe0001"}); !got[0].Exists || got[0].UserCount != 0 {
		t.Fatalf("stored room should be reported: %+v", got)
	}
	snap, err := reg.JoinRoom(ctx, newFakePeer("alice"), "cafe0001", nil)
	if err != nil {
		t.Fatal(err)
	}
	if snap.BPM != 90 || len(snap.Users) != 1 {
		t.Fatalf("restored snapshot %+v", snap)
	}
}

func TestRejoinAfterDisconnectSeesChanges(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)
	alice, bob := newFakePeer("alice"), newFakePeer("bob")
	snap, _ := reg.CreateRoom(ctx, alice, nil, nil)
	reg.JoinRoom(ctx, bob, snap.ID, nil)

	reg.Disconnect(ctx, "alice", snap.ID)
	reg.Apply(ctx, "bob", snap.ID, pattern.SetBPM{BPM: 150})

	again, err := reg.JoinRoom(ctx, alice, snap.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.BPM != 150 {
		t.Fatalf("rejoin snapshot has bpm %d", again.BPM)
	}
}
