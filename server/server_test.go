package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"DrumRoom/core/auth"
	"DrumRoom/core/pattern"
	"DrumRoom/core/protocol"
	"DrumRoom/core/room"
	"DrumRoom/model"
	"DrumRoom/repository"
	"DrumRoom/storage"

	"github.com/gorilla/websocket"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*model.User
	next  int64
}

func (f *fakeUsers) CreateUser(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.Username]; ok {
		return repository.ErrDuplicateUser
	}
	f.next++
	u.ID = f.next
	copied := *u
	f.users[u.Username] = &copied
	return nil
}

func (f *fakeUsers) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (f *fakeUsers) GetUserByUsername(_ context.Context, name string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[name]; ok {
		return u, nil
	}
	return nil, repository.ErrUserNotFound
}

type fakeBeats struct {
	mu    sync.Mutex
	beats map[int64]*model.Beat
	next  int64
}

func (f *fakeBeats) Create(_ context.Context, b *model.Beat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	b.ID = f.next
	copied := *b
	f.beats[b.ID] = &copied
	return nil
}

func (f *fakeBeats) GetByID(_ context.Context, userID, id int64) (*model.Beat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.beats[id]
	if !ok || b.UserID != userID {
		return nil, repository.ErrBeatNotFound
	}
	copied := *b
	return &copied, nil
}

func (f *fakeBeats) ListByUser(_ context.Context, userID int64, _, _ int) ([]*model.Beat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Beat
	for _, b := range f.beats {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBeats) Update(_ context.Context, b *model.Beat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.beats[b.ID]
	if !ok || old.UserID != b.UserID {
		return repository.ErrBeatNotFound
	}
	copied := *b
	f.beats[b.ID] = &copied
	return nil
}

func (f *fakeBeats) Delete(_ context.Context, userID, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.beats[id]
	if !ok || b.UserID != userID {
		return repository.ErrBeatNotFound
	}
	delete(f.beats, id)
	return nil
}

type fakeExporter struct {
	docs []pattern.Document
}

func (f *fakeExporter) Export(_ context.Context, userID, beatID int64, doc pattern.Document) (*storage.ExportResult, error) {
	f.docs = append(f.docs, doc)
	key := storage.ObjectKey(userID, beatID, doc.Name)
	return &storage.ExportResult{Key: key, URL: "http://minio.local/" + key}, nil
}

type testEnv struct {
	srv      *httptest.Server
	exporter *fakeExporter
	registry *room.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hub := room.NewHub()
	go hub.Run()
	reg := room.NewRegistry(nil, room.DefaultConfig())
	mgr := room.NewManager(reg, hub)

	exp := &fakeExporter{}
	api := NewAPIHandler(
		&fakeUsers{users: map[string]*model.User{}},
		&fakeBeats{beats: map[int64]*model.Beat{}},
		exp,
		auth.NewIssuer("test-secret", time.Hour),
		mgr,
	)
	srv := httptest.NewServer(NewRouter(api, NewRoomHandler(mgr)))
	t.Cleanup(func() {
		srv.Close()
		reg.Close(context.Background())
		hub.Stop()
	})
	return &testEnv{srv: srv, exporter: exp, registry: reg}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func (e *testEnv) register(t *testing.T, name string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/auth/register", "", AuthRequest{Username: name, Password: "secret1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %s", name, resp.StatusCode, body)
	}
	var ar AuthResponse
	json.Unmarshal(body, &ar)
	return ar.Token
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")

	tests := []struct {
		name     string
		path     string
		req      AuthRequest
		wantCode int
	}{
		{"duplicate register", "/api/auth/register", AuthRequest{Username: "alice", Password: "secret1"}, http.StatusConflict},
		{"short password", "/api/auth/register", AuthRequest{Username: "bob", Password: "123"}, http.StatusBadRequest},
		{"missing fields", "/api/auth/login", AuthRequest{}, http.StatusBadRequest},
		{"wrong password", "/api/auth/login", AuthRequest{Username: "alice", Password: "nope"}, http.StatusUnauthorized},
		{"unknown user", "/api/auth/login", AuthRequest{Username: "carol", Password: "secret1"}, http.StatusUnauthorized},
		{"login", "/api/auth/login", AuthRequest{Username: "alice", Password: "secret1"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, tt.path, "", tt.req)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.wantCode, body)
			}
		})
	}
}

func TestBeatsRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	for _, token := range []string{"", "garbage"} {
		resp, _ := env.do(t, http.MethodGet, "/api/beats", token, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: status %d", token, resp.StatusCode)
		}
	}
}

func TestBeatCRUDAndExport(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	s := pattern.NewState()
	s, _ = pattern.Apply(s, pattern.AddNote("kick", 0, 4))
	s, _ = pattern.Apply(s, pattern.SetBPM{BPM: 400})
	doc := pattern.DocumentFromState("  Four on the floor ", s)

	resp, body := env.do(t, http.MethodPost, "/api/beats", alice, doc)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var created model.Beat
	json.Unmarshal(body, &created)
	if created.Name != "Four on the floor" || created.BPM != pattern.MaxBPM || len(created.PatternData["kick"]) != 1 {
		t.Fatalf("created %+v", created)
	}
	path := fmt.Sprintf("/api/beats/%d", created.ID)

	if resp, _ := env.do(t, http.MethodGet, path, bob, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("other user's beat: status %d", resp.StatusCode)
	}

	doc.Name = "Renamed"
	doc.BPM = 90
	resp, body = env.do(t, http.MethodPut, path, alice, doc)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", resp.StatusCode, body)
	}
	var updated model.Beat
	json.Unmarshal(body, &updated)
	if updated.Name != "Renamed" || updated.BPM != 90 {
		t.Fatalf("updated %+v", updated)
	}

	resp, body = env.do(t, http.MethodPost, path+"/export", alice, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("export: %d %s", resp.StatusCode, body)
	}
	var result storage.ExportResult
	json.Unmarshal(body, &result)
	if !strings.HasPrefix(result.Key, "beats/") || len(env.exporter.docs) != 1 || env.exporter.docs[0].Name != "Renamed" {
		t.Fatalf("export result %+v", result)
	}

	resp, body = env.do(t, http.MethodGet, "/api/beats", alice, nil)
	var list []model.Beat
	json.Unmarshal(body, &list)
	if resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}

	if resp, _ := env.do(t, http.MethodDelete, path, alice, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodGet, path, alice, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: %d", resp.StatusCode)
	}
}

func TestCreateBeatValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "alice")
	tests := []struct {
		name string
		body interface{}
	}{
		{"no name", pattern.Document{}},
		{"not json", "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp, _ := env.do(t, http.MethodPost, "/api/beats", token, tt.body); resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status %d", resp.StatusCode)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

// wsClient 直接用 websocket 说协议，读取时拆分合并的帧
type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []*protocol.Message
}

func dialWS(t *testing.T, env *testEnv) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	c := &wsClient{t: t, conn: conn}
	if msg := c.next(); msg.Type != protocol.TypeConnect {
		t.Fatalf("first message = %s", msg.Type)
	}
	return c
}

func (c *wsClient) send(t protocol.MessageType, roomID, requestID string, payload interface{}) {
	msg, err := protocol.New(t, roomID, payload)
	if err != nil {
		c.t.Fatal(err)
	}
	msg.RequestID = requestID
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatal(err)
	}
}

func (c *wsClient) next() *protocol.Message {
	c.t.Helper()
	for len(c.pending) == 0 {
		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var msg protocol.Message
			if err := json.Unmarshal(line, &msg); err != nil {
				c.t.Fatal(err)
			}
			c.pending = append(c.pending, &msg)
		}
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	return msg
}

func (c *wsClient) expect(t protocol.MessageType) *protocol.Message {
	c.t.Helper()
	msg := c.next()
	if msg.Type != t {
		c.t.Fatalf("got %s, want %s", msg.Type, t)
	}
	return msg
}

func TestWebSocketRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	a := dialWS(t, env)
	b := dialWS(t, env)

	a.send(protocol.TypeCreateRoom, "", "r1", protocol.CreateRoomRequest{})
	var ack protocol.Ack
	msg := a.expect(protocol.TypeAck)
	msg.Decode(&ack)
	if !ack.Success || msg.RequestID != "r1" || ack.RoomState == nil {
		t.Fatalf("create ack %+v", ack)
	}
	roomID := ack.RoomID

	b.send(protocol.TypeJoinRoom, "", "r2", protocol.JoinRoomRequest{RoomID: roomID})
	b.expect(protocol.TypeAck)
	a.expect(protocol.TypeUserJoined)

	b.send(protocol.TypeSetBPM, roomID, "", protocol.BPMPayload{BPM: 10})
	var bpm protocol.BPMPayload
	a.expect(protocol.TypeBPMChange).Decode(&bpm)
	if bpm.BPM != pattern.MinBPM {
		t.Fatalf("broadcast bpm = %d, want clamped %d", bpm.BPM, pattern.MinBPM)
	}

	resp, body := env.do(t, http.MethodGet, "/api/rooms/check?ids="+roomID+",missing1", "", nil)
	var check struct {
		Rooms []protocol.RoomStatus `json:"rooms"`
	}
	json.Unmarshal(body, &check)
	if resp.StatusCode != http.StatusOK || len(check.Rooms) != 2 || !check.Rooms[0].Exists || check.Rooms[0].UserCount != 2 || check.Rooms[1].Exists {
		t.Fatalf("check: %d %s", resp.StatusCode, body)
	}

	a.send(protocol.TypePing, "", "p1", nil)
	if msg := a.expect(protocol.TypePong); msg.RequestID != "p1" {
		t.Fatalf("pong request id %q", msg.RequestID)
	}
}
