package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dtmesh/dtmsgd/internal/config"
	"github.com/dtmesh/dtmsgd/internal/engine"
	"github.com/dtmesh/dtmsgd/internal/transport"
)

type fakeTransport struct {
	mu    sync.Mutex
	peers []transport.EndpointID
	events chan transport.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 16)}
}

func (f *fakeTransport) StartAdvertising(ctx context.Context) error { return nil }
func (f *fakeTransport) StartDiscovery(ctx context.Context) error   { return nil }
func (f *fakeTransport) Send(ctx context.Context, id transport.EndpointID, b []byte) error {
	return nil
}
func (f *fakeTransport) Broadcast(ctx context.Context, b []byte) error { return nil }
func (f *fakeTransport) ConnectedEndpoints() []transport.EndpointID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers
}
func (f *fakeTransport) Events() <-chan transport.Event { return f.events }
func (f *fakeTransport) SelfID() transport.EndpointID   { return "fake-self" }
func (f *fakeTransport) StopAll() error {
	close(f.events)
	return nil
}

func newTestServer(t *testing.T) (*Server, *engine.EngineCoordinator) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "dtmsgd-api-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = tmpDir

	hub := NewWSHub()
	go hub.Run()

	eng, err := engine.New(context.Background(), cfg, newFakeTransport(), hub.EngineEvents())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { eng.Stop() })

	return NewServer(eng, hub), eng
}

func doRPC(t *testing.T, s *Server, method string, params interface{}) Response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = b
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: raw, ID: 1}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleRPC(rec, httpReq)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestSendTextPersistsMessage(t *testing.T) {
	s, eng := newTestServer(t)

	resp := doRPC(t, s, "send_text", sendTextParams{RecipientID: "bob", Content: "hi"})
	if resp.Error != nil {
		t.Fatalf("send_text error: %+v", resp.Error)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	id, _ := result["messageId"].(string)
	if id == "" {
		t.Fatal("expected a non-empty messageId")
	}

	rec, err := eng.Store.GetMessage(id)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if rec == nil || rec.RecipientID != "bob" {
		t.Fatalf("message not persisted as expected: %+v", rec)
	}
}

func TestSendTextRejectsEmptyBody(t *testing.T) {
	s, _ := newTestServer(t)

	resp := doRPC(t, s, "send_text", sendTextParams{RecipientID: "bob", Content: ""})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Fatalf("expected InvalidParams, got %+v", resp.Error)
	}
}

func TestSendTextRejectsOversizeBody(t *testing.T) {
	s, _ := newTestServer(t)

	oversize := make([]byte, 1001)
	for i := range oversize {
		oversize[i] = 'x'
	}
	resp := doRPC(t, s, "send_text", sendTextParams{RecipientID: "bob", Content: string(oversize)})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Fatalf("expected InvalidParams, got %+v", resp.Error)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	resp := doRPC(t, s, "nonexistent_method", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp.Error)
	}
}

func TestFriendsAddAndList(t *testing.T) {
	s, _ := newTestServer(t)

	resp := doRPC(t, s, "friends_add", friendAddParams{UserID: "alice", Nickname: "Alice"})
	if resp.Error != nil {
		t.Fatalf("friends_add error: %+v", resp.Error)
	}

	resp = doRPC(t, s, "friends_list", nil)
	if resp.Error != nil {
		t.Fatalf("friends_list error: %+v", resp.Error)
	}
	list, ok := resp.Result.([]interface{})
	if !ok || len(list) != 1 {
		t.Fatalf("expected one friend, got %+v", resp.Result)
	}
}

func TestCountsReflectsPendingMessage(t *testing.T) {
	s, _ := newTestServer(t)

	doRPC(t, s, "send_text", sendTextParams{RecipientID: "bob", Content: "hi"})

	resp := doRPC(t, s, "counts", nil)
	if resp.Error != nil {
		t.Fatalf("counts error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if total, _ := result["Total"].(float64); total < 1 {
		t.Errorf("expected Total >= 1, got %v", result["Total"])
	}
}

func TestBroadcastReachesSubscribedClient(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := &WSClient{
		id:            "test-client",
		send:          make(chan []byte, 4),
		subscriptions: make(map[EventType]bool),
		hub:           hub,
	}
	hub.mu.Lock()
	hub.clients[client] = true
	hub.mu.Unlock()

	hub.Broadcast(EventPeerConnected, map[string]string{"endpointId": "peer-1"})

	select {
	case msg := <-client.send:
		var ev WSEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if ev.Type != EventPeerConnected {
			t.Errorf("event type = %s, want %s", ev.Type, EventPeerConnected)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}
