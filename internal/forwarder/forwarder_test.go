package forwarder

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dtmesh/dtmsgd/internal/cryptobox"
	"github.com/dtmesh/dtmsgd/internal/store"
	"github.com/dtmesh/dtmsgd/internal/transport"
	"github.com/dtmesh/dtmsgd/internal/wire"
)

type fakeTransport struct {
	peers       []transport.EndpointID
	broadcasts  [][]byte
	broadcastFn func([]byte) error
}

func (f *fakeTransport) StartAdvertising(ctx context.Context) error { return nil }
func (f *fakeTransport) StartDiscovery(ctx context.Context) error   { return nil }
func (f *fakeTransport) Send(ctx context.Context, id transport.EndpointID, b []byte) error {
	return nil
}
func (f *fakeTransport) Broadcast(ctx context.Context, b []byte) error {
	f.broadcasts = append(f.broadcasts, b)
	if f.broadcastFn != nil {
		return f.broadcastFn(b)
	}
	return nil
}
func (f *fakeTransport) ConnectedEndpoints() []transport.EndpointID { return f.peers }
func (f *fakeTransport) Events() <-chan transport.Event             { return nil }
func (f *fakeTransport) SelfID() transport.EndpointID               { return "self" }
func (f *fakeTransport) StopAll() error                             { return nil }

type fakeScheduler struct {
	scheduled        []string
	delivered        []string
	retriedOnConnect int
}

func (s *fakeScheduler) Schedule(id string, attempt int)       { s.scheduled = append(s.scheduled, id) }
func (s *fakeScheduler) MarkDelivered(id string)               { s.delivered = append(s.delivered, id) }
func (s *fakeScheduler) RetryPendingOnConnectionRestored()     { s.retriedOnConnect++ }

func newTestForwarder(t *testing.T, tp *fakeTransport) (*Forwarder, *store.Store, *cryptobox.CryptoBox) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "dtmsgd-forwarder-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	st, err := store.New(&store.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	box := cryptobox.New(cryptobox.NewSeedKeyProvider(cryptobox.DefaultSeed))
	cfg := Config{
		MaxHops:      5,
		DefaultTTL:   24 * time.Hour,
		AckTTL:       60 * time.Second,
		SeenSetLimit: 1000,
		SelfUserID:   "self-user",
	}
	f := New(st, tp, box, cfg, Events{})
	return f, st, box
}

func buildTextMessage(t *testing.T, box *cryptobox.CryptoBox, id, sender, recipient, content string) []byte {
	t.Helper()
	now := time.Now().UnixMilli()
	m := &wire.NetworkMessage{
		MessageType: wire.Text,
		MessageID:   id,
		SenderID:    sender,
		RecipientID: recipient,
		Content:     content,
		Timestamp:   now,
		TTL:         now + 3_600_000,
	}
	m.Hash = box.ContentHash(content, sender, recipient, now)
	b, err := wire.Encode(m)
	if err != nil {
		t.Fatalf("wire.Encode: %v", err)
	}
	return b
}

func TestIngestDropsUndecodableBytes(t *testing.T) {
	tp := &fakeTransport{}
	f, _, _ := newTestForwarder(t, tp)
	f.Ingest(context.Background(), "peer1", []byte("not json"))
	if len(tp.broadcasts) != 0 {
		t.Error("undecodable bytes should not be forwarded")
	}
}

func TestIngestDropsExpiredMessage(t *testing.T) {
	tp := &fakeTransport{}
	f, st, box := newTestForwarder(t, tp)

	m := &wire.NetworkMessage{
		MessageType: wire.Text,
		MessageID:   "expired1",
		SenderID:    "alice",
		RecipientID: "self-user",
		Content:     "hi",
		Timestamp:   1000,
		TTL:         1, // long past
	}
	m.Hash = box.ContentHash("hi", "alice", "self-user", 1000)
	b, _ := wire.Encode(m)

	f.Ingest(context.Background(), "peer1", b)

	rec, err := st.GetMessage("expired1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if rec != nil {
		t.Error("expired message should not be persisted")
	}
}

func TestIngestDeliversAndAcksUnicastTextForSelf(t *testing.T) {
	tp := &fakeTransport{peers: []transport.EndpointID{"peer1"}}
	sched := &fakeScheduler{}
	f, st, box := newTestForwarder(t, tp)
	f.SetScheduler(sched)

	b := buildTextMessage(t, box, "m1", "alice", "self-user", "hello")
	f.Ingest(context.Background(), "peer1", b)

	rec, err := st.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if rec == nil || rec.Status != store.Delivered {
		t.Fatalf("GetMessage = %+v, want status DELIVERED", rec)
	}
	if len(sched.delivered) != 1 || sched.delivered[0] != "m1" {
		t.Errorf("scheduler.delivered = %v, want [m1]", sched.delivered)
	}
	if len(tp.broadcasts) == 0 {
		t.Fatal("expected at least an ACK broadcast")
	}

	ack, err := wire.Decode(tp.broadcasts[0])
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.MessageType != wire.Ack || ack.Content != wire.AckContentPrefix+"m1" {
		t.Errorf("ack = %+v, want ACK for m1", ack)
	}
}

func TestIngestDoesNotAckBroadcastMessages(t *testing.T) {
	tp := &fakeTransport{peers: []transport.EndpointID{"peer1"}}
	f, st, box := newTestForwarder(t, tp)
	f.SetScheduler(&fakeScheduler{})

	b := buildTextMessage(t, box, "m2", "alice", store.BroadcastRecipient, "hello all")
	f.Ingest(context.Background(), "peer1", b)

	rec, err := st.GetMessage("m2")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if rec.Status != store.Delivered {
		t.Fatalf("status = %s, want DELIVERED", rec.Status)
	}

	for _, raw := range tp.broadcasts {
		decoded, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		if decoded.MessageType == wire.Ack {
			t.Error("broadcast message should not generate an ACK")
		}
	}
}

func TestIngestForwardsMessageNotForSelf(t *testing.T) {
	tp := &fakeTransport{peers: []transport.EndpointID{"peer1", "peer2"}}
	f, _, box := newTestForwarder(t, tp)

	b := buildTextMessage(t, box, "m3", "alice", "carol", "relay me")
	f.Ingest(context.Background(), "peer1", b)

	if len(tp.broadcasts) != 1 {
		t.Fatalf("got %d broadcasts, want 1 (forward)", len(tp.broadcasts))
	}
	forwarded, err := wire.Decode(tp.broadcasts[0])
	if err != nil {
		t.Fatalf("decode forwarded: %v", err)
	}
	if forwarded.HopCount != 1 {
		t.Errorf("HopCount = %d, want 1", forwarded.HopCount)
	}
}

func TestIngestDoesNotForwardAtMaxHops(t *testing.T) {
	tp := &fakeTransport{peers: []transport.EndpointID{"peer1"}}
	f, _, box := newTestForwarder(t, tp)

	now := time.Now().UnixMilli()
	m := &wire.NetworkMessage{
		MessageType: wire.Text,
		MessageID:   "m4",
		SenderID:    "alice",
		RecipientID: "carol",
		Content:     "relay me",
		Timestamp:   now,
		TTL:         now + 3_600_000,
		HopCount:    5,
	}
	m.Hash = box.ContentHash("relay me", "alice", "carol", now)
	b, _ := wire.Encode(m)

	f.Ingest(context.Background(), "peer1", b)

	if len(tp.broadcasts) != 0 {
		t.Errorf("got %d broadcasts, want 0 at MAX_HOPS", len(tp.broadcasts))
	}
}

func TestIngestFiltersDuplicateMessageID(t *testing.T) {
	tp := &fakeTransport{peers: []transport.EndpointID{"peer1"}}
	var dupCount int
	f, _, box := newTestForwarder(t, tp)
	f.events.OnDuplicateFiltered = func(id string) { dupCount++ }

	b := buildTextMessage(t, box, "m5", "alice", "carol", "once")
	f.Ingest(context.Background(), "peer1", b)
	f.Ingest(context.Background(), "peer1", b)

	if dupCount != 1 {
		t.Errorf("dupCount = %d, want 1", dupCount)
	}
}

func TestIngestDropsMessageWithBadHash(t *testing.T) {
	tp := &fakeTransport{}
	f, st, _ := newTestForwarder(t, tp)

	now := time.Now().UnixMilli()
	m := &wire.NetworkMessage{
		MessageType: wire.Text,
		MessageID:   "m6",
		SenderID:    "alice",
		RecipientID: "self-user",
		Content:     "tampered",
		Timestamp:   now,
		TTL:         now + 3_600_000,
		Hash:        "deadbeef",
	}
	b, _ := wire.Encode(m)

	f.Ingest(context.Background(), "peer1", b)

	rec, err := st.GetMessage("m6")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if rec != nil {
		t.Error("message with bad integrity hash should not be persisted")
	}
}

func TestIngestHandlesAck(t *testing.T) {
	tp := &fakeTransport{}
	sched := &fakeScheduler{}
	f, st, _ := newTestForwarder(t, tp)
	f.SetScheduler(sched)

	if err := st.InsertMessage(&store.MessageRecord{
		MessageID: "orig1", Content: "x", SenderID: "self-user", RecipientID: "bob",
		Timestamp: 1, Status: store.Sent, TTL: time.Now().UnixMilli() + 1_000_000, IsOutgoing: true,
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	now := time.Now().UnixMilli()
	ack := &wire.NetworkMessage{
		MessageType: wire.Ack,
		MessageID:   "ack1",
		SenderID:    "bob",
		RecipientID: "self-user",
		Content:     wire.AckContentPrefix + "orig1",
		Timestamp:   now,
		TTL:         now + 60_000,
		Hash:        f.box.ContentHash(wire.AckContentPrefix+"orig1", "bob", "self-user", now),
	}
	b, _ := wire.Encode(ack)
	f.Ingest(context.Background(), "peer1", b)

	rec, err := st.GetMessage("orig1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if rec.Status != store.Delivered {
		t.Errorf("status = %s, want DELIVERED", rec.Status)
	}
	if len(sched.delivered) != 1 || sched.delivered[0] != "orig1" {
		t.Errorf("scheduler.delivered = %v, want [orig1]", sched.delivered)
	}
}

func TestEgressWithNoPeersSchedulesRetry(t *testing.T) {
	tp := &fakeTransport{}
	sched := &fakeScheduler{}
	f, st, _ := newTestForwarder(t, tp)
	f.SetScheduler(sched)

	rec := &store.MessageRecord{
		MessageID: "out1", Content: "hi", SenderID: "self-user", RecipientID: "bob",
		Timestamp: time.Now().UnixMilli(), Status: store.Pending,
		TTL: time.Now().UnixMilli() + 1_000_000, IsOutgoing: true,
	}
	if err := st.InsertMessage(rec); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	sent, err := f.Egress(context.Background(), "out1")
	if err != nil {
		t.Fatalf("Egress: %v", err)
	}
	if sent {
		t.Error("Egress should report false with no connected peers")
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0] != "out1" {
		t.Errorf("scheduler.scheduled = %v, want [out1]", sched.scheduled)
	}
}

func TestEgressWithPeersBroadcastsAndMarksSent(t *testing.T) {
	tp := &fakeTransport{peers: []transport.EndpointID{"peer1"}}
	f, st, _ := newTestForwarder(t, tp)

	rec := &store.MessageRecord{
		MessageID: "out2", Content: "hi", SenderID: "self-user", RecipientID: "bob",
		Timestamp: time.Now().UnixMilli(), Status: store.Pending,
		TTL: time.Now().UnixMilli() + 1_000_000, IsOutgoing: true,
	}
	if err := st.InsertMessage(rec); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	sent, err := f.Egress(context.Background(), "out2")
	if err != nil {
		t.Fatalf("Egress: %v", err)
	}
	if !sent {
		t.Error("Egress should report true with connected peers")
	}
	if len(tp.broadcasts) != 1 {
		t.Fatalf("got %d broadcasts, want 1", len(tp.broadcasts))
	}

	got, err := st.GetMessage("out2")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != store.Sent {
		t.Errorf("status = %s, want SENT", got.Status)
	}
}
