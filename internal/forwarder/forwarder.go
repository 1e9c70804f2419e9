// Package forwarder implements the store-and-forward relay logic:
// ingest bytes from a transport, decide whether to deliver locally,
// forward, or drop, and push outgoing MessageRecords onto the wire
// (§4.5). It is grounded on the shape of the teacher's StreamHandler
// (ingress dispatch, ACK handling) and MessageSender (egress,
// persist-before-send), generalized from the swap protocol to the
// engine's TEXT/ACK wire vocabulary.
package forwarder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dtmesh/dtmsgd/internal/cryptobox"
	"github.com/dtmesh/dtmsgd/internal/store"
	"github.com/dtmesh/dtmsgd/internal/transport"
	"github.com/dtmesh/dtmsgd/internal/wire"
	"github.com/dtmesh/dtmsgd/pkg/logging"
)

// Scheduler is the subset of RetryScheduler the Forwarder needs. The
// concrete *retry.RetryScheduler satisfies this; kept as a local
// interface so the two packages don't import each other (retry needs
// to call back into Forwarder.Egress).
type Scheduler interface {
	Schedule(id string, attempt int)
	MarkDelivered(id string)
	RetryPendingOnConnectionRestored()
}

// Events is the set of callbacks the Forwarder fires for upstream
// (EngineCoordinator) consumption; all are optional.
type Events struct {
	OnDuplicateFiltered func(messageID string)
	OnDelivered         func(messageID, senderID string)
	OnForwarded         func(messageID string, peerCount int)
	OnFailed            func(messageID, reason string)
}

// Config holds the tunables the Forwarder needs from §6.
type Config struct {
	MaxHops      int
	DefaultTTL   time.Duration
	AckTTL       time.Duration
	SeenSetLimit int
	SelfUserID   string
}

// Forwarder owns the SeenSet and the ingress/forward/egress pipelines.
// Ingest runs on the engine's transport dispatch goroutine; Egress runs
// on the caller's goroutine (API requests, retry timers) and is not
// serialized with Ingest. The SeenSet locks internally.
type Forwarder struct {
	store     *store.Store
	transport transport.PeerTransport
	box       *cryptobox.CryptoBox
	scheduler Scheduler

	seen *seenSet
	cfg  Config

	events Events
	log    *logging.Logger
}

// New builds a Forwarder. Until SetScheduler is called, retry
// scheduling and delivery notifications to the scheduler are skipped.
func New(st *store.Store, tp transport.PeerTransport, box *cryptobox.CryptoBox, cfg Config, events Events) *Forwarder {
	return &Forwarder{
		store:     st,
		transport: tp,
		box:       box,
		seen:      newSeenSet(cfg.SeenSetLimit),
		cfg:       cfg,
		events:    events,
		log:       logging.GetDefault().Component("forwarder"),
	}
}

// SetScheduler wires in the RetryScheduler after both components are
// constructed (breaks the Forwarder<->RetryScheduler construction
// cycle; see engine.New).
func (f *Forwarder) SetScheduler(s Scheduler) {
	f.scheduler = s
}

// Ingest runs the ingress algorithm of §4.5 on bytes received from a
// transport endpoint.
func (f *Forwarder) Ingest(ctx context.Context, fromEndpoint transport.EndpointID, b []byte) {
	m, err := wire.Decode(b)
	if err != nil {
		f.log.Debug("dropping undecodable message", "from", fromEndpoint, "error", err)
		return
	}

	now := time.Now().UnixMilli()
	if now > m.TTL {
		f.log.Debug("dropping expired message", "message_id", m.MessageID)
		return
	}

	if f.seen.Contains(m.MessageID) {
		if f.events.OnDuplicateFiltered != nil {
			f.events.OnDuplicateFiltered(m.MessageID)
		}
		return
	}

	plaintext, err := f.recoverPlaintext(m)
	if err != nil {
		f.log.Debug("dropping message with bad payload", "message_id", m.MessageID, "error", err)
		return
	}

	expected := f.box.ContentHash(plaintext, m.SenderID, m.RecipientID, m.Timestamp)
	if expected != m.Hash {
		f.log.Debug("dropping message with bad integrity hash", "message_id", m.MessageID)
		return
	}

	f.seen.Insert(m.MessageID)

	switch m.MessageType {
	case wire.Text:
		f.handleText(ctx, m, plaintext)
	case wire.Ack:
		f.handleAck(m)
	default:
		f.log.Debug("dropping message of unknown type", "type", m.MessageType)
	}
}

func (f *Forwarder) recoverPlaintext(m *wire.NetworkMessage) (string, error) {
	if !m.Encrypted {
		return m.Content, nil
	}
	blob, err := cryptobox.ParseBlob(m.Content)
	if err != nil {
		return "", err
	}
	pt, err := f.box.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func (f *Forwarder) handleText(ctx context.Context, m *wire.NetworkMessage, plaintext string) {
	rec := &store.MessageRecord{
		MessageID:     m.MessageID,
		Content:       plaintext,
		SenderID:      m.SenderID,
		RecipientID:   m.RecipientID,
		Timestamp:     m.Timestamp,
		Status:        store.Pending,
		HopCount:      m.HopCount,
		TTL:           m.TTL,
		IntegrityHash: m.Hash,
		IsOutgoing:    false,
	}
	if err := f.store.InsertMessage(rec); err != nil {
		f.log.Error("failed to persist incoming message", "message_id", m.MessageID, "error", err)
		return
	}

	forUs := m.RecipientID == f.cfg.SelfUserID || m.RecipientID == store.BroadcastRecipient
	if forUs {
		if err := f.store.UpdateStatus(m.MessageID, store.Delivered); err != nil {
			f.log.Error("failed to mark message delivered", "message_id", m.MessageID, "error", err)
		}
		if err := f.store.IncrementMessageCount(m.SenderID); err != nil {
			f.log.Debug("failed to bump friend message count", "user_id", m.SenderID, "error", err)
		}
		if f.scheduler != nil {
			f.scheduler.MarkDelivered(m.MessageID)
		}
		if f.events.OnDelivered != nil {
			f.events.OnDelivered(m.MessageID, m.SenderID)
		}
		if m.RecipientID != store.BroadcastRecipient {
			f.sendAck(ctx, m.MessageID)
		}
	}

	f.forward(ctx, m)
}

func (f *Forwarder) handleAck(m *wire.NetworkMessage) {
	if !strings.HasPrefix(m.Content, wire.AckContentPrefix) {
		f.log.Debug("dropping malformed ACK", "message_id", m.MessageID)
		return
	}
	originalID := strings.TrimPrefix(m.Content, wire.AckContentPrefix)
	if err := f.store.UpdateStatus(originalID, store.Delivered); err != nil {
		f.log.Error("failed to apply ACK", "original_id", originalID, "error", err)
		return
	}
	if f.scheduler != nil {
		f.scheduler.MarkDelivered(originalID)
	}
	if f.events.OnDelivered != nil {
		f.events.OnDelivered(originalID, "")
	}
}

// forward re-broadcasts m with hop_count incremented, per §4.5's
// forward step. TEXT messages only; ACKs are never forwarded since
// ingestion dispatches on type before reaching here.
func (f *Forwarder) forward(ctx context.Context, m *wire.NetworkMessage) {
	if m.HopCount >= f.cfg.MaxHops {
		return
	}
	now := time.Now().UnixMilli()
	if now > m.TTL {
		return
	}
	peers := f.transport.ConnectedEndpoints()
	if len(peers) == 0 {
		return
	}

	forwarded := *m
	forwarded.HopCount++
	forwarded.ForwarderPath = m.ForwarderPath + "-> " + f.cfg.SelfUserID + " "

	b, err := wire.Encode(&forwarded)
	if err != nil {
		f.log.Error("failed to encode forwarded message", "message_id", m.MessageID, "error", err)
		return
	}
	if err := f.transport.Broadcast(ctx, b); err != nil {
		f.log.Debug("forward broadcast failed", "message_id", m.MessageID, "error", err)
		return
	}
	if f.events.OnForwarded != nil {
		f.events.OnForwarded(m.MessageID, len(peers))
	}
}

func (f *Forwarder) sendAck(ctx context.Context, originalID string) {
	ack := &wire.NetworkMessage{
		MessageType: wire.Ack,
		MessageID:   mustRandomID(),
		SenderID:    f.cfg.SelfUserID,
		RecipientID: store.BroadcastRecipient,
		Content:     wire.AckContentPrefix + originalID,
		Timestamp:   time.Now().UnixMilli(),
		HopCount:    0,
		TTL:         time.Now().Add(f.cfg.AckTTL).UnixMilli(),
		Encrypted:   false,
	}
	ack.Hash = f.box.ContentHash(ack.Content, ack.SenderID, ack.RecipientID, ack.Timestamp)

	b, err := wire.Encode(ack)
	if err != nil {
		f.log.Error("failed to encode ACK", "original_id", originalID, "error", err)
		return
	}
	f.seen.Insert(ack.MessageID)
	if err := f.transport.Broadcast(ctx, b); err != nil {
		f.log.Debug("ACK broadcast failed", "original_id", originalID, "error", err)
	}
}

// Egress performs the egress (local send) algorithm of §4.5 for a
// previously-persisted outgoing MessageRecord. The returned bool
// reports whether peers were connected at send time (the "observable
// success" RetryScheduler.execute checks).
func (f *Forwarder) Egress(ctx context.Context, messageID string) (bool, error) {
	rec, err := f.store.GetMessage(messageID)
	if err != nil {
		return false, fmt.Errorf("forwarder: load message: %w", err)
	}
	if rec == nil {
		return false, fmt.Errorf("forwarder: message %s not found", messageID)
	}

	m := &wire.NetworkMessage{
		MessageType: wire.Text,
		MessageID:   rec.MessageID,
		SenderID:    rec.SenderID,
		RecipientID: rec.RecipientID,
		Timestamp:   rec.Timestamp,
		HopCount:    rec.HopCount,
		TTL:         rec.TTL,
	}

	content := rec.Content
	if f.box.Ready() {
		blob, err := f.box.Encrypt([]byte(rec.Content))
		if err != nil {
			f.failMessage(rec.MessageID, "encrypt: "+err.Error())
			return false, err
		}
		serialized, err := cryptobox.SerializeBlob(blob)
		if err != nil {
			f.failMessage(rec.MessageID, "serialize: "+err.Error())
			return false, err
		}
		m.Content = serialized
		m.Encrypted = true
	} else {
		m.Content = content
		m.Encrypted = false
	}
	m.Hash = f.box.ContentHash(content, rec.SenderID, rec.RecipientID, rec.Timestamp)
	if sig, err := f.box.Sign(content, rec.SenderID, rec.Timestamp); err == nil {
		m.Signature = sig
	}

	f.seen.Insert(rec.MessageID)

	b, err := wire.Encode(m)
	if err != nil {
		f.failMessage(rec.MessageID, "encode: "+err.Error())
		return false, err
	}

	peers := f.transport.ConnectedEndpoints()
	if len(peers) == 0 {
		if f.scheduler != nil {
			f.scheduler.Schedule(rec.MessageID, 0)
		}
		return false, nil
	}

	if err := f.transport.Broadcast(ctx, b); err != nil {
		return false, err
	}
	if err := f.store.UpdateStatus(rec.MessageID, store.Sent); err != nil {
		f.log.Error("failed to mark message sent", "message_id", rec.MessageID, "error", err)
	}
	return true, nil
}

func (f *Forwarder) failMessage(messageID, reason string) {
	if err := f.store.UpdateStatus(messageID, store.Failed); err != nil {
		f.log.Error("failed to mark message failed", "message_id", messageID, "error", err)
	}
	if f.events.OnFailed != nil {
		f.events.OnFailed(messageID, reason)
	}
}

func mustRandomID() string {
	id, err := cryptobox.RandomID()
	if err != nil {
		return fmt.Sprintf("ack-%d", time.Now().UnixNano())
	}
	return id
}

// OnPeerConnected should be called by the EngineCoordinator whenever
// the transport reports a new connection; it resumes any pending
// outgoing sends.
func (f *Forwarder) OnPeerConnected() {
	if f.scheduler != nil {
		f.scheduler.RetryPendingOnConnectionRestored()
	}
}

// Cleanup prunes expired MessageStore rows (the MessageStore half of
// §4.7's periodic maintenance; SeenSet trimming happens automatically
// on insert and RetryScheduler.cleanup is invoked separately).
func (f *Forwarder) Cleanup() (int64, error) {
	return f.store.DeleteExpired(time.Now().UnixMilli())
}
