// Package engine wires CryptoBox, MessageStore, PeerTransport,
// Forwarder and RetryScheduler into the EngineCoordinator: the
// top-level component that starts discovery, dispatches transport
// events to the forwarder executor, and runs periodic maintenance
// (§4.7). Grounded on the shape of the teacher's Node (component
// ownership, Start/Stop lifecycle) and PeerMonitor (event-driven
// callbacks).
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dtmesh/dtmsgd/internal/config"
	"github.com/dtmesh/dtmsgd/internal/cryptobox"
	"github.com/dtmesh/dtmsgd/internal/forwarder"
	"github.com/dtmesh/dtmsgd/internal/retry"
	"github.com/dtmesh/dtmsgd/internal/store"
	"github.com/dtmesh/dtmsgd/internal/transport"
	"github.com/dtmesh/dtmsgd/pkg/logging"
)

const (
	cleanupInterval     = 5 * time.Minute
	statsInterval       = 2 * time.Minute
	rediscoveryInterval = 30 * time.Second
)

// UpstreamEvents is the vocabulary the API layer (or any other
// consumer) subscribes to, per §6's event list.
type UpstreamEvents struct {
	OnPeerConnected      func(id transport.EndpointID)
	OnPeerDisconnected   func(id transport.EndpointID)
	OnMessageReceived    func(messageID, senderID string)
	OnDelivered          func(messageID, senderID string)
	OnForwarded          func(messageID string, peerCount int)
	OnDuplicateFiltered  func(messageID string)
	OnFailed             func(messageID, reason string)
	OnMaxRetriesExceeded func(messageID string)
	OnRetryScheduled     func(messageID string)
	OnRetrySucceeded     func(messageID string)
	OnRetryFailed        func(messageID string)
	OnStats              func(Stats)
}

// Stats is the periodic snapshot emitted every statsInterval.
type Stats struct {
	ConnectedPeers int
	TotalMessages  int64
	PendingSend    int64
}

// EngineCoordinator owns every long-lived component and is the single
// entry/exit point for starting and stopping the engine.
type EngineCoordinator struct {
	cfg *config.EngineConfig

	SelfUserID string

	Store     *store.Store
	Box       *cryptobox.CryptoBox
	Transport transport.PeerTransport
	Forwarder *forwarder.Forwarder
	Retry     *retry.RetryScheduler

	events UpstreamEvents
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// endpointNames tracks the human-readable name (§4.7's "name" in
	// connected(id,name)) last seen for a connected endpoint, so the
	// disconnect event — which only carries the endpoint id — can still
	// resolve back to the FriendRecord.user_id to clear is_online.
	// Only ever touched from dispatchTransportEvents, so it needs no
	// lock of its own.
	endpointNames map[transport.EndpointID]string
}

// New constructs every component and wires them together, resolving
// the Forwarder<->RetryScheduler construction cycle with a two-phase
// build: Forwarder is built first (schedulerless), RetryScheduler is
// built against it as an EgressSender, then handed back to the
// Forwarder via SetScheduler.
func New(ctx context.Context, cfg *config.EngineConfig, tp transport.PeerTransport, events UpstreamEvents) (*EngineCoordinator, error) {
	ctx, cancel := context.WithCancel(ctx)

	st, err := store.New(&store.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	selfID := cfg.Identity.SelfUserID
	if selfID == "" {
		var derivedErr error
		selfID, derivedErr = loadOrCreateSelfUserID(cfg.Storage.DataDir)
		if derivedErr != nil {
			cancel()
			return nil, fmt.Errorf("engine: derive self_user_id: %w", derivedErr)
		}
	}

	box := cryptobox.New(cryptobox.NewSeedKeyProvider(cryptobox.DefaultSeed))

	e := &EngineCoordinator{
		cfg:           cfg,
		SelfUserID:    selfID,
		Store:         st,
		Box:           box,
		Transport:     tp,
		events:        events,
		log:           logging.GetDefault().Component("engine"),
		ctx:           ctx,
		cancel:        cancel,
		endpointNames: make(map[transport.EndpointID]string),
	}

	e.Forwarder = forwarder.New(st, tp, box, forwarder.Config{
		MaxHops:      cfg.Tunables.MaxHops,
		DefaultTTL:   cfg.Tunables.DefaultTTL,
		AckTTL:       cfg.Tunables.AckTTL,
		SeenSetLimit: cfg.Tunables.SeenSetLimit,
		SelfUserID:   selfID,
	}, forwarder.Events{
		OnDuplicateFiltered: events.OnDuplicateFiltered,
		OnDelivered:         e.routeDelivered,
		OnForwarded:         events.OnForwarded,
		OnFailed:            events.OnFailed,
	})

	e.Retry = retry.New(ctx, st, e.Forwarder, retry.Config{
		MaxRetryAttempts:  cfg.Tunables.MaxRetryAttempts,
		InitialRetryDelay: cfg.Tunables.InitialRetryDelay,
		BackoffMultiplier: cfg.Tunables.BackoffMultiplier,
		MaxRetryDelay:     cfg.Tunables.MaxRetryDelay,
	}, retry.Events{
		OnMaxRetriesExceeded: events.OnMaxRetriesExceeded,
		OnRetrySucceeded:     events.OnRetrySucceeded,
		OnRetryFailed:        events.OnRetryFailed,
	})

	e.Forwarder.SetScheduler(e.Retry)

	return e, nil
}

// loadOrCreateSelfUserID reads the opaque device-stable identifier
// (§4.7) from dataDir/self_user_id, generating and persisting a new
// UUID the first time the engine runs in this data directory.
func loadOrCreateSelfUserID(dataDir string) (string, error) {
	dir := expandPath(dataDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dir, "self_user_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return id, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// Start begins advertising/discovery, launches the transport event
// dispatch loop, and schedules periodic maintenance.
func (e *EngineCoordinator) Start() error {
	if err := e.Transport.StartAdvertising(e.ctx); err != nil {
		return fmt.Errorf("engine: start advertising: %w", err)
	}
	if err := e.Transport.StartDiscovery(e.ctx); err != nil {
		return fmt.Errorf("engine: start discovery: %w", err)
	}

	e.wg.Add(1)
	go e.dispatchTransportEvents()

	e.wg.Add(1)
	go e.runMaintenance()

	e.log.Info("engine started", "self_user_id", e.SelfUserID)
	return nil
}

// Stop cancels every background goroutine and tears down the
// transport and store.
func (e *EngineCoordinator) Stop() error {
	e.cancel()
	e.wg.Wait()
	if err := e.Transport.StopAll(); err != nil {
		e.log.Warn("transport stop error", "error", err)
	}
	e.Store.Close()
	return nil
}

// dispatchTransportEvents is the transport executor's event sink: it
// handles events one at a time on this goroutine, so inbound messages
// reach Forwarder.Ingest in arrival order. Egress calls (SendText,
// retry timers) run on their own goroutines and are not serialized
// with this loop.
func (e *EngineCoordinator) dispatchTransportEvents() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-e.Transport.Events():
			if !ok {
				return
			}
			e.handleTransportEvent(ev)
		}
	}
}

// routeDelivered splits the Forwarder's single OnDelivered callback
// into the two distinct upstream events the API surface exposes: a
// freshly arrived message addressed to us is MessageReceived, while an
// ACK confirming one of our own outgoing messages is Delivered.
func (e *EngineCoordinator) routeDelivered(messageID, senderID string) {
	rec, err := e.Store.GetMessage(messageID)
	if err != nil || rec == nil {
		e.log.Debug("routeDelivered: message lookup failed", "message_id", messageID, "error", err)
		return
	}
	if rec.IsOutgoing {
		if e.events.OnDelivered != nil {
			e.events.OnDelivered(messageID, senderID)
		}
		return
	}
	if e.events.OnMessageReceived != nil {
		e.events.OnMessageReceived(messageID, rec.SenderID)
	}
}

func (e *EngineCoordinator) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EndpointConnected:
		e.Forwarder.OnPeerConnected()
		if ev.Name != "" {
			e.endpointNames[ev.Endpoint] = ev.Name
			if err := e.Store.SetOnline(ev.Name, string(ev.Endpoint), true, time.Now().UnixMilli()); err != nil {
				e.log.Debug("failed to mark friend online", "user_id", ev.Name, "error", err)
			}
		}
		if e.events.OnPeerConnected != nil {
			e.events.OnPeerConnected(ev.Endpoint)
		}
	case transport.EndpointDisconnected:
		if name, ok := e.endpointNames[ev.Endpoint]; ok {
			delete(e.endpointNames, ev.Endpoint)
			if err := e.Store.SetOnline(name, "", false, time.Now().UnixMilli()); err != nil {
				e.log.Debug("failed to mark friend offline", "user_id", name, "error", err)
			}
		}
		if e.events.OnPeerDisconnected != nil {
			e.events.OnPeerDisconnected(ev.Endpoint)
		}
	case transport.BytesReceived:
		e.Forwarder.Ingest(e.ctx, ev.Endpoint, ev.Bytes)
	}
}

// runMaintenance drives the three periodic tasks of §4.7: cleanup
// every 5 minutes, stats every 2 minutes, and rediscovery every 30
// seconds when no peers are connected.
func (e *EngineCoordinator) runMaintenance() {
	defer e.wg.Done()

	cleanup := time.NewTicker(cleanupInterval)
	stats := time.NewTicker(statsInterval)
	rediscover := time.NewTicker(rediscoveryInterval)
	defer cleanup.Stop()
	defer stats.Stop()
	defer rediscover.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-cleanup.C:
			e.runCleanup()
		case <-stats.C:
			e.emitStats()
		case <-rediscover.C:
			if len(e.Transport.ConnectedEndpoints()) == 0 {
				if err := e.Transport.StartDiscovery(e.ctx); err != nil {
					e.log.Debug("rediscovery attempt failed", "error", err)
				}
			}
		}
	}
}

func (e *EngineCoordinator) runCleanup() {
	n, err := e.Forwarder.Cleanup()
	if err != nil {
		e.log.Error("message cleanup failed", "error", err)
	} else if n > 0 {
		e.log.Debug("swept expired messages", "count", n)
	}
	e.Retry.Cleanup()
}

func (e *EngineCoordinator) emitStats() {
	total, pending, err := e.Store.Counts()
	if err != nil {
		e.log.Error("failed to compute stats", "error", err)
		return
	}
	if e.events.OnStats != nil {
		e.events.OnStats(Stats{
			ConnectedPeers: len(e.Transport.ConnectedEndpoints()),
			TotalMessages:  total,
			PendingSend:    pending,
		})
	}
}

// SendText persists a new outgoing MessageRecord and attempts
// immediate egress through the Forwarder (§6 Engine API — send_text).
func (e *EngineCoordinator) SendText(ctx context.Context, recipientID, content string) (string, error) {
	if content == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(content) > e.cfg.Tunables.MaxMessageLength {
		return "", ErrBodyTooLong
	}

	id, err := cryptobox.RandomID()
	if err != nil {
		return "", fmt.Errorf("engine: generate message id: %w", err)
	}
	now := time.Now().UnixMilli()
	rec := &store.MessageRecord{
		MessageID:     id,
		Content:       content,
		SenderID:      e.SelfUserID,
		RecipientID:   recipientID,
		Timestamp:     now,
		Status:        store.Pending,
		TTL:           now + e.cfg.Tunables.DefaultTTL.Milliseconds(),
		IntegrityHash: e.Box.ContentHash(content, e.SelfUserID, recipientID, now),
		IsOutgoing:    true,
	}
	if err := e.Store.InsertMessage(rec); err != nil {
		return "", fmt.Errorf("engine: persist outgoing message: %w", err)
	}

	sent, err := e.Forwarder.Egress(ctx, id)
	if err != nil {
		// For encode/encrypt errors Egress already moved the message to
		// FAILED and fired OnFailed; for load or broadcast errors the
		// message stays PENDING with no retry scheduled. Either way no
		// retry is reported.
		e.log.Debug("immediate egress failed", "message_id", id, "error", err)
		return id, nil
	}
	if !sent && e.events.OnRetryScheduled != nil {
		e.events.OnRetryScheduled(id)
	}
	return id, nil
}
