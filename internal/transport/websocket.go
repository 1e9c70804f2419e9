package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dtmesh/dtmsgd/internal/config"
	"github.com/dtmesh/dtmsgd/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsPeer is one connected peer socket, server- or client-side.
type wsPeer struct {
	id   EndpointID
	conn *websocket.Conn
	send chan []byte
}

// WSTransport implements PeerTransport over plain gorilla/websocket
// connections: one listener accepts inbound peers, outbound peers are
// dialed from the configured bootstrap list. There is no DHT or mDNS —
// this adapter is meant for LAN/dev deployments where every peer
// address is known up front (adapted from the teacher's WSHub
// register/unregister/broadcast loop and WSClient read/write pumps in
// internal/rpc/websocket.go, generalized from a UI event fan-out to a
// peer-to-peer byte transport).
type WSTransport struct {
	selfID EndpointID
	cfg    *config.TransportConfig

	log *logging.Logger

	mu    sync.RWMutex
	peers map[EndpointID]*wsPeer

	events chan Event

	server *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWSTransport builds a websocket transport for cfg.ListenAddrs[0]
// (host:port); the listener is started by StartAdvertising, which also
// dials BootstrapPeers (ws:// URLs).
func NewWSTransport(ctx context.Context, cfg *config.TransportConfig) (*WSTransport, error) {
	ctx, cancel := context.WithCancel(ctx)

	id, err := randomEndpointID()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: generate self id: %w", err)
	}

	t := &WSTransport{
		selfID: id,
		cfg:    cfg,
		log:    logging.GetDefault().Component("transport-ws"),
		peers:  make(map[EndpointID]*wsPeer),
		events: make(chan Event, 256),
		ctx:    ctx,
		cancel: cancel,
	}
	return t, nil
}

func randomEndpointID() (EndpointID, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return EndpointID(hex.EncodeToString(b)), nil
}

// SelfID returns this node's generated endpoint ID.
func (t *WSTransport) SelfID() EndpointID { return t.selfID }

// StartAdvertising starts the listener (if ListenAddrs is set) and
// dials every configured bootstrap peer.
func (t *WSTransport) StartAdvertising(ctx context.Context) error {
	if len(t.cfg.ListenAddrs) > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/dtmesh", t.handleInbound)
		t.server = &http.Server{Addr: t.cfg.ListenAddrs[0], Handler: mux}
		go func() {
			if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				t.log.Error("websocket listener failed", "error", err)
			}
		}()
	}

	for _, addr := range t.cfg.BootstrapPeers {
		go t.dial(addr)
	}
	return nil
}

// StartDiscovery is a no-op: peer addresses are configured up front.
func (t *WSTransport) StartDiscovery(ctx context.Context) error { return nil }

func (t *WSTransport) dial(addr string) {
	conn, _, err := websocket.DefaultDialer.DialContext(t.ctx, addr, nil)
	if err != nil {
		t.log.Warn("dial peer failed", "addr", addr, "error", err)
		return
	}
	t.adopt(conn)
}

func (t *WSTransport) handleInbound(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Error("websocket upgrade failed", "error", err)
		return
	}
	t.adopt(conn)
}

func (t *WSTransport) adopt(conn *websocket.Conn) {
	id, err := randomEndpointID()
	if err != nil {
		conn.Close()
		return
	}
	p := &wsPeer{id: id, conn: conn, send: make(chan []byte, 64)}

	t.mu.Lock()
	t.peers[id] = p
	t.mu.Unlock()

	t.emit(Event{Kind: EndpointConnected, Endpoint: id, Name: string(id)})

	go t.writePump(p)
	go t.readPump(p)
}

func (t *WSTransport) readPump(p *wsPeer) {
	defer t.drop(p)

	p.conn.SetReadLimit(maxFrameSize)
	p.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		t.emit(Event{Kind: BytesReceived, Endpoint: p.id, Bytes: data})
	}
}

func (t *WSTransport) writePump(p *wsPeer) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *WSTransport) drop(p *wsPeer) {
	t.mu.Lock()
	_, ok := t.peers[p.id]
	delete(t.peers, p.id)
	t.mu.Unlock()
	if !ok {
		return
	}
	close(p.send)
	t.emit(Event{Kind: EndpointDisconnected, Endpoint: p.id})
}

func (t *WSTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// Send delivers bytes to a single connected peer. Best-effort: a full
// send buffer drops the peer rather than blocking the caller.
func (t *WSTransport) Send(ctx context.Context, id EndpointID, b []byte) error {
	t.mu.RLock()
	p, ok := t.peers[id]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: endpoint %s not connected", id)
	}
	select {
	case p.send <- b:
		return nil
	default:
		go t.drop(p)
		return fmt.Errorf("transport: send buffer full for %s", id)
	}
}

// Broadcast fans bytes out to every connected peer, best-effort.
func (t *WSTransport) Broadcast(ctx context.Context, b []byte) error {
	for _, id := range t.ConnectedEndpoints() {
		if err := t.Send(ctx, id, b); err != nil {
			t.log.Debug("broadcast send failed", "peer", id, "error", err)
		}
	}
	return nil
}

// ConnectedEndpoints returns the currently connected peer set.
func (t *WSTransport) ConnectedEndpoints() []EndpointID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]EndpointID, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

// Events returns the transport event stream.
func (t *WSTransport) Events() <-chan Event { return t.events }

// StopAll closes the listener and every peer connection.
func (t *WSTransport) StopAll() error {
	t.cancel()
	if t.server != nil {
		t.server.Close()
	}
	t.mu.Lock()
	peers := make([]*wsPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[EndpointID]*wsPeer)
	t.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
	close(t.events)
	return nil
}
