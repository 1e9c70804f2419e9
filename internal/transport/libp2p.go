package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/dtmesh/dtmsgd/internal/config"
	"github.com/dtmesh/dtmsgd/pkg/logging"
)

// MessageProtocol is the libp2p protocol ID dt-messaging frames travel
// on.
const MessageProtocol protocol.ID = "/dtmesh/message/1.0.0"

const dhtPrefix = "/dtmesh"
const discoveryNamespace = "dtmesh-peers"
const broadcastTopicName = "/dtmesh/broadcast/1.0.0"

const maxFrameSize = 64 * 1024 // transport MTU for a single NetworkMessage

// Libp2pTransport implements PeerTransport over a libp2p host with
// mDNS/DHT discovery (adapted from the teacher's Node + StreamHandler).
// Broadcast and Send take two different paths: Broadcast publishes to
// a GossipSub topic so every subscribed peer gets the message without
// this node needing to track topology, while Send opens a direct
// per-peer stream on MessageProtocol for unicast delivery to a single
// connected endpoint.
type Libp2pTransport struct {
	host host.Host
	dht  *dht.IpfsDHT

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	gossip       *pubsub.PubSub
	broadcastTop *pubsub.Topic
	broadcastSub *pubsub.Subscription

	log *logging.Logger

	mu        sync.RWMutex
	connected map[EndpointID]struct{}

	events chan Event
	cfg    *config.TransportConfig

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLibp2pTransport builds a libp2p host and wires connection
// notifications and the message stream handler. It does not yet
// advertise or discover; call StartAdvertising/StartDiscovery.
func NewLibp2pTransport(ctx context.Context, cfg *config.TransportConfig, keyFile string) (*Libp2pTransport, error) {
	ctx, cancel := context.WithCancel(ctx)

	t := &Libp2pTransport{
		log:       logging.GetDefault().Component("transport-libp2p"),
		connected: make(map[EndpointID]struct{}),
		events:    make(chan Event, 256),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}

	privKey, err := loadOrCreateKey(keyFile)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: load/create key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("transport: invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.ConnMgr.LowWater,
		cfg.ConnMgr.HighWater,
		connmgr.WithGracePeriod(cfg.ConnMgr.GracePeriod),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: create libp2p host: %w", err)
	}
	t.host = h

	h.SetStreamHandler(MessageProtocol, t.handleStream)

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, conn network.Conn) {
			t.markConnected(conn.RemotePeer())
		},
		DisconnectedF: func(n network.Network, conn network.Conn) {
			t.markDisconnected(conn.RemotePeer())
		},
	})

	if cfg.EnableDHT {
		if err := t.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("transport: initialize DHT: %w", err)
		}
	}

	if err := t.initGossip(ctx); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("transport: initialize pubsub: %w", err)
	}

	return t, nil
}

// initGossip joins the engine's single broadcast topic over GossipSub
// and starts the pump that turns incoming gossip into BytesReceived
// events (broadcast() is fan-out via gossip rather than per-peer
// streams, matching the teacher's SwapHandler topic pattern).
func (t *Libp2pTransport) initGossip(ctx context.Context) error {
	gs, err := pubsub.NewGossipSub(ctx, t.host,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		return err
	}
	t.gossip = gs

	topic, err := gs.Join(broadcastTopicName)
	if err != nil {
		return err
	}
	t.broadcastTop = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return err
	}
	t.broadcastSub = sub

	go t.gossipPump()
	return nil
}

func (t *Libp2pTransport) gossipPump() {
	for {
		msg, err := t.broadcastSub.Next(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.log.Debug("gossip receive error", "error", err)
			continue
		}
		if msg.ReceivedFrom == t.host.ID() {
			continue
		}
		t.emit(Event{Kind: BytesReceived, Endpoint: EndpointID(msg.ReceivedFrom.String()), Bytes: msg.Data})
	}
}

func (t *Libp2pTransport) initDHT(ctx context.Context) error {
	var err error
	t.dht, err = dht.New(ctx, t.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(dhtPrefix)),
	)
	if err != nil {
		return err
	}
	if err := t.dht.Bootstrap(ctx); err != nil {
		return err
	}
	t.routingDisc = drouting.NewRoutingDiscovery(t.dht)
	return nil
}

// SelfID returns this node's libp2p peer ID as an EndpointID.
func (t *Libp2pTransport) SelfID() EndpointID {
	return EndpointID(t.host.ID().String())
}

// StartAdvertising begins mDNS advertisement and DHT rendezvous
// advertisement.
func (t *Libp2pTransport) StartAdvertising(ctx context.Context) error {
	if t.cfg.EnableMDNS {
		t.mdnsService = mdns.NewMdnsService(t.host, discoveryNamespace, &mdnsNotifee{t: t})
		if err := t.mdnsService.Start(); err != nil {
			t.log.Warn("mDNS start failed", "error", err)
		}
	}
	if t.routingDisc != nil {
		go dutil.Advertise(t.ctx, t.routingDisc, discoveryNamespace)
	}

	for _, addrStr := range t.cfg.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			t.log.Warn("invalid bootstrap address", "addr", addrStr, "error", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			t.log.Warn("invalid bootstrap peer info", "addr", addrStr, "error", err)
			continue
		}
		go t.dial(*pi)
	}
	return nil
}

// StartDiscovery starts the periodic DHT rendezvous discovery loop.
func (t *Libp2pTransport) StartDiscovery(ctx context.Context) error {
	if t.routingDisc == nil {
		return nil
	}
	go t.discoverLoop()
	return nil
}

func (t *Libp2pTransport) discoverLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(t.ctx, t.routingDisc, discoveryNamespace)
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == t.host.ID() {
					continue
				}
				if t.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go t.dial(pi)
			}
		}
	}
}

func (t *Libp2pTransport) dial(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
	defer cancel()
	if err := t.host.Connect(ctx, pi); err != nil {
		t.log.Debug("failed to connect to discovered peer", "peer", shortID(pi.ID), "error", err)
	}
}

// mdnsNotifee adapts mDNS peer-found callbacks to the transport.
type mdnsNotifee struct{ t *Libp2pTransport }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	t := n.t
	if pi.ID == t.host.ID() {
		return
	}
	t.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	go t.dial(pi)
}

func (t *Libp2pTransport) markConnected(p peer.ID) {
	id := EndpointID(p.String())
	t.mu.Lock()
	_, already := t.connected[id]
	t.connected[id] = struct{}{}
	t.mu.Unlock()
	if !already {
		t.emit(Event{Kind: EndpointConnected, Endpoint: id, Name: shortID(p)})
	}
}

func (t *Libp2pTransport) markDisconnected(p peer.ID) {
	id := EndpointID(p.String())
	t.mu.Lock()
	_, was := t.connected[id]
	delete(t.connected, id)
	t.mu.Unlock()
	if was {
		t.emit(Event{Kind: EndpointDisconnected, Endpoint: id})
	}
}

func (t *Libp2pTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// Send opens a fresh stream to id and writes a single length-prefixed
// frame.
func (t *Libp2pTransport) Send(ctx context.Context, id EndpointID, b []byte) error {
	pid, err := peer.Decode(string(id))
	if err != nil {
		return fmt.Errorf("transport: invalid endpoint id: %w", err)
	}
	s, err := t.host.NewStream(ctx, pid, MessageProtocol)
	if err != nil {
		return fmt.Errorf("transport: open stream: %w", err)
	}
	defer s.Close()
	s.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return writeFrame(s, b)
}

// Broadcast fans a frame out to every subscriber of the broadcast
// topic via GossipSub, best-effort (§4.4 — broadcast never fails
// because one peer is unreachable).
func (t *Libp2pTransport) Broadcast(ctx context.Context, b []byte) error {
	if t.broadcastTop == nil {
		return fmt.Errorf("transport: broadcast topic not joined")
	}
	return t.broadcastTop.Publish(ctx, b)
}

// ConnectedEndpoints returns the currently connected peer set.
func (t *Libp2pTransport) ConnectedEndpoints() []EndpointID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]EndpointID, 0, len(t.connected))
	for id := range t.connected {
		out = append(out, id)
	}
	return out
}

// Events returns the transport event stream.
func (t *Libp2pTransport) Events() <-chan Event {
	return t.events
}

// StopAll closes the libp2p host and every discovery service.
func (t *Libp2pTransport) StopAll() error {
	t.cancel()
	if t.broadcastSub != nil {
		t.broadcastSub.Cancel()
	}
	if t.broadcastTop != nil {
		t.broadcastTop.Close()
	}
	if t.mdnsService != nil {
		t.mdnsService.Close()
	}
	if t.dht != nil {
		t.dht.Close()
	}
	err := t.host.Close()
	close(t.events)
	return err
}

func (t *Libp2pTransport) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	s.SetReadDeadline(time.Now().Add(60 * time.Second))

	b, err := readFrame(bufio.NewReader(s))
	if err != nil {
		t.log.Debug("failed to read frame", "peer", shortID(remote), "error", err)
		return
	}
	t.emit(Event{Kind: BytesReceived, Endpoint: EndpointID(remote.String()), Bytes: b})
}

// readFrame/writeFrame implement the same 4-byte big-endian
// length-prefixed framing the teacher uses for direct swap streams.
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return data, nil
}

func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	_, err := w.Write(data)
	return err
}

func loadOrCreateKey(keyPath string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}
	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}
	return privKey, nil
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
