package transport

import (
	"context"
	"testing"
	"time"

	"github.com/dtmesh/dtmsgd/internal/config"
)

func TestWSTransportSelfIDIsUnique(t *testing.T) {
	cfg := &config.TransportConfig{}
	a, err := NewWSTransport(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewWSTransport: %v", err)
	}
	defer a.StopAll()

	b, err := NewWSTransport(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewWSTransport: %v", err)
	}
	defer b.StopAll()

	if a.SelfID() == b.SelfID() {
		t.Error("two transports generated the same self id")
	}
}

func TestWSTransportStartsWithNoConnectedPeers(t *testing.T) {
	cfg := &config.TransportConfig{}
	tr, err := NewWSTransport(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewWSTransport: %v", err)
	}
	defer tr.StopAll()

	if got := tr.ConnectedEndpoints(); len(got) != 0 {
		t.Errorf("ConnectedEndpoints() = %v, want empty", got)
	}
}

func TestWSTransportSendToUnknownEndpointFails(t *testing.T) {
	cfg := &config.TransportConfig{}
	tr, err := NewWSTransport(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewWSTransport: %v", err)
	}
	defer tr.StopAll()

	if err := tr.Send(context.Background(), EndpointID("nobody"), []byte("hi")); err == nil {
		t.Error("expected error sending to an unconnected endpoint")
	}
}

func TestWSTransportConnectAndExchangeBytes(t *testing.T) {
	serverCfg := &config.TransportConfig{ListenAddrs: []string{"127.0.0.1:18734"}}
	server, err := NewWSTransport(context.Background(), serverCfg)
	if err != nil {
		t.Fatalf("NewWSTransport (server): %v", err)
	}
	defer server.StopAll()
	if err := server.StartAdvertising(context.Background()); err != nil {
		t.Fatalf("StartAdvertising (server): %v", err)
	}

	clientCfg := &config.TransportConfig{BootstrapPeers: []string{"ws://127.0.0.1:18734/dtmesh"}}
	client, err := NewWSTransport(context.Background(), clientCfg)
	if err != nil {
		t.Fatalf("NewWSTransport (client): %v", err)
	}
	defer client.StopAll()
	if err := client.StartAdvertising(context.Background()); err != nil {
		t.Fatalf("StartAdvertising (client): %v", err)
	}

	var serverSawPeer, clientSawPeer EndpointID
	select {
	case ev := <-server.Events():
		if ev.Kind != EndpointConnected {
			t.Fatalf("server event = %+v, want EndpointConnected", ev)
		}
		serverSawPeer = ev.Endpoint
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server-side connect event")
	}

	select {
	case ev := <-client.Events():
		if ev.Kind != EndpointConnected {
			t.Fatalf("client event = %+v, want EndpointConnected", ev)
		}
		clientSawPeer = ev.Endpoint
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client-side connect event")
	}

	if err := client.Send(context.Background(), clientSawPeer, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ev := <-server.Events():
		if ev.Kind != BytesReceived || string(ev.Bytes) != "hello" {
			t.Fatalf("server event = %+v, want BytesReceived(hello)", ev)
		}
		if ev.Endpoint != serverSawPeer {
			t.Errorf("received from %s, want %s", ev.Endpoint, serverSawPeer)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for bytes")
	}
}
