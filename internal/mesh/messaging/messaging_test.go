package messaging_test

import (
	"context"
	"testing"
	"time"

	"github.com/anchapin/luminaguard/internal/mesh/messaging"
)

// recordingSender captures the last frame sent to each peer id instead of
// touching a real socket; tests feed the captured frame into the
// recipient's HandleIncoming directly.
type recordingSender struct {
	frames map[string][]byte
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[string][]byte)}
}

func (r *recordingSender) SendFrame(_ context.Context, peer messaging.Peer, frame []byte) error {
	r.frames[peer.ID] = frame
	return nil
}

func newPair(t *testing.T) (a, b *messaging.Messaging, aSender, bSender *recordingSender) {
	t.Helper()
	aSender, bSender = newRecordingSender(), newRecordingSender()

	var err error
	a, err = messaging.New(messaging.NewConfig("researcher"), aSender)
	if err != nil {
		t.Fatal(err)
	}
	b, err = messaging.New(messaging.NewConfig("coder"), bSender)
	if err != nil {
		t.Fatal(err)
	}

	a.AddPeer(messaging.NewPeer(b.MeshID(), "b-host", "10.0.0.2", messaging.DataPort, b.PublicKey(), b.EncryptionPublicKey(), "coder", "dev-b"))
	b.AddPeer(messaging.NewPeer(a.MeshID(), "a-host", "10.0.0.1", messaging.DataPort, a.PublicKey(), a.EncryptionPublicKey(), "researcher", "dev-a"))
	return a, b, aSender, bSender
}

func TestSendDirectRoundTrip(t *testing.T) {
	a, b, aSender, _ := newPair(t)

	var received messaging.Message
	b.RegisterHandler(messaging.KindDirect, func(m messaging.Message, _ messaging.Peer) {
		received = m
	})

	if _, err := a.SendDirect(context.Background(), b.MeshID(), []byte("hello")); err != nil {
		t.Fatalf("send direct: %v", err)
	}

	frame := aSender.frames[b.MeshID()]
	if frame == nil {
		t.Fatal("expected a captured frame addressed to b")
	}
	if err := b.HandleIncoming(a.MeshID(), frame); err != nil {
		t.Fatalf("handle incoming: %v", err)
	}

	if string(received.Payload) != "hello" {
		t.Fatalf("payload = %q, want hello", received.Payload)
	}
	if b.GetStats().MessagesReceived != 1 {
		t.Fatalf("expected 1 received message, got %d", b.GetStats().MessagesReceived)
	}
}

func TestReplaySameEnvelopeRejected(t *testing.T) {
	a, b, aSender, _ := newPair(t)
	b.RegisterHandler(messaging.KindDirect, func(messaging.Message, messaging.Peer) {})

	if _, err := a.SendDirect(context.Background(), b.MeshID(), []byte("replay-me")); err != nil {
		t.Fatal(err)
	}
	frame := aSender.frames[b.MeshID()]

	if err := b.HandleIncoming(a.MeshID(), frame); err != nil {
		t.Fatalf("first delivery should succeed: %v", err)
	}
	statsAfterFirst := b.GetStats().MessagesReceived

	if err := b.HandleIncoming(a.MeshID(), frame); err == nil {
		t.Fatal("expected replay to be rejected")
	}
	if b.GetStats().MessagesReceived != statsAfterFirst {
		t.Fatal("replayed delivery must not bump messages_received")
	}
}

func TestTamperedFrameFailsToDecrypt(t *testing.T) {
	a, b, aSender, _ := newPair(t)

	if _, err := a.SendDirect(context.Background(), b.MeshID(), []byte("payload")); err != nil {
		t.Fatal(err)
	}
	frame := append([]byte(nil), aSender.frames[b.MeshID()]...)
	frame[len(frame)-1] ^= 0x01

	if err := b.HandleIncoming(a.MeshID(), frame); err == nil {
		t.Fatal("expected tampered frame to fail to decrypt")
	}
}

func TestGetPeersExcludesTimedOutPeer(t *testing.T) {
	cfg := messaging.NewConfig("tester")
	cfg.PeerTimeout = 10 * time.Millisecond
	m, err := messaging.New(cfg, newRecordingSender())
	if err != nil {
		t.Fatal(err)
	}

	stale := messaging.NewPeer("stale", "h", "10.0.0.9", messaging.DataPort, nil, nil, "tester", "d")
	stale.LastSeen = time.Now().Add(-time.Hour)
	m.AddPeer(stale)

	if len(m.GetPeers()) != 0 {
		t.Fatal("expected stale peer to be excluded by liveness filter")
	}

	m.AddPeer(messaging.NewPeer("fresh", "h", "10.0.0.10", messaging.DataPort, nil, nil, "tester", "d"))
	if len(m.GetPeers()) != 1 {
		t.Fatal("expected fresh peer to be included")
	}
}

func TestAddPeerIdempotentCountsOnce(t *testing.T) {
	m, err := messaging.New(messaging.NewConfig("tester"), newRecordingSender())
	if err != nil {
		t.Fatal(err)
	}
	peer := messaging.NewPeer("p1", "h", "10.0.0.1", messaging.DataPort, nil, nil, "tester", "d")

	if isNew := m.AddPeer(peer); !isNew {
		t.Fatal("expected first AddPeer to report new")
	}
	if isNew := m.AddPeer(peer); isNew {
		t.Fatal("expected second AddPeer of the same id to report not-new")
	}
	if m.GetStats().PeersDiscovered != 1 {
		t.Fatalf("peers_discovered = %d, want 1", m.GetStats().PeersDiscovered)
	}
}

func TestRebroadcastDecrementsTTLAndAppendsPath(t *testing.T) {
	ttl := uint8(3)
	msg := messaging.Message{ID: "m1", Path: []string{"origin"}, TTL: &ttl}

	next, ok := messaging.Rebroadcast(msg, "relay-1")
	if !ok {
		t.Fatal("expected rebroadcast to proceed with TTL > 0")
	}
	if *next.TTL != 2 {
		t.Fatalf("TTL = %d, want 2", *next.TTL)
	}
	if len(next.Path) != 2 || next.Path[1] != "relay-1" {
		t.Fatalf("path = %v, want [origin relay-1]", next.Path)
	}
}

func TestRebroadcastStopsAtZeroTTL(t *testing.T) {
	ttl := uint8(0)
	msg := messaging.Message{ID: "m1", TTL: &ttl}
	if _, ok := messaging.Rebroadcast(msg, "relay-1"); ok {
		t.Fatal("expected rebroadcast to refuse at TTL=0")
	}
}

func TestShouldForwardRefusesRepeatedPathMember(t *testing.T) {
	ttl := uint8(2)
	msg := messaging.Message{TTL: &ttl, Path: []string{"a", "b"}}
	if messaging.ShouldForward(msg, "b") {
		t.Fatal("must never resend to a peer already in path")
	}
	if !messaging.ShouldForward(msg, "c") {
		t.Fatal("expected forwarding to a peer not yet in path")
	}
}
