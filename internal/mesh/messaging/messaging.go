// Package messaging implements the encrypted peer-to-peer mesh: a peer
// directory with liveness tracking, direct/broadcast/key-rotation message
// kinds, replay-nonce tracking, and the TTL+path flood-routing invariants a
// broadcast handler must respect. Confidentiality, integrity, and replay
// protection are delegated to internal/mesh/crypto; this package owns
// routing, peer bookkeeping, and the wire envelope shape.
package messaging

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/anchapin/luminaguard/internal/mesh/crypto"
)

// Protocol-level constants.
const (
	DiscoveryPort      = 45678
	DataPort           = 45679
	BroadcastInterval  = 5 * time.Second
	DefaultPeerTimeout = 30 * time.Second
	Magic              = "LUMINAGUARD_MESH_V1"
	MaxMessageSize     = 16 * 1024 * 1024
	NonceSize          = crypto.NonceSize
	SignatureSize      = crypto.SignatureSize
	BroadcastTTL       = 5
)

// Kind is the mesh message variant.
type Kind string

const (
	KindDirect      Kind = "direct"
	KindBroadcast   Kind = "broadcast"
	KindKeyRotation Kind = "key_rotation"
	KindAck         Kind = "ack"
	KindDiscovery   Kind = "discovery"
)

// Error is a mesh-specific failure category.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("mesh: %s: %s", e.Kind, e.Message) }

func newError(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Config configures a Messaging instance.
type Config struct {
	AgentRole     string
	DeviceName    string
	MeshID        string
	DiscoveryPort uint16
	DataPort      uint16
	PeerTimeout   time.Duration
}

// NewConfig builds a Config with the host's name as device name and all
// other fields defaulted.
func NewConfig(agentRole string) Config {
	name, err := os.Hostname()
	if err != nil {
		name = "unknown"
	}
	return Config{AgentRole: agentRole, DeviceName: name}
}

func (c Config) peerTimeout() time.Duration {
	if c.PeerTimeout != 0 {
		return c.PeerTimeout
	}
	return DefaultPeerTimeout
}

// Message is a single mesh envelope.
type Message struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	SourceRole string    `json:"source_role"`
	TargetID   string    `json:"target_id,omitempty"`
	Kind       Kind      `json:"message_type"`
	Payload    []byte    `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
	Nonce      []byte    `json:"nonce"`
	Signature  []byte    `json:"signature,omitempty"`
	TTL        *uint8    `json:"ttl,omitempty"`
	Path       []string  `json:"path,omitempty"`
}

// newMessage builds a message with a fresh id, timestamp, and nonce.
func newMessage(sourceID, sourceRole, targetID string, kind Kind, payload []byte) (Message, error) {
	nonce := make([]byte, NonceSize)
	if _, err := cryptorand.Read(nonce); err != nil {
		return Message{}, fmt.Errorf("mesh: generate nonce: %w", err)
	}
	return Message{
		ID:         uuid.NewString(),
		SourceID:   sourceID,
		SourceRole: sourceRole,
		TargetID:   targetID,
		Kind:       kind,
		Payload:    payload,
		Timestamp:  time.Now(),
		Nonce:      nonce,
	}, nil
}

func (m Message) withTTL(ttl uint8) Message {
	m.TTL = &ttl
	return m
}

func (m Message) withPath(path []string) Message {
	m.Path = append([]string(nil), path...)
	return m
}

// signableBytes serializes the message without its Signature field — the
// exact region Sign/Verify operate over.
func (m Message) signableBytes() ([]byte, error) {
	unsigned := m
	unsigned.Signature = nil
	b, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("mesh: serialize signable message: %w", err)
	}
	return b, nil
}

// containsPeer reports whether id already appears in a broadcast path —
// the "never resend to a peer already in path" routing invariant.
func containsPeer(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

// Rebroadcast derives the next hop of a flooded broadcast message: TTL
// decremented and selfID appended to the path. ok is false when the
// message's TTL has reached zero (or is unset), meaning it must not be
// re-emitted. This is a pure helper; whether and where to re-emit is a
// handler's call, not this package's.
func Rebroadcast(m Message, selfID string) (Message, bool) {
	if m.TTL == nil || *m.TTL == 0 {
		return Message{}, false
	}
	next := *m.TTL - 1
	out := m
	out.TTL = &next
	out.Path = append(append([]string(nil), m.Path...), selfID)
	return out, true
}

// Peer is a known mesh participant.
type Peer struct {
	ID                  string
	Hostname            string
	IPAddress           string
	Port                uint16
	SigningPublicKey    []byte
	EncryptionPublicKey []byte
	AgentRole           string
	DeviceName          string
	LastSeen            time.Time
}

// NewPeer constructs a Peer with LastSeen set to now.
func NewPeer(id, hostname, ipAddress string, port uint16, signingPub, encPub []byte, agentRole, deviceName string) Peer {
	return Peer{
		ID: id, Hostname: hostname, IPAddress: ipAddress, Port: port,
		SigningPublicKey: signingPub, EncryptionPublicKey: encPub,
		AgentRole: agentRole, DeviceName: deviceName, LastSeen: time.Now(),
	}
}

// IsAlive reports whether the peer was seen within timeout.
func (p Peer) IsAlive(timeout time.Duration) bool {
	return time.Since(p.LastSeen) < timeout
}

// Address returns the peer's dial string.
func (p Peer) Address() string {
	return fmt.Sprintf("%s:%d", p.IPAddress, p.Port)
}

// Stats tallies mesh traffic by kind.
type Stats struct {
	MessagesSent        uint64
	MessagesReceived    uint64
	PeersDiscovered     uint64
	DirectMessages      uint64
	BroadcastMessages   uint64
	KeyRotationMessages uint64
}

func (s *Stats) recordSent(kind Kind) {
	s.MessagesSent++
	switch kind {
	case KindDirect:
		s.DirectMessages++
	case KindBroadcast:
		s.BroadcastMessages++
	case KindKeyRotation:
		s.KeyRotationMessages++
	}
}

// MessageHandler is invoked once an incoming message has been decrypted,
// replay-checked, signature-verified, and attributed to a known peer.
type MessageHandler func(Message, Peer)

// PeerSender transmits an already-sealed frame to a peer. Messaging never
// opens a socket itself; a concrete sender (e.g. the TCP one in
// tcpsender.go) is injected at construction.
type PeerSender interface {
	SendFrame(ctx context.Context, peer Peer, frame []byte) error
}

// Messaging is one node's encrypted P2P mesh endpoint.
type Messaging struct {
	config Config
	meshID string
	keys   *crypto.KeyManager
	sender PeerSender

	peersMu sync.RWMutex
	peers   map[string]Peer

	nonceMu    sync.Mutex
	seenNonces map[[NonceSize]byte]time.Time

	statsMu sync.Mutex
	stats   Stats

	handlersMu sync.RWMutex
	handlers   map[Kind]MessageHandler
}

// New constructs a Messaging instance with a fresh identity keypair. If
// config.MeshID is empty, an 8-character id is generated.
func New(config Config, sender PeerSender) (*Messaging, error) {
	keys, err := crypto.New()
	if err != nil {
		return nil, fmt.Errorf("mesh: init key manager: %w", err)
	}
	meshID := config.MeshID
	if meshID == "" {
		meshID = uuid.NewString()[:8]
	}
	return &Messaging{
		config:     config,
		meshID:     meshID,
		keys:       keys,
		sender:     sender,
		peers:      make(map[string]Peer),
		seenNonces: make(map[[NonceSize]byte]time.Time),
		handlers:   make(map[Kind]MessageHandler),
	}, nil
}

// MeshID returns the local node's mesh id.
func (m *Messaging) MeshID() string { return m.meshID }

// PublicKey returns the local node's Ed25519 signing public key.
func (m *Messaging) PublicKey() []byte { return m.keys.PublicKey() }

// EncryptionPublicKey returns the local node's X25519 public key.
func (m *Messaging) EncryptionPublicKey() []byte { return m.keys.EncryptionPublicKey() }

// AgentRole returns the configured agent role.
func (m *Messaging) AgentRole() string { return m.config.AgentRole }

// RegisterHandler installs the handler invoked for incoming messages of
// kind. Handlers are register-only; there is no unregister in the core.
func (m *Messaging) RegisterHandler(kind Kind, handler MessageHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[kind] = handler
}

// AddPeer inserts or refreshes a peer. It is idempotent; isNew reports
// whether the peer was previously unknown.
func (m *Messaging) AddPeer(peer Peer) (isNew bool) {
	m.peersMu.Lock()
	_, existed := m.peers[peer.ID]
	m.peers[peer.ID] = peer
	m.peersMu.Unlock()

	if !existed {
		m.statsMu.Lock()
		m.stats.PeersDiscovered++
		m.statsMu.Unlock()
	}
	return !existed
}

// GetPeers returns all peers seen within the configured peer timeout.
func (m *Messaging) GetPeers() []Peer {
	timeout := m.config.peerTimeout()
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		if p.IsAlive(timeout) {
			out = append(out, p)
		}
	}
	return out
}

// GetPeersByRole filters GetPeers by agent role.
func (m *Messaging) GetPeersByRole(role string) []Peer {
	all := m.GetPeers()
	out := make([]Peer, 0, len(all))
	for _, p := range all {
		if p.AgentRole == role {
			out = append(out, p)
		}
	}
	return out
}

// GetStats returns a snapshot of the mesh traffic counters.
func (m *Messaging) GetStats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Messaging) lookupPeer(peerID string) (Peer, error) {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	p, ok := m.peers[peerID]
	if !ok {
		return Peer{}, newError("peer_not_found", "peer %q is not known", peerID)
	}
	return p, nil
}

// encryptMessage serializes and seals msg for peer.
func (m *Messaging) encryptMessage(msg Message, peer Peer) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, newError("serialization", "%v", err)
	}
	if len(raw) > MaxMessageSize {
		return nil, newError("invalid_message", "message of %d bytes exceeds max size %d", len(raw), MaxMessageSize)
	}
	sealed, err := m.keys.Seal(raw, peer.EncryptionPublicKey)
	if err != nil {
		return nil, newError("encryption", "%v", err)
	}
	return sealed, nil
}

// decryptMessage reverses encryptMessage.
func (m *Messaging) decryptMessage(sealed []byte, peer Peer) (Message, error) {
	raw, err := m.keys.Open(sealed, peer.EncryptionPublicKey)
	if err != nil {
		return Message{}, newError("decryption", "%v", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, newError("serialization", "%v", err)
	}
	return msg, nil
}

// SendDirect signs, encrypts, and transmits payload to peerID.
func (m *Messaging) SendDirect(ctx context.Context, peerID string, payload []byte) (string, error) {
	peer, err := m.lookupPeer(peerID)
	if err != nil {
		return "", err
	}

	msg, err := newMessage(m.meshID, m.config.AgentRole, peerID, KindDirect, payload)
	if err != nil {
		return "", err
	}
	if err := m.sign(&msg); err != nil {
		return "", err
	}

	encrypted, err := m.encryptMessage(msg, peer)
	if err != nil {
		return "", err
	}
	if err := m.sender.SendFrame(ctx, peer, encrypted); err != nil {
		return "", newError("network", "%v", err)
	}

	m.statsMu.Lock()
	m.stats.recordSent(KindDirect)
	m.statsMu.Unlock()
	return msg.ID, nil
}

// Broadcast signs, seals, and fans out payload to every known peer
// concurrently. It returns the ids of the messages actually transmitted —
// a send failure to one peer does not fail the whole broadcast.
func (m *Messaging) Broadcast(ctx context.Context, payload []byte) ([]string, error) {
	peers := m.GetPeers()

	var mu sync.Mutex
	var ids []string

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			built, err := newMessage(m.meshID, m.config.AgentRole, "", KindBroadcast, payload)
			if err != nil {
				return nil // best-effort fan-out; skip this peer
			}
			msg := built.withTTL(BroadcastTTL).withPath([]string{m.meshID})
			if err := m.sign(&msg); err != nil {
				return nil
			}
			encrypted, err := m.encryptMessage(msg, peer)
			if err != nil {
				return nil
			}
			if err := m.sender.SendFrame(gctx, peer, encrypted); err != nil {
				return nil
			}
			mu.Lock()
			ids = append(ids, msg.ID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // errors are swallowed per-peer above; nothing to propagate

	m.statsMu.Lock()
	for range ids {
		m.stats.recordSent(KindBroadcast)
	}
	m.statsMu.Unlock()
	return ids, nil
}

// RotateKey generates a fresh ephemeral key for peerID and transmits it.
func (m *Messaging) RotateKey(ctx context.Context, peerID string) (string, error) {
	peer, err := m.lookupPeer(peerID)
	if err != nil {
		return "", err
	}
	ephemeral, err := m.keys.GenerateEphemeralKey(peerID)
	if err != nil {
		return "", err
	}

	msg, err := newMessage(m.meshID, m.config.AgentRole, peerID, KindKeyRotation, ephemeral[:])
	if err != nil {
		return "", err
	}
	if err := m.sign(&msg); err != nil {
		return "", err
	}
	encrypted, err := m.encryptMessage(msg, peer)
	if err != nil {
		return "", err
	}
	if err := m.sender.SendFrame(ctx, peer, encrypted); err != nil {
		return "", newError("network", "%v", err)
	}

	m.statsMu.Lock()
	m.stats.recordSent(KindKeyRotation)
	m.statsMu.Unlock()
	return msg.ID, nil
}

func (m *Messaging) sign(msg *Message) error {
	signable, err := msg.signableBytes()
	if err != nil {
		return err
	}
	msg.Signature = m.keys.Sign(signable)
	return nil
}

// HandleIncoming decrypts, replay-checks, verifies, and dispatches a frame
// received from peerID. The sequence is fixed: decrypt, verify signature,
// nonce check and insert, update last_seen, dispatch handler.
func (m *Messaging) HandleIncoming(peerID string, encrypted []byte) error {
	peer, err := m.lookupPeer(peerID)
	if err != nil {
		return err
	}

	msg, err := m.decryptMessage(encrypted, peer)
	if err != nil {
		return err
	}

	signable, err := msg.signableBytes()
	if err != nil {
		return err
	}
	if !crypto.Verify(peer.SigningPublicKey, signable, msg.Signature) {
		return newError("signature_verification_failed", "signature does not verify for peer %q", peerID)
	}

	if len(msg.Nonce) != NonceSize {
		return newError("invalid_message", "invalid nonce size %d", len(msg.Nonce))
	}
	var nonceKey [NonceSize]byte
	copy(nonceKey[:], msg.Nonce)

	// The check and the insert happen under one lock so two concurrent
	// deliveries of the same envelope can't both pass.
	if !m.recordNonceIfFresh(nonceKey) {
		return newError("protocol", "Replay attack detected")
	}

	m.peersMu.Lock()
	if p, ok := m.peers[peerID]; ok {
		p.LastSeen = time.Now()
		m.peers[peerID] = p
	}
	m.peersMu.Unlock()

	m.statsMu.Lock()
	m.stats.MessagesReceived++
	m.statsMu.Unlock()

	m.handlersMu.RLock()
	handler := m.handlers[msg.Kind]
	m.handlersMu.RUnlock()
	if handler != nil {
		handler(msg, peer)
	}
	return nil
}

// recordNonceIfFresh inserts n, reporting false if it was already seen,
// and prunes nonces older than twice the peer timeout window — which
// keeps the set bounded while still catching any replay within the
// configured window.
func (m *Messaging) recordNonceIfFresh(n [NonceSize]byte) bool {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()
	if _, seen := m.seenNonces[n]; seen {
		return false
	}
	m.seenNonces[n] = time.Now()

	cutoff := time.Now().Add(-2 * m.config.peerTimeout())
	for k, seenAt := range m.seenNonces {
		if seenAt.Before(cutoff) {
			delete(m.seenNonces, k)
		}
	}
	return true
}

// ShouldForward reports whether a broadcast message should be re-emitted
// to candidatePeerID: TTL must still be positive and the candidate must
// not already appear in the message's path.
func ShouldForward(m Message, candidatePeerID string) bool {
	if m.TTL == nil || *m.TTL == 0 {
		return false
	}
	return !containsPeer(m.Path, candidatePeerID)
}
