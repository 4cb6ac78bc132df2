// Package crypto implements the per-node key material and the sealing and
// signing primitives the mesh messaging layer builds envelopes on: a
// long-term Ed25519 identity for signing, a long-term X25519 keypair for
// Diffie-Hellman key agreement, and a ChaCha20-Poly1305 AEAD over the
// derived shared secret. Ephemeral per-peer keys are tracked separately for
// forward secrecy and can be rotated on demand.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// NonceSize is the length of the random AEAD nonce prepended to every
// sealed message.
const NonceSize = 12

// SignatureSize is the length of an Ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// ephemeralKey is a rotatable per-peer key plus the time it was created, so
// callers can expire old ephemeral material on their own schedule.
type ephemeralKey struct {
	key       [32]byte
	createdAt time.Time
}

// KeyManager holds one node's identity and session key material: a Ed25519
// signing keypair, a X25519 static keypair for key agreement, a cache of
// derived shared secrets, and a map of rotatable ephemeral keys for forward
// secrecy.
type KeyManager struct {
	signingPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey

	encPriv [32]byte
	encPub  [32]byte

	mu            sync.RWMutex
	sharedSecrets map[string][]byte
	ephemeralKeys map[string]ephemeralKey
}

// New generates a fresh identity and session keypair.
func New() (*KeyManager, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("mesh/crypto: generate signing key: %w", err)
	}

	var encPriv [32]byte
	if _, err := rand.Read(encPriv[:]); err != nil {
		return nil, fmt.Errorf("mesh/crypto: generate encryption key: %w", err)
	}
	// Clamp per the X25519 spec so curve25519.X25519 treats encPriv as a
	// valid scalar.
	encPriv[0] &= 248
	encPriv[31] &= 127
	encPriv[31] |= 64

	var encPub [32]byte
	pubSlice, err := curve25519.X25519(encPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("mesh/crypto: derive encryption public key: %w", err)
	}
	copy(encPub[:], pubSlice)

	return &KeyManager{
		signingPub:    pub,
		signingPriv:   priv,
		encPriv:       encPriv,
		encPub:        encPub,
		sharedSecrets: make(map[string][]byte),
		ephemeralKeys: make(map[string]ephemeralKey),
	}, nil
}

// PublicKey returns the node's Ed25519 signing public key.
func (k *KeyManager) PublicKey() []byte {
	return append([]byte(nil), k.signingPub...)
}

// EncryptionPublicKey returns the node's X25519 public key.
func (k *KeyManager) EncryptionPublicKey() []byte {
	out := make([]byte, 32)
	copy(out, k.encPub[:])
	return out
}

// DeriveSharedSecret performs X25519 Diffie-Hellman against a peer's
// encryption public key, returning the 32-byte shared secret. Secrets are
// cached per peer key; the static-static DH result never changes, so the
// scalar multiplication only happens once per peer.
func (k *KeyManager) DeriveSharedSecret(peerEncPub []byte) ([]byte, error) {
	if len(peerEncPub) != 32 {
		return nil, fmt.Errorf("mesh/crypto: invalid peer public key length %d", len(peerEncPub))
	}

	cacheKey := string(peerEncPub)
	k.mu.RLock()
	cached, ok := k.sharedSecrets[cacheKey]
	k.mu.RUnlock()
	if ok {
		return append([]byte(nil), cached...), nil
	}

	secret, err := curve25519.X25519(k.encPriv[:], peerEncPub)
	if err != nil {
		return nil, fmt.Errorf("mesh/crypto: derive shared secret: %w", err)
	}
	k.mu.Lock()
	k.sharedSecrets[cacheKey] = secret
	k.mu.Unlock()
	return append([]byte(nil), secret...), nil
}

// GenerateEphemeralKey creates and stores a fresh 32-byte ephemeral key for
// peerID, replacing any prior one.
func (k *KeyManager) GenerateEphemeralKey(peerID string) ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("mesh/crypto: generate ephemeral key: %w", err)
	}
	k.mu.Lock()
	k.ephemeralKeys[peerID] = ephemeralKey{key: key, createdAt: time.Now()}
	k.mu.Unlock()
	return key, nil
}

// RotateEphemeralKey is an alias for GenerateEphemeralKey: rotation and
// initial generation are the same operation (overwrite-in-place).
func (k *KeyManager) RotateEphemeralKey(peerID string) ([32]byte, error) {
	return k.GenerateEphemeralKey(peerID)
}

// EphemeralKey returns the current ephemeral key for peerID, if any.
func (k *KeyManager) EphemeralKey(peerID string) ([32]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.ephemeralKeys[peerID]
	return e.key, ok
}

// Seal encrypts plaintext for a peer identified by its X25519 public key:
// derive the shared secret, use its first 32 bytes as a ChaCha20-Poly1305
// key, generate a fresh 12-byte nonce, and prepend the nonce to the
// ciphertext.
func (k *KeyManager) Seal(plaintext, peerEncPub []byte) ([]byte, error) {
	secret, err := k.DeriveSharedSecret(peerEncPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(secret[:32])
	if err != nil {
		return nil, fmt.Errorf("mesh/crypto: build AEAD: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("mesh/crypto: generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

// Open reverses Seal: split the nonce from the ciphertext, derive the same
// shared secret, and verify+decrypt with ChaCha20-Poly1305. Any bit flip in
// the nonce, ciphertext, or the AEAD tag causes this to fail.
func (k *KeyManager) Open(sealed, peerEncPub []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, fmt.Errorf("mesh/crypto: sealed message too short")
	}
	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]

	secret, err := k.DeriveSharedSecret(peerEncPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(secret[:32])
	if err != nil {
		return nil, fmt.Errorf("mesh/crypto: build AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("mesh/crypto: decrypt: %w", err)
	}
	return plaintext, nil
}

// Sign computes an Ed25519 signature over data. The caller is responsible
// for excluding any signature field from data before calling this; an
// envelope is signed over its serialization minus the signature field.
func (k *KeyManager) Sign(data []byte) []byte {
	return ed25519.Sign(k.signingPriv, data)
}

// Verify checks an Ed25519 signature over data against a peer's signing
// public key.
func Verify(peerSigningPub, data, signature []byte) bool {
	if len(peerSigningPub) != ed25519.PublicKeySize || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(peerSigningPub, data, signature)
}
