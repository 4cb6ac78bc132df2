package crypto_test

import (
	"testing"

	"github.com/anchapin/luminaguard/internal/mesh/crypto"
)

func TestSealOpenRoundTrip(t *testing.T) {
	alice, err := crypto.New()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := crypto.New()
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("hello mesh")
	sealed, err := alice.Seal(plaintext, bob.EncryptionPublicKey())
	if err != nil {
		t.Fatal(err)
	}

	opened, err := bob.Open(sealed, alice.EncryptionPublicKey())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("opened = %q, want %q", opened, plaintext)
	}
}

func TestTamperedCiphertextFailsToOpen(t *testing.T) {
	alice, _ := crypto.New()
	bob, _ := crypto.New()

	sealed, err := alice.Seal([]byte("payload"), bob.EncryptionPublicKey())
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := bob.Open(tampered, alice.EncryptionPublicKey()); err == nil {
		t.Fatal("expected tampered ciphertext to fail to open")
	}
}

func TestTamperedNonceFailsToOpen(t *testing.T) {
	alice, _ := crypto.New()
	bob, _ := crypto.New()

	sealed, err := alice.Seal([]byte("payload"), bob.EncryptionPublicKey())
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[0] ^= 0x01
	if _, err := bob.Open(tampered, alice.EncryptionPublicKey()); err == nil {
		t.Fatal("expected tampered nonce to fail to open")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	alice, err := crypto.New()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("signable envelope bytes")
	sig := alice.Sign(data)
	if !crypto.Verify(alice.PublicKey(), data, sig) {
		t.Fatal("expected signature to verify")
	}
}

func TestTamperedSignatureFailsVerify(t *testing.T) {
	alice, err := crypto.New()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("signable envelope bytes")
	sig := alice.Sign(data)
	sig[0] ^= 0x01
	if crypto.Verify(alice.PublicKey(), data, sig) {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestEphemeralKeyRotationChangesValue(t *testing.T) {
	k, err := crypto.New()
	if err != nil {
		t.Fatal(err)
	}
	first, err := k.GenerateEphemeralKey("peer-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := k.RotateEphemeralKey("peer-1")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("expected rotation to produce a different ephemeral key")
	}
	got, ok := k.EphemeralKey("peer-1")
	if !ok || got != second {
		t.Fatal("expected EphemeralKey to return the most recently rotated value")
	}
}

func TestDeriveSharedSecretSymmetric(t *testing.T) {
	alice, _ := crypto.New()
	bob, _ := crypto.New()

	s1, err := alice.DeriveSharedSecret(bob.EncryptionPublicKey())
	if err != nil {
		t.Fatal(err)
	}
	s2, err := bob.DeriveSharedSecret(alice.EncryptionPublicKey())
	if err != nil {
		t.Fatal(err)
	}
	if string(s1) != string(s2) {
		t.Fatal("expected X25519 Diffie-Hellman to be symmetric")
	}
}
