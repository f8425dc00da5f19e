// Package crypto implements the validator signing identity: ed25519
// key management plus the bft.Signer adapter consensus messages sign
// and verify through.
package crypto

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/rechain/bftnode/pkg/validator"
)

// Signer holds an ed25519 keypair and signs/verifies consensus digests.
// A validator's identity is exactly its public key, so no separate
// key-to-identity mapping is needed.
type Signer struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	identity validator.Identity
	auditLog bool
}

// GenerateSigner creates a fresh ed25519 keypair.
func GenerateSigner(auditLog bool) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generating ed25519 key: %w", err)
	}
	return newSigner(pub, priv, auditLog)
}

// LoadSigner wraps an existing ed25519 private key, as read from a
// validator's key file.
func LoadSigner(priv ed25519.PrivateKey, auditLog bool) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: private key has wrong length %d", len(priv))
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto: unexpected public key type")
	}
	return newSigner(pub, priv, auditLog)
}

func newSigner(pub ed25519.PublicKey, priv ed25519.PrivateKey, auditLog bool) (*Signer, error) {
	if len(pub) != len(validator.Identity{}) {
		return nil, fmt.Errorf("crypto: public key has wrong length %d", len(pub))
	}
	var id validator.Identity
	copy(id[:], pub)

	s := &Signer{priv: priv, pub: pub, identity: id, auditLog: auditLog}
	s.logEvent("KEY_LOADED", fmt.Sprintf("identity=%s", id.String()))
	return s, nil
}

// Identity returns this signer's validator identity (its public key).
func (s *Signer) Identity() validator.Identity { return s.identity }

// Sign produces an ed25519 signature over digest. Satisfies
// bft.Signer.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	sig := ed25519.Sign(s.priv, digest)
	s.logEvent("MESSAGE_SIGNED", fmt.Sprintf("identity=%s digest_len=%d", s.identity.String(), len(digest)))
	return sig, nil
}

// Verify checks sig against digest under id's public key. Satisfies
// bft.Signer. No private state of the receiver is used — any Signer
// can verify any identity's signature.
func (s *Signer) Verify(digest, sig []byte, id validator.Identity) bool {
	return ed25519.Verify(ed25519.PublicKey(id[:]), digest, sig)
}

// LoadSignerFromFile reads a hex-encoded ed25519 private key from
// path. Used at node startup to restore a validator's identity across
// restarts.
func LoadSignerFromFile(path string, auditLog bool) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: reading key file %s: %w", path, err)
	}

	keyBytes, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding key file %s: %w", path, err)
	}

	return LoadSigner(ed25519.PrivateKey(keyBytes), auditLog)
}

// GenerateAndSaveSigner creates a fresh keypair and writes the private
// key, hex-encoded, to path with owner-only permissions.
func GenerateAndSaveSigner(path string, auditLog bool) (*Signer, error) {
	signer, err := GenerateSigner(auditLog)
	if err != nil {
		return nil, err
	}

	encoded := hex.EncodeToString(signer.priv)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("crypto: writing key file %s: %w", path, err)
	}
	return signer, nil
}

func (s *Signer) logEvent(eventType, details string) {
	if !s.auditLog {
		return
	}
	log.Printf("SECURITY EVENT [%s]: %s", eventType, details)
}
