package federation

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/netsentry/netsentry/internal/model"
)

// Signer produces a signature over a payload. The concrete algorithm is
// swappable without touching the gateway.
type Signer interface {
	Sign(payload []byte) (string, error)
}

// Verifier checks a signature produced by the matching Signer.
type Verifier interface {
	Verify(payload []byte, signature string) error
}

// KeyDirectory resolves a peer node ID to its verifier.
type KeyDirectory interface {
	VerifierFor(nodeID string) (Verifier, error)
}

// signingPayload is the canonical byte form the signature covers: the
// source, timestamp, and correlation of a message, excluding the
// signature itself.
func signingPayload(msg *model.FederatedMessage) ([]byte, error) {
	payload, err := json.Marshal(struct {
		Source      string                   `json:"source"`
		Timestamp   string                   `json:"timestamp"`
		Correlation model.CorrelationSummary `json:"correlation"`
	}{
		Source:      msg.Source,
		Timestamp:   msg.Timestamp,
		Correlation: msg.Correlation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build signing payload: %w", err)
	}
	return payload, nil
}

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer parses a hex-encoded Ed25519 seed or private key.
func NewEd25519Signer(hexKey string) (*Ed25519Signer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key hex: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return &Ed25519Signer{key: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &Ed25519Signer{key: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, fmt.Errorf("ed25519 private key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// Sign returns the hex-encoded Ed25519 signature.
func (s *Ed25519Signer) Sign(payload []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.key, payload)), nil
}

// PublicKeyHex returns the hex-encoded public key for this signer.
func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Ed25519Verifier verifies Ed25519 signatures.
type Ed25519Verifier struct {
	key ed25519.PublicKey
}

// NewEd25519Verifier parses a hex-encoded Ed25519 public key.
func NewEd25519Verifier(hexKey string) (*Ed25519Verifier, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &Ed25519Verifier{key: ed25519.PublicKey(raw)}, nil
}

// Verify checks the hex-encoded signature against the payload.
func (v *Ed25519Verifier) Verify(payload []byte, signature string) error {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature hex: %w", err)
	}
	if !ed25519.Verify(v.key, payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// HMACSigner signs and verifies with a shared HMAC-SHA256 key. It serves
// as both Signer and Verifier for deployments using one pre-shared
// signing secret.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner derives the HMAC key from the shared secret.
func NewHMACSigner(secret string) *HMACSigner {
	sum := sha256.Sum256([]byte(secret))
	return &HMACSigner{key: sum[:]}
}

// Sign returns the hex-encoded HMAC-SHA256 of the payload.
func (s *HMACSigner) Sign(payload []byte) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks the HMAC in constant time.
func (s *HMACSigner) Verify(payload []byte, signature string) error {
	expected, err := s.Sign(payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// StaticKeyDirectory maps node IDs to Ed25519 public keys. The "*" entry
// is the fallback key for peers without a dedicated entry.
type StaticKeyDirectory struct {
	verifiers map[string]Verifier
}

// NewStaticKeyDirectory builds verifiers from hex-encoded public keys.
func NewStaticKeyDirectory(publicKeys map[string]string) (*StaticKeyDirectory, error) {
	verifiers := make(map[string]Verifier, len(publicKeys))
	for nodeID, hexKey := range publicKeys {
		verifier, err := NewEd25519Verifier(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for %q: %w", nodeID, err)
		}
		verifiers[nodeID] = verifier
	}
	return &StaticKeyDirectory{verifiers: verifiers}, nil
}

// VerifierFor resolves the verifier for a node ID.
func (d *StaticKeyDirectory) VerifierFor(nodeID string) (Verifier, error) {
	if v, ok := d.verifiers[nodeID]; ok {
		return v, nil
	}
	if v, ok := d.verifiers["*"]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no public key known for node %q", nodeID)
}

// SharedKeyDirectory returns the same HMAC signer for every peer.
type SharedKeyDirectory struct {
	signer *HMACSigner
}

// NewSharedKeyDirectory wraps a shared HMAC signing secret.
func NewSharedKeyDirectory(secret string) *SharedKeyDirectory {
	return &SharedKeyDirectory{signer: NewHMACSigner(secret)}
}

// VerifierFor returns the shared verifier regardless of node ID.
func (d *SharedKeyDirectory) VerifierFor(string) (Verifier, error) {
	return d.signer, nil
}
