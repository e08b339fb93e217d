// Package governance implements the propose/shadow/approve/apply patch
// protocol. A patch never mutates the live manifest directly: it is
// pinned to a base_manifest_hash, dry-run through shadow before
// approval, and apply only takes effect once the kernel is strictly
// quiescent. Every applied patch is attested by an ed25519 signature
// from a per-proposal HKDF-derived key.
package governance

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/agentoshq/agentos/pkg/canon"
)

// KeyProvider is the signing backend a Keyring wraps, swappable for an
// HSM or KMS without touching the Engine.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider is the in-process ed25519 backend used by default.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a fresh ed25519 keypair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("governance: generate key: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) { return ed25519.Sign(m.priv, msg), nil }
func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey    { return m.pub }

// Keyring signs DecisionRecords over their canonical CBOR encoding with
// the signature and public key fields cleared, so the signed bytes are
// exactly the attestation's content.
type Keyring struct {
	provider KeyProvider
}

// NewKeyring wraps a provider, generating an in-memory one if nil.
func NewKeyring(p KeyProvider) *Keyring {
	if p == nil {
		p, _ = NewMemoryKeyProvider()
	}
	return &Keyring{provider: p}
}

// PublicKey returns the verifying key for records this keyring signs.
func (k *Keyring) PublicKey() ed25519.PublicKey { return k.provider.PublicKey() }

// SignRecord signs r's canonical CBOR encoding with Signature and
// PublicKey zeroed first.
func (k *Keyring) SignRecord(r DecisionRecord) ([]byte, error) {
	r.Signature = nil
	r.PublicKey = nil
	msg, err := canon.Encode(r)
	if err != nil {
		return nil, fmt.Errorf("governance: encode decision record: %w", err)
	}
	return k.provider.Sign(msg)
}

// DeriveForProposal derives a proposal-scoped signing keypair by
// HKDF-SHA256 over the master ed25519 seed, keyed on the proposal ID, so
// every apply is attested by a distinct, deterministically-reproducible
// key rather than the long-lived master key directly.
func (k *Keyring) DeriveForProposal(proposalID string) (*Keyring, error) {
	if proposalID == "" {
		return nil, fmt.Errorf("governance: proposalID must not be empty")
	}
	mk, ok := k.provider.(*MemoryKeyProvider)
	if !ok {
		return nil, fmt.Errorf("governance: proposal key derivation requires a MemoryKeyProvider")
	}
	seed := mk.priv.Seed()
	hr := hkdf.New(sha256.New, seed, []byte("agentos-governance-kdf"), []byte(proposalID))
	sub := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hr, sub); err != nil {
		return nil, fmt.Errorf("governance: hkdf derive: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(sub)
	pub := priv.Public().(ed25519.PublicKey)
	return NewKeyring(&MemoryKeyProvider{pub: pub, priv: priv}), nil
}
