// Package signer implements the Ed25519 mandate signer: the single process
// holds one private key, loaded from configuration and never persisted,
// and derives its public key once, in New. Grounded on the Signer-interface shape
// of services/payments-gateway/kms.go, re-keyed from secp256k1/Keccak256 to
// Ed25519 per the authorization model this gateway specifies.
package signer

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"agentgateway/internal/canonical"
)

// MandateBody is the canonical set of fields signed into a mandate.
type MandateBody struct {
	AgentID   string
	Amount    int64
	Currency  string
	ExpiresAt string // ISO-8601 Z
	IntentID  string
	PolicyID  string
	Vendor    string
}

func (b MandateBody) canonicalMap() map[string]any {
	return map[string]any{
		"agent_id":   b.AgentID,
		"amount":     b.Amount,
		"currency":   b.Currency,
		"expires_at": b.ExpiresAt,
		"intent_id":  b.IntentID,
		"policy_id":  b.PolicyID,
		"vendor":     b.Vendor,
	}
}

// SignedMandate is the output of Sign: the canonical hash and the
// signature over its decoded bytes, plus the signer's public key.
type SignedMandate struct {
	Hash         string
	Signature    string
	PublicKeyHex string
}

// Signer holds one Ed25519 key pair in memory. It never logs or persists
// the private key.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// New constructs a Signer from a 32-byte Ed25519 seed.
func New(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, pub: pub}, nil
}

// NewFromHexSeed constructs a Signer from a hex-encoded 32-byte seed, the
// SIGNING_KEY configuration format.
func NewFromHexSeed(hexSeed string) (*Signer, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("signer: decode hex seed: %w", err)
	}
	return New(seed)
}

// PublicKeyHex returns the lower-case hex encoding of the signer's public key.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// Sign produces the canonical hash of body and an Ed25519 signature over
// the decoded hash bytes. Deterministic per key+body.
func (s *Signer) Sign(body MandateBody) (SignedMandate, error) {
	canonicalBody, err := canonical.Marshal(body.canonicalMap())
	if err != nil {
		return SignedMandate{}, fmt.Errorf("signer: canonicalize body: %w", err)
	}
	hash := canonical.SHA256Hex(canonicalBody)
	rawHash, err := hex.DecodeString(canonical.StripPrefix(hash))
	if err != nil {
		return SignedMandate{}, fmt.Errorf("signer: decode hash hex: %w", err)
	}
	sig := ed25519.Sign(s.priv, rawHash)
	return SignedMandate{
		Hash:         hash,
		Signature:    hex.EncodeToString(sig),
		PublicKeyHex: s.PublicKeyHex(),
	}, nil
}

// SignPayload signs an arbitrary canonical payload directly (as opposed to
// Sign, which signs the hash of a MandateBody). Used where the caller has
// already produced its own canonical bytes, e.g. the direct rail's outbound
// settlement request.
func (s *Signer) SignPayload(payload []byte) (signatureHex string, err error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, payload)), nil
}

// Verify reports whether signatureHex is a valid Ed25519 signature over the
// canonical hash of body under publicKeyHex. Any parse or crypto failure
// returns false without distinguishing which failed.
func Verify(body MandateBody, signatureHex, publicKeyHex string) bool {
	canonicalBody, err := canonical.Marshal(body.canonicalMap())
	if err != nil {
		return false
	}
	hash := canonical.SHA256Hex(canonicalBody)
	rawHash, err := hex.DecodeString(canonical.StripPrefix(hash))
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), rawHash, sig)
}
