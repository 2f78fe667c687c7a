// Package crypto implements the cryptographic envelope: deterministic
// payload checksums, Ed25519 keypair derivation, signature digest
// construction, and record verification.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/gitgovernance/core/pkg/canonicalize"
	"github.com/gitgovernance/core/pkg/contracts"
)

// GenerateKeypair creates a fresh random Ed25519 keypair. The public key is
// returned base64-encoded as stored in actor records.
func GenerateKeypair() (ed25519.PrivateKey, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("key generation failed: %w", err)
	}
	return priv, base64.StdEncoding.EncodeToString(pub), nil
}

// DeriveKeypair derives a deterministic Ed25519 keypair from a seed string:
// the seed is SHA-256'd to 32 bytes and used as the Ed25519 seed. Intended
// for test vectors and example generation, not production actors.
func DeriveKeypair(seed string) (ed25519.PrivateKey, string) {
	h := sha256.Sum256([]byte(seed))
	priv := ed25519.NewKeyFromSeed(h[:])
	pub := priv.Public().(ed25519.PublicKey)
	return priv, base64.StdEncoding.EncodeToString(pub)
}

// SignatureDigest builds the 32-byte message that is actually signed:
// SHA-256 of "{payloadChecksum}:{keyId}:{role}:{notes}:{timestamp}".
func SignatureDigest(payloadChecksum, keyID, role, notes string, timestamp int64) []byte {
	msg := fmt.Sprintf("%s:%s:%s:%s:%d", payloadChecksum, keyID, role, notes, timestamp)
	h := sha256.Sum256([]byte(msg))
	return h[:]
}

// Sign produces the base64 Ed25519 signature over the signature digest.
func Sign(priv ed25519.PrivateKey, payloadChecksum, keyID, role, notes string, timestamp int64) string {
	digest := SignatureDigest(payloadChecksum, keyID, role, notes, timestamp)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest))
}

// NewSignature signs the checksum and returns the complete signature entry.
func NewSignature(priv ed25519.PrivateKey, payloadChecksum, keyID, role, notes string, timestamp int64) contracts.Signature {
	return contracts.Signature{
		KeyID:     keyID,
		Role:      role,
		Notes:     notes,
		Signature: Sign(priv, payloadChecksum, keyID, role, notes, timestamp),
		Timestamp: timestamp,
	}
}

// VerifySignature checks one signature entry against a base64 public key.
func VerifySignature(publicKeyB64, payloadChecksum string, sig contracts.Signature) (bool, error) {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return false, fmt.Errorf("invalid public key base64: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: %d", len(pub))
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	digest := SignatureDigest(payloadChecksum, sig.KeyID, sig.Role, sig.Notes, sig.Timestamp)
	return ed25519.Verify(ed25519.PublicKey(pub), digest, raw), nil
}

// KeyResolver maps a keyId to the signer's base64 public key. Resolution
// fails for unknown and for revoked actors.
type KeyResolver func(keyID string) (string, error)

// ComputeChecksum returns the canonical payload checksum for any payload.
func ComputeChecksum(payload any) (string, error) {
	return canonicalize.ChecksumHex(payload)
}

// ValidateEnvelope checks the structural rules of a record header.
func ValidateEnvelope(h contracts.Header) error {
	if h.Version == "" {
		return &contracts.InvalidEnvelopeError{Reason: "missing version"}
	}
	if !h.Type.Valid() {
		return &contracts.InvalidEnvelopeError{Reason: fmt.Sprintf("unknown record type %q", h.Type)}
	}
	if len(h.PayloadChecksum) != 64 {
		return &contracts.InvalidEnvelopeError{Reason: "payloadChecksum must be 64 hex chars"}
	}
	if len(h.Signatures) == 0 {
		return &contracts.InvalidEnvelopeError{Reason: "signatures must not be empty"}
	}
	if h.Type == contracts.RecordTypeCustom && (h.SchemaURL == "" || h.SchemaChecksum == "") {
		return &contracts.InvalidEnvelopeError{Reason: "custom records require schemaUrl and schemaChecksum"}
	}
	return nil
}

// VerifyRecord re-derives the payload checksum and verifies every signature
// in the header against keys resolved by resolve. It returns the first
// failure as a tagged error.
func VerifyRecord(header contracts.Header, payload any, resolve KeyResolver) error {
	if err := ValidateEnvelope(header); err != nil {
		return err
	}
	actual, err := canonicalize.ChecksumHex(payload)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	if actual != header.PayloadChecksum {
		return &contracts.ChecksumMismatchError{Expected: header.PayloadChecksum, Actual: actual}
	}
	for i, sig := range header.Signatures {
		pub, err := resolve(sig.KeyID)
		if err != nil {
			return &contracts.UnknownKeyError{KeyID: sig.KeyID}
		}
		ok, err := VerifySignature(pub, header.PayloadChecksum, sig)
		if err != nil || !ok {
			return &contracts.UnverifiedSignatureError{Index: i, KeyID: sig.KeyID}
		}
	}
	return nil
}
