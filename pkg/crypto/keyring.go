package crypto

import (
	"sync"

	"github.com/gitgovernance/core/pkg/contracts"
)

// Keyring resolves keyIds to public keys with revocation support. The actor
// registry feeds it; revoked actors stop resolving, which makes later
// signature verification fail with UnknownKey.
type Keyring struct {
	mu      sync.RWMutex
	keys    map[string]string // keyID -> base64 public key
	revoked map[string]bool
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		keys:    make(map[string]string),
		revoked: make(map[string]bool),
	}
}

// AddKey registers a public key for keyID.
func (k *Keyring) AddKey(keyID, publicKeyB64 string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = publicKeyB64
	delete(k.revoked, keyID)
}

// RevokeKey marks keyID as revoked. The key material stays known so historic
// signatures can still be audited explicitly, but Resolve refuses it.
func (k *Keyring) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.revoked[keyID] = true
}

// Resolve returns the public key for keyID, failing for unknown or revoked keys.
func (k *Keyring) Resolve(keyID string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.revoked[keyID] {
		return "", &contracts.UnknownKeyError{KeyID: keyID}
	}
	pub, ok := k.keys[keyID]
	if !ok {
		return "", &contracts.UnknownKeyError{KeyID: keyID}
	}
	return pub, nil
}
