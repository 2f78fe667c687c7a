// Package identity manages actors, their key material, and the process
// session: who is currently acting, and with which Ed25519 key records get
// signed.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// KeyProvider stores and retrieves private key material by actor ID.
type KeyProvider interface {
	GetPrivateKey(actorID string) (ed25519.PrivateKey, error)
	StorePrivateKey(actorID string, key ed25519.PrivateKey) error
}

// FileKeyProvider keeps one <id>.key file per actor beside the actor records.
// Key files are base64, mode 0600, and are never published to gitgov-state.
type FileKeyProvider struct {
	dir string
}

// NewFileKeyProvider creates a provider rooted at the actors directory. The
// directory appears on the first key write, not before: key storage must not
// materialise .gitgov in an uninitialized repository.
func NewFileKeyProvider(dir string) *FileKeyProvider {
	return &FileKeyProvider{dir: dir}
}

func (p *FileKeyProvider) path(actorID string) string {
	safe := strings.ReplaceAll(actorID, ":", "--")
	return filepath.Join(p.dir, safe+".key")
}

// GetPrivateKey loads an actor's private key.
func (p *FileKeyProvider) GetPrivateKey(actorID string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(p.path(actorID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no private key for actor %s", actorID)
		}
		return nil, fmt.Errorf("read key for %s: %w", actorID, err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode key for %s: %w", actorID, err)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key for %s has wrong size %d", actorID, len(key))
	}
	return ed25519.PrivateKey(key), nil
}

// StorePrivateKey persists an actor's private key with owner-only permissions.
func (p *FileKeyProvider) StorePrivateKey(actorID string, key ed25519.PrivateKey) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key) + "\n"
	if err := os.WriteFile(p.path(actorID), []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("store key for %s: %w", actorID, err)
	}
	return nil
}
