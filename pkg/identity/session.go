package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionManager holds the current actor for this process. The session is a
// singleton loaded from session.json at startup; the file carries an EdDSA
// JWT signed with the actor's own key so a stale or copied session file can
// be detected on load.
type SessionManager struct {
	mu      sync.RWMutex
	path    string
	keys    KeyProvider
	current string
}

type sessionFile struct {
	ActorID     string `json:"actorId"`
	Token       string `json:"token"`
	LastSession int64  `json:"lastSession"` // unix seconds
}

// NewSessionManager creates a session manager persisting to path.
func NewSessionManager(path string, keys KeyProvider) *SessionManager {
	return &SessionManager{path: path, keys: keys}
}

// GetCurrentActor returns the current actor ID, or empty when no session exists.
func (s *SessionManager) GetCurrentActor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetCurrentActor switches the session to actorID and persists session.json
// with a fresh token.
func (s *SessionManager) SetCurrentActor(actorID string) error {
	priv, err := s.keys.GetPrivateKey(actorID)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"sub": actorID,
		"iat": now.Unix(),
	})
	signed, err := token.SignedString(priv)
	if err != nil {
		return fmt.Errorf("session: sign token: %w", err)
	}

	data, err := json.MarshalIndent(sessionFile{
		ActorID:     actorID,
		Token:       signed,
		LastSession: now.Unix(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("session: rename: %w", err)
	}

	s.mu.Lock()
	s.current = actorID
	s.mu.Unlock()
	return nil
}

// Load reads session.json and re-verifies its token against the actor's
// public key. A missing file is not an error; the session is simply empty.
// GITGOV_ACTOR overrides the persisted session.
func (s *SessionManager) Load(resolvePublicKey func(actorID string) (string, error)) error {
	if override := os.Getenv("GITGOV_ACTOR"); override != "" {
		s.mu.Lock()
		s.current = override
		s.mu.Unlock()
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("session: read: %w", err)
	}
	var sf sessionFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return fmt.Errorf("session: parse: %w", err)
	}

	pubB64, err := resolvePublicKey(sf.ActorID)
	if err != nil {
		return fmt.Errorf("session: resolve actor %s: %w", sf.ActorID, err)
	}
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return fmt.Errorf("session: decode public key: %w", err)
	}

	parsed, err := jwt.Parse(sf.Token, func(t *jwt.Token) (any, error) {
		return ed25519.PublicKey(pub), nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil || !parsed.Valid {
		return fmt.Errorf("session: token verification failed: %w", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub != sf.ActorID {
		return fmt.Errorf("session: token subject mismatch")
	}

	s.mu.Lock()
	s.current = sf.ActorID
	s.mu.Unlock()
	return nil
}
