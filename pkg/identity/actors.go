package identity

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/crypto"
	"github.com/gitgovernance/core/pkg/store"
)

// Publisher is the slice of the event bus the identity adapter needs.
type Publisher interface {
	Publish(event contracts.Event)
}

// Adapter exposes actor CRUD, key resolution, and record signing.
type Adapter struct {
	actors  *store.Store[contracts.ActorPayload]
	keys    KeyProvider
	session *SessionManager
	bus     Publisher
	logger  *slog.Logger
	clock   func() time.Time

	// pending holds keys of actors whose self-signed record is being written
	// but is not yet readable from the store.
	pending *crypto.Keyring
}

// NewAdapter wires the identity adapter. bus may be nil (no events emitted).
func NewAdapter(actors *store.Store[contracts.ActorPayload], keys KeyProvider, session *SessionManager, bus Publisher, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		actors:  actors,
		keys:    keys,
		session: session,
		bus:     bus,
		logger:  logger,
		clock:   time.Now,
		pending: crypto.NewKeyring(),
	}
	// The actor store verifies signatures against the registry it feeds.
	actors.SetResolver(a.ResolveKey)
	return a
}

// WithClock overrides the clock for tests.
func (a *Adapter) WithClock(clock func() time.Time) *Adapter {
	a.clock = clock
	return a
}

// ResolveKey maps a keyId to the actor's base64 public key. Revoked actors
// do not resolve, so their signatures stop verifying.
func (a *Adapter) ResolveKey(keyID string) (string, error) {
	rec, err := a.actors.Get(context.Background(), keyID)
	if err != nil {
		// Not in the store yet: may be a self-signed record mid-write.
		if pub, perr := a.pending.Resolve(keyID); perr == nil {
			return pub, nil
		}
		return "", &contracts.UnknownKeyError{KeyID: keyID}
	}
	if rec.Payload.Status == contracts.ActorStatusRevoked {
		return "", &contracts.UnknownKeyError{KeyID: keyID}
	}
	return rec.Payload.PublicKey, nil
}

// CreateActor registers a new actor. When payload.PublicKey is empty a fresh
// keypair is generated and the private key stored through the key provider.
// The record is self-signed: its author signature uses the actor's own key.
func (a *Adapter) CreateActor(ctx context.Context, payload contracts.ActorPayload) (*contracts.Record[contracts.ActorPayload], error) {
	if payload.ID == "" {
		return nil, &contracts.InvalidEnvelopeError{Reason: "actor id is required"}
	}
	if len(payload.Roles) == 0 {
		return nil, &contracts.InvalidEnvelopeError{Reason: "actor requires at least one role"}
	}
	if exists, err := a.actors.Exists(ctx, payload.ID); err != nil {
		return nil, err
	} else if exists {
		return nil, &contracts.DuplicateRecordError{Type: contracts.RecordTypeActor, ID: payload.ID}
	}

	var priv ed25519.PrivateKey
	if payload.PublicKey == "" {
		var pub string
		var err error
		priv, pub, err = crypto.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		payload.PublicKey = pub
		if err := a.keys.StorePrivateKey(payload.ID, priv); err != nil {
			return nil, err
		}
	} else {
		var err error
		priv, err = a.keys.GetPrivateKey(payload.ID)
		if err != nil {
			return nil, fmt.Errorf("actor %s supplied a public key but no private key is stored: %w", payload.ID, err)
		}
	}
	if payload.Status == "" {
		payload.Status = contracts.ActorStatusActive
	}

	rec, err := a.signRecord(priv, payload.ID, contracts.RecordTypeActor, payload, "")
	if err != nil {
		return nil, err
	}
	a.pending.AddKey(payload.ID, payload.PublicKey)
	defer a.pending.RevokeKey(payload.ID)
	if err := a.actors.Put(ctx, payload.ID, rec); err != nil {
		return nil, err
	}

	a.logger.Info("actor created", "actor", payload.ID, "type", payload.Type)
	a.publish(contracts.EventActorCreated, map[string]any{"actorId": payload.ID})
	return rec, nil
}

// GetActor fetches one actor record.
func (a *Adapter) GetActor(ctx context.Context, id string) (*contracts.Record[contracts.ActorPayload], error) {
	return a.actors.Get(ctx, id)
}

// ListActors returns all actor IDs.
func (a *Adapter) ListActors(ctx context.Context) ([]string, error) {
	return a.actors.List(ctx)
}

// RotateActor revokes the actor's current key and registers a successor with
// a fresh keypair. The revoked record keeps its public key (immutable) and
// points at the successor through supersededBy.
func (a *Adapter) RotateActor(ctx context.Context, id string) (*contracts.Record[contracts.ActorPayload], error) {
	old, err := a.actors.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Payload.Status == contracts.ActorStatusRevoked {
		return nil, &contracts.InvalidStateError{Current: string(old.Payload.Status), Detail: "actor already revoked"}
	}
	oldPriv, err := a.keys.GetPrivateKey(id)
	if err != nil {
		return nil, err
	}

	successorID := fmt.Sprintf("%s:%s", id, uuid.NewString()[:8])
	successor, err := a.CreateActor(ctx, contracts.ActorPayload{
		ID:          successorID,
		Type:        old.Payload.Type,
		DisplayName: old.Payload.DisplayName,
		Roles:       old.Payload.Roles,
		Status:      contracts.ActorStatusActive,
	})
	if err != nil {
		return nil, err
	}

	revoked := old.Payload
	revoked.Status = contracts.ActorStatusRevoked
	revoked.SupersededBy = successorID

	// Sign the revocation with the key being revoked; verification of this
	// record must still pass, so it is written before the keyring forgets it.
	rec, err := a.signRecord(oldPriv, id, contracts.RecordTypeActor, revoked, "key rotation")
	if err != nil {
		return nil, err
	}
	if err := a.actors.Put(ctx, id, rec); err != nil {
		return nil, err
	}
	a.logger.Info("actor rotated", "actor", id, "successor", successorID)
	return successor, nil
}

// CurrentActor returns the session's current actor ID.
func (a *Adapter) CurrentActor() string {
	if a.session == nil {
		return ""
	}
	return a.session.GetCurrentActor()
}

// Sign produces a signature entry over checksum for actorID with role and
// notes, timestamped now.
func (a *Adapter) Sign(actorID, payloadChecksum, role, notes string) (contracts.Signature, error) {
	priv, err := a.keys.GetPrivateKey(actorID)
	if err != nil {
		return contracts.Signature{}, err
	}
	if _, err := a.ResolveKey(actorID); err != nil {
		return contracts.Signature{}, err
	}
	return crypto.NewSignature(priv, payloadChecksum, actorID, role, notes, a.clock().Unix()), nil
}

func (a *Adapter) signRecord(priv ed25519.PrivateKey, keyID string, t contracts.RecordType, payload contracts.ActorPayload, notes string) (*contracts.Record[contracts.ActorPayload], error) {
	checksum, err := crypto.ComputeChecksum(payload)
	if err != nil {
		return nil, err
	}
	return &contracts.Record[contracts.ActorPayload]{
		Header: contracts.Header{
			Version:         contracts.EnvelopeVersion,
			Type:            t,
			PayloadChecksum: checksum,
			Signatures: []contracts.Signature{
				crypto.NewSignature(priv, checksum, keyID, contracts.RoleAuthor, notes, a.clock().Unix()),
			},
		},
		Payload: payload,
	}, nil
}

func (a *Adapter) publish(eventType string, payload any) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(contracts.Event{
		Type:      eventType,
		Timestamp: a.clock().UnixMilli(),
		Source:    "identity",
		Payload:   payload,
	})
}
