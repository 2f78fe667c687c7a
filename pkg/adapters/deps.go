// Package adapters implements the domain operations over the record stores:
// backlog (tasks and cycles), execution log, feedback threads, changelogs, and
// agent registration. Adapters are the only writers of records; everything
// they persist is signed through the identity adapter and announced on the
// event bus.
package adapters

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/crypto"
	"github.com/gitgovernance/core/pkg/observability"
	"github.com/gitgovernance/core/pkg/store"
)

// Identity is the slice of the identity adapter the domain adapters need:
// producing signatures and resolving signers back to actor records.
type Identity interface {
	Sign(actorID, payloadChecksum, role, notes string) (contracts.Signature, error)
	GetActor(ctx context.Context, id string) (*contracts.Record[contracts.ActorPayload], error)
}

// Publisher is the slice of the event bus the adapters need.
type Publisher interface {
	Publish(event contracts.Event)
}

// Stores bundles the per-type record stores the adapters compose. Actors is
// carried for readers (projector, lint); the adapters themselves go through
// the identity adapter for actor access.
type Stores struct {
	Actors     *store.Store[contracts.ActorPayload]
	Tasks      *store.Store[contracts.TaskPayload]
	Cycles     *store.Store[contracts.CyclePayload]
	Executions *store.Store[contracts.ExecutionPayload]
	Feedback   *store.Store[contracts.FeedbackPayload]
	Changelogs *store.Store[contracts.ChangelogPayload]
	Agents     *store.Store[contracts.AgentPayload]

	// Custom holds schema-validated extension records. Payloads are opaque to
	// the engine; their shape is enforced by the schema pinned in the header.
	Custom *store.Store[json.RawMessage]
}

// newSignedRecord builds an envelope around payload with a single signature by
// actorID. Every adapter write goes through here: the header checksum is the
// canonical hash of the payload and the signature covers that checksum.
func newSignedRecord[T any](identity Identity, actorID string, t contracts.RecordType, payload T, role, notes string) (*contracts.Record[T], error) {
	checksum, err := crypto.ComputeChecksum(payload)
	if err != nil {
		return nil, err
	}
	sig, err := identity.Sign(actorID, checksum, role, notes)
	if err != nil {
		return nil, err
	}
	return &contracts.Record[T]{
		Header: contracts.Header{
			Version:         contracts.EnvelopeVersion,
			Type:            t,
			PayloadChecksum: checksum,
			Signatures:      []contracts.Signature{sig},
		},
		Payload: payload,
	}, nil
}

// publish emits an event when a bus is wired; adapters work without one.
func publish(bus Publisher, clock func() time.Time, source, eventType string, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(contracts.Event{
		Type:      eventType,
		Timestamp: clock().UnixMilli(),
		Source:    source,
		Payload:   payload,
	})
}

// record instruments one adapter operation when a provider is wired.
func record(ctx context.Context, metrics *observability.Provider, component, operation string, start time.Time, err error) {
	if metrics == nil {
		return
	}
	metrics.RecordOperation(ctx, component, operation, time.Since(start), err)
}
