package adapters

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/observability"
)

// AgentAdapter registers agent configurations. An agent record binds engine
// configuration to an existing actor of type agent; the runner that executes
// agents lives outside the core and only shares the AgentRunRequest and
// AgentRunResponse schemas.
type AgentAdapter struct {
	stores   Stores
	identity Identity
	bus      Publisher
	metrics  *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
}

// NewAgentAdapter wires an agent adapter.
func NewAgentAdapter(stores Stores, identity Identity, bus Publisher, metrics *observability.Provider, logger *slog.Logger) *AgentAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentAdapter{
		stores:   stores,
		identity: identity,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With("component", "agent"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (a *AgentAdapter) WithClock(clock func() time.Time) *AgentAdapter {
	a.clock = clock
	return a
}

// CreateAgentRecord registers an agent configuration signed by actorID. The
// agent ID must name an existing actor of type agent, one agent record per
// actor, and the engine variant must carry its required fields.
func (a *AgentAdapter) CreateAgentRecord(ctx context.Context, payload contracts.AgentPayload, actorID string) (rec *contracts.Record[contracts.AgentPayload], err error) {
	start := a.clock()
	defer func() { record(ctx, a.metrics, "agent", "createAgentRecord", start, err) }()

	if payload.ID == "" {
		return nil, &contracts.InvalidEnvelopeError{Reason: "agent id is required"}
	}
	actor, err := a.identity.GetActor(ctx, payload.ID)
	if err != nil {
		var notFound *contracts.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &contracts.BrokenReferenceError{Field: "id", ID: payload.ID}
		}
		return nil, err
	}
	if actor.Payload.Type != contracts.ActorTypeAgent {
		return nil, &contracts.InvalidStateError{
			Current: string(actor.Payload.Type),
			Detail:  "agent record requires an actor of type agent",
		}
	}
	if exists, err := a.stores.Agents.Exists(ctx, payload.ID); err != nil {
		return nil, err
	} else if exists {
		return nil, &contracts.DuplicateRecordError{Type: contracts.RecordTypeAgent, ID: payload.ID}
	}
	if err = validateAgentEngine(payload.Engine); err != nil {
		return nil, err
	}
	if payload.Status == "" {
		payload.Status = "active"
	}

	rec, err = newSignedRecord(a.identity, actorID, contracts.RecordTypeAgent, payload, contracts.RoleAuthor, "")
	if err != nil {
		return nil, err
	}
	if err = a.stores.Agents.Put(ctx, payload.ID, rec); err != nil {
		return nil, err
	}
	a.logger.Info("agent registered", "agent", payload.ID, "engine", payload.Engine.Type, "actor", actorID)
	publish(a.bus, a.clock, "agent", contracts.EventAgentRegistered, map[string]any{
		"agentId": payload.ID, "engine": string(payload.Engine.Type), "actorId": actorID,
	})
	return rec, nil
}

// Get fetches one agent record.
func (a *AgentAdapter) Get(ctx context.Context, id string) (*contracts.Record[contracts.AgentPayload], error) {
	return a.stores.Agents.Get(ctx, id)
}

// List returns all agent IDs.
func (a *AgentAdapter) List(ctx context.Context) ([]string, error) {
	return a.stores.Agents.List(ctx)
}

// validateAgentEngine checks that the active engine variant carries its
// required fields. The discriminator is closed: local, api, or mcp.
func validateAgentEngine(engine contracts.AgentEngine) error {
	switch engine.Type {
	case contracts.AgentEngineLocal:
		if engine.Runtime == "" {
			return &contracts.InvalidEnvelopeError{Reason: "local agent engine requires runtime"}
		}
	case contracts.AgentEngineAPI:
		if engine.URL == "" {
			return &contracts.InvalidEnvelopeError{Reason: "api agent engine requires url"}
		}
	case contracts.AgentEngineMCP:
		if engine.Server == "" || engine.Tool == "" {
			return &contracts.InvalidEnvelopeError{Reason: "mcp agent engine requires server and tool"}
		}
	default:
		return &contracts.InvalidEnvelopeError{Reason: "unknown agent engine type: " + string(engine.Type)}
	}
	return nil
}
