package adapters

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/observability"
)

// ChangelogAdapter aggregates completed tasks into release notes.
type ChangelogAdapter struct {
	stores   Stores
	identity Identity
	bus      Publisher
	metrics  *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
}

// NewChangelogAdapter wires a changelog adapter.
func NewChangelogAdapter(stores Stores, identity Identity, bus Publisher, metrics *observability.Provider, logger *slog.Logger) *ChangelogAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangelogAdapter{
		stores:   stores,
		identity: identity,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With("component", "changelog"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (c *ChangelogAdapter) WithClock(clock func() time.Time) *ChangelogAdapter {
	c.clock = clock
	return c
}

// Create persists a changelog signed by actorID. At least one related task is
// required, every related task must exist, and all of them must be done.
func (c *ChangelogAdapter) Create(ctx context.Context, payload contracts.ChangelogPayload, actorID string) (rec *contracts.Record[contracts.ChangelogPayload], err error) {
	start := c.clock()
	defer func() { record(ctx, c.metrics, "changelog", "create", start, err) }()

	if payload.Title == "" {
		return nil, &contracts.InvalidEnvelopeError{Reason: "changelog title is required"}
	}
	if len(payload.RelatedTasks) == 0 {
		return nil, &contracts.InvalidEnvelopeError{Reason: "changelog requires at least one related task"}
	}
	for _, taskID := range payload.RelatedTasks {
		task, err := c.stores.Tasks.Get(ctx, taskID)
		if err != nil {
			var notFound *contracts.NotFoundError
			if errors.As(err, &notFound) {
				return nil, &contracts.BrokenReferenceError{Field: "relatedTasks", ID: taskID}
			}
			return nil, err
		}
		if task.Payload.Status != contracts.TaskStatusDone {
			return nil, &contracts.InvalidStateError{
				Current: string(task.Payload.Status),
				Detail:  "changelog task " + taskID + " is not done",
			}
		}
	}

	payload.ID = contracts.NewRecordID(contracts.RecordTypeChangelog, payload.Title, c.clock())

	rec, err = newSignedRecord(c.identity, actorID, contracts.RecordTypeChangelog, payload, contracts.RoleAuthor, "")
	if err != nil {
		return nil, err
	}
	if err = c.stores.Changelogs.Put(ctx, payload.ID, rec); err != nil {
		return nil, err
	}
	c.logger.Info("changelog created", "changelog", payload.ID, "tasks", len(payload.RelatedTasks), "actor", actorID)
	publish(c.bus, c.clock, "changelog", contracts.EventChangelogCreated, map[string]any{
		"changelogId": payload.ID, "actorId": actorID,
	})
	return rec, nil
}

// Get fetches one changelog record.
func (c *ChangelogAdapter) Get(ctx context.Context, id string) (*contracts.Record[contracts.ChangelogPayload], error) {
	return c.stores.Changelogs.Get(ctx, id)
}

// List returns all changelog IDs.
func (c *ChangelogAdapter) List(ctx context.Context) ([]string, error) {
	return c.stores.Changelogs.List(ctx)
}
