package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/observability"
)

var validFeedbackTypes = map[contracts.FeedbackType]bool{
	contracts.FeedbackTypeBlocking:      true,
	contracts.FeedbackTypeSuggestion:    true,
	contracts.FeedbackTypeQuestion:      true,
	contracts.FeedbackTypeApproval:      true,
	contracts.FeedbackTypeClarification: true,
	contracts.FeedbackTypeAssignment:    true,
}

var validFeedbackStatuses = map[contracts.FeedbackStatus]bool{
	contracts.FeedbackStatusOpen:         true,
	contracts.FeedbackStatusAcknowledged: true,
	contracts.FeedbackStatusResolved:     true,
	contracts.FeedbackStatusWontfix:      true,
}

// FeedbackAdapter creates immutable feedback records attached to other
// records. Resolution never mutates a feedback: it is expressed by a new
// record pointing back through resolvesFeedbackId.
type FeedbackAdapter struct {
	stores   Stores
	identity Identity
	bus      Publisher
	metrics  *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
}

// NewFeedbackAdapter wires a feedback adapter.
func NewFeedbackAdapter(stores Stores, identity Identity, bus Publisher, metrics *observability.Provider, logger *slog.Logger) *FeedbackAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedbackAdapter{
		stores:   stores,
		identity: identity,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With("component", "feedback"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (f *FeedbackAdapter) WithClock(clock func() time.Time) *FeedbackAdapter {
	f.clock = clock
	return f
}

// Create persists a feedback record signed by actorID. The referenced entity
// must exist in its store. Blocking feedback on a task additionally emits
// feedback.blocking, which the container routes to pause the task.
func (f *FeedbackAdapter) Create(ctx context.Context, payload contracts.FeedbackPayload, actorID string) (rec *contracts.Record[contracts.FeedbackPayload], err error) {
	start := f.clock()
	defer func() { record(ctx, f.metrics, "feedback", "create", start, err) }()

	if !validFeedbackTypes[payload.Type] {
		return nil, &contracts.InvalidEnvelopeError{Reason: "unknown feedback type: " + string(payload.Type)}
	}
	if payload.Status == "" {
		payload.Status = contracts.FeedbackStatusOpen
	}
	if !validFeedbackStatuses[payload.Status] {
		return nil, &contracts.InvalidEnvelopeError{Reason: "unknown feedback status: " + string(payload.Status)}
	}
	if payload.Content == "" {
		return nil, &contracts.InvalidEnvelopeError{Reason: "feedback content is required"}
	}
	if utf8.RuneCountInString(payload.Content) > contracts.FeedbackMaxContentLen {
		return nil, &contracts.InvalidEnvelopeError{
			Reason: fmt.Sprintf("feedback content exceeds %d characters", contracts.FeedbackMaxContentLen),
		}
	}
	if err = f.checkEntity(ctx, payload.EntityType, payload.EntityID); err != nil {
		return nil, err
	}

	title := string(payload.Type) + " " + payload.EntityID
	if payload.ResolvesFeedbackID != "" {
		title = "resolve " + payload.ResolvesFeedbackID
	}
	payload.ID = contracts.NewRecordID(contracts.RecordTypeFeedback, title, f.clock())
	if exists, err := f.stores.Feedback.Exists(ctx, payload.ID); err != nil {
		return nil, err
	} else if exists {
		return nil, &contracts.DuplicateRecordError{Type: contracts.RecordTypeFeedback, ID: payload.ID}
	}

	rec, err = newSignedRecord(f.identity, actorID, contracts.RecordTypeFeedback, payload, contracts.RoleAuthor, "")
	if err != nil {
		return nil, err
	}
	if err = f.stores.Feedback.Put(ctx, payload.ID, rec); err != nil {
		return nil, err
	}
	f.logger.Info("feedback created", "feedback", payload.ID, "entity", payload.EntityID, "type", payload.Type, "actor", actorID)
	publish(f.bus, f.clock, "feedback", contracts.EventFeedbackCreated, map[string]any{
		"feedbackId": payload.ID, "entityType": payload.EntityType, "entityId": payload.EntityID,
		"type": string(payload.Type), "actorId": actorID,
	})
	if payload.Type == contracts.FeedbackTypeBlocking && payload.EntityType == "task" {
		publish(f.bus, f.clock, "feedback", contracts.EventFeedbackBlocking, map[string]any{
			"feedbackId": payload.ID, "taskId": payload.EntityID, "actorId": actorID,
		})
	}
	return rec, nil
}

// Resolve records the resolution of an open feedback thread by creating a new
// resolved record that points back at the original.
func (f *FeedbackAdapter) Resolve(ctx context.Context, feedbackID, content, actorID string) (rec *contracts.Record[contracts.FeedbackPayload], err error) {
	start := f.clock()
	defer func() { record(ctx, f.metrics, "feedback", "resolve", start, err) }()

	original, err := f.stores.Feedback.Get(ctx, feedbackID)
	if err != nil {
		return nil, err
	}
	if original.Payload.Status == contracts.FeedbackStatusResolved {
		return nil, &contracts.InvalidStateError{
			Current: string(original.Payload.Status),
			Detail:  "feedback is already resolved",
		}
	}
	if content == "" {
		content = "resolved"
	}

	payload := contracts.FeedbackPayload{
		EntityType:         original.Payload.EntityType,
		EntityID:           original.Payload.EntityID,
		Type:               original.Payload.Type,
		Status:             contracts.FeedbackStatusResolved,
		Content:            content,
		ResolvesFeedbackID: feedbackID,
	}
	return f.Create(ctx, payload, actorID)
}

// Get fetches one feedback record.
func (f *FeedbackAdapter) Get(ctx context.Context, id string) (*contracts.Record[contracts.FeedbackPayload], error) {
	return f.stores.Feedback.Get(ctx, id)
}

// ListForEntity returns the feedback records attached to one entity.
func (f *FeedbackAdapter) ListForEntity(ctx context.Context, entityType, entityID string) ([]*contracts.Record[contracts.FeedbackPayload], error) {
	ids, err := f.stores.Feedback.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*contracts.Record[contracts.FeedbackPayload], 0, len(ids))
	for _, id := range ids {
		rec, err := f.stores.Feedback.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Payload.EntityType == entityType && rec.Payload.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// checkEntity verifies that the referenced entity exists in its store.
func (f *FeedbackAdapter) checkEntity(ctx context.Context, entityType, entityID string) error {
	var (
		exists bool
		err    error
	)
	switch entityType {
	case "task":
		exists, err = f.stores.Tasks.Exists(ctx, entityID)
	case "cycle":
		exists, err = f.stores.Cycles.Exists(ctx, entityID)
	case "execution":
		exists, err = f.stores.Executions.Exists(ctx, entityID)
	case "changelog":
		exists, err = f.stores.Changelogs.Exists(ctx, entityID)
	case "feedback":
		exists, err = f.stores.Feedback.Exists(ctx, entityID)
	default:
		return &contracts.InvalidEnvelopeError{Reason: "unknown feedback entity type: " + entityType}
	}
	if err != nil {
		return err
	}
	if !exists {
		return &contracts.BrokenReferenceError{Field: "entityId", ID: entityID}
	}
	return nil
}
