package adapters

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/observability"
)

var validExecutionTypes = map[contracts.ExecutionType]bool{
	contracts.ExecutionTypeAnalysis:   true,
	contracts.ExecutionTypeProgress:   true,
	contracts.ExecutionTypeBlocker:    true,
	contracts.ExecutionTypeCompletion: true,
	contracts.ExecutionTypeInfo:       true,
	contracts.ExecutionTypeCorrection: true,
}

// ExecutionAdapter appends immutable execution records to a task's work log.
// The first progress-class execution on a ready task auto-activates it.
type ExecutionAdapter struct {
	stores   Stores
	identity Identity
	backlog  *BacklogAdapter
	bus      Publisher
	metrics  *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
}

// NewExecutionAdapter wires an execution adapter. backlog is required: it
// applies the event-gated activation.
func NewExecutionAdapter(stores Stores, identity Identity, backlog *BacklogAdapter, bus Publisher, metrics *observability.Provider, logger *slog.Logger) *ExecutionAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionAdapter{
		stores:   stores,
		identity: identity,
		backlog:  backlog,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With("component", "execution"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (e *ExecutionAdapter) WithClock(clock func() time.Time) *ExecutionAdapter {
	e.clock = clock
	return e
}

// Create persists an execution record signed by actorID. The referenced task
// must exist. When the execution is the first progress-class record on a
// ready task, the task is activated through the auto_activate transition.
func (e *ExecutionAdapter) Create(ctx context.Context, payload contracts.ExecutionPayload, actorID string) (rec *contracts.Record[contracts.ExecutionPayload], err error) {
	start := e.clock()
	defer func() { record(ctx, e.metrics, "execution", "create", start, err) }()

	if payload.Title == "" {
		return nil, &contracts.InvalidEnvelopeError{Reason: "execution title is required"}
	}
	if !validExecutionTypes[payload.Type] {
		return nil, &contracts.InvalidEnvelopeError{Reason: "unknown execution type: " + string(payload.Type)}
	}
	task, err := e.stores.Tasks.Get(ctx, payload.TaskID)
	if err != nil {
		var notFound *contracts.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &contracts.BrokenReferenceError{Field: "taskId", ID: payload.TaskID}
		}
		return nil, err
	}

	payload.ID = contracts.NewRecordID(contracts.RecordTypeExecution, payload.Title, e.clock())

	rec, err = newSignedRecord(e.identity, actorID, contracts.RecordTypeExecution, payload, contracts.RoleAuthor, "")
	if err != nil {
		return nil, err
	}
	if err = e.stores.Executions.Put(ctx, payload.ID, rec); err != nil {
		return nil, err
	}
	e.logger.Info("execution recorded", "execution", payload.ID, "task", payload.TaskID, "type", payload.Type, "actor", actorID)
	publish(e.bus, e.clock, "execution", contracts.EventExecutionCreated, map[string]any{
		"executionId": payload.ID, "taskId": payload.TaskID, "type": string(payload.Type), "actorId": actorID,
	})

	if task.Payload.Status == contracts.TaskStatusReady && payload.Type.ActivatesTask() {
		if _, actErr := e.backlog.AutoActivateTask(ctx, payload.TaskID, actorID); actErr != nil {
			// The execution itself stands; activation failure is reported but
			// does not undo the log entry.
			e.logger.Warn("auto-activation failed", "task", payload.TaskID, "error", actErr)
		}
	}
	return rec, nil
}

// Get fetches one execution record.
func (e *ExecutionAdapter) Get(ctx context.Context, id string) (*contracts.Record[contracts.ExecutionPayload], error) {
	return e.stores.Executions.Get(ctx, id)
}

// ListForTask returns the execution records referencing taskID.
func (e *ExecutionAdapter) ListForTask(ctx context.Context, taskID string) ([]*contracts.Record[contracts.ExecutionPayload], error) {
	ids, err := e.stores.Executions.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*contracts.Record[contracts.ExecutionPayload], 0, len(ids))
	for _, id := range ids {
		rec, err := e.stores.Executions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Payload.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out, nil
}
