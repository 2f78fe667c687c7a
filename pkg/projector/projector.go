package projector

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gitgovernance/core/pkg/adapters"
	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/observability"
)

// DefaultCoalesce is the window over which incremental updates are batched.
const DefaultCoalesce = 100 * time.Millisecond

// stalledAfter is how long an active task may go without an execution before
// it counts as stalled.
const stalledAfter = 7 * 24 * time.Hour

// Subscriber is the slice of the event bus the projector needs.
type Subscriber interface {
	Subscribe(eventType string, handler func(event contracts.Event)) string
	Unsubscribe(id string) bool
}

// Options configure a Projector.
type Options struct {
	Stores   adapters.Stores
	Sink     Sink
	Bus      Subscriber
	Metrics  *observability.Provider
	Logger   *slog.Logger
	RepoID   string
	Coalesce time.Duration

	// LastCommit supplies the current HEAD hash for the metadata block; nil
	// leaves it empty.
	LastCommit func() string
}

// snapshot is the in-memory copy of the stores the projection derives from.
type snapshot struct {
	tasks      map[string]contracts.Record[contracts.TaskPayload]
	cycles     map[string]contracts.Record[contracts.CyclePayload]
	actors     map[string]contracts.Record[contracts.ActorPayload]
	executions map[string]contracts.Record[contracts.ExecutionPayload]
	feedback   map[string]contracts.Record[contracts.FeedbackPayload]
	corrupt    int
}

// Projector computes IndexData and keeps it current through incremental
// updates driven by bus events.
type Projector struct {
	stores     adapters.Stores
	sink       Sink
	bus        Subscriber
	metrics    *observability.Provider
	logger     *slog.Logger
	clock      func() time.Time
	repoID     string
	coalesce   time.Duration
	lastCommit func() string

	mu      sync.Mutex
	snap    *snapshot
	pending map[string]struct{} // "<type>/<id>" keys awaiting the coalesce window
	timer   *time.Timer
	subID   string
	wg      sync.WaitGroup
}

// New creates a projector.
func New(opts Options) *Projector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	coalesce := opts.Coalesce
	if coalesce <= 0 {
		coalesce = DefaultCoalesce
	}
	return &Projector{
		stores:     opts.Stores,
		sink:       opts.Sink,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "projector"),
		clock:      time.Now,
		repoID:     opts.RepoID,
		coalesce:   coalesce,
		lastCommit: opts.LastCommit,
		pending:    make(map[string]struct{}),
	}
}

// WithClock overrides the clock for tests.
func (p *Projector) WithClock(clock func() time.Time) *Projector {
	p.clock = clock
	return p
}

// ComputeProjection performs a full rebuild: walk every store, load the
// snapshot, derive the index.
func (p *Projector) ComputeProjection(ctx context.Context) (*IndexData, error) {
	start := p.clock()
	snap, err := p.loadSnapshot(ctx)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordOperation(ctx, "projector", "computeProjection", time.Since(start), err)
		}
		return nil, err
	}
	p.mu.Lock()
	p.snap = snap
	data := p.derive(snap, start)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RecordOperation(ctx, "projector", "computeProjection", time.Since(start), nil)
	}
	return data, nil
}

// Rebuild computes the full projection and persists it through the sink.
func (p *Projector) Rebuild(ctx context.Context) error {
	data, err := p.ComputeProjection(ctx)
	if err != nil {
		return err
	}
	return p.sink.Persist(ctx, data, SinkContext{RepoIdentifier: p.repoID})
}

// Start subscribes to record events and keeps the index current. Bursts are
// coalesced: affected records are collected for one window, then applied in a
// single incremental pass.
func (p *Projector) Start(ctx context.Context) error {
	if err := p.Rebuild(ctx); err != nil {
		return err
	}
	if p.bus == nil {
		return nil
	}
	p.subID = p.bus.Subscribe(contracts.WildcardTopic, func(event contracts.Event) {
		for _, ref := range affectedRecords(event) {
			p.enqueue(ref.recordType, ref.id)
		}
	})
	return nil
}

// Stop unsubscribes, applies any batch still waiting on the coalesce window,
// and waits for an in-flight pass to finish.
func (p *Projector) Stop() {
	p.mu.Lock()
	subID := p.subID
	p.subID = ""
	p.mu.Unlock()
	if subID != "" && p.bus != nil {
		p.bus.Unsubscribe(subID)
	}

	p.mu.Lock()
	timer := p.timer
	p.timer = nil
	p.mu.Unlock()
	if timer != nil && timer.Stop() {
		// The window had not elapsed yet: flush the batch now.
		p.wg.Done()
		p.flush()
	}
	p.wg.Wait()
}

func (p *Projector) enqueue(recordType contracts.RecordType, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[string(recordType)+"/"+id] = struct{}{}
	if p.timer != nil {
		p.timer.Reset(p.coalesce)
		return
	}
	p.wg.Add(1)
	p.timer = time.AfterFunc(p.coalesce, func() {
		defer p.wg.Done()
		p.flush()
	})
}

func (p *Projector) flush() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.pending))
	for k := range p.pending {
		keys = append(keys, k)
	}
	p.pending = make(map[string]struct{})
	p.timer = nil
	p.mu.Unlock()

	ctx := context.Background()
	for _, key := range keys {
		recordType, id, _ := strings.Cut(key, "/")
		if err := p.IncrementalUpdate(ctx, contracts.RecordType(recordType), id); err != nil {
			p.logger.Error("incremental update failed", "record", key, "error", err)
		}
	}
	data := p.currentIndex()
	if data == nil {
		return
	}
	if err := p.sink.Persist(ctx, data, SinkContext{RepoIdentifier: p.repoID}); err != nil {
		p.logger.Error("index persist failed", "error", err)
	}
}

// IncrementalUpdate refreshes one record in the in-memory snapshot from its
// store. Only the affected record is re-read; metrics and derived states are
// recomputed from the snapshot on the next currentIndex call.
func (p *Projector) IncrementalUpdate(ctx context.Context, recordType contracts.RecordType, id string) error {
	p.mu.Lock()
	snap := p.snap
	p.mu.Unlock()
	if snap == nil {
		// No baseline yet: the first update is a full rebuild.
		_, err := p.ComputeProjection(ctx)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch recordType {
	case contracts.RecordTypeTask:
		p.stores.Tasks.Invalidate(id)
		return refreshInto(ctx, p.stores.Tasks.Get, snap.tasks, id)
	case contracts.RecordTypeCycle:
		p.stores.Cycles.Invalidate(id)
		return refreshInto(ctx, p.stores.Cycles.Get, snap.cycles, id)
	case contracts.RecordTypeActor:
		p.stores.Actors.Invalidate(id)
		return refreshInto(ctx, p.stores.Actors.Get, snap.actors, id)
	case contracts.RecordTypeExecution:
		p.stores.Executions.Invalidate(id)
		return refreshInto(ctx, p.stores.Executions.Get, snap.executions, id)
	case contracts.RecordTypeFeedback:
		p.stores.Feedback.Invalidate(id)
		return refreshInto(ctx, p.stores.Feedback.Get, snap.feedback, id)
	default:
		return nil
	}
}

// currentIndex derives IndexData from the in-memory snapshot.
func (p *Projector) currentIndex() *IndexData {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap == nil {
		return nil
	}
	return p.derive(p.snap, p.clock())
}

// refreshInto reloads id into the snapshot map, removing it when deleted.
func refreshInto[T any](ctx context.Context, get func(context.Context, string) (*contracts.Record[T], error), into map[string]contracts.Record[T], id string) error {
	rec, err := get(ctx, id)
	if err != nil {
		var notFound *contracts.NotFoundError
		if errors.As(err, &notFound) {
			delete(into, id)
			return nil
		}
		return err
	}
	into[id] = *rec
	return nil
}

func (p *Projector) loadSnapshot(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{
		tasks:      make(map[string]contracts.Record[contracts.TaskPayload]),
		cycles:     make(map[string]contracts.Record[contracts.CyclePayload]),
		actors:     make(map[string]contracts.Record[contracts.ActorPayload]),
		executions: make(map[string]contracts.Record[contracts.ExecutionPayload]),
		feedback:   make(map[string]contracts.Record[contracts.FeedbackPayload]),
	}
	if err := loadAll(ctx, p.stores.Tasks.List, p.stores.Tasks.Get, snap.tasks, &snap.corrupt); err != nil {
		return nil, err
	}
	if err := loadAll(ctx, p.stores.Cycles.List, p.stores.Cycles.Get, snap.cycles, &snap.corrupt); err != nil {
		return nil, err
	}
	if err := loadAll(ctx, p.stores.Actors.List, p.stores.Actors.Get, snap.actors, &snap.corrupt); err != nil {
		return nil, err
	}
	if err := loadAll(ctx, p.stores.Executions.List, p.stores.Executions.Get, snap.executions, &snap.corrupt); err != nil {
		return nil, err
	}
	if err := loadAll(ctx, p.stores.Feedback.List, p.stores.Feedback.Get, snap.feedback, &snap.corrupt); err != nil {
		return nil, err
	}
	return snap, nil
}

// loadAll reads a whole store into a map. Corrupt records are counted and
// skipped: a single torn file must not take the projection down.
func loadAll[T any](ctx context.Context, list func(context.Context) ([]string, error), get func(context.Context, string) (*contracts.Record[T], error), into map[string]contracts.Record[T], corrupt *int) error {
	ids, err := list(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := get(ctx, id)
		if err != nil {
			var corruptErr *contracts.CorruptRecordError
			if errors.As(err, &corruptErr) {
				*corrupt++
				continue
			}
			return err
		}
		into[id] = *rec
	}
	return nil
}

// derive builds IndexData from a snapshot. Caller holds p.mu.
func (p *Projector) derive(snap *snapshot, start time.Time) *IndexData {
	now := p.clock()
	data := &IndexData{}

	execsByTask := make(map[string][]contracts.Record[contracts.ExecutionPayload])
	for _, rec := range snap.executions {
		execsByTask[rec.Payload.TaskID] = append(execsByTask[rec.Payload.TaskID], rec)
	}
	feedbackByTask := make(map[string][]contracts.Record[contracts.FeedbackPayload])
	for _, rec := range snap.feedback {
		if rec.Payload.EntityType == "task" {
			feedbackByTask[rec.Payload.EntityID] = append(feedbackByTask[rec.Payload.EntityID], rec)
		}
	}

	metrics := IndexMetrics{
		TasksByStatus:   make(map[string]int),
		TasksByPriority: make(map[string]int),
		TotalTasks:      len(snap.tasks),
		TotalCycles:     len(snap.cycles),
	}
	derived := DerivedStates{}

	var leadHours, cycleHours []float64
	activity := make(map[string]*ActivityPoint)

	for _, rec := range snap.tasks {
		task := rec.Payload
		metrics.TasksByStatus[string(task.Status)]++
		metrics.TasksByPriority[string(task.Priority)]++

		created := idTimestamp(task.ID)
		updated := lastSignatureTime(rec.Header)
		execs := execsByTask[task.ID]
		fbs := feedbackByTask[task.ID]

		enriched := EnrichedTask{
			TaskPayload:    task,
			AgeDays:        int(now.Sub(time.Unix(created, 0)).Hours() / 24),
			LastUpdated:    updated,
			ExecutionCount: len(execs),
		}
		if updated > 0 {
			enriched.TimeInStateHours = now.Sub(time.Unix(updated, 0)).Hours()
		}

		var openBlocking, openQuestion bool
		for _, fb := range fbs {
			if fb.Payload.Status == contracts.FeedbackStatusOpen || fb.Payload.Status == contracts.FeedbackStatusAcknowledged {
				enriched.OpenFeedbackCount++
				switch fb.Payload.Type {
				case contracts.FeedbackTypeBlocking:
					openBlocking = true
					// A blocking feedback raised from another task is a
					// dependency edge.
					if src := blockingSourceTask(fb.Payload, snap.tasks); src != "" {
						enriched.DependsOn = append(enriched.DependsOn, src)
					}
				case contracts.FeedbackTypeQuestion, contracts.FeedbackTypeClarification:
					openQuestion = true
				}
			}
		}

		switch task.Status {
		case contracts.TaskStatusActive:
			lastExec := lastExecutionTime(execs)
			if lastExec == 0 {
				lastExec = created
			}
			if now.Sub(time.Unix(lastExec, 0)) > stalledAfter {
				derived.StalledTasks = append(derived.StalledTasks, task.ID)
			}
			if openBlocking {
				derived.AtRiskTasks = append(derived.AtRiskTasks, task.ID)
			}
		case contracts.TaskStatusDone:
			if updated > created {
				leadHours = append(leadHours, float64(updated-created)/3600)
			}
			if first := firstProgressTime(execs); first > 0 && updated > first {
				cycleHours = append(cycleHours, float64(updated-first)/3600)
			}
			if now.Sub(time.Unix(updated, 0)) <= 7*24*time.Hour {
				metrics.Throughput7d++
			}
			bumpActivity(activity, time.Unix(updated, 0), now, false)
		}
		if openQuestion {
			derived.NeedsClarificationTasks = append(derived.NeedsClarificationTasks, task.ID)
		}
		if len(enriched.DependsOn) > 0 && task.Status != contracts.TaskStatusDone {
			derived.BlockedByDependencyTasks = append(derived.BlockedByDependencyTasks, task.ID)
		}

		bumpActivity(activity, time.Unix(created, 0), now, true)
		data.EnrichedTasks = append(data.EnrichedTasks, enriched)
		data.Tasks = append(data.Tasks, rec)
	}
	for _, rec := range snap.cycles {
		data.Cycles = append(data.Cycles, rec)
	}
	for _, rec := range snap.actors {
		data.Actors = append(data.Actors, rec)
	}
	for _, rec := range snap.feedback {
		data.Feedback = append(data.Feedback, rec)
	}
	sortIndex(data)
	sort.Strings(derived.StalledTasks)
	sort.Strings(derived.AtRiskTasks)
	sort.Strings(derived.NeedsClarificationTasks)
	sort.Strings(derived.BlockedByDependencyTasks)

	metrics.AvgLeadTimeHours = mean(leadHours)
	metrics.AvgCycleTimeHours = mean(cycleHours)
	metrics.ActivityHistory = activitySeries(activity)
	metrics.HealthScore = healthScore(metrics, derived)

	data.Metrics = metrics
	data.DerivedStates = derived
	data.Metadata = IndexMetadata{
		GeneratedAt: now.UnixMilli(),
		IntegrityOK: snap.corrupt == 0,
		RecordCounts: map[string]int{
			"tasks":      len(snap.tasks),
			"cycles":     len(snap.cycles),
			"actors":     len(snap.actors),
			"executions": len(snap.executions),
			"feedback":   len(snap.feedback),
		},
		GenerationTimeMs: p.clock().Sub(start).Milliseconds(),
	}
	if p.lastCommit != nil {
		data.Metadata.LastCommit = p.lastCommit()
	}
	return data
}

// healthScore starts at 100, subtracts per unhealthy task (15 stalled, 10
// at-risk, 5 blocked by dependency, 2 needing clarification), floors at 0,
// then adds a throughput bonus of one point per task completed in the last
// week, capped at 10 and never exceeding 100.
func healthScore(metrics IndexMetrics, derived DerivedStates) int {
	score := 100
	score -= 15 * len(derived.StalledTasks)
	score -= 10 * len(derived.AtRiskTasks)
	score -= 5 * len(derived.BlockedByDependencyTasks)
	score -= 2 * len(derived.NeedsClarificationTasks)
	if score < 0 {
		score = 0
	}
	bonus := metrics.Throughput7d
	if bonus > 10 {
		bonus = 10
	}
	score += bonus
	if score > 100 {
		score = 100
	}
	return score
}

// blockingSourceTask resolves a dependency edge: blocking feedback whose
// resolving thread originates from another, unfinished task.
func blockingSourceTask(fb contracts.FeedbackPayload, tasks map[string]contracts.Record[contracts.TaskPayload]) string {
	for _, ref := range strings.Fields(fb.Content) {
		if rec, ok := tasks[ref]; ok && rec.Payload.Status != contracts.TaskStatusDone {
			return ref
		}
	}
	return ""
}

func bumpActivity(activity map[string]*ActivityPoint, at, now time.Time, created bool) {
	if now.Sub(at) > 14*24*time.Hour || at.After(now.Add(24*time.Hour)) {
		return
	}
	date := at.UTC().Format("2006-01-02")
	point, ok := activity[date]
	if !ok {
		point = &ActivityPoint{Date: date}
		activity[date] = point
	}
	if created {
		point.Created++
	} else {
		point.Completed++
	}
}

func activitySeries(activity map[string]*ActivityPoint) []ActivityPoint {
	out := make([]ActivityPoint, 0, len(activity))
	for _, point := range activity {
		out = append(out, *point)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func sortIndex(data *IndexData) {
	sort.Slice(data.Tasks, func(i, j int) bool { return data.Tasks[i].Payload.ID < data.Tasks[j].Payload.ID })
	sort.Slice(data.EnrichedTasks, func(i, j int) bool { return data.EnrichedTasks[i].ID < data.EnrichedTasks[j].ID })
	sort.Slice(data.Cycles, func(i, j int) bool { return data.Cycles[i].Payload.ID < data.Cycles[j].Payload.ID })
	sort.Slice(data.Actors, func(i, j int) bool { return data.Actors[i].Payload.ID < data.Actors[j].Payload.ID })
	sort.Slice(data.Feedback, func(i, j int) bool { return data.Feedback[i].Payload.ID < data.Feedback[j].Payload.ID })
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// idTimestamp extracts the unix-seconds prefix of a time-indexed ID.
func idTimestamp(id string) int64 {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0
	}
	ts, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

func lastSignatureTime(header contracts.Header) int64 {
	var last int64
	for _, sig := range header.Signatures {
		if sig.Timestamp > last {
			last = sig.Timestamp
		}
	}
	return last
}

func lastExecutionTime(execs []contracts.Record[contracts.ExecutionPayload]) int64 {
	var last int64
	for _, rec := range execs {
		if ts := idTimestamp(rec.Payload.ID); ts > last {
			last = ts
		}
	}
	return last
}

func firstProgressTime(execs []contracts.Record[contracts.ExecutionPayload]) int64 {
	var first int64
	for _, rec := range execs {
		if rec.Payload.Type != contracts.ExecutionTypeProgress {
			continue
		}
		if ts := idTimestamp(rec.Payload.ID); first == 0 || ts < first {
			first = ts
		}
	}
	return first
}

type recordRef struct {
	recordType contracts.RecordType
	id         string
}

// affectedRecords maps a bus event to every record it mutated. Cycle link
// operations touch a cycle and a task in one event; each referenced record
// must refresh or its snapshot entry goes stale until the next rebuild.
func affectedRecords(event contracts.Event) []recordRef {
	if payload, ok := event.Payload.(contracts.WatcherRecordEvent); ok {
		if payload.RecordID == "" {
			return nil
		}
		return []recordRef{{payload.RecordType, payload.RecordID}}
	}
	payload, ok := event.Payload.(map[string]any)
	if !ok {
		return nil
	}
	var refs []recordRef
	add := func(field string, recordType contracts.RecordType) {
		if id, ok := payload[field].(string); ok && id != "" {
			refs = append(refs, recordRef{recordType, id})
		}
	}
	add("taskId", contracts.RecordTypeTask)
	add("cycleId", contracts.RecordTypeCycle)
	add("fromCycleId", contracts.RecordTypeCycle)
	add("toCycleId", contracts.RecordTypeCycle)
	add("childCycleId", contracts.RecordTypeCycle)
	add("executionId", contracts.RecordTypeExecution)
	add("feedbackId", contracts.RecordTypeFeedback)
	// actorId names the acting user on every event that references another
	// record; only actor lifecycle events carry it alone.
	if len(refs) == 0 {
		add("actorId", contracts.RecordTypeActor)
	}
	return refs
}
