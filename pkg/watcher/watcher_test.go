package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitgovernance/core/pkg/canonicalize"
	"github.com/gitgovernance/core/pkg/config"
	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/eventbus"
)

const testDebounce = 50 * time.Millisecond

type eventCollector struct {
	mu     sync.Mutex
	events []contracts.Event
}

func (c *eventCollector) add(event contracts.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *eventCollector) snapshot() []contracts.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]contracts.Event, len(c.events))
	copy(out, c.events)
	return out
}

func setup(t *testing.T) (*Watcher, *config.Manager, *eventCollector, *eventbus.Bus) {
	t.Helper()
	root := filepath.Join(t.TempDir(), config.DirName)
	cfg := config.NewManager(root)
	require.NoError(t, cfg.Save(&config.ProjectConfig{ProtocolVersion: "1.0.0", ProjectID: "test-project"}))

	bus := eventbus.New(nil)
	t.Cleanup(bus.Close)
	collector := &eventCollector{}
	for _, topic := range []string{
		contracts.EventWatcherRecordAdded,
		contracts.EventWatcherRecordChanged,
		contracts.EventWatcherRecordDeleted,
	} {
		bus.Subscribe(topic, collector.add)
	}

	w := New(cfg, bus, Options{Debounce: testDebounce})
	return w, cfg, collector, bus
}

func writeRecord(t *testing.T, path string, recordType contracts.RecordType, payload map[string]any) {
	t.Helper()
	checksum, err := canonicalize.ChecksumHex(payload)
	require.NoError(t, err)
	rec := map[string]any{
		"header": map[string]any{
			"version":         contracts.EnvelopeVersion,
			"type":            string(recordType),
			"payloadChecksum": checksum,
			"signatures":      []any{},
		},
		"payload": payload,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func settle(t *testing.T, bus *eventbus.Bus) {
	t.Helper()
	time.Sleep(4 * testDebounce)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.WaitForIdle(ctx))
}

func TestStartRequiresInitializedProject(t *testing.T) {
	cfg := config.NewManager(filepath.Join(t.TempDir(), config.DirName))
	w := New(cfg, nil, Options{})
	err := w.Start()
	var notInit *contracts.ProjectNotInitializedError
	require.ErrorAs(t, err, &notInit)
}

func TestRapidWritesCollapseToOneEvent(t *testing.T) {
	w, cfg, collector, bus := setup(t)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	path := filepath.Join(cfg.RecordDir(contracts.RecordTypeTask), "1752274500-task-burst.json")
	// Editor-style burst: several rewrites inside one quiescence window.
	for i := 0; i < 5; i++ {
		writeRecord(t, path, contracts.RecordTypeTask, map[string]any{
			"id": "1752274500-task-burst", "title": "burst", "rev": i,
		})
		time.Sleep(5 * time.Millisecond)
	}
	settle(t, bus)

	events := collector.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventWatcherRecordAdded, events[0].Type)
	payload, ok := events[0].Payload.(contracts.WatcherRecordEvent)
	require.True(t, ok)
	assert.Equal(t, contracts.RecordTypeTask, payload.RecordType)
	assert.Equal(t, "1752274500-task-burst", payload.RecordID)
}

func TestChangeAndDeleteEvents(t *testing.T) {
	w, cfg, collector, bus := setup(t)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	path := filepath.Join(cfg.RecordDir(contracts.RecordTypeTask), "1752274500-task-lifecycle.json")
	writeRecord(t, path, contracts.RecordTypeTask, map[string]any{"id": "1752274500-task-lifecycle", "v": 1})
	settle(t, bus)

	writeRecord(t, path, contracts.RecordTypeTask, map[string]any{"id": "1752274500-task-lifecycle", "v": 2})
	settle(t, bus)

	require.NoError(t, os.Remove(path))
	settle(t, bus)

	events := collector.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, contracts.EventWatcherRecordAdded, events[0].Type)
	assert.Equal(t, contracts.EventWatcherRecordChanged, events[1].Type)
	assert.Equal(t, contracts.EventWatcherRecordDeleted, events[2].Type)
}

func TestUnchangedRewriteEmitsNothing(t *testing.T) {
	w, cfg, collector, bus := setup(t)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	path := filepath.Join(cfg.RecordDir(contracts.RecordTypeTask), "1752274500-task-same.json")
	payload := map[string]any{"id": "1752274500-task-same", "title": "same"}
	writeRecord(t, path, contracts.RecordTypeTask, payload)
	settle(t, bus)

	// Rewriting identical content must not produce a second event.
	writeRecord(t, path, contracts.RecordTypeTask, payload)
	settle(t, bus)

	assert.Len(t, collector.snapshot(), 1)
}

func TestChecksumMismatchSkipped(t *testing.T) {
	w, cfg, collector, bus := setup(t)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	path := filepath.Join(cfg.RecordDir(contracts.RecordTypeTask), "1752274500-task-tampered.json")
	tampered := `{"header":{"version":"1.1","type":"task","payloadChecksum":"deadbeef","signatures":[]},"payload":{"id":"1752274500-task-tampered"}}`
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))
	settle(t, bus)

	assert.Empty(t, collector.snapshot())
	status := w.GetStatus()
	assert.Contains(t, status.LastError, "checksum mismatch")
}

func TestExistingRecordsArePrimedNotReplayed(t *testing.T) {
	w, cfg, collector, bus := setup(t)

	path := filepath.Join(cfg.RecordDir(contracts.RecordTypeTask), "1752274500-task-preexisting.json")
	writeRecord(t, path, contracts.RecordTypeTask, map[string]any{"id": "1752274500-task-preexisting", "v": 1})

	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	settle(t, bus)
	assert.Empty(t, collector.snapshot())

	// A real change after start is still observed.
	writeRecord(t, path, contracts.RecordTypeTask, map[string]any{"id": "1752274500-task-preexisting", "v": 2})
	settle(t, bus)
	events := collector.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventWatcherRecordChanged, events[0].Type)
}

func TestScopedActorIDDecoding(t *testing.T) {
	w, cfg, collector, bus := setup(t)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	path := filepath.Join(cfg.RecordDir(contracts.RecordTypeActor), "agent--scribe--cursor.json")
	writeRecord(t, path, contracts.RecordTypeActor, map[string]any{"id": "agent:scribe:cursor"})
	settle(t, bus)

	events := collector.snapshot()
	require.Len(t, events, 1)
	payload := events[0].Payload.(contracts.WatcherRecordEvent)
	assert.Equal(t, "agent:scribe:cursor", payload.RecordID)
	assert.Equal(t, contracts.RecordTypeActor, payload.RecordType)
}

func TestGetStatus(t *testing.T) {
	w, _, _, _ := setup(t)
	status := w.GetStatus()
	assert.False(t, status.Running)

	require.NoError(t, w.Start())
	status = w.GetStatus()
	assert.True(t, status.Running)
	assert.Len(t, status.WatchedDirs, len(config.RecordDirs))

	w.Stop()
	status = w.GetStatus()
	assert.False(t, status.Running)
}
