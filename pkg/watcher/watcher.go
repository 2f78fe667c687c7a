// Package watcher observes the .gitgov record directories and turns raw
// filesystem events into logical watcher.record.* events on the bus. Editors
// rewrite files through intermediate states, so raw events are debounced per
// path: at most one logical event per quiescence window.
package watcher

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gitgovernance/core/pkg/canonicalize"
	"github.com/gitgovernance/core/pkg/config"
	"github.com/gitgovernance/core/pkg/contracts"
)

// DefaultDebounce is the quiescence window applied per file path.
const DefaultDebounce = 300 * time.Millisecond

// Publisher is the slice of the event bus the watcher needs.
type Publisher interface {
	Publish(event contracts.Event)
}

// Options configure a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Status is a snapshot of the watcher's state.
type Status struct {
	Running       bool     `json:"running"`
	WatchedDirs   []string `json:"watchedDirs"`
	EventsEmitted uint64   `json:"eventsEmitted"`
	LastError     string   `json:"lastError,omitempty"`
}

// Watcher attaches fsnotify watchers to the record directories.
type Watcher struct {
	cfg      *config.Manager
	bus      Publisher
	debounce time.Duration
	logger   *slog.Logger
	clock    func() time.Time

	mu        sync.Mutex
	fsw       *fsnotify.Watcher
	timers    map[string]*time.Timer
	checksums map[string]string // path -> last observed payloadChecksum
	dirs      []string
	dirTypes  map[string]contracts.RecordType // dir path -> record family
	running   bool
	events    uint64
	lastErr   string

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher over the project managed by cfg.
func New(cfg *config.Manager, bus Publisher, opts Options) *Watcher {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:       cfg,
		bus:       bus,
		debounce:  debounce,
		logger:    logger.With("component", "watcher"),
		clock:     time.Now,
		timers:    make(map[string]*time.Timer),
		checksums: make(map[string]string),
		dirTypes:  make(map[string]contracts.RecordType),
	}
}

// Start attaches watchers to every existing record directory and primes the
// checksum table with the current contents, so only subsequent changes emit
// events. Fails with ProjectNotInitializedError when .gitgov is absent.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if !w.cfg.Initialized() {
		return &contracts.ProjectNotInitializedError{Path: w.cfg.Root()}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return &contracts.WatcherSetupError{Dir: w.cfg.Root(), Err: err}
	}

	w.dirs = w.dirs[:0]
	for recordType := range config.RecordDirs {
		dir := w.cfg.RecordDir(recordType)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return &contracts.WatcherSetupError{Dir: dir, Err: err}
		}
		w.dirs = append(w.dirs, dir)
		w.dirTypes[dir] = recordType
		w.primeDir(dir)
	}

	w.fsw = fsw
	w.done = make(chan struct{})
	w.running = true
	w.wg.Add(1)
	go w.loop(fsw, w.done)

	w.logger.Info("watcher started", "dirs", len(w.dirs), "debounce", w.debounce)
	return nil
}

// primeDir records the checksums of files already present so startup does not
// replay the whole store as added events. Caller holds w.mu.
func (w *Watcher) primeDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if checksum, ok := w.readChecksum(path); ok {
			w.checksums[path] = checksum
		}
	}
}

// Stop cancels pending debounce timers, closes the underlying watcher, and
// waits for in-flight processing to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	close(w.done)
	_ = w.fsw.Close()
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("watcher stopped")
}

// GetStatus returns a snapshot of the watcher's state.
func (w *Watcher) GetStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirs := make([]string, len(w.dirs))
	copy(dirs, w.dirs)
	return Status{
		Running:       w.running,
		WatchedDirs:   dirs,
		EventsEmitted: w.events,
		LastError:     w.lastErr,
	}
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, done chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.schedule(event.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.setError(err)
		}
	}
}

// schedule queues (or resets) the debounce timer for path. Non-record files
// and temp files from atomic writes are ignored.
func (w *Watcher) schedule(path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		running := w.running
		w.mu.Unlock()
		if running {
			w.process(path)
		}
	})
}

// process runs after a path's quiescence window: read, verify, diff against
// the checksum table, emit at most one logical event.
func (w *Watcher) process(path string) {
	recordType := w.typeForPath(path)
	recordID := recordIDFromPath(path)

	_, statErr := os.Stat(path)
	if statErr != nil {
		if !errors.Is(statErr, fs.ErrNotExist) {
			w.setError(statErr)
			return
		}
		w.mu.Lock()
		_, known := w.checksums[path]
		delete(w.checksums, path)
		w.mu.Unlock()
		if known {
			w.emit(contracts.EventWatcherRecordDeleted, recordType, recordID, path, "")
		}
		return
	}

	checksum, ok := w.readChecksum(path)
	if !ok {
		return
	}

	w.mu.Lock()
	prev, known := w.checksums[path]
	if known && prev == checksum {
		w.mu.Unlock()
		return
	}
	w.checksums[path] = checksum
	w.mu.Unlock()

	if known {
		w.emit(contracts.EventWatcherRecordChanged, recordType, recordID, path, checksum)
	} else {
		w.emit(contracts.EventWatcherRecordAdded, recordType, recordID, path, checksum)
	}
}

// readChecksum reads a record file and returns its verified payload checksum.
// Unparseable files and checksum mismatches are logged and skipped.
func (w *Watcher) readChecksum(path string) (string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		w.setError(err)
		return "", false
	}
	var rec contracts.RawRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		w.setError(&contracts.CorruptRecordError{Path: path, Err: err})
		return "", false
	}
	actual, err := canonicalize.ChecksumHex(rec.Payload)
	if err != nil {
		w.setError(err)
		return "", false
	}
	if actual != rec.Header.PayloadChecksum {
		w.setError(&contracts.ChecksumMismatchError{Expected: rec.Header.PayloadChecksum, Actual: actual})
		w.logger.Warn("checksum mismatch, skipping record", "path", path)
		return "", false
	}
	return actual, true
}

func (w *Watcher) emit(eventType string, recordType contracts.RecordType, recordID, path, checksum string) {
	w.mu.Lock()
	w.events++
	w.mu.Unlock()

	if w.bus == nil {
		return
	}
	w.bus.Publish(contracts.Event{
		Type:      eventType,
		Timestamp: w.clock().UnixMilli(),
		Source:    "watcher",
		Payload: contracts.WatcherRecordEvent{
			RecordType: recordType,
			RecordID:   recordID,
			FilePath:   path,
			Checksum:   checksum,
		},
	})
}

func (w *Watcher) typeForPath(path string) contracts.RecordType {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirTypes[filepath.Dir(path)]
}

// recordIDFromPath recovers the logical record ID from a filename, undoing
// the scoped-ID encoding used for actors and agents.
func recordIDFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	return strings.ReplaceAll(name, "--", ":")
}

func (w *Watcher) setError(err error) {
	w.mu.Lock()
	w.lastErr = err.Error()
	w.mu.Unlock()
	w.logger.Error("watcher error", "error", err)
}
