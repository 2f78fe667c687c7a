// Package store persists signed records as one JSON file per record with
// atomic writes. Each store exclusively owns its directory; adapters compose
// stores but never share mutable state across them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gitgovernance/core/pkg/contracts"
	"github.com/gitgovernance/core/pkg/crypto"
)

// IDEncoder maps a logical record ID to a filename-safe string.
type IDEncoder interface {
	Encode(id string) string
	Decode(name string) string
}

// PassthroughEncoder uses the ID as-is. Time-indexed IDs are already
// filename-safe.
type PassthroughEncoder struct{}

func (PassthroughEncoder) Encode(id string) string   { return id }
func (PassthroughEncoder) Decode(name string) string { return name }

// ScopedEncoder encodes scoped actor/agent IDs ("agent:scribe:cursor") by
// replacing ":" with "--".
type ScopedEncoder struct{}

func (ScopedEncoder) Encode(id string) string   { return strings.ReplaceAll(id, ":", "--") }
func (ScopedEncoder) Decode(name string) string { return strings.ReplaceAll(name, "--", ":") }

// Options configure a Store.
type Options struct {
	// Resolve verifies signatures on Put when set; a nil resolver skips
	// signature verification (bootstrap writes before any actor exists).
	Resolve crypto.KeyResolver
	Encoder IDEncoder
	// Validate runs an extra payload check on Put, after the envelope and
	// signature checks. The custom-record store validates payloads against
	// their pinned schema here.
	Validate func(h contracts.Header, payload json.RawMessage) error
}

// Store holds records of one payload family under a single directory.
type Store[T any] struct {
	basePath   string
	recordType contracts.RecordType
	encoder    IDEncoder
	resolve    crypto.KeyResolver
	validate   func(h contracts.Header, payload json.RawMessage) error

	mu    sync.Mutex
	locks map[string]*sync.Mutex // single-flight per record ID
	cache map[string]*contracts.Record[T]
}

// New opens a store rooted at basePath. The directory is created lazily on
// the first Put: opening a store against an uninitialized repository must not
// materialise the governance tree. Orphaned .tmp files from torn writes are
// removed.
func New[T any](basePath string, recordType contracts.RecordType, opts Options) (*Store[T], error) {
	encoder := opts.Encoder
	if encoder == nil {
		encoder = PassthroughEncoder{}
	}
	s := &Store[T]{
		basePath:   basePath,
		recordType: recordType,
		encoder:    encoder,
		resolve:    opts.Resolve,
		validate:   opts.Validate,
		locks:      make(map[string]*sync.Mutex),
		cache:      make(map[string]*contracts.Record[T]),
	}
	s.sweepOrphans()
	return s, nil
}

// SetResolver installs the signature resolver after construction. The actor
// store is created before the keyring it feeds, so the container wires the
// resolver in a second pass.
func (s *Store[T]) SetResolver(resolve crypto.KeyResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolve = resolve
}

// BasePath returns the directory owned by this store.
func (s *Store[T]) BasePath() string { return s.basePath }

// Type returns the record family held by this store.
func (s *Store[T]) Type() contracts.RecordType { return s.recordType }

func (s *Store[T]) sweepOrphans() {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			_ = os.Remove(filepath.Join(s.basePath, e.Name()))
		}
	}
}

func (s *Store[T]) path(id string) string {
	return filepath.Join(s.basePath, s.encoder.Encode(id)+".json")
}

func (s *Store[T]) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// List enumerates the record IDs in the directory. Order is unspecified but
// stable per call.
func (s *Store[T]) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", s.basePath, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, s.encoder.Decode(strings.TrimSuffix(name, ".json")))
	}
	return ids, nil
}

// Get reads one record. Returns NotFoundError when absent.
func (s *Store[T]) Get(ctx context.Context, id string) (*contracts.Record[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if rec, ok := s.cache[id]; ok {
		s.mu.Unlock()
		return rec, nil
	}
	s.mu.Unlock()

	path := s.path(id)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &contracts.NotFoundError{Type: s.recordType, ID: id}
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var rec contracts.Record[T]
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, &contracts.CorruptRecordError{Path: path, Err: err}
	}

	s.mu.Lock()
	s.cache[id] = &rec
	s.mu.Unlock()
	return &rec, nil
}

// Exists reports whether a record with id is present.
func (s *Store[T]) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	if _, ok := s.cache[id]; ok {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Put validates and atomically persists a record. Writes to the same ID are
// serialised; a failed validation never touches the file.
func (s *Store[T]) Put(ctx context.Context, id string, rec *contracts.Record[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Header.Type != s.recordType {
		return &contracts.InvalidEnvelopeError{
			Reason: fmt.Sprintf("record type %s does not belong in %s store", rec.Header.Type, s.recordType),
		}
	}
	if s.resolve != nil {
		if err := crypto.VerifyRecord(rec.Header, rec.Payload, s.resolve); err != nil {
			return err
		}
	} else {
		if err := crypto.ValidateEnvelope(rec.Header); err != nil {
			return err
		}
		actual, err := crypto.ComputeChecksum(rec.Payload)
		if err != nil {
			return err
		}
		if actual != rec.Header.PayloadChecksum {
			return &contracts.ChecksumMismatchError{Expected: rec.Header.PayloadChecksum, Actual: actual}
		}
	}
	if s.validate != nil {
		raw, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload %s: %w", id, err)
		}
		if err := s.validate(rec.Header, raw); err != nil {
			return err
		}
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", id, err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(s.basePath, 0o755); err != nil {
		return fmt.Errorf("create store dir %s: %w", s.basePath, err)
	}
	path := s.path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}

	s.mu.Lock()
	s.cache[id] = rec
	s.mu.Unlock()
	return nil
}

// Delete removes a record. Idempotent: deleting an absent record succeeds.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

// Invalidate drops the cached copy of id, forcing the next Get to re-read
// from disk. The watcher calls this when it observes an external write.
func (s *Store[T]) Invalidate(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}
