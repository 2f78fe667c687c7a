package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
)

// SinkContext identifies which repository's index a sink call concerns.
type SinkContext struct {
	RepoIdentifier string
}

// Sink persists IndexData snapshots. Read returns (nil, nil) when no snapshot
// exists.
type Sink interface {
	Persist(ctx context.Context, data *IndexData, sc SinkContext) error
	Read(ctx context.Context, sc SinkContext) (*IndexData, error)
	Exists(ctx context.Context, sc SinkContext) (bool, error)
	Clear(ctx context.Context, sc SinkContext) error
}

// MemorySink keeps snapshots in-process, keyed by repo identifier.
type MemorySink struct {
	mu        sync.RWMutex
	snapshots map[string]*IndexData
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{snapshots: make(map[string]*IndexData)}
}

func (s *MemorySink) Persist(_ context.Context, data *IndexData, sc SinkContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[sc.RepoIdentifier] = data
	return nil
}

func (s *MemorySink) Read(_ context.Context, sc SinkContext) (*IndexData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[sc.RepoIdentifier], nil
}

func (s *MemorySink) Exists(_ context.Context, sc SinkContext) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snapshots[sc.RepoIdentifier]
	return ok, nil
}

func (s *MemorySink) Clear(_ context.Context, sc SinkContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, sc.RepoIdentifier)
	return nil
}

// FilesystemSink writes the index to a single JSON file (.gitgov/index.json)
// with the same write-temp-then-rename discipline the record store uses.
type FilesystemSink struct {
	path string
}

// NewFilesystemSink creates a sink writing to path.
func NewFilesystemSink(path string) *FilesystemSink {
	return &FilesystemSink{path: path}
}

func (s *FilesystemSink) Persist(ctx context.Context, data *IndexData, _ SinkContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	raw = append(raw, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

func (s *FilesystemSink) Read(ctx context.Context, _ SinkContext) (*IndexData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	var data IndexData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return &data, nil
}

func (s *FilesystemSink) Exists(ctx context.Context, _ SinkContext) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *FilesystemSink) Clear(ctx context.Context, _ SinkContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// NewSinkFromEnv selects a sink from GITGOV_INDEX_SINK:
//
//	fs (default)     filesystem sink at indexPath
//	memory           in-process sink
//	sqlite|postgres  SQL sink (GITGOV_INDEX_DSN)
//	redis            Redis sink (GITGOV_INDEX_DSN as redis URL)
//	s3://bucket      S3 archive sink
//	gs://bucket      GCS archive sink
func NewSinkFromEnv(ctx context.Context, indexPath string) (Sink, error) {
	kind := os.Getenv("GITGOV_INDEX_SINK")
	switch {
	case kind == "" || kind == "fs":
		return NewFilesystemSink(indexPath), nil
	case kind == "memory":
		return NewMemorySink(), nil
	case kind == "sqlite", kind == "postgres":
		dsn := os.Getenv("GITGOV_INDEX_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("sink %s requires GITGOV_INDEX_DSN", kind)
		}
		return NewSQLSink(kind, dsn)
	case kind == "redis":
		dsn := os.Getenv("GITGOV_INDEX_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("sink redis requires GITGOV_INDEX_DSN")
		}
		return NewRedisSinkFromURL(dsn)
	case strings.HasPrefix(kind, "s3://"):
		return NewS3Sink(ctx, strings.TrimPrefix(kind, "s3://"))
	case strings.HasPrefix(kind, "gs://"):
		return NewGCSSink(ctx, strings.TrimPrefix(kind, "gs://"))
	default:
		return nil, fmt.Errorf("unknown index sink %q", kind)
	}
}
