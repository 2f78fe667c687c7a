package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSSink archives index snapshots to a Google Cloud Storage bucket, one
// object per repository under "gitgov/index/<repoIdentifier>.json".
type GCSSink struct {
	client *storage.Client
	bucket string
}

// NewGCSSink creates a GCS archive sink using application default credentials.
func NewGCSSink(ctx context.Context, bucket string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs sink: create client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket}, nil
}

func (s *GCSSink) object(sc SinkContext) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object("gitgov/index/" + sc.RepoIdentifier + ".json")
}

func (s *GCSSink) Persist(ctx context.Context, data *IndexData, sc SinkContext) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("gcs sink: marshal index: %w", err)
	}
	w := s.object(sc).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs sink: write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs sink: close failed: %w", err)
	}
	return nil
}

func (s *GCSSink) Read(ctx context.Context, sc SinkContext) (*IndexData, error) {
	r, err := s.object(sc).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("gcs sink: open failed: %w", err)
	}
	defer func() { _ = r.Close() }()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs sink: read body: %w", err)
	}
	var data IndexData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("gcs sink: parse index: %w", err)
	}
	return &data, nil
}

func (s *GCSSink) Exists(ctx context.Context, sc SinkContext) (bool, error) {
	_, err := s.object(sc).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("gcs sink: attrs failed: %w", err)
}

func (s *GCSSink) Clear(ctx context.Context, sc SinkContext) error {
	if err := s.object(sc).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs sink: delete failed: %w", err)
	}
	return nil
}
