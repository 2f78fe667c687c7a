package projector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Sink archives index snapshots to an S3 bucket, one object per repository
// under "gitgov/index/<repoIdentifier>.json".
type S3Sink struct {
	client *s3.Client
	bucket string
}

// NewS3Sink creates an S3 archive sink. Region and credentials come from the
// default AWS config chain; GITGOV_S3_ENDPOINT switches to a custom endpoint
// with path-style addressing (MinIO, LocalStack).
func NewS3Sink(ctx context.Context, bucket string) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3 sink: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := os.Getenv("GITGOV_S3_ENDPOINT"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, bucket: bucket}, nil
}

func s3Key(sc SinkContext) string {
	return "gitgov/index/" + sc.RepoIdentifier + ".json"
}

func (s *S3Sink) Persist(ctx context.Context, data *IndexData, sc SinkContext) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("s3 sink: marshal index: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s3Key(sc)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 sink: put failed: %w", err)
	}
	return nil
}

func (s *S3Sink) Read(ctx context.Context, sc SinkContext) (*IndexData, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3Key(sc)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3 sink: get failed: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 sink: read body: %w", err)
	}
	var data IndexData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("s3 sink: parse index: %w", err)
	}
	return &data, nil
}

func (s *S3Sink) Exists(ctx context.Context, sc SinkContext) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3Key(sc)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 sink: head failed: %w", err)
	}
	return true, nil
}

func (s *S3Sink) Clear(ctx context.Context, sc SinkContext) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3Key(sc)),
	})
	if err != nil {
		return fmt.Errorf("s3 sink: delete failed: %w", err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
