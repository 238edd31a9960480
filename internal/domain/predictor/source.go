package predictor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/okian/tutorrisk/internal/domain/model"
)

const maxArtifactBytes = 32 << 20

// Source fetches a serialized artifact.
type Source interface {
	Fetch(ctx context.Context) (*Artifact, error)
	String() string
}

// NewSource picks a Source for uri: gs://bucket/object reads from Cloud
// Storage, anything else is a local path. An empty uri yields nil.
func NewSource(ctx context.Context, uri string, opts ...option.ClientOption) (Source, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, nil
	}
	if rest, ok := strings.CutPrefix(uri, "gs://"); ok {
		bucket, object, found := strings.Cut(rest, "/")
		if !found || bucket == "" || object == "" {
			return nil, fmt.Errorf("%w: malformed artifact uri %q", model.ErrValidation, uri)
		}
		return NewGCSSource(ctx, bucket, object, opts...)
	}
	return FileSource{Path: strings.TrimPrefix(uri, "file://")}, nil
}

// FileSource reads a JSON artifact from disk.
type FileSource struct {
	Path string
}

// Fetch implements Source.
func (s FileSource) Fetch(_ context.Context) (*Artifact, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", model.ErrModelUnavailable, s.Path, err)
	}
	return ParseArtifact(data)
}

func (s FileSource) String() string { return "file://" + s.Path }

// GCSSource reads a JSON artifact from a Cloud Storage object.
type GCSSource struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSSource creates a storage client scoped to read-only access.
func NewGCSSource(ctx context.Context, bucket, object string, opts ...option.ClientOption) (*GCSSource, error) {
	opts = append(opts, option.WithScopes(storage.ScopeReadOnly))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSSource{client: client, bucket: bucket, object: object}, nil
}

// Fetch implements Source.
func (s *GCSSource) Fetch(ctx context.Context) (*Artifact, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", model.ErrModelUnavailable, s)
		}
		return nil, fmt.Errorf("%w: open %s: %w", model.ErrModelUnavailable, s, err)
	}
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, maxArtifactBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", model.ErrModelUnavailable, s, err)
	}
	return ParseArtifact(data)
}

// Close releases the storage client.
func (s *GCSSource) Close() error { return s.client.Close() }

func (s *GCSSource) String() string { return "gs://" + s.bucket + "/" + s.object }
