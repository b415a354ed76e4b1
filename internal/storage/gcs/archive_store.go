// Package gcs uploads finished archives to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to every object name.
	Prefix string `mapstructure:"prefix"`
}

// ClientFactory builds storage clients so tests can inject fakes.
type ClientFactory interface {
	NewClient(ctx context.Context) (*storage.Client, error)
}

// DefaultFactory uses Application Default Credentials.
type DefaultFactory struct{}

// NewClient creates a client with ambient credentials.
func (DefaultFactory) NewClient(ctx context.Context) (*storage.Client, error) {
	return storage.NewClient(ctx)
}

// ArchiveStore uploads archives to a bucket and deletes the local copy.
type ArchiveStore struct {
	client *storage.Client
	bucket string
	prefix string
	fs     afero.Fs
	logger *zap.Logger
}

// Open creates a client and verifies the bucket is reachable.
func Open(ctx context.Context, cfg Config, factory ClientFactory, fs afero.Fs, logger *zap.Logger) (*ArchiveStore, error) {
	if factory == nil {
		factory = DefaultFactory{}
	}
	client, err := factory.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("failed to close GCS client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to get GCS bucket '%s': %w", cfg.Bucket, err)
	}
	return New(client, cfg, fs, logger)
}

// New wraps an existing client.
func New(client *storage.Client, cfg Config, fs afero.Fs, logger *zap.Logger) (*ArchiveStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		fs:     fs,
		logger: logger.Named("gcs"),
	}, nil
}

// Put uploads localPath as name and returns a gs:// URI. The local file is
// removed after a successful upload.
func (s *ArchiveStore) Put(ctx context.Context, localPath, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("name is required")
	}
	object := path.Join(s.prefix, name)
	src, err := s.fs.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()

	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = contentType(name)
	if _, err := io.Copy(writer, src); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	if err := s.fs.Remove(localPath); err != nil {
		s.logger.Warn("failed to remove uploaded archive", zap.String("path", localPath), zap.Error(err))
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Delete removes the object behind a gs:// URI. A missing object is not an
// error.
func (s *ArchiveStore) Delete(ctx context.Context, location string) error {
	bucket, object, err := parseURI(location)
	if err != nil {
		return err
	}
	err = s.client.Bucket(bucket).Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *ArchiveStore) Close() error {
	return s.client.Close()
}

func parseURI(location string) (string, string, error) {
	rest, ok := strings.CutPrefix(location, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// location: %q", location)
	}
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed gs:// location: %q", location)
	}
	return bucket, object, nil
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".tar.gz") {
		return "application/gzip"
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
