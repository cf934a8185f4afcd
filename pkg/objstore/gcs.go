package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore publishes to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	loc    Location
}

// NewGCSStore creates a GCS store using application default credentials.
func NewGCSStore(ctx context.Context, loc Location) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSStore{client: client, loc: loc}, nil
}

// List returns logical keys under prefix.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	query := &storage.Query{Prefix: listPrefix(s.loc.Prefix, prefix)}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, fmt.Errorf("select GCS attributes: %w", err)
	}

	var keys []string
	it := s.client.Bucket(s.loc.Bucket).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects in %s: %w", s, err)
		}
		if key, ok := logicalKey(s.loc.Prefix, attrs.Name); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Put uploads localPath to key. The object only becomes visible once the
// writer is closed successfully.
func (s *GCSStore) Put(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &PublishError{Store: s.String(), Key: key, Err: fmt.Errorf("open staged file: %w", err)}
	}
	defer f.Close()

	// Cancelling the write context aborts the upload without committing
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.loc.Bucket).Object(joinKey(s.loc.Prefix, key)).NewWriter(writeCtx)
	w.ContentType = contentType(key)

	if _, err := io.Copy(w, f); err != nil {
		cancel()
		_ = w.Close()
		return &PublishError{Store: s.String(), Key: key, Err: fmt.Errorf("upload: %w", err)}
	}
	if err := w.Close(); err != nil {
		return &PublishError{Store: s.String(), Key: key, Err: fmt.Errorf("finalize upload: %w", err)}
	}
	return nil
}

func (s *GCSStore) String() string {
	return s.loc.String()
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
