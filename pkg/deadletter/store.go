package deadletter

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// Store opens writers for new objects. It abstracts *storage.Client so the
// archiver can be tested without GCS.
type Store interface {
	NewObjectWriter(ctx context.Context, bucket, object string) io.WriteCloser
}

// gcsStore adapts a *storage.Client to Store.
type gcsStore struct {
	client *storage.Client
}

// NewGCSStore wraps client. The caller keeps ownership of the client.
func NewGCSStore(client *storage.Client) Store {
	if client == nil {
		return nil
	}
	return &gcsStore{client: client}
}

// NewObjectWriter returns the *storage.Writer for the object; Close finalizes the upload.
func (s *gcsStore) NewObjectWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.ContentEncoding = "gzip"
	return w
}
