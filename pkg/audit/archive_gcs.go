//go:build gcp

package audit

import (
	"context"
	"fmt"
	"path"

	"cloud.google.com/go/storage"
)

// GCSSink stores archive segments as objects under a bucket prefix.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSSink(client *storage.Client, bucket, prefix string) *GCSSink {
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}
}

func (g *GCSSink) Store(ctx context.Context, name string, data []byte) error {
	object := path.Join(g.prefix, name)
	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("audit: write gcs object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("audit: finalize gcs object %s: %w", object, err)
	}
	return nil
}
