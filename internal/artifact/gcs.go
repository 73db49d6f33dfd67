package artifact

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/project5001/harvestd/internal/harvest"
)

// GCS archives artifacts to a Google Cloud Storage bucket. Authentication
// uses Application Default Credentials.
type GCS struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

var _ harvest.Archiver = (*GCS)(nil)

// NewGCS creates the client and verifies the bucket is reachable so a bad
// configuration fails at startup instead of mid-run.
func NewGCS(ctx context.Context, bucket string, logger *zap.Logger) (*GCS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close gcs client after attrs failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check gcs bucket %s: %w", bucket, err)
	}
	return &GCS{client: client, bucket: bucket, logger: logger}, nil
}

// Archive uploads data to the bucket under name.
func (g *GCS) Archive(ctx context.Context, name string, data []byte) error {
	wc := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	if _, err := wc.Write(data); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			g.logger.Warn("close gcs writer after write failure", zap.Error(closeErr))
		}
		return fmt.Errorf("write gcs object %s: %w", name, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("finalize gcs object %s: %w", name, err)
	}
	return nil
}
