package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/project5001/harvestd/internal/harvest"
)

// PubSub publishes harvest announcements to a Google Cloud Pub/Sub topic so
// remote nodes outside the Syncthing mesh can react to new catalogue entries.
type PubSub struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	logger    *zap.Logger
}

var _ harvest.Notifier = (*PubSub)(nil)

// harvestedMessage is the wire payload for one notification batch.
type harvestedMessage struct {
	SourceIDs []string  `json:"source_ids"`
	At        time.Time `json:"at"`
}

// NewPubSub creates a Pub/Sub client using Application Default Credentials
// and a publisher for the given topic.
func NewPubSub(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSub{
		client:    client,
		publisher: client.Publisher(topicID),
		logger:    logger,
	}, nil
}

// NotifyHarvested publishes the batch. Delivery confirmation is awaited so
// errors surface to the caller's log, but the caller treats them as advisory.
func (p *PubSub) NotifyHarvested(ctx context.Context, sourceIDs []string) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	data, err := json.Marshal(harvestedMessage{SourceIDs: sourceIDs, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal harvested message: %w", err)
	}
	result := p.publisher.Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish harvested message: %w", err)
	}
	p.logger.Debug("harvest announcement published",
		zap.String("message_id", id),
		zap.Int("batch", len(sourceIDs)),
	)
	return nil
}

// Close stops the publisher and releases the client.
func (p *PubSub) Close() error {
	p.publisher.Stop()
	return p.client.Close()
}
