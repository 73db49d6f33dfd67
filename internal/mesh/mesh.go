// Package mesh notifies the replication layer when new files land in the
// library. Notifications are best effort; a failed notification never fails
// the harvest that produced it.
package mesh

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/project5001/harvestd/internal/harvest"
)

// Supported provider names.
const (
	ProviderNoop      = "noop"
	ProviderSyncthing = "syncthing"
	ProviderPubSub    = "pubsub"
)

// NoopNotifier satisfies harvest.Notifier without doing anything. Used when
// the node runs standalone.
type NoopNotifier struct{}

var _ harvest.Notifier = (*NoopNotifier)(nil)

// NotifyHarvested does nothing.
func (NoopNotifier) NotifyHarvested(context.Context, []string) error { return nil }

// Close does nothing.
func (NoopNotifier) Close() error { return nil }

// Options carries provider selection and provider-specific settings.
type Options struct {
	Provider string

	SyncthingAPIURL   string
	SyncthingAPIKey   string
	SyncthingFolderID string

	PubSubProject string
	PubSubTopic   string
}

// New builds the notifier selected by opts.Provider.
func New(ctx context.Context, opts Options, logger *zap.Logger) (harvest.Notifier, error) {
	switch opts.Provider {
	case ProviderNoop, "":
		return NoopNotifier{}, nil
	case ProviderSyncthing:
		return NewSyncthing(SyncthingOptions{
			APIURL:   opts.SyncthingAPIURL,
			APIKey:   opts.SyncthingAPIKey,
			FolderID: opts.SyncthingFolderID,
		}, logger), nil
	case ProviderPubSub:
		return NewPubSub(ctx, opts.PubSubProject, opts.PubSubTopic, logger)
	default:
		return nil, fmt.Errorf("unknown mesh provider %q", opts.Provider)
	}
}
