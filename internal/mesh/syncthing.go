package mesh

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/project5001/harvestd/internal/harvest"
)

// SyncthingOptions locates the local Syncthing REST API.
type SyncthingOptions struct {
	APIURL   string
	APIKey   string
	FolderID string
}

// Syncthing triggers a folder rescan on the local Syncthing instance so
// freshly harvested files replicate to the other nodes without waiting for
// the periodic scan.
type Syncthing struct {
	opts   SyncthingOptions
	client *http.Client
	logger *zap.Logger
}

var _ harvest.Notifier = (*Syncthing)(nil)

// NewSyncthing returns a Syncthing notifier.
func NewSyncthing(opts SyncthingOptions, logger *zap.Logger) *Syncthing {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncthing{
		opts:   opts,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// NotifyHarvested asks Syncthing to rescan the library folder. The batch
// contents do not matter to Syncthing; one rescan covers them all.
func (s *Syncthing) NotifyHarvested(ctx context.Context, sourceIDs []string) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	endpoint := fmt.Sprintf("%s/rest/db/scan?folder=%s",
		s.opts.APIURL, url.QueryEscape(s.opts.FolderID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build syncthing rescan request: %w", err)
	}
	req.Header.Set("X-API-Key", s.opts.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("syncthing rescan: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("syncthing rescan: unexpected status %d", resp.StatusCode)
	}
	s.logger.Debug("syncthing rescan triggered",
		zap.String("folder", s.opts.FolderID),
		zap.Int("batch", len(sourceIDs)),
	)
	return nil
}

// Close implements harvest.Notifier.
func (s *Syncthing) Close() error { return nil }
