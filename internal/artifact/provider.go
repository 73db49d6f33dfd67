// Package artifact archives copies of harvested files outside the library
// directory. The archive is a safety net for rebuilding a node; it is never
// on the critical path of a harvest.
package artifact

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/project5001/harvestd/internal/harvest"
)

// Supported provider names.
const (
	ProviderNoop  = "noop"
	ProviderLocal = "local"
	ProviderGCS   = "gcs"
)

// NoOp satisfies harvest.Archiver without storing anything.
type NoOp struct{}

var _ harvest.Archiver = (*NoOp)(nil)

// Archive does nothing.
func (NoOp) Archive(context.Context, string, []byte) error { return nil }

// Options selects and configures a provider.
type Options struct {
	Provider  string
	LocalDir  string
	GCSBucket string
}

// New builds the archiver selected by opts.Provider.
func New(ctx context.Context, opts Options, logger *zap.Logger) (harvest.Archiver, error) {
	switch opts.Provider {
	case ProviderNoop, "":
		return NoOp{}, nil
	case ProviderLocal:
		return NewLocal(opts.LocalDir)
	case ProviderGCS:
		return NewGCS(ctx, opts.GCSBucket, logger)
	default:
		return nil, fmt.Errorf("unknown archive provider %q", opts.Provider)
	}
}
