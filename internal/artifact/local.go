package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/project5001/harvestd/internal/harvest"
)

// Local writes archive copies under a base directory on the local filesystem,
// typically a mount that is backed up independently of the library.
type Local struct {
	baseDir string
}

var _ harvest.Archiver = (*Local)(nil)

// NewLocal validates the base directory, creating it when absent.
func NewLocal(baseDir string) (*Local, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("archive base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create archive directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat archive directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("archive path %s is not a directory", baseDir)
	}
	return &Local{baseDir: baseDir}, nil
}

// Archive writes data to name under the base directory. The name is cleaned
// and confined to the base directory to prevent traversal.
func (l *Local) Archive(_ context.Context, name string, data []byte) error {
	full := filepath.Join(l.baseDir, filepath.Clean("/"+name))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create archive subdirectory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return fmt.Errorf("write archive file %s: %w", name, err)
	}
	return nil
}
