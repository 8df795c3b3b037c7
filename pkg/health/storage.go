package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StorageChecker verifies the blob store root is writable by creating
// and removing a probe file.
type StorageChecker struct {
	root string
}

// NewStorageChecker creates a storage health check over the blob root.
func NewStorageChecker(root string) *StorageChecker {
	return &StorageChecker{root: root}
}

// Name identifies the checked component.
func (c *StorageChecker) Name() string {
	return "storage"
}

// Check writes and removes a probe file under the root.
func (c *StorageChecker) Check(_ context.Context) Result {
	return run(func() error {
		probe := filepath.Join(c.root, ".health-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return fmt.Errorf("storage root not writable: %w", err)
		}
		if err := os.Remove(probe); err != nil {
			return fmt.Errorf("failed to remove probe file: %w", err)
		}
		return nil
	})
}
