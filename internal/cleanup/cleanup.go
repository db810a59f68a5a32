package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/update_agent/internal/logctx"
)

// DeleteStaleFileTrees deletes update module working trees below workRoot that
// were last modified more than keepDuration ago. The tree of a deployment still
// in progress is never stale because the module keeps writing to it.
func DeleteStaleFileTrees(ctx context.Context, workRoot string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	trees, err := filepath.Glob(filepath.Join(workRoot, "payloads", "*", "tree"))
	if err != nil {
		return 0, err
	}

	var (
		deleted int
		errs    []error
	)

	for _, tree := range trees {
		info, err := os.Stat(tree)
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("Failed to stat file tree", "tree", tree, "err", err)
			errs = append(errs, err)

			continue
		}

		if !info.IsDir() || now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.RemoveAll(tree); err != nil {
			logger.Error("Failed to delete stale file tree", "tree", tree, "err", err)
			errs = append(errs, err)

			continue
		}

		deleted++

		logger.Info("Deleted stale file tree", "tree", tree, "age", now.Sub(info.ModTime()).Round(time.Second))
	}

	return deleted, errors.Join(errs...)
}
