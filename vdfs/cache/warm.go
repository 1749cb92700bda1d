package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/paths"

	"github.com/sourcegraph/conc/pool"
)

// WarmStats summarizes one Warm run.
type WarmStats struct {
	FoldersListed int64
	Entries       int64
	Errors        int64
	Duration      time.Duration
}

// Warm lists root and its subfolders breadth first, depth levels below root,
// so that later listings are served from the cache. A negative depth walks
// the whole subtree. Folders that fail to list are skipped together with
// their subtree; their errors are returned joined.
func (m *Manager) Warm(ctx context.Context, root string, depth int) (WarmStats, error) {
	var (
		stats  WarmStats
		errsMu sync.Mutex
		errs   []error
	)
	start := time.Now()

	currentLevel := []string{paths.Clean(root)}
	for level := 0; (depth < 0 || level <= depth) && len(currentLevel) > 0; level++ {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		nextLevel := make([]string, 0)
		var nextLevelMu sync.Mutex

		levelPool := pool.New().WithMaxGoroutines(m.warmWorkers).WithContext(ctx)
		for _, folder := range currentLevel {
			levelPool.Go(func(ctx context.Context) error {
				entries, err := m.GetFolderContent(ctx, folder, "")
				if err != nil {
					atomic.AddInt64(&stats.Errors, 1)
					m.logger.Warn().Err(err).Str("folder", folder).Msg("warm: listing failed")
					errsMu.Lock()
					errs = append(errs, err)
					errsMu.Unlock()
					return nil
				}
				atomic.AddInt64(&stats.FoldersListed, 1)

				var subfolders []string
				for _, entry := range entries {
					if entry.IsSynthetic() {
						continue
					}
					atomic.AddInt64(&stats.Entries, 1)
					if entry.Node.IsDirectory() {
						subfolders = append(subfolders, entry.Node.LocalPath)
					}
				}
				nextLevelMu.Lock()
				nextLevel = append(nextLevel, subfolders...)
				nextLevelMu.Unlock()
				return nil
			})
		}
		_ = levelPool.Wait()

		currentLevel = nextLevel
	}

	stats.Duration = time.Since(start)
	m.logger.Info().
		Str("root", root).
		Int64("folders", stats.FoldersListed).
		Int64("entries", stats.Entries).
		Int64("errors", stats.Errors).
		Dur("took", stats.Duration).
		Msg("warm complete")
	return stats, errors.Join(errs...)
}
