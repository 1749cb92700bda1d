package cache

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/trees"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Refresh outcomes reported to metrics and logs.
const (
	refreshCommitted = "committed"
	refreshDropped   = "dropped"
	refreshFailed    = "failed"
)

// RefreshScheduler re-lists stale folders in the background. At most one
// refresh per folder key is in flight at any time.
type RefreshScheduler struct {
	store    *Store
	resolver *Resolver
	metrics  *Metrics
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	// Guarded by the store lock.
	inFlight map[string]struct{}
	closed   bool
}

// NewRefreshScheduler creates a scheduler committing into store.
func NewRefreshScheduler(store *Store, resolver *Resolver, metrics *Metrics, logger zerolog.Logger) *RefreshScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &RefreshScheduler{
		store:    store,
		resolver: resolver,
		metrics:  metrics,
		logger:   logger.With().Str("component", "refresh").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]struct{}),
	}
}

// Schedule starts a background refresh of dir. It returns false, launching
// nothing, when a refresh of the same folder is already running or the
// scheduler has been stopped.
func (rs *RefreshScheduler) Schedule(dir trees.Node) bool {
	var launch bool
	_ = rs.store.WithLock(func(tx *Tx) error {
		launch = rs.reserve(dir.LocalPath)
		return nil
	})
	if !launch {
		return false
	}

	rs.metrics.refreshStarted()
	rs.wg.Go(func() {
		rs.run(dir)
	})
	return true
}

// InFlight reports whether a refresh of folder is running.
func (rs *RefreshScheduler) InFlight(folder string) bool {
	var running bool
	_ = rs.store.WithLock(func(tx *Tx) error {
		_, running = rs.inFlight[folder]
		return nil
	})
	return running
}

// Wait blocks until every launched refresh has finished.
func (rs *RefreshScheduler) Wait() {
	rs.wg.Wait()
}

// Stop refuses new refreshes, cancels the running ones and waits for them.
func (rs *RefreshScheduler) Stop() {
	_ = rs.store.WithLock(func(tx *Tx) error {
		rs.closed = true
		return nil
	})
	rs.cancel()
	rs.wg.Wait()
}

func (rs *RefreshScheduler) reserve(key string) bool {
	if rs.closed {
		return false
	}
	if _, running := rs.inFlight[key]; running {
		return false
	}
	rs.inFlight[key] = struct{}{}
	return true
}

func (rs *RefreshScheduler) run(dir trees.Node) {
	runID := uuid.New()
	log := rs.logger.With().
		Str("run", runID.String()).
		Str("folder", dir.LocalPath).
		Logger()

	outcome := refreshFailed
	defer func() {
		_ = rs.store.WithLock(func(tx *Tx) error {
			delete(rs.inFlight, dir.LocalPath)
			return nil
		})
		rs.metrics.refresh(outcome)
		rs.metrics.refreshFinished()
	}()

	start := time.Now()
	listing, err := rs.resolver.Fetch(rs.ctx, dir)
	rs.metrics.resolved(start, err)
	if err != nil {
		log.Warn().Err(err).Msg("background refresh failed, keeping cached listing")
		return
	}

	err = rs.store.WithLock(func(tx *Tx) error {
		node, ok := tx.Get(dir.LocalPath)
		if !ok || node.ID != dir.ID {
			outcome = refreshDropped
			return nil
		}
		if err := tx.ReplaceChildren(dir.LocalPath, listing.Children()); err != nil {
			return err
		}
		node.IsParsed = true
		node.LastRefresh = listing.FetchedAt
		outcome = refreshCommitted
		return nil
	})
	if err != nil {
		outcome = refreshFailed
		log.Warn().Err(err).Msg("background refresh could not be committed")
		return
	}

	if outcome == refreshDropped {
		log.Warn().Msg("folder changed during refresh, dropping result")
		return
	}
	log.Debug().
		Int("children", len(listing.Entries)).
		Dur("took", time.Since(start)).
		Msg("folder refreshed")
}
