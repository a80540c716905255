package warden

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ReaperConfig configures a Reaper. Zero values take the repository's
// CleanupInterval and CleanupBatchSize.
type ReaperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Reaper periodically deletes expired sessions through the repository, so
// their index entries go with them and EventExpired is published.
type Reaper struct {
	repo      *Repository
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	sweeping atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper for repo. Call Start to run it in the background.
func NewReaper(repo *Repository, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = repo.config.CleanupInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = repo.config.CleanupBatchSize
	}
	return &Reaper{
		repo:      repo,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		logger:    repo.logger,
	}
}

// Start runs Sweep every interval until ctx is done or Stop is called.
// Calling Start on a running reaper does nothing.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx, r.done)
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger.WarnContext(ctx, "expired session sweep finished with errors",
					slog.Int("deleted", n), errorAttr(err))
			} else if n > 0 {
				r.logger.InfoContext(ctx, "expired sessions deleted", slog.Int("deleted", n))
			}
		}
	}
}

// Stop stops the background loop and waits for a running sweep to finish.
// It is safe to call Stop on a reaper that was never started.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Sweep deletes every session expired at the clock's now and returns how
// many it deleted. A failure on one session is logged and the sweep goes
// on; all failures are returned joined. If another sweep is in progress,
// Sweep returns immediately.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	if !r.sweeping.CompareAndSwap(false, true) {
		r.logger.DebugContext(ctx, "expired session sweep already running")
		return 0, nil
	}
	defer r.sweeping.Store(false)

	now := r.repo.config.Clock.Now()
	deleted := 0
	var errs []error

	for {
		ids, err := r.repo.backend.ExpiredIDs(ctx, now, r.batchSize)
		if err != nil {
			errs = append(errs, err)
			break
		}

		progress := 0
		for _, id := range ids {
			ok, err := r.repo.removeExpired(ctx, id, now)
			if err != nil {
				r.logger.WarnContext(ctx, "failed to delete expired session", sessionAttr(id), errorAttr(err))
				errs = append(errs, err)
				continue
			}
			if ok {
				deleted++
				progress++
			}
		}

		if len(ids) < r.batchSize || progress == 0 || ctx.Err() != nil {
			break
		}
	}

	return deleted, errors.Join(errs...)
}
