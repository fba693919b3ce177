package upload

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quarkstore/gateway/telemetry"
)

// scratchRetentionDays is how many days a date-stamped scratch folder
// survives. Folders dated strictly before today minus this many days are
// removed; today's and future folders always survive.
const scratchRetentionDays = 2

// ReaperConfig configures the background session reaper.
type ReaperConfig struct {
	// SessionTTL is how long an abandoned session is kept. Zero disables
	// session reclamation.
	SessionTTL time.Duration

	// CheckInterval is how often to run cleanup. Default is 1 hour.
	CheckInterval time.Duration

	// Logger for cleanup events.
	Logger *slog.Logger
}

// Reaper reclaims abandoned upload sessions and stale scratch folders. The
// caller owns scheduling via Start/Stop; RunOnce is also directly
// invokable.
type Reaper struct {
	config     ReaperConfig
	store      SessionStore
	scratchDir string
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReaper creates a reaper over the given session store and scratch
// directory.
func NewReaper(store SessionStore, scratchDir string, cfg ReaperConfig) *Reaper {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Reaper{
		config:     cfg,
		store:      store,
		scratchDir: scratchDir,
		logger:     cfg.Logger,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins background cleanup passes.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop stops background cleanup and waits for the current pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// CleanupResult contains the results of one cleanup pass.
type CleanupResult struct {
	SessionsReaped int
	FoldersRemoved int
	Errors         int
	Duration       time.Duration
}

// RunOnce performs one cleanup pass: expired sessions first, then the
// scratch folder sweep.
func (r *Reaper) RunOnce(ctx context.Context) *CleanupResult {
	start := r.now()
	result := &CleanupResult{}

	if r.config.SessionTTL > 0 {
		r.reapSessions(ctx, result)
	}
	r.sweepScratch(ctx, result)

	result.Duration = r.now().Sub(start)

	if result.SessionsReaped > 0 || result.FoldersRemoved > 0 {
		r.logger.Info("cleanup complete",
			slog.Int("sessions_reaped", result.SessionsReaped),
			slog.Int("folders_removed", result.FoldersRemoved),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration))
	} else {
		r.logger.Debug("cleanup complete, nothing to reclaim")
	}

	return result
}

// reapSessions removes sessions older than the TTL together with their
// staged parts.
func (r *Reaper) reapSessions(ctx context.Context, result *CleanupResult) {
	start := r.now()
	cutoff := start.Add(-r.config.SessionTTL)

	sessions, err := r.store.SessionsCreatedBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error("listing expired sessions failed", slog.Any("error", err))
		result.Errors++
		return
	}

	for _, s := range sessions {
		dir := filepath.Join(r.scratchDir, s.CreatedAt.UTC().Format(scratchDateLayout), s.ID)
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("removing session scratch directory failed",
				slog.String("session", s.ID), slog.Any("error", err))
			result.Errors++
			continue
		}
		if err := r.store.DeleteSession(ctx, s.ID); err != nil {
			r.logger.Warn("deleting expired session failed",
				slog.String("session", s.ID), slog.Any("error", err))
			result.Errors++
			continue
		}
		result.SessionsReaped++

		r.logger.Debug("reaped abandoned session",
			slog.String("session", s.ID),
			slog.Time("created_at", s.CreatedAt))
	}

	telemetry.RecordReaperCycle(ctx, "sessions", result.SessionsReaped, r.now().Sub(start))
}

// sweepScratch removes date-stamped scratch folders dated strictly before
// the retention cutoff. Entries that are not date-stamped folders are left
// alone.
func (r *Reaper) sweepScratch(ctx context.Context, result *CleanupResult) {
	start := r.now()
	removed := 0

	entries, err := os.ReadDir(r.scratchDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Error("reading scratch directory failed", slog.Any("error", err))
			result.Errors++
		}
		return
	}

	// Compare whole days in UTC, matching the folder name layout.
	y, mo, d := start.UTC().Date()
	today := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	cutoff := today.AddDate(0, 0, -scratchRetentionDays)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		day, err := time.Parse(scratchDateLayout, entry.Name())
		if err != nil {
			continue
		}
		if !day.Before(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(r.scratchDir, entry.Name())); err != nil {
			r.logger.Warn("removing stale scratch folder failed",
				slog.String("folder", entry.Name()), slog.Any("error", err))
			result.Errors++
			continue
		}
		removed++

		r.logger.Debug("removed stale scratch folder", slog.String("folder", entry.Name()))
	}

	result.FoldersRemoved += removed
	telemetry.RecordReaperCycle(ctx, "scratch", removed, r.now().Sub(start))
}
